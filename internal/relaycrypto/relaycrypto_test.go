// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relaycrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake_BothSidesConvergeOnSameSessionKey(t *testing.T) {
	v := NewVerifier()

	const username, password = "operator", "correct-horse-battery-staple"
	var salt [16]byte
	copy(salt[:], []byte("0123456789abcdef"))

	localPriv, err := v.PasswordScalar(username, password, salt)
	require.NoError(t, err)
	remotePriv, err := v.PasswordScalar(username, password, salt)
	require.NoError(t, err)
	assert.Equal(t, localPriv.Bytes(), remotePriv.Bytes(), "both sides derive the identical password scalar")

	localExchange, localPub, err := v.StartExchange()
	require.NoError(t, err)
	remoteExchange, remotePub, err := v.StartExchange()
	require.NoError(t, err)

	// Initiator (local) orders the transcript (own, peer); responder
	// (remote) orders it (peer, own) so both hash the same byte sequence.
	localKey, err := v.Complete(localExchange, remotePub, localPriv, localPub, remotePub)
	require.NoError(t, err)
	remoteKey, err := v.Complete(remoteExchange, localPub, remotePriv, localPub, remotePub)
	require.NoError(t, err)

	assert.Equal(t, localKey, remoteKey)
}

func TestHandshake_DifferentPasswordsDivergeSessionKey(t *testing.T) {
	v := NewVerifier()
	var salt [16]byte

	localPriv, err := v.PasswordScalar("operator", "password-one", salt)
	require.NoError(t, err)
	remotePriv, err := v.PasswordScalar("operator", "password-two", salt)
	require.NoError(t, err)

	localExchange, localPub, err := v.StartExchange()
	require.NoError(t, err)
	remoteExchange, remotePub, err := v.StartExchange()
	require.NoError(t, err)

	localKey, err := v.Complete(localExchange, remotePub, localPriv, localPub, remotePub)
	require.NoError(t, err)
	remoteKey, err := v.Complete(remoteExchange, localPub, remotePriv, localPub, remotePub)
	require.NoError(t, err)

	assert.NotEqual(t, localKey, remoteKey)
}

func TestEnroll_ProducesSaltAndVerifier(t *testing.T) {
	v := NewVerifier()
	e1, err := v.Enroll("operator", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, e1.Verifier)

	e2, err := v.Enroll("operator", "hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, e1.Salt, e2.Salt, "salt is freshly random per enrollment")
}

func TestDeriveKey_Deterministic(t *testing.T) {
	sessionKey := []byte("a-32-plus-byte-shared-secret-value")
	k1, err := DeriveKey(sessionKey)
	require.NoError(t, err)
	k2, err := DeriveKey(sessionKey)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, keySize)
}

func TestDeriveKey_DifferentSessionKeysDiverge(t *testing.T) {
	k1, err := DeriveKey([]byte("session-key-one"))
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("session-key-two"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("some shared session secret"))
	require.NoError(t, err)

	inner := []byte(`{"type":"request","id":"1"}`)
	envelope, err := Seal(key, inner)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, envelope[0])

	got, err := Open(key, envelope)
	require.NoError(t, err)
	assert.Equal(t, inner, got)
}

func TestSealOpen_FreshNoncePerFrame(t *testing.T) {
	key, err := DeriveKey([]byte("some shared session secret"))
	require.NoError(t, err)

	e1, err := Seal(key, []byte("same plaintext"))
	require.NoError(t, err)
	e2, err := Seal(key, []byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, e1, e2, "nonce must differ so identical plaintexts produce different envelopes")
}

func TestOpen_WrongKeyFails(t *testing.T) {
	key, err := DeriveKey([]byte("key-a"))
	require.NoError(t, err)
	wrongKey, err := DeriveKey([]byte("key-b"))
	require.NoError(t, err)

	envelope, err := Seal(key, []byte("secret payload"))
	require.NoError(t, err)

	_, err = Open(wrongKey, envelope)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	key, err := DeriveKey([]byte("key-a"))
	require.NoError(t, err)
	envelope, err := Seal(key, []byte("secret payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), envelope...)
	tampered[len(tampered)-1] ^= 0x01

	_, err = Open(key, tampered)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_UnknownVersionFails(t *testing.T) {
	key, err := DeriveKey([]byte("key-a"))
	require.NoError(t, err)
	envelope, err := Seal(key, []byte("secret payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), envelope...)
	tampered[0] = 0xFF

	_, err = Open(key, tampered)
	require.Error(t, err)
	var envErr *BinaryEnvelopeError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, byte(0xFF), envErr.Version)
	assert.NotErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_MalformedEnvelopeFails(t *testing.T) {
	key, err := DeriveKey([]byte("key-a"))
	require.NoError(t, err)

	_, err = Open(key, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = Open(key, nil)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}
