// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relaycrypto implements spec §4.H's zero-knowledge verifier
// exchange and the per-frame authenticated-encryption envelope used once a
// relay connection has handshaked. No SRP/OPAQUE/SPAKE2 library appears
// anywhere in the retrieval pack, so the verifier exchange itself is built
// directly on crypto/ecdh (P-256) and crypto/sha256 — documented in
// DESIGN.md as the one justified stdlib-only primitive. The envelope
// machinery around it uses golang.org/x/crypto's nacl/secretbox and hkdf,
// which do appear (indirectly) in the retrieval pack.
package relaycrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// EnvelopeVersion is the current envelope format byte.
const EnvelopeVersion byte = 0x01

// nonceSize and keySize match nacl/secretbox's requirements.
const (
	nonceSize = 24
	keySize   = 32
)

// hkdfInfo is the fixed info string for the envelope key derivation, per
// spec §4.H: derive-key(session_key) = HKDF-like(session_key,
// info="secretbox-v1").
const hkdfInfo = "secretbox-v1"

// Verifier runs one side of the zero-knowledge password-verifier exchange.
// Both the cookie-auth `enable`/`login` flow and the relay handshake share
// this type; enable derives {salt, verifier} once, login recomputes the
// password scalar and compares it with the stored verifier, and only the
// relay handshake runs the exchange proper.
type Verifier struct {
	curve ecdh.Curve
}

// NewVerifier constructs a Verifier over P-256.
func NewVerifier() *Verifier {
	return &Verifier{curve: ecdh.P256()}
}

// Enrollment is what `enable(password)` persists: a salt and a verifier
// point, neither of which can be used to reconstruct the password (spec
// §3: "verifier is zero-knowledge").
type Enrollment struct {
	Salt     [16]byte
	Verifier []byte // marshaled public key point
}

// PasswordScalar derives a deterministic private scalar from
// (username, password, salt) by hashing into the curve's private key
// space. This is the password-verifier step shared by enroll, login, and
// handshake; exported so callers (e.g. internal/auth's recompute-and-compare
// login check) can derive the same scalar without re-deriving a fresh salt.
func (v *Verifier) PasswordScalar(username, password string, salt [16]byte) (*ecdh.PrivateKey, error) {
	h := sha256.New()
	h.Write([]byte(username))
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write([]byte{0})
	h.Write(salt[:])
	seed := h.Sum(nil)
	return v.curve.NewPrivateKey(seed)
}

// Enroll derives {salt, verifier} for a freshly chosen password.
func (v *Verifier) Enroll(username, password string) (Enrollment, error) {
	var salt [16]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return Enrollment{}, fmt.Errorf("relaycrypto: generate salt: %w", err)
	}
	priv, err := v.PasswordScalar(username, password, salt)
	if err != nil {
		return Enrollment{}, fmt.Errorf("relaycrypto: derive password key: %w", err)
	}
	return Enrollment{Salt: salt, Verifier: priv.PublicKey().Bytes()}, nil
}

// Exchange is one side's ephemeral key pair for a single verifier run.
type Exchange struct {
	priv *ecdh.PrivateKey
}

// StartExchange generates this side's ephemeral key pair.
func (v *Verifier) StartExchange() (*Exchange, []byte, error) {
	priv, err := v.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("relaycrypto: generate ephemeral key: %w", err)
	}
	return &Exchange{priv: priv}, priv.PublicKey().Bytes(), nil
}

// Complete derives the shared session key given the peer's ephemeral
// public key, the password-derived scalar both peers hold (the relay
// handshake is symmetric: both the local server and the pairing client
// know the same pairing password, spec §4.H), and a transcript binding
// both sides' public material so the key is unique per handshake. Both
// peers must present their (own, peer) ephemeral-public-key bytes in the
// same order agreed by the protocol (initiator: (own, peer); responder:
// (peer, own)) so they converge on the same transcript bytes.
func (v *Verifier) Complete(e *Exchange, peerPub []byte, passwordPriv *ecdh.PrivateKey, transcriptA, transcriptB []byte) (sessionKey []byte, err error) {
	peer, err := v.curve.NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: invalid peer public key: %w", err)
	}
	ephemeralShared, err := e.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: ecdh: %w", err)
	}

	// passwordPriv is derived identically by both peers from the shared
	// (username, password, salt) triple, so hashing its raw bytes binds
	// the session key to proof that both sides know the password without
	// either transmitting it, alongside the ephemeral ECDH for
	// per-handshake uniqueness.
	passwordBinding := sha256.Sum256(passwordPriv.Bytes())

	h := sha256.New()
	h.Write(ephemeralShared)
	h.Write(passwordBinding[:])
	h.Write(transcriptA)
	h.Write(transcriptB)
	return h.Sum(nil), nil
}

// DeriveKey truncates an HKDF-like expansion of sessionKey to 32 bytes
// using the fixed "secretbox-v1" info string, per spec §4.H.
func DeriveKey(sessionKey []byte) ([keySize]byte, error) {
	var out [keySize]byte
	r := hkdf.New(sha256.New, sessionKey, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("relaycrypto: hkdf expand: %w", err)
	}
	return out, nil
}

// ErrDecryptFailed is the distinguished null returned on any envelope
// decode/decrypt failure. Per spec §4.H this is fatal per frame: the
// caller must close the connection with a protocol-error code and a
// neutral reason, never distinguishing "bad nonce" from "bad ciphertext"
// (no oracle leakage).
var ErrDecryptFailed = errors.New("relaycrypto: envelope decryption failed")

// BinaryEnvelopeError reports an envelope whose version byte this binary
// does not understand. Per spec §8 S6 this is kept distinct from
// ErrDecryptFailed: "unsupported version" means a peer running
// incompatible software, not a tampered frame or wrong key, so an
// operator reading logs can tell the two apart even though both are
// still fatal to the connection.
type BinaryEnvelopeError struct {
	Version byte
}

func (e *BinaryEnvelopeError) Error() string {
	return fmt.Sprintf("relaycrypto: unsupported envelope version 0x%02x", e.Version)
}

// Seal wraps inner in an envelope: version(1) || nonce(24) || ciphertext,
// with a fresh random nonce per frame.
func Seal(key [keySize]byte, inner []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("relaycrypto: generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+nonceSize+len(inner)+secretbox.Overhead)
	out = append(out, EnvelopeVersion)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, inner, &nonce, &key)
	return out, nil
}

// Open reverses Seal. A malformed envelope or authentication failure
// returns ErrDecryptFailed uniformly (no oracle leakage); an envelope
// carrying a version byte this binary does not support returns the
// distinct *BinaryEnvelopeError instead, since that is a version
// mismatch, not tampering.
func Open(key [keySize]byte, envelope []byte) ([]byte, error) {
	if len(envelope) < 1 {
		return nil, ErrDecryptFailed
	}
	if subtle.ConstantTimeByteEq(envelope[0], EnvelopeVersion) != 1 {
		return nil, &BinaryEnvelopeError{Version: envelope[0]}
	}
	if len(envelope) < 1+nonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], envelope[1:1+nonceSize])
	ciphertext := envelope[1+nonceSize:]

	out, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return out, nil
}
