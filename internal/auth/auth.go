// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth implements spec §4.H's local cookie auth: enable/login/
// changePassword/disable/logout for a single operator, backed by the
// zero-knowledge password-verifier primitive in internal/relaycrypto and
// persisted via internal/settings at {dataDir}/auth.json. Cookie issuance
// (opaque bearer token keyed by a process-lifetime secret) is grounded on
// iota-uz-iota-sdk's modules/core/services/auth_service.go cookie
// construction, simplified to single-operator scope: no DB-backed session
// table, no audience/IP binding, no OAuth.
//
// login's credential check is a local, loopback recompute-and-compare
// against the stored verifier (the same derivation enable used), not an
// interactive challenge-response: crypto/ecdh exposes only the ECDH
// operation, not the generic point arithmetic a Schnorr-style
// proof-of-knowledge would need to let a verifier-holder check a claim
// without ever seeing the password. The remote relay handshake in
// internal/relaycrypto, which actually crosses an untrusted rendezvous,
// uses the full interactive StartExchange/Complete protocol instead;
// local login only has to resist a bystander reading the disk, which
// recompute-and-compare already provides (the stored verifier does not
// reveal the password, spec §3).
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relaydesk/agentd/internal/relaycrypto"
	"github.com/relaydesk/agentd/internal/settings"
)

// DefaultUsername is used when enable(password) is called without an
// explicit username, per spec §4.H ("defaulting to a constant when not
// supplied").
const DefaultUsername = "operator"

// CookieName is the name of the session cookie issued by Login.
const CookieName = "agentd_session"

var (
	ErrAlreadyEnabled     = errors.New("auth: already enabled")
	ErrNotEnabled         = errors.New("auth: not enabled")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// state is the persisted auth.json document.
type state struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username"`
	Salt     string `json:"salt"`     // base64
	Verifier string `json:"verifier"` // base64
}

const authFile = "auth.json"

// Manager owns the single server-wide Auth State (spec §9: "exactly one
// ... Auth store per server"). It is safe for concurrent use.
type Manager struct {
	store    *settings.Store
	verifier *relaycrypto.Verifier

	mu      sync.Mutex
	current state

	// cookieSecret is generated fresh each process start, so restarting
	// the server invalidates every previously issued cookie (spec §4.H:
	// "rotating secret at restart").
	cookieSecret [32]byte

	revokedMu sync.Mutex
	revoked   map[string]struct{}
}

// New constructs a Manager backed by store, loading any persisted state.
// A missing auth.json is treated as "disabled".
func New(store *settings.Store) (*Manager, error) {
	m := &Manager{
		store:    store,
		verifier: relaycrypto.NewVerifier(),
		revoked:  make(map[string]struct{}),
	}
	if _, err := rand.Read(m.cookieSecret[:]); err != nil {
		return nil, fmt.Errorf("auth: generate cookie secret: %w", err)
	}

	if store.Exists(authFile) {
		var s state
		if err := store.ReadJSON(authFile, &s); err != nil {
			return nil, fmt.Errorf("auth: load state: %w", err)
		}
		m.current = s
	}
	return m, nil
}

// Status reports whether auth is enabled and, if so, for which username.
func (m *Manager) Status() (enabled bool, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Enabled, m.current.Username
}

// Enable derives and persists {salt, verifier} for username/password. It
// is an error to enable when already enabled; call Disable first.
func (m *Manager) Enable(username, password string) error {
	if username == "" {
		username = DefaultUsername
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Enabled {
		return ErrAlreadyEnabled
	}

	enrollment, err := m.verifier.Enroll(username, password)
	if err != nil {
		return fmt.Errorf("auth: enroll: %w", err)
	}

	s := state{
		Enabled:  true,
		Username: username,
		Salt:     base64.StdEncoding.EncodeToString(enrollment.Salt[:]),
		Verifier: base64.StdEncoding.EncodeToString(enrollment.Verifier),
	}
	if err := m.store.WriteJSON(authFile, s); err != nil {
		return fmt.Errorf("auth: persist: %w", err)
	}
	m.current = s
	return nil
}

// checkPassword recomputes the verifier from (username, password, stored
// salt) and compares it to the stored verifier in constant time. Must be
// called with m.mu held.
func (m *Manager) checkPassword(username, password string) error {
	if !m.current.Enabled {
		return ErrNotEnabled
	}
	if username != m.current.Username {
		return ErrInvalidCredentials
	}

	saltBytes, err := base64.StdEncoding.DecodeString(m.current.Salt)
	if err != nil || len(saltBytes) != 16 {
		return fmt.Errorf("auth: stored salt corrupt: %w", err)
	}
	var salt [16]byte
	copy(salt[:], saltBytes)

	storedVerifier, err := base64.StdEncoding.DecodeString(m.current.Verifier)
	if err != nil {
		return fmt.Errorf("auth: stored verifier corrupt: %w", err)
	}

	priv, err := m.verifier.PasswordScalar(username, password, salt)
	if err != nil {
		return fmt.Errorf("auth: derive password key: %w", err)
	}
	candidate := priv.PublicKey().Bytes()

	if subtle.ConstantTimeCompare(candidate, storedVerifier) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Login verifies username/password against the stored verifier and, on
// success, issues a signed bearer cookie.
func (m *Manager) Login(username, password string) (*http.Cookie, error) {
	m.mu.Lock()
	err := m.checkPassword(username, password)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.issueCookie(), nil
}

// ChangePassword verifies oldPassword and re-enrolls under newPassword,
// keeping the same username.
func (m *Manager) ChangePassword(username, oldPassword, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPassword(username, oldPassword); err != nil {
		return err
	}

	enrollment, err := m.verifier.Enroll(username, newPassword)
	if err != nil {
		return fmt.Errorf("auth: enroll: %w", err)
	}
	s := state{
		Enabled:  true,
		Username: username,
		Salt:     base64.StdEncoding.EncodeToString(enrollment.Salt[:]),
		Verifier: base64.StdEncoding.EncodeToString(enrollment.Verifier),
	}
	if err := m.store.WriteJSON(authFile, s); err != nil {
		return fmt.Errorf("auth: persist: %w", err)
	}
	m.current = s
	return nil
}

// Disable clears the Auth State; the server accepts unauthenticated
// access until Enable is called again.
func (m *Manager) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state{Enabled: false}
	if err := m.store.WriteJSON(authFile, s); err != nil {
		return fmt.Errorf("auth: persist: %w", err)
	}
	m.current = s
	return nil
}

// Logout revokes a single cookie token for the remainder of the process
// lifetime.
func (m *Manager) Logout(token string) {
	m.revokedMu.Lock()
	defer m.revokedMu.Unlock()
	m.revoked[token] = struct{}{}
}

// issueCookie mints a fresh bearer token HMAC-bound to this process's
// cookie secret: token = nonce || truncated-HMAC(secret, nonce),
// base64-encoded. Validation is stateless (no server-side session table)
// except for the small in-memory revocation set Logout populates.
func (m *Manager) issueCookie() *http.Cookie {
	var nonce [24]byte
	_, _ = rand.Read(nonce[:])

	mac := hmac.New(sha256.New, m.cookieSecret[:])
	mac.Write(nonce[:])
	tag := mac.Sum(nil)[:16]

	raw := append(append([]byte{}, nonce[:]...), tag...)
	token := base64.RawURLEncoding.EncodeToString(raw)

	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
		Expires:  time.Now().Add(30 * 24 * time.Hour),
	}
}

// Validate reports whether token is a live, unrevoked cookie value issued
// by this process.
func (m *Manager) Validate(token string) bool {
	m.revokedMu.Lock()
	_, revoked := m.revoked[token]
	m.revokedMu.Unlock()
	if revoked {
		return false
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 24+16 {
		return false
	}
	nonce, tag := raw[:24], raw[24:]

	mac := hmac.New(sha256.New, m.cookieSecret[:])
	mac.Write(nonce)
	expected := mac.Sum(nil)[:16]

	return hmac.Equal(tag, expected)
}

// Required reports whether the server currently requires a valid cookie
// for non-exempt requests.
func (m *Manager) Required() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Enabled
}
