// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/internal/agent"
	"github.com/relaydesk/agentd/internal/auth"
	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/permission"
	"github.com/relaydesk/agentd/internal/project"
	"github.com/relaydesk/agentd/internal/sessionview"
	"github.com/relaydesk/agentd/internal/settings"
	"github.com/relaydesk/agentd/internal/supervisor"
	"github.com/relaydesk/agentd/internal/transcript"
)

type stubProc struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	stdout *io.PipeReader
	stdoutW *io.PipeWriter
	exit   chan error
}

func newStubProc() *stubProc {
	ir, iw := io.Pipe()
	or, ow := io.Pipe()
	return &stubProc{stdinR: ir, stdinW: iw, stdout: or, stdoutW: ow, exit: make(chan error, 1)}
}

func (s *stubProc) Stdin() io.WriteCloser { return s.stdinW }
func (s *stubProc) Stdout() io.Reader     { return s.stdout }
func (s *stubProc) Wait() error           { return <-s.exit }
func (s *stubProc) Kill() error {
	select {
	case s.exit <- nil:
	default:
	}
	s.stdoutW.Close()
	return nil
}

type stubLauncher struct{}

func (l *stubLauncher) Launch(ctx context.Context, workDir, sessionID, resume string) (agent.Proc, error) {
	return newStubProc(), nil
}
func (l *stubLauncher) Authoritative() bool { return true }

func newTestServer(t *testing.T) (*handler, *eventbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()
	store := transcript.New(dir, bus)
	sup := supervisor.New(bus,
		func() *permission.Checker { return permission.NewChecker(nil) },
		func(projectID, sessionID string) agent.Launcher { return &stubLauncher{} },
		func(projectID, sessionID string) bool { return false },
	)
	assembler := sessionview.NewAssembler(store, sup, sup.Process)
	settingsStore, err := settings.New(t.TempDir())
	require.NoError(t, err)
	authMgr, err := auth.New(settingsStore)
	require.NoError(t, err)

	return &handler{deps: Dependencies{
		ProjectsRoot: dir,
		Transcript:   store,
		Sessions:     assembler,
		Supervisor:   sup,
		Auth:         authMgr,
		Settings:     settingsStore,
		Bus:          bus,
	}}, bus
}

func TestListProjects_EmptyRoot(t *testing.T) {
	h, _ := newTestServer(t)
	r := NewRouter(h.deps)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestGetProject_UnknownReturnsNotFound(t *testing.T) {
	h, _ := newTestServer(t)
	r := NewRouter(h.deps)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/not-a-real-id", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSession_StartsAndIsListedOwned(t *testing.T) {
	h, _ := newTestServer(t)
	r := NewRouter(h.deps)

	id, _, err := project.EnsureDir(h.deps.ProjectsRoot, "/tmp/some-project")
	require.NoError(t, err)

	body, _ := json.Marshal(createSessionRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+id+"/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Data sessionStartedResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.SessionID)
	assert.True(t, h.deps.Supervisor.Owns(resp.Data.SessionID))
}

func TestCreateSession_InvalidModeRejected(t *testing.T) {
	h, _ := newTestServer(t)
	r := NewRouter(h.deps)

	id, _, err := project.EnsureDir(h.deps.ProjectsRoot, "/tmp/another-project")
	require.NoError(t, err)

	body, _ := json.Marshal(createSessionRequest{Mode: "not-a-mode"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+id+"/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_EnabledRequiresCookie(t *testing.T) {
	h, _ := newTestServer(t)
	require.NoError(t, h.deps.Auth.Enable("operator", "correct-horse"))
	r := NewRouter(h.deps)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	loginBody, _ := json.Marshal(authCredentialsRequest{Username: "operator", Password: "correct-horse"})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	r.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusNoContent, loginRec.Code)

	cookies := loginRec.Result().Cookies()
	require.Len(t, cookies, 1)

	authedReq := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	authedReq.AddCookie(cookies[0])
	authedRec := httptest.NewRecorder()
	r.ServeHTTP(authedRec, authedReq)
	assert.Equal(t, http.StatusOK, authedRec.Code)
}

func TestAuth_LoginWrongPasswordRejected(t *testing.T) {
	h, _ := newTestServer(t)
	require.NoError(t, h.deps.Auth.Enable("operator", "right-password"))
	r := NewRouter(h.deps)

	body, _ := json.Marshal(authCredentialsRequest{Username: "operator", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamActivity_SendsConnectedThenEvent(t *testing.T) {
	h, bus := newTestServer(t)
	r := NewRouter(h.deps)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/activity/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the subscription time to register before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Event{Kind: eventbus.KindFileChange, Data: transcript.FileChange{SessionID: "s1"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		<-done
	}

	assert.Contains(t, rec.Body.String(), "event: connected")
	assert.Contains(t, rec.Body.String(), "event: file-change")
}
