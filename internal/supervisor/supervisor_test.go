// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/internal/agent"
	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/permission"
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

type stubLauncher struct{ procs []*stubProc }

func (l *stubLauncher) Launch(ctx context.Context, workDir, sessionID, resume string) (agent.Proc, error) {
	p := newStubProc()
	l.procs = append(l.procs, p)
	return p, nil
}
func (l *stubLauncher) Authoritative() bool { return true }

func newTestSupervisor() (*Supervisor, *stubLauncher) {
	bus := eventbus.New()
	launcher := &stubLauncher{}
	sup := New(bus,
		func() *permission.Checker { return permission.NewChecker(nil) },
		func(projectID, sessionID string) agent.Launcher { return launcher },
		func(projectID, sessionID string) bool { return false },
		WithIdleTimeout(50*time.Millisecond),
	)
	return sup, launcher
}

func TestSupervisor_StartRegistersBothIndices(t *testing.T) {
	sup, _ := newTestSupervisor()
	res, err := sup.Start(context.Background(), "proj-1", json.RawMessage(`{"msg":"hi"}`), permission.ModeDefault)
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.ProcessID)
	assert.True(t, sup.Owns(res.SessionID))

	list := sup.List()
	require.Len(t, list, 1)
	assert.Equal(t, res.SessionID, list[0].SessionID)
	assert.Equal(t, res.ProcessID, list[0].ProcessID)
}

func TestSupervisor_QueueFailsNotOwned(t *testing.T) {
	sup, _ := newTestSupervisor()
	_, err := sup.Queue("no-such-session", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestSupervisor_ResumeQueuesWhenOwned(t *testing.T) {
	sup, _ := newTestSupervisor()
	res, err := sup.Start(context.Background(), "proj-1", nil, permission.ModeDefault)
	require.NoError(t, err)

	rr, err := sup.Resume(context.Background(), "proj-1", res.SessionID, json.RawMessage(`{"m":1}`), permission.ModeDefault)
	require.NoError(t, err)
	assert.Equal(t, res.ProcessID, rr.ProcessID)
}

func TestSupervisor_ResumeConflictsWhenExternal(t *testing.T) {
	bus := eventbus.New()
	launcher := &stubLauncher{}
	sup := New(bus,
		func() *permission.Checker { return permission.NewChecker(nil) },
		func(projectID, sessionID string) agent.Launcher { return launcher },
		func(projectID, sessionID string) bool { return true },
	)
	_, err := sup.Resume(context.Background(), "proj-1", "sess-x", json.RawMessage(`{}`), permission.ModeDefault)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSupervisor_AbortReleasesOwnership(t *testing.T) {
	sup, _ := newTestSupervisor()
	res, err := sup.Start(context.Background(), "proj-1", nil, permission.ModeDefault)
	require.NoError(t, err)

	require.NoError(t, sup.Abort(res.ProcessID))
	require.Eventually(t, func() bool { return !sup.Owns(res.SessionID) }, time.Second, time.Millisecond)
}

func TestSupervisor_IdleReaperTerminatesAfterTimeout(t *testing.T) {
	sup, launcher := newTestSupervisor()
	res, err := sup.Start(context.Background(), "proj-1", nil, permission.ModeDefault)
	require.NoError(t, err)

	_, err = launcher.procs[0].stdoutW.Write([]byte(`{"type":"result","uuid":"r1"}` + "\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.RunIdleReaper(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool { return !sup.Owns(res.SessionID) }, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_ActiveCount(t *testing.T) {
	sup, _ := newTestSupervisor()
	assert.Equal(t, 0, sup.ActiveCount())
	_, err := sup.Start(context.Background(), "proj-1", json.RawMessage(`{"m":1}`), permission.ModeDefault)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.ActiveCount() == 1 }, time.Second, time.Millisecond)
}
