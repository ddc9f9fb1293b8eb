// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/permission"
)

type mockProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	exit    chan error
}

func newMockProc() *mockProc {
	ir, iw := io.Pipe()
	or, ow := io.Pipe()
	return &mockProc{stdinR: ir, stdinW: iw, stdoutR: or, stdoutW: ow, exit: make(chan error, 1)}
}

func (m *mockProc) Stdin() io.WriteCloser { return m.stdinW }
func (m *mockProc) Stdout() io.Reader     { return m.stdoutR }
func (m *mockProc) Wait() error           { return <-m.exit }
func (m *mockProc) Kill() error {
	select {
	case m.exit <- nil:
	default:
	}
	m.stdoutW.Close()
	return nil
}

type mockLauncher struct {
	proc          *mockProc
	authoritative bool
}

func (l *mockLauncher) Launch(ctx context.Context, workDir, sessionID, resume string) (Proc, error) {
	return l.proc, nil
}
func (l *mockLauncher) Authoritative() bool { return l.authoritative }

func newTestProcess(t *testing.T, authoritative bool) (*Process, *mockProc, *bufio.Scanner) {
	t.Helper()
	proc := newMockProc()
	bus := eventbus.New()
	checker := permission.NewChecker(nil)
	p := New("proc-1", "proj-1", "sess-1", "/work", bus, checker, &mockLauncher{proc: proc, authoritative: authoritative})

	require.NoError(t, p.Start(context.Background(), ""))
	stdinScanner := bufio.NewScanner(proc.stdinR)
	return p, proc, stdinScanner
}

func TestProcess_QueueMessageTransitionsToStreaming(t *testing.T) {
	p, proc, stdinScanner := newTestProcess(t, false)
	defer proc.Kill()

	assert.Equal(t, StateStarting, p.State())
	pos, err := p.QueueMessage(json.RawMessage(`{"type":"user","message":{"role":"user","content":"hello"}}`), "")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	require.True(t, stdinScanner.Scan())
	assert.Contains(t, stdinScanner.Text(), "hello")

	require.Eventually(t, func() bool { return p.State() == StateStreaming }, time.Second, time.Millisecond)
}

func TestProcess_QueueMessageIdempotentByTempID(t *testing.T) {
	p, proc, _ := newTestProcess(t, true)
	defer proc.Kill()

	pos1, err := p.QueueMessage(json.RawMessage(`{"a":1}`), "tmp-1")
	require.NoError(t, err)
	pos2, err := p.QueueMessage(json.RawMessage(`{"a":2}`), "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, pos1, pos2)
	assert.Equal(t, 1, pos1)
}

func TestProcess_ResultRecordTransitionsToIdleAndEmitsComplete(t *testing.T) {
	p, proc, _ := newTestProcess(t, true)
	defer proc.Kill()

	notifications := make(chan Notification, 8)
	p.Subscribe(func(n Notification) { notifications <- n })

	_, err := proc.stdoutW.Write([]byte(`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":"hi"}}` + "\n"))
	require.NoError(t, err)
	_, err = proc.stdoutW.Write([]byte(`{"type":"result","uuid":"r1"}` + "\n"))
	require.NoError(t, err)

	var gotComplete bool
	deadline := time.After(2 * time.Second)
	for !gotComplete {
		select {
		case n := <-notifications:
			if n.Kind == EventComplete {
				gotComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for complete notification")
		}
	}
	assert.Equal(t, StateIdle, p.State())
}

func TestProcess_InputRequestSurfacesAndBlocksUntilApproved(t *testing.T) {
	p, proc, stdinScanner := newTestProcess(t, true)
	defer proc.Kill()

	_, err := proc.stdoutW.Write([]byte(`{"type":"system","subtype":"input_request","input_request":{"id":"req-1","type":"Bash","prompt":"run ls?"}}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.State() == StateWaitingInput }, time.Second, time.Millisecond)
	require.NotNil(t, p.CurrentInputRequest())

	p.checker.Respond("req-1", permission.Decision{Allow: true})

	require.Eventually(t, func() bool { return p.State() == StateStreaming }, time.Second, time.Millisecond)
	require.True(t, stdinScanner.Scan())
	assert.Contains(t, stdinScanner.Text(), "control_response")
}

func TestProcess_AbortIsIdempotentAndEmitsComplete(t *testing.T) {
	p, proc, _ := newTestProcess(t, true)

	notifications := make(chan Notification, 8)
	p.Subscribe(func(n Notification) { notifications <- n })

	p.Abort()
	p.Abort() // idempotent

	var gotComplete bool
	deadline := time.After(2 * time.Second)
	for !gotComplete {
		select {
		case n := <-notifications:
			if n.Kind == EventComplete {
				gotComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for complete notification")
		}
	}
	assert.Equal(t, StateAborted, p.State())
	proc.Kill()

	_, err := p.QueueMessage(json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestProcess_QueueMessagePreservesSubmissionOrder(t *testing.T) {
	p, proc, stdinScanner := newTestProcess(t, true)
	defer proc.Kill()

	for i := 0; i < 3; i++ {
		_, err := p.QueueMessage(json.RawMessage(`{"seq":`+string(rune('0'+i))+`}`), "")
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		require.True(t, stdinScanner.Scan())
		assert.Contains(t, stdinScanner.Text(), `"seq":`+string(rune('0'+i)))
	}
}

func TestProcess_SetPermissionModeBumpsVersionAndIgnoresStale(t *testing.T) {
	p, proc, _ := newTestProcess(t, true)
	defer proc.Kill()

	v1, err := p.SetPermissionMode(permission.ModeAcceptEdits, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	// Stale update (caller thought version was still 0) is ignored.
	v2, err := p.SetPermissionMode(permission.ModePlan, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v2)
	assert.Equal(t, uint64(1), p.ModeVersion())
}

func TestProcess_SetHoldPausesWriteLoop(t *testing.T) {
	p, proc, stdinScanner := newTestProcess(t, true)
	defer proc.Kill()

	p.SetHold(true)
	_, err := p.QueueMessage(json.RawMessage(`{"x":1}`), "")
	require.NoError(t, err)

	// Nothing should be written while on hold.
	readDone := make(chan bool, 1)
	go func() { readDone <- stdinScanner.Scan() }()
	select {
	case <-readDone:
		t.Fatal("stdin write happened while held")
	case <-time.After(100 * time.Millisecond):
	}

	p.SetHold(false)
	select {
	case ok := <-readDone:
		require.True(t, ok)
		assert.Contains(t, stdinScanner.Text(), `"x":1`)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for held message to flush")
	}
}
