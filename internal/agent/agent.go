// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the Agent Process described in spec §4.C: one
// wrapper around a single invocation of the underlying AI CLI, owning its
// stdin queue, its NDJSON stdout reader, its state machine, and its event
// subscribers. Grounded on the teacher's claude.Session
// (internal/claude/manager.go), generalized from a single hard-coded
// provider into a pluggable Launcher so the real CLI and a test double
// share one state machine.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/permission"
	"github.com/relaydesk/agentd/internal/transcript"
)

// State is the Agent Process state machine, unchanged from spec §4.C.
type State string

const (
	StateStarting     State = "starting"
	StateStreaming    State = "streaming"
	StateWaitingInput State = "waiting-input"
	StateHold         State = "hold"
	StateIdle         State = "idle"
	StateAborted      State = "aborted"
)

// Proc is a running child invocation: its stdin, its stdout, and a way to
// wait for/force its exit. Launcher implementations produce one per Start.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Launcher starts one invocation of the underlying AI CLI for a project
// working directory, optionally resuming an existing provider session id.
type Launcher interface {
	// Launch starts the child. sessionID is the Supervisor-generated
	// session id; on a fresh start (resumeSessionID == "") an authoritative
	// launcher must pin the child to it so the child's own transcript file
	// is written under the id this server already tracks.
	Launch(ctx context.Context, workDir, sessionID, resumeSessionID string) (Proc, error)
	// Authoritative reports whether this launcher's child writes the
	// session's transcript file itself. When true, user-input messages
	// are not mirrored into in-memory history (spec §4.C message-history
	// rule); when false (test/mock launchers), they are.
	Authoritative() bool
}

// ListenerEventKind tags what a subscriber callback received.
type ListenerEventKind string

const (
	EventMessage      ListenerEventKind = "message"
	EventStateChange  ListenerEventKind = "state-change"
	EventModeChange   ListenerEventKind = "mode-change"
	EventComplete     ListenerEventKind = "complete"
)

// Notification is delivered to every subscriber.
type Notification struct {
	Kind        ListenerEventKind
	Message     *transcript.Message
	State       State
	Mode        permission.Mode
	ModeVersion uint64
}

// Listener receives Notifications until its subscription is cancelled.
type Listener func(Notification)

// ErrTerminated is returned by QueueMessage once the process has reached a
// terminal state.
var ErrTerminated = fmt.Errorf("agent: process already terminated")

// Process wraps one Agent Process invocation.
type Process struct {
	ProcessID string
	ProjectID string
	SessionID string
	StartedAt time.Time

	bus      *eventbus.Bus
	checker  *permission.Checker
	launcher Launcher
	workDir  string

	mu                   sync.Mutex
	state                State
	priorToHold          State
	mode                 permission.Mode
	modeVersion          uint64
	currentInputRequest  *transcript.InputRequest
	terminated           bool
	seenTempIDs          map[string]int
	queue                []queuedMessage
	queueNotify          chan struct{}
	liveMessages         []transcript.Message

	proc   Proc
	cancel context.CancelFunc

	subMu   sync.Mutex
	subs    map[uint64]Listener
	nextSub uint64
}

type queuedMessage struct {
	tempID   string
	payload  json.RawMessage
	position int
}

// New constructs a Process; call Start to launch the child.
func New(processID, projectID, sessionID, workDir string, bus *eventbus.Bus, checker *permission.Checker, launcher Launcher) *Process {
	return &Process{
		ProcessID:   processID,
		ProjectID:   projectID,
		SessionID:   sessionID,
		StartedAt:   time.Now(),
		bus:         bus,
		checker:     checker,
		launcher:    launcher,
		workDir:     workDir,
		state:       StateStarting,
		mode:        permission.ModeDefault,
		seenTempIDs: make(map[string]int),
		queueNotify: make(chan struct{}, 1),
		subs:        make(map[uint64]Listener),
	}
}

// Start launches the child and begins the read loop. resumeSessionID may be
// empty for a fresh invocation.
func (p *Process) Start(ctx context.Context, resumeSessionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	proc, err := p.launcher.Launch(ctx, p.workDir, p.SessionID, resumeSessionID)
	if err != nil {
		cancel()
		return fmt.Errorf("agent: launch: %w", err)
	}

	p.mu.Lock()
	p.proc = proc
	p.cancel = cancel
	p.mu.Unlock()

	go p.writeLoop(ctx)
	go p.readLoop(ctx, proc.Stdout())
	go func() {
		err := proc.Wait()
		p.onChildExit(err)
	}()

	return nil
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ModeVersion returns the current mode version.
func (p *Process) ModeVersion() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modeVersion
}

// QueueDepth returns the number of messages waiting to be written to stdin.
func (p *Process) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// QueueMessage enqueues operator input, returning its 1-based queue
// position. A repeated tempID is a no-op that returns the original
// position.
func (p *Process) QueueMessage(payload json.RawMessage, tempID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return 0, ErrTerminated
	}
	if tempID != "" {
		if pos, ok := p.seenTempIDs[tempID]; ok {
			return pos, nil
		}
	}

	position := len(p.queue) + 1
	p.queue = append(p.queue, queuedMessage{tempID: tempID, payload: payload, position: position})
	if tempID != "" {
		p.seenTempIDs[tempID] = position
	}

	if p.state == StateStarting {
		p.setStateLocked(StateStreaming)
	}

	select {
	case p.queueNotify <- struct{}{}:
	default:
	}
	return position, nil
}

// Abort cancels the child, closes iterators, and emits complete. Idempotent.
func (p *Process) Abort() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.setStateLocked(StateAborted)
	cancel := p.cancel
	proc := p.proc
	p.mu.Unlock()

	p.checker.AbortAll()
	if cancel != nil {
		cancel()
	}
	if proc != nil {
		_ = proc.Kill()
	}
	p.notify(Notification{Kind: EventComplete, State: StateAborted})
}

// SetPermissionMode atomically updates the mode and bumps modeVersion,
// unless version is stale. Never decreases the version.
func (p *Process) SetPermissionMode(mode permission.Mode, ifVersionAtLeast uint64) (uint64, error) {
	if !mode.Valid() {
		return 0, fmt.Errorf("agent: invalid mode %q", mode)
	}
	p.mu.Lock()
	if ifVersionAtLeast < p.modeVersion {
		// A caller racing an older snapshot; ignore per spec ("updates
		// with a stale version are ignored").
		v := p.modeVersion
		p.mu.Unlock()
		return v, nil
	}
	p.mode = mode
	p.modeVersion++
	v := p.modeVersion
	p.mu.Unlock()

	p.bus.Publish(eventbus.Event{Kind: eventbus.KindModeChange, Data: ModeChangeData{
		ProcessID: p.ProcessID, SessionID: p.SessionID, Mode: mode, ModeVersion: v,
	}})
	p.notify(Notification{Kind: EventModeChange, Mode: mode, ModeVersion: v})
	return v, nil
}

// ModeChangeData is published on the bus for KindModeChange.
type ModeChangeData struct {
	ProcessID   string
	SessionID   string
	Mode        permission.Mode
	ModeVersion uint64
}

// SetHold soft-pauses delivery: the writer loop stops draining the stdin
// queue at its next yield point until released.
func (p *Process) SetHold(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hold {
		if p.state != StateHold {
			p.priorToHold = p.state
			p.setStateLocked(StateHold)
		}
		return
	}
	if p.state == StateHold {
		p.setStateLocked(p.priorToHold)
		select {
		case p.queueNotify <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a listener; the returned function cancels it.
func (p *Process) Subscribe(l Listener) (id uint64, cancel func()) {
	p.subMu.Lock()
	id = p.nextSub
	p.nextSub++
	p.subs[id] = l
	p.subMu.Unlock()
	return id, func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Process) notify(n Notification) {
	p.subMu.Lock()
	listeners := make([]Listener, 0, len(p.subs))
	for _, l := range p.subs {
		listeners = append(listeners, l)
	}
	p.subMu.Unlock()
	for _, l := range listeners {
		l(n)
	}
}

// setStateLocked transitions state while p.mu is already held, publishing a
// process-state-change event and notifying subscribers.
func (p *Process) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	state := s
	p.bus.Publish(eventbus.Event{Kind: eventbus.KindProcessStateChange, Data: StateChangeData{
		ProcessID: p.ProcessID, SessionID: p.SessionID, State: state,
	}})
	go p.notify(Notification{Kind: EventStateChange, State: state})
}

// StateChangeData is published on the bus for KindProcessStateChange.
type StateChangeData struct {
	ProcessID string
	SessionID string
	State     State
}

// LiveMessages returns the in-memory message mirror accumulated from the
// child's stdout for this process (plus, for non-authoritative launchers,
// the operator's own queued input), for the Session View to overlay atop
// disk-backed history.
func (p *Process) LiveMessages() []transcript.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transcript.Message, len(p.liveMessages))
	copy(out, p.liveMessages)
	return out
}

// RespondToInput fulfills a pending Input Request by requestID, unblocking
// the readLoop goroutine waiting in handleInputRequest.
func (p *Process) RespondToInput(requestID string, d permission.Decision) {
	p.checker.Respond(requestID, d)
}

// CurrentInputRequest returns the pending Input Request, if any.
func (p *Process) CurrentInputRequest() *transcript.InputRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentInputRequest
}

// writeLoop drains the outbound queue into the child's stdin, honoring
// hold and stopping once the process terminates.
func (p *Process) writeLoop(ctx context.Context) {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 || p.state == StateHold {
			if p.terminated {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-p.queueNotify:
			}
			p.mu.Lock()
		}
		msg := p.queue[0]
		p.queue = p.queue[1:]
		authoritative := p.launcher.Authoritative()
		p.mu.Unlock()

		if !authoritative {
			p.mirrorUserPayload(msg.payload)
		}

		if err := p.writeStdin(msg.payload); err != nil {
			return
		}
	}
}

func (p *Process) mirrorUserPayload(payload json.RawMessage) {
	m := transcript.Message{
		ID:        fmt.Sprintf("live-%d", time.Now().UnixNano()),
		Role:      "user",
		Content:   payload,
		Timestamp: time.Now(),
		Source:    "live",
	}
	p.mu.Lock()
	p.liveMessages = append(p.liveMessages, m)
	p.mu.Unlock()
	p.notify(Notification{Kind: EventMessage, Message: &m})
}

func (p *Process) writeStdin(payload json.RawMessage) error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("agent: process not started")
	}
	data := append(append([]byte(nil), payload...), '\n')
	_, err := proc.Stdin().Write(data)
	return err
}

// readLoop drains the child's NDJSON stdout, one transcript.Record per
// line, driving the state machine and fanning events out to subscribers.
func (p *Process) readLoop(ctx context.Context, stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec transcript.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		p.handleRecord(ctx, rec)
	}
}

func (p *Process) handleRecord(ctx context.Context, rec transcript.Record) {
	p.mu.Lock()
	if p.state == StateStarting || p.state == StateIdle {
		p.setStateLocked(StateStreaming)
	}
	p.mu.Unlock()

	switch rec.Type {
	case transcript.RecordSystem:
		if rec.Subtype == "input_request" && rec.InputRequest != nil {
			p.handleInputRequest(ctx, rec)
			return
		}
	case transcript.RecordResult:
		// idle is terminal for this turn but the child is still alive and
		// able to accept the next queued message (a later Resume onto an
		// already-owned session just forwards into this same Process);
		// only Abort/child-exit sets p.terminated.
		p.mu.Lock()
		p.currentInputRequest = nil
		p.setStateLocked(StateIdle)
		p.mu.Unlock()
		p.notify(Notification{Kind: EventComplete, State: StateIdle})
		return
	}

	if msg, ok := projectOne(rec); ok {
		msg.Source = "live"
		p.mu.Lock()
		p.liveMessages = append(p.liveMessages, msg)
		p.mu.Unlock()
		p.notify(Notification{Kind: EventMessage, Message: &msg})
	}
}

// projectOne adapts transcript.ProjectMessages to a single record.
func projectOne(rec transcript.Record) (transcript.Message, bool) {
	msgs := transcript.ProjectMessages([]transcript.Record{rec}, "live")
	if len(msgs) == 0 {
		return transcript.Message{}, false
	}
	return msgs[0], true
}

func (p *Process) handleInputRequest(ctx context.Context, rec transcript.Record) {
	p.mu.Lock()
	p.currentInputRequest = rec.InputRequest
	p.setStateLocked(StateWaitingInput)
	mode := p.mode
	p.mu.Unlock()

	requestID := rec.InputRequest.ID
	toolName := rec.InputRequest.Type
	decision, err := p.checker.Evaluate(ctx, mode, requestID, toolName, nil)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.currentInputRequest = nil
	if p.state == StateWaitingInput {
		p.setStateLocked(StateStreaming)
	}
	p.mu.Unlock()

	resp := struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		Response  struct {
			Allow   bool   `json:"allow"`
			Message string `json:"message,omitempty"`
		} `json:"response"`
	}{Type: "control_response", RequestID: requestID}
	resp.Response.Allow = decision.Allow
	resp.Response.Message = decision.Message

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = p.writeStdin(data)
}

func (p *Process) onChildExit(err error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.setStateLocked(StateAborted)
	p.mu.Unlock()

	p.checker.AbortAll()
	p.notify(Notification{Kind: EventComplete, State: StateAborted})
}
