// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor implements spec §4.D: the registry of live Agent
// Processes, indexed by both session-id and process-id, enforcing
// at-most-one-owner per session and idle reaping. Grounded on the
// teacher's claude.Manager (internal/claude/manager.go), generalized from
// a worktree-keyed index into the spec's project/session double index.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/agentd/internal/agent"
	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/permission"
)

// IdleTimeoutDefault is the default reap window for an idle Agent Process.
const IdleTimeoutDefault = 5 * time.Minute

// ErrAlreadyOwned is returned by Start when the session-id it generates is
// already registered to a live process. A session-id the child reports on
// its own output is not checked.
var ErrAlreadyOwned = fmt.Errorf("supervisor: session already owned")

// ErrConflict is returned by Resume when the session is external.
var ErrConflict = fmt.Errorf("supervisor: session is external, refusing to resume")

// ErrNotOwned is returned when an operation targets a session this
// Supervisor does not currently own.
var ErrNotOwned = fmt.Errorf("supervisor: session not owned")

// ExternalChecker reports whether a session is currently external (a
// transcript file being mutated by a producer this server does not own).
type ExternalChecker func(projectID, sessionID string) bool

// LauncherFactory builds a Launcher for a fresh or resumed invocation.
type LauncherFactory func(projectID, sessionID string) agent.Launcher

// Supervisor indexes live Agent Processes by session-id and process-id.
type Supervisor struct {
	bus         *eventbus.Bus
	checkerFor  func() *permission.Checker
	launcherFor LauncherFactory
	isExternal  ExternalChecker
	idleTimeout time.Duration

	mu          sync.Mutex
	bySession   map[string]*entry
	byProcess   map[string]*entry
	idleSince   map[string]time.Time

	stopReaper chan struct{}
}

type entry struct {
	proc      *agent.Process
	projectID string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithIdleTimeout overrides IdleTimeoutDefault.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.idleTimeout = d }
}

// New creates a Supervisor. checkerFor supplies a fresh permission.Checker
// per Agent Process (each process gets its own approval-request
// namespace); launcherFor builds the Launcher for a given project/session.
func New(bus *eventbus.Bus, checkerFor func() *permission.Checker, launcherFor LauncherFactory, isExternal ExternalChecker, opts ...Option) *Supervisor {
	s := &Supervisor{
		bus:         bus,
		checkerFor:  checkerFor,
		launcherFor: launcherFor,
		isExternal:  isExternal,
		idleTimeout: IdleTimeoutDefault,
		bySession:   make(map[string]*entry),
		byProcess:   make(map[string]*entry),
		idleSince:   make(map[string]time.Time),
		stopReaper:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID   string
	ProcessID   string
	ModeVersion uint64
}

// Start creates a session-id, spawns an Agent Process, registers both
// indices, and returns immediately.
func (s *Supervisor) Start(ctx context.Context, projectID string, initialMessage json.RawMessage, mode permission.Mode) (StartResult, error) {
	sessionID := uuid.NewString()
	processID := uuid.NewString()

	proc := s.spawn(processID, projectID, sessionID, mode)

	s.mu.Lock()
	if _, exists := s.bySession[sessionID]; exists {
		s.mu.Unlock()
		proc.Abort()
		return StartResult{}, ErrAlreadyOwned
	}
	e := &entry{proc: proc, projectID: projectID}
	s.bySession[sessionID] = e
	s.byProcess[processID] = e
	s.mu.Unlock()

	if err := proc.Start(ctx, ""); err != nil {
		s.release(sessionID, processID)
		return StartResult{}, fmt.Errorf("supervisor: start: %w", err)
	}
	if len(initialMessage) > 0 {
		if _, err := proc.QueueMessage(initialMessage, ""); err != nil {
			return StartResult{}, err
		}
	}

	return StartResult{SessionID: sessionID, ProcessID: processID, ModeVersion: proc.ModeVersion()}, nil
}

// ResumeResult is returned by Resume.
type ResumeResult struct {
	ProcessID   string
	ModeVersion uint64
}

// Resume queues onto an already-owned session, fails with ErrConflict if
// external, or spawns a resumed invocation if idle.
func (s *Supervisor) Resume(ctx context.Context, projectID, sessionID string, message json.RawMessage, mode permission.Mode) (ResumeResult, error) {
	s.mu.Lock()
	if e, ok := s.bySession[sessionID]; ok {
		s.mu.Unlock()
		if _, err := e.proc.QueueMessage(message, ""); err != nil {
			return ResumeResult{}, err
		}
		return ResumeResult{ProcessID: e.proc.ProcessID, ModeVersion: e.proc.ModeVersion()}, nil
	}
	s.mu.Unlock()

	if s.isExternal != nil && s.isExternal(projectID, sessionID) {
		return ResumeResult{}, ErrConflict
	}

	processID := uuid.NewString()
	proc := s.spawn(processID, projectID, sessionID, mode)

	s.mu.Lock()
	e := &entry{proc: proc, projectID: projectID}
	s.bySession[sessionID] = e
	s.byProcess[processID] = e
	s.mu.Unlock()

	if err := proc.Start(ctx, sessionID); err != nil {
		s.release(sessionID, processID)
		return ResumeResult{}, fmt.Errorf("supervisor: resume: %w", err)
	}
	if len(message) > 0 {
		if _, err := proc.QueueMessage(message, ""); err != nil {
			return ResumeResult{}, err
		}
	}
	return ResumeResult{ProcessID: processID, ModeVersion: proc.ModeVersion()}, nil
}

func (s *Supervisor) spawn(processID, projectID, sessionID string, mode permission.Mode) *agent.Process {
	checker := s.checkerFor()
	launcher := s.launcherFor(projectID, sessionID)
	proc := agent.New(processID, projectID, sessionID, "", s.bus, checker, launcher)
	if mode != "" && mode != permission.ModeDefault {
		_, _ = proc.SetPermissionMode(mode, 0)
	}
	proc.Subscribe(func(n agent.Notification) {
		if n.Kind == agent.EventComplete && n.State == agent.StateIdle {
			s.markIdle(sessionID)
		}
		if n.Kind == agent.EventComplete && n.State == agent.StateAborted {
			s.release(sessionID, processID)
		}
	})
	return proc
}

// Queue delegates to the owning Agent Process, failing with ErrNotOwned if
// this session is not ours.
func (s *Supervisor) Queue(sessionID string, message json.RawMessage, tempID string) (int, error) {
	e, ok := s.lookupSession(sessionID)
	if !ok {
		return 0, ErrNotOwned
	}
	return e.proc.QueueMessage(message, tempID)
}

// Abort dispatches to the owning Agent Process by process-id.
func (s *Supervisor) Abort(processID string) error {
	e, ok := s.lookupProcess(processID)
	if !ok {
		return ErrNotOwned
	}
	e.proc.Abort()
	return nil
}

// RespondToInput fulfills a pending Input Request for a session.
func (s *Supervisor) RespondToInput(sessionID, requestID string, decision permission.Decision) error {
	e, ok := s.lookupSession(sessionID)
	if !ok {
		return ErrNotOwned
	}
	e.proc.RespondToInput(requestID, decision)
	return nil
}

// SetPermissionMode dispatches to the owning Agent Process by session.
func (s *Supervisor) SetPermissionMode(sessionID string, mode permission.Mode, ifVersionAtLeast uint64) (uint64, error) {
	e, ok := s.lookupSession(sessionID)
	if !ok {
		return 0, ErrNotOwned
	}
	return e.proc.SetPermissionMode(mode, ifVersionAtLeast)
}

// SetHold dispatches to the owning Agent Process by session.
func (s *Supervisor) SetHold(sessionID string, hold bool) error {
	e, ok := s.lookupSession(sessionID)
	if !ok {
		return ErrNotOwned
	}
	e.proc.SetHold(hold)
	return nil
}

// Snapshot is one row of List()'s output.
type Snapshot struct {
	ProcessID  string
	SessionID  string
	ProjectID  string
	State      agent.State
	QueueDepth int
	StartedAt  time.Time
}

// List returns a UI snapshot of every live Agent Process.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.byProcess))
	for sessionID, e := range s.bySession {
		out = append(out, Snapshot{
			ProcessID:  e.proc.ProcessID,
			SessionID:  sessionID,
			ProjectID:  e.projectID,
			State:      e.proc.State(),
			QueueDepth: e.proc.QueueDepth(),
			StartedAt:  e.proc.StartedAt,
		})
	}
	return out
}

// ActiveCount returns the number of Agent Processes currently streaming or
// waiting-input.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.bySession {
		switch e.proc.State() {
		case agent.StateStreaming, agent.StateWaitingInput:
			n++
		}
	}
	return n
}

// Owns reports whether sessionID currently has a live owning Agent Process.
func (s *Supervisor) Owns(sessionID string) bool {
	_, ok := s.lookupSession(sessionID)
	return ok
}

// Process returns the live Agent Process owning sessionID, for callers
// (e.g. sessionview.Assembler) that need to overlay its in-memory state.
func (s *Supervisor) Process(sessionID string) (*agent.Process, bool) {
	e, ok := s.lookupSession(sessionID)
	if !ok {
		return nil, false
	}
	return e.proc, true
}

func (s *Supervisor) lookupSession(sessionID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bySession[sessionID]
	return e, ok
}

func (s *Supervisor) lookupProcess(processID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byProcess[processID]
	return e, ok
}

func (s *Supervisor) markIdle(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleSince[sessionID] = time.Now()
}

func (s *Supervisor) release(sessionID, processID string) {
	s.mu.Lock()
	delete(s.bySession, sessionID)
	delete(s.byProcess, processID)
	delete(s.idleSince, sessionID)
	s.mu.Unlock()
}

// RunIdleReaper terminates Agent Processes that have been idle for longer
// than the configured timeout, checking on the given interval, until ctx is
// cancelled. Reaping never interrupts streaming or waiting-input (only
// sessions marked idle by a result record are eligible).
func (s *Supervisor) RunIdleReaper(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Supervisor) reapOnce() {
	now := time.Now()
	var toAbort []*agent.Process

	s.mu.Lock()
	for sessionID, since := range s.idleSince {
		e, ok := s.bySession[sessionID]
		if !ok {
			delete(s.idleSince, sessionID)
			continue
		}
		if e.proc.State() != agent.StateIdle {
			delete(s.idleSince, sessionID)
			continue
		}
		if now.Sub(since) >= s.idleTimeout {
			toAbort = append(toAbort, e.proc)
		}
	}
	s.mu.Unlock()

	for _, p := range toAbort {
		p.Abort()
	}
}
