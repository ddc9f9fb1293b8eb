// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionview implements spec §4.E: the read-only composition of
// disk-backed transcript history and an owning Agent Process's live state,
// deduplicated by message id, classified as owned/external/idle. Grounded
// on the teacher's Session.MessagesWithPending
// (internal/claude/manager.go), generalized into the spec's three-way
// status split.
package sessionview

import (
	"time"

	"github.com/relaydesk/agentd/internal/agent"
	"github.com/relaydesk/agentd/internal/transcript"
)

// View is the assembled read model for one session.
type View struct {
	ProjectID           string
	SessionID           string
	Status              transcript.Status
	Messages            []transcript.Message
	PendingInputRequest *transcript.InputRequest
}

// Store is the subset of transcript.Store sessionview depends on.
type Store interface {
	ReadMessagesAfter(projectID, sessionID, afterUUID string) ([]transcript.Message, bool, error)
	Classify(projectID, sessionID string, owned bool, now time.Time) transcript.Status
}

// Supervisor is the subset of supervisor.Supervisor sessionview depends on.
type Supervisor interface {
	Owns(sessionID string) bool
}

// processLookup resolves the live Agent Process for a session, if owned.
// Kept as a narrow function type (rather than embedding *supervisor.Supervisor
// directly) so sessionview can be unit tested without spawning real
// processes.
type processLookup func(sessionID string) (*agent.Process, bool)

// Assembler builds a View for a given (projectID, sessionID).
type Assembler struct {
	store   Store
	sup     Supervisor
	lookup  processLookup
}

// NewAssembler constructs an Assembler. lookup resolves the live Agent
// Process for an owned session (e.g. backed by the Supervisor's internal
// index); it is only called when sup.Owns reports true.
func NewAssembler(store Store, sup Supervisor, lookup func(sessionID string) (*agent.Process, bool)) *Assembler {
	return &Assembler{store: store, sup: sup, lookup: lookup}
}

// Assemble implements the four assembly rules from spec §4.E.
func (a *Assembler) Assemble(projectID, sessionID string) (View, error) {
	diskMessages, _, err := a.store.ReadMessagesAfter(projectID, sessionID, "")
	if err != nil {
		return View{}, err
	}

	owned := a.sup.Owns(sessionID)

	view := View{
		ProjectID: projectID,
		SessionID: sessionID,
		Messages:  diskMessages,
	}

	if owned {
		if proc, ok := a.lookup(sessionID); ok {
			view.Messages = mergeDedup(diskMessages, proc.LiveMessages())
			view.PendingInputRequest = proc.CurrentInputRequest()
		}
		view.Status = transcript.StatusOwned
		return view, nil
	}

	view.Status = a.store.Classify(projectID, sessionID, false, time.Now())
	return view, nil
}

// mergeDedup combines disk and live messages, deduplicating by id with disk
// taking precedence (rule 3: "disk wins over live for the same uuid"),
// preserving append order.
func mergeDedup(disk, live []transcript.Message) []transcript.Message {
	seen := make(map[string]bool, len(disk))
	out := make([]transcript.Message, 0, len(disk)+len(live))
	for _, m := range disk {
		seen[m.ID] = true
		out = append(out, m)
	}
	for _, m := range live {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.Streaming = true
		out = append(out, m)
	}
	return out
}
