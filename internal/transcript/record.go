// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transcript implements the Transcript Store described in spec
// §4.B: read-only access to a project's append-only per-session JSONL
// files, incremental "after uuid" reads, and fsnotify-driven file-change
// watching. The Store never writes to transcript files — that is the
// Agent Process's (or an external producer's) job.
package transcript

import (
	"encoding/json"
	"time"
)

// RecordType is the closed set of transcript record tags from spec §3.
type RecordType string

const (
	RecordUser       RecordType = "user"
	RecordAssistant  RecordType = "assistant"
	RecordSystem     RecordType = "system"
	RecordToolUse    RecordType = "tool-use"
	RecordToolResult RecordType = "tool-result"
	RecordResult     RecordType = "result"
	RecordQueueOp    RecordType = "queue-op"
	RecordSnapshot   RecordType = "snapshot"
	RecordInternal   RecordType = "internal"
)

// internalTypes are record types filtered out of the Message projection.
// project surfaces only user, assistant, tool-use and tool-result records;
// system, result and unrecognized record types are skipped from the
// projection as well (spec: "unknown records must be preserved and skipped
// by readers" — skipped from the message projection, not dropped from the
// file, which the Store never touches anyway).
var internalTypes = map[RecordType]bool{
	RecordQueueOp:  true,
	RecordSnapshot: true,
	RecordInternal: true,
}

// InputRequest mirrors a system/input_request record's payload.
type InputRequest struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// MessageContent mirrors the `message` object a user/assistant record
// carries, kept as a raw envelope so unrecognized content-block shapes
// round-trip untouched.
type MessageContent struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Record is one line of a transcript JSONL file, decoded loosely so that
// fields this server doesn't understand are preserved rather than
// discarded on re-marshal (readers never rewrite the file, but callers
// sometimes need to echo a record back, e.g. over the frame transport).
type Record struct {
	Type         RecordType      `json:"type"`
	UUID         string          `json:"uuid,omitempty"`
	ParentUUID   string          `json:"parentUuid,omitempty"`
	Subtype      string          `json:"subtype,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	Message      *MessageContent `json:"message,omitempty"`
	InputRequest *InputRequest   `json:"input_request,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw line alongside the parsed fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Record(a)
	r.Raw = append([]byte(nil), data...)
	return nil
}

// Message is the user-visible projection of a Record, per spec §3: internal
// records are filtered out and derived fields are attached.
type Message struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parentId,omitempty"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
	Source     string          `json:"_source"` // "disk" | "live"
	Streaming  bool            `json:"streaming,omitempty"`
	SubAgentOf string          `json:"subAgentOf,omitempty"`
}

// synthesizeID produces a stable fallback identity for a record that
// carries no uuid, per spec §3 ("Message identity is uuid if present, else
// the record's synthesized id").
func synthesizeID(r Record, index int) string {
	if r.UUID != "" {
		return r.UUID
	}
	return "rec-" + itoa(index)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// project converts one decoded Record into a Message, or reports ok=false
// for a record type the Message projection filters out.
func project(r Record, index int, source string) (Message, bool) {
	if internalTypes[r.Type] {
		return Message{}, false
	}
	if r.Type != RecordUser && r.Type != RecordAssistant && r.Type != RecordToolUse && r.Type != RecordToolResult {
		// system/result records carry process-state, not chat content;
		// they are surfaced to the Agent Process state machine directly
		// rather than through the Message projection.
		return Message{}, false
	}

	msg := Message{
		ID:        synthesizeID(r, index),
		ParentID:  r.ParentUUID,
		Timestamp: r.Timestamp,
		Source:    source,
	}
	if r.Message != nil {
		msg.Role = r.Message.Role
		msg.Content = r.Message.Content
	}
	if msg.Role == "" {
		switch r.Type {
		case RecordUser:
			msg.Role = "user"
		case RecordAssistant:
			msg.Role = "assistant"
		}
	}
	return msg, true
}

// ProjectMessages filters and projects a slice of decoded records into
// their Message form, in append order.
func ProjectMessages(records []Record, source string) []Message {
	out := make([]Message, 0, len(records))
	for i, r := range records {
		if m, ok := project(r, i, source); ok {
			out = append(out, m)
		}
	}
	return out
}
