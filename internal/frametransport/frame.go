// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package frametransport implements the Frame Transport described in spec
// §4.G: a single full-duplex `/ws` byte stream carrying multiplexed,
// self-describing frames (format-byte || payload), dispatching request/
// response pairs against the same handlers as the Local Transport,
// streaming subscriptions off the event bus, and assembling chunked
// uploads through the Upload Manager. Grounded on the teacher's
// internal/api/handlers/claude.go (gorilla/websocket upgrader, a
// write-mutex around conn.WriteJSON, a buffered read-goroutine feeding a
// channel into the main select loop).
package frametransport

import "encoding/binary"

// Format identifies the shape of a frame's payload.
type Format byte

const (
	// FormatInvalid (0x00) is reserved to detect stray text; a connection
	// that receives it MUST be closed with CloseInvalidFormat.
	FormatInvalid      Format = 0x00
	FormatJSON         Format = 0x01
	FormatBinaryUpload Format = 0x02
)

// CloseInvalidFormat is the WebSocket close code used when a peer sends a
// frame tagged with FormatInvalid.
const CloseInvalidFormat = 4002

// MessageType is the JSON frame's `type` tag.
type MessageType string

const (
	TypeRequest         MessageType = "request"
	TypeResponse        MessageType = "response"
	TypeEvent           MessageType = "event"
	TypeSubscribe       MessageType = "subscribe"
	TypeUnsubscribe     MessageType = "unsubscribe"
	TypeUploadStart     MessageType = "upload_start"
	TypeUploadProgress  MessageType = "upload_progress"
	TypeUploadComplete  MessageType = "upload_complete"
	TypeUploadError     MessageType = "upload_error"
	TypeUploadEnd       MessageType = "upload_end"
)

// message is the tagged union carried by every FormatJSON frame. Every
// field is optional; which ones are populated is determined by Type.
type message struct {
	Type MessageType `json:"type"`

	// request / response
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`

	// subscribe / unsubscribe / event
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Params         []byte `json:"params,omitempty"`
	EventType      string `json:"eventType,omitempty"`
	Data           any    `json:"data,omitempty"`

	// upload_*
	UploadID  string `json:"uploadId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`

	Error string `json:"error,omitempty"`
}

// uploadChunkHeaderLen is the binary-upload frame's fixed prefix: a
// 16-byte upload-id followed by a big-endian uint64 offset (spec §4.G).
const uploadChunkHeaderLen = 16 + 8

// parseUploadChunk splits a FormatBinaryUpload payload into its id,
// offset, and data fields.
func parseUploadChunk(payload []byte) (id [16]byte, offset uint64, data []byte, ok bool) {
	if len(payload) < uploadChunkHeaderLen {
		return id, 0, nil, false
	}
	copy(id[:], payload[:16])
	offset = binary.BigEndian.Uint64(payload[16:24])
	data = payload[24:]
	return id, offset, data, true
}

func encodeUploadChunk(id [16]byte, offset uint64, data []byte) []byte {
	buf := make([]byte, uploadChunkHeaderLen+len(data))
	copy(buf[:16], id[:])
	binary.BigEndian.PutUint64(buf[16:24], offset)
	copy(buf[24:], data)
	return buf
}
