// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upload implements the Upload Manager (spec §4.L / §4.G): chunked
// upload assembly for the Frame Transport, enforcing per-upload offset
// monotonicity and sealing completed files with an atomic rename.
// Grounded on the teacher's tmp-file-then-rename discipline in
// internal/claude/transcript.go's WriteTranscriptSplit, generalized from a
// one-shot whole-file write into an incremental offset-checked append.
package upload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaydesk/agentd/internal/apierr"
)

// ProgressInterval is how often (in bytes received) an upload_progress
// notification is expected to fire, per spec §4.G ("~64 KiB").
const ProgressInterval = 64 * 1024

// ErrInvalidOffset is returned when a chunk's offset does not equal the
// accumulated byte count.
var ErrInvalidOffset = errors.New("upload: invalid offset")

// ErrAlreadyInUse is returned by Start when uploadID collides with an
// in-progress upload.
var ErrAlreadyInUse = errors.New("upload: already in use")

// ErrNotFound is returned when an uploadID has no in-progress upload.
var ErrNotFound = errors.New("upload: not found")

// Descriptor describes a sealed upload.
type Descriptor struct {
	UploadID string
	Path     string
	Size     int64
	Filename string
	MimeType string
}

type inProgress struct {
	mu       sync.Mutex
	file     *os.File
	tmpPath  string
	finalPath string
	filename string
	mimeType string
	received int64
}

// Manager tracks in-progress uploads under a temp directory and seals
// completed ones under dataDir/uploads.
type Manager struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	pending map[string]*inProgress
}

// New creates a Manager rooted at dataDir/uploads, creating the directory
// if needed. maxBytes is config.Upload.MaxBytes; an upload whose
// accumulated size would exceed it fails with apierr.TooLarge (spec §7).
// maxBytes <= 0 disables the cap.
func New(dataDir string, maxBytes int64) (*Manager, error) {
	dir := filepath.Join(dataDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create uploads dir: %w", err)
	}
	return &Manager{dir: dir, maxBytes: maxBytes, pending: make(map[string]*inProgress)}, nil
}

// Start opens a slot for uploadID. Returns ErrAlreadyInUse for a duplicate.
func (m *Manager) Start(uploadID, filename, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[uploadID]; exists {
		return ErrAlreadyInUse
	}

	tmpPath := filepath.Join(m.dir, uploadID+".part")
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("upload: create temp file: %w", err)
	}

	m.pending[uploadID] = &inProgress{
		file:      f,
		tmpPath:   tmpPath,
		finalPath: filepath.Join(m.dir, uploadID+"-"+sanitize(filename)),
		filename:  filename,
		mimeType:  mimeType,
	}
	return nil
}

// Write appends bytes at offset, returning the total bytes received so far
// and whether a progress notification should fire (accumulated bytes
// crossed a ProgressInterval boundary). Returns ErrInvalidOffset if offset
// does not equal the bytes already received.
func (m *Manager) Write(uploadID string, offset uint64, data []byte) (total int64, emitProgress bool, err error) {
	up, ok := m.get(uploadID)
	if !ok {
		return 0, false, ErrNotFound
	}

	up.mu.Lock()
	defer up.mu.Unlock()

	if int64(offset) != up.received {
		return up.received, false, ErrInvalidOffset
	}
	if m.maxBytes > 0 && up.received+int64(len(data)) > m.maxBytes {
		return up.received, false, apierr.TooLarge("upload %s exceeds max_bytes (%d)", uploadID, m.maxBytes)
	}

	before := up.received / ProgressInterval
	n, err := up.file.Write(data)
	if err != nil {
		return up.received, false, fmt.Errorf("upload: write: %w", err)
	}
	up.received += int64(n)
	after := up.received / ProgressInterval

	return up.received, after > before, nil
}

// Seal closes and atomically renames the temp file into place, returning a
// Descriptor. The upload is removed from the pending set either way.
func (m *Manager) Seal(uploadID string) (Descriptor, error) {
	m.mu.Lock()
	up, ok := m.pending[uploadID]
	if ok {
		delete(m.pending, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return Descriptor{}, ErrNotFound
	}

	up.mu.Lock()
	defer up.mu.Unlock()

	if err := up.file.Close(); err != nil {
		os.Remove(up.tmpPath)
		return Descriptor{}, fmt.Errorf("upload: close temp file: %w", err)
	}
	if err := os.Rename(up.tmpPath, up.finalPath); err != nil {
		os.Remove(up.tmpPath)
		return Descriptor{}, fmt.Errorf("upload: rename: %w", err)
	}

	return Descriptor{
		UploadID: uploadID,
		Path:     up.finalPath,
		Size:     up.received,
		Filename: up.filename,
		MimeType: up.mimeType,
	}, nil
}

// Abort discards an in-progress upload and removes its temp file; used for
// error paths and for cleaning up orphaned uploads on connection close
// (spec §5: "guarantees cleanup of orphaned uploads on connection close").
func (m *Manager) Abort(uploadID string) {
	m.mu.Lock()
	up, ok := m.pending[uploadID]
	if ok {
		delete(m.pending, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	up.file.Close()
	os.Remove(up.tmpPath)
}

func (m *Manager) get(uploadID string) (*inProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.pending[uploadID]
	return up, ok
}

// sanitize strips path separators from an operator-supplied filename so it
// cannot escape the uploads directory.
func sanitize(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "file"
	}
	return name
}
