// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/internal/apierr"
)

func TestUpload_HappyPath(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, m.Start("u1", "photo.png", "image/png"))

	total, progress, err := m.Write("u1", 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.False(t, progress)

	total, _, err = m.Write("u1", 5, []byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), total)

	desc, err := m.Seal("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), desc.Size)

	data, err := os.ReadFile(desc.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestUpload_GapOffsetRejected(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, m.Start("u1", "f.bin", "application/octet-stream"))

	_, _, err = m.Write("u1", 10, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestUpload_DuplicateUploadIDRejected(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, m.Start("u1", "f.bin", ""))
	err = m.Start("u1", "f.bin", "")
	assert.ErrorIs(t, err, ErrAlreadyInUse)
}

func TestUpload_ProgressFiresAtInterval(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, m.Start("u1", "f.bin", ""))

	chunk := make([]byte, ProgressInterval-1)
	_, progress, err := m.Write("u1", 0, chunk)
	require.NoError(t, err)
	assert.False(t, progress)

	_, progress, err = m.Write("u1", int64AsUint64(len(chunk)), []byte{0x00, 0x01})
	require.NoError(t, err)
	assert.True(t, progress)
}

func int64AsUint64(n int) uint64 { return uint64(n) }

func TestUpload_AbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, 0)
	require.NoError(t, err)
	require.NoError(t, m.Start("u1", "f.bin", ""))
	m.Abort("u1")

	_, _, err = m.Write("u1", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpload_ExceedsMaxBytesReturnsTooLarge(t *testing.T) {
	m, err := New(t.TempDir(), 10)
	require.NoError(t, err)
	require.NoError(t, m.Start("u1", "f.bin", ""))

	_, _, err = m.Write("u1", 0, make([]byte, 11))
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.CategoryTooLarge, apiErr.Category)
}

func TestUpload_WithinMaxBytesSucceeds(t *testing.T) {
	m, err := New(t.TempDir(), 10)
	require.NoError(t, err)
	require.NoError(t, m.Start("u1", "f.bin", ""))

	total, _, err := m.Write("u1", 0, make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}

func TestUpload_SealUnknownUploadID(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	_, err = m.Seal("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}
