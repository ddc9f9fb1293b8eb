// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	paths := []string{
		"/home/alice/work/my-app",
		"/srv/repos/a-b-c",
		"/",
		"/a/b/c/d-e--f",
	}
	for _, p := range paths {
		id := Encode(p)
		got, err := Decode(id)
		require.NoError(t, err)
		assert.Equal(t, p, got, "round trip for %q", p)
	}
}

func TestEncode_SeparatorAndDashAreDisambiguated(t *testing.T) {
	a := Encode("/foo-bar")
	b := Encode("/foo/bar")
	assert.NotEqual(t, a, b, "a literal dash must not collide with a path separator")
}

func TestDecode_RejectsMissingSigil(t *testing.T) {
	_, err := Decode("not-a-project-id")
	assert.Error(t, err)
}

func TestEnumerate_SkipsUnrecognizedEntries(t *testing.T) {
	root := t.TempDir()
	id, _, err := EnsureDir(root, "/home/alice/work/my-app")
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(root, "not-encoded"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj-somefile"), []byte("x"), 0o644))

	infos, err := Enumerate(root)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, "/home/alice/work/my-app", infos[0].Path)
}

func TestEnumerate_MissingRootReturnsEmpty(t *testing.T) {
	infos, err := Enumerate(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, infos)
}
