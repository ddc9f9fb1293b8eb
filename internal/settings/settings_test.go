// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadJSON_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	type doc struct {
		Name string `json:"name"`
	}
	require.NoError(t, s.WriteJSON("auth.json", doc{Name: "alice"}))

	var got doc
	require.NoError(t, s.ReadJSON("auth.json", &got))
	assert.Equal(t, "alice", got.Name)
}

func TestExists(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	assert.False(t, s.Exists("settings.json"))
	require.NoError(t, s.PutSettings(Settings{"theme": "dark"}))
	assert.True(t, s.Exists("settings.json"))
}

func TestGetSettings_DefaultsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	v, err := s.GetSettings()
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestPushSubscription_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	sub := PushSubscription{BrowserProfileID: "p1", Endpoint: "https://example.test/push", DeviceName: "laptop"}
	require.NoError(t, s.PutPushSubscription(sub))

	got, err := s.GetPushSubscription("p1")
	require.NoError(t, err)
	assert.Equal(t, "laptop", got.DeviceName)
}
