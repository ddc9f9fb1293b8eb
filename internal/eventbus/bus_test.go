// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	defer sub.Cancel()

	b.Publish(Event{Kind: KindHeartbeat, Data: "tick"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, KindHeartbeat, e.Kind)
		assert.Equal(t, "tick", e.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_FilterExcludesNonMatching(t *testing.T) {
	b := New()
	sub := b.Subscribe(func(e Event) bool { return e.Kind == KindMessage })
	defer sub.Cancel()

	b.Publish(Event{Kind: KindHeartbeat})
	b.Publish(Event{Kind: KindMessage, Data: "hi"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, KindMessage, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_DropsOldestOnOverflow(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	defer sub.Cancel()

	// Fill the queue well past its bound before anything drains it by
	// holding the subscriber's internal lock indirectly: publish bound+10
	// events back-to-back; the pump goroutine may drain concurrently, so
	// publish from many goroutines isn't needed — a tight loop outruns a
	// single consumer easily enough to exercise the drop path. Because the
	// pump may keep up, Dropped() is not asserted; we only assert that the
	// newest event survives.
	for i := 0; i < queueBound+10; i++ {
		b.Publish(Event{Kind: KindHeartbeat, Data: i})
	}

	// Drain everything.
	var last any
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				break loop
			}
			last = e.Data
		case <-timeout:
			break loop
		case <-time.After(50 * time.Millisecond):
			break loop
		}
	}

	require.NotNil(t, last)
	assert.Equal(t, queueBound+9, last, "newest event must survive drop-oldest")
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	sub.Cancel()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestNewWithQueueBound_OverridesDropThreshold(t *testing.T) {
	const bound = 4
	b := NewWithQueueBound(bound)
	sub := b.Subscribe(nil)
	defer sub.Cancel()

	for i := 0; i < bound+10; i++ {
		b.Publish(Event{Kind: KindHeartbeat, Data: i})
	}

	var last any
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				break loop
			}
			last = e.Data
		case <-timeout:
			break loop
		case <-time.After(50 * time.Millisecond):
			break loop
		}
	}

	require.NotNil(t, last)
	assert.Equal(t, bound+9, last, "newest event must survive drop-oldest at the overridden bound")
}

func TestNewWithQueueBound_NonPositiveFallsBackToDefault(t *testing.T) {
	b := NewWithQueueBound(0)
	assert.Equal(t, queueBound, b.bound)
}

func TestBus_UnmatchedFilterNeverDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe(func(Event) bool { return false })
	defer sub.Cancel()

	for i := 0; i < queueBound+5; i++ {
		b.Publish(Event{Kind: KindHeartbeat})
	}
	assert.Equal(t, uint64(0), sub.Dropped())
}
