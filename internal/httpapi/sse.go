// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaydesk/agentd/internal/eventbus"
)

// sseHeartbeatInterval matches spec §4.F/§6: "a heartbeat is sent every
// ~20s" on every long-lived stream.
const sseHeartbeatInterval = 20 * time.Second

// sseWriter frames eventbus.Events as text/event-stream, grounded on
// telnet2-opencode's internal/server/sse.go (ResponseController-based
// flush, heartbeat ticker), generalized to assign each event a
// connection-local monotonic id (spec §4.F: "Events carry a monotonic id
// per connection") instead of that server's SDK-shaped envelope.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	nextID  uint64
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("httpapi: streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.nextID++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.nextID, eventType, payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	_, _ = fmt.Fprintf(s.w, "event: heartbeat\ndata: {}\n\n")
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// serveEventStream subscribes bus with filter and relays events to the
// client as SSE frames until the request's context is cancelled, emitting
// a heartbeat on the idle ticker and reporting bus drops as a "dropped"
// event so the client knows to resync via afterMessageId (spec §5:
// "drops ... are reported to the subscriber, who resyncs").
func serveEventStream(w http.ResponseWriter, r *http.Request, bus *eventbus.Bus, filter eventbus.Filter) {
	sse, err := newSSEWriter(w)
	if err != nil {
		WriteError(w, apiInternalf("%w", err))
		return
	}

	sub := bus.Subscribe(filter)
	defer sub.Cancel()

	if err := sse.writeEvent("connected", map[string]any{}); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	lastDropped := sub.Dropped()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			sse.writeHeartbeat()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped != lastDropped {
				lastDropped = dropped
				if err := sse.writeEvent("dropped", map[string]any{"count": dropped}); err != nil {
					return
				}
			}
			if err := sse.writeEvent(string(ev.Kind), ev.Data); err != nil {
				return
			}
		}
	}
}
