// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relaydesk/agentd/internal/agent"
	"github.com/relaydesk/agentd/internal/apierr"
	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/permission"
	"github.com/relaydesk/agentd/internal/supervisor"
	"github.com/relaydesk/agentd/internal/transcript"
)

// getSession reads (or resyncs) a session, per spec §6:
// GET /projects/:projectId/sessions/:sessionId?afterMessageId=.
func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID, sessionID := vars["projectId"], vars["sessionId"]

	view, err := h.deps.Sessions.Assemble(projectID, sessionID)
	if err != nil {
		WriteError(w, apierr.Internal(err))
		return
	}

	afterMessageID := r.URL.Query().Get("afterMessageId")
	if afterMessageID == "" {
		WriteJSON(w, http.StatusOK, view)
		return
	}
	cut := -1
	for i, m := range view.Messages {
		if m.ID == afterMessageID {
			cut = i
			break
		}
	}
	if cut == -1 {
		// Not found among the current messages: the client resyncs with
		// the full projection rather than an empty suffix (spec §4.F).
		WriteJSON(w, http.StatusOK, view)
		return
	}
	view.Messages = view.Messages[cut+1:]
	WriteJSON(w, http.StatusOK, view)
}

type createSessionRequest struct {
	Message json.RawMessage `json:"message,omitempty"`
	Mode    permission.Mode `json:"mode,omitempty"`
	TempID  string          `json:"tempId,omitempty"`
}

type sessionStartedResponse struct {
	SessionID   string `json:"sessionId"`
	ProcessID   string `json:"processId"`
	ModeVersion uint64 `json:"modeVersion"`
}

// createSession starts a new session in projectID.
func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]

	var req createSessionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = permission.ModeDefault
	}
	if !mode.Valid() {
		WriteError(w, apierr.BadRequest("invalid mode %q", req.Mode))
		return
	}

	result, err := h.deps.Supervisor.Start(r.Context(), projectID, req.Message, mode)
	if err != nil {
		WriteError(w, translateSupervisorErr(err))
		return
	}
	WriteJSON(w, http.StatusCreated, sessionStartedResponse{
		SessionID:   result.SessionID,
		ProcessID:   result.ProcessID,
		ModeVersion: result.ModeVersion,
	})
}

type sessionResumedResponse struct {
	ProcessID   string `json:"processId"`
	ModeVersion uint64 `json:"modeVersion"`
}

// resumeSession resumes an idle session, queues onto an already-owned one,
// or reports Conflict for an externally-written one (spec §4.D).
func (h *handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID, sessionID := vars["projectId"], vars["sessionId"]

	var req createSessionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = permission.ModeDefault
	}
	if !mode.Valid() {
		WriteError(w, apierr.BadRequest("invalid mode %q", req.Mode))
		return
	}

	result, err := h.deps.Supervisor.Resume(r.Context(), projectID, sessionID, req.Message, mode)
	if err != nil {
		WriteError(w, translateSupervisorErr(err))
		return
	}
	WriteJSON(w, http.StatusOK, sessionResumedResponse{ProcessID: result.ProcessID, ModeVersion: result.ModeVersion})
}

type queueMessageRequest struct {
	Message json.RawMessage `json:"message"`
	TempID  string          `json:"tempId,omitempty"`
}

type queueMessageResponse struct {
	QueueDepth int `json:"queueDepth"`
}

// queueMessage appends a message to an owned session's outbound queue.
func (h *handler) queueMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	var req queueMessageRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}

	depth, err := h.deps.Supervisor.Queue(sessionID, req.Message, req.TempID)
	if err != nil {
		WriteError(w, translateSupervisorErr(err))
		return
	}
	WriteJSON(w, http.StatusOK, queueMessageResponse{QueueDepth: depth})
}

type respondInputRequest struct {
	RequestID string `json:"requestId"`
	Allow     bool   `json:"allow"`
	Message   string `json:"message,omitempty"`
}

// respondInput fulfills a pending Input Request for an owned session.
func (h *handler) respondInput(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	var req respondInputRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	if req.RequestID == "" {
		WriteError(w, apierr.BadRequest("requestId is required"))
		return
	}

	decision := permission.Decision{Allow: req.Allow, Message: req.Message}
	if err := h.deps.Supervisor.RespondToInput(sessionID, req.RequestID, decision); err != nil {
		WriteError(w, translateSupervisorErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setModeRequest struct {
	Mode             permission.Mode `json:"mode"`
	IfVersionAtLeast uint64          `json:"ifVersionAtLeast,omitempty"`
}

type setModeResponse struct {
	ModeVersion uint64 `json:"modeVersion"`
}

// setMode changes an owned session's permission mode, guarded by an
// optimistic version check (spec §8: "modeVersion monotonic non-decreasing
// with stale-version no-op").
func (h *handler) setMode(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	var req setModeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	if !req.Mode.Valid() {
		WriteError(w, apierr.BadRequest("invalid mode %q", req.Mode))
		return
	}

	version, err := h.deps.Supervisor.SetPermissionMode(sessionID, req.Mode, req.IfVersionAtLeast)
	if err != nil {
		WriteError(w, translateSupervisorErr(err))
		return
	}
	WriteJSON(w, http.StatusOK, setModeResponse{ModeVersion: version})
}

// streamSession is the per-session SSE endpoint (spec §4.F/§6). Live
// message events reach a Process's own subscribers (agent.Process.notify),
// not the shared bus (spec §5: "message events to a given subscriber are
// delivered in emission order"), so an owned session additionally
// subscribes directly to its Process; an idle/external session only sees
// bus-level file-change/state events for its id.
func (h *handler) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	sse, err := newSSEWriter(w)
	if err != nil {
		WriteError(w, apiInternalf("%w", err))
		return
	}
	if err := sse.writeEvent("connected", map[string]any{}); err != nil {
		return
	}

	var notifCh chan agent.Notification
	if proc, owned := h.deps.Supervisor.Process(sessionID); owned {
		notifCh = make(chan agent.Notification, 64)
		_, cancel := proc.Subscribe(func(n agent.Notification) {
			select {
			case notifCh <- n:
			default:
			}
		})
		defer cancel()
	}

	sub := h.deps.Bus.Subscribe(func(e eventbus.Event) bool {
		return eventSessionID(e) == sessionID
	})
	defer sub.Cancel()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	lastDropped := sub.Dropped()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			sse.writeHeartbeat()
		case n := <-notifCh:
			if err := sse.writeEvent(string(n.Kind), n); err != nil {
				return
			}
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

// abortProcess aborts a live Agent Process by process-id.
func (h *handler) abortProcess(w http.ResponseWriter, r *http.Request) {
	processID := mux.Vars(r)["processId"]
	if err := h.deps.Supervisor.Abort(processID); err != nil {
		WriteError(w, translateSupervisorErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamActivity is the cross-session SSE endpoint (spec §6:
// GET /activity/stream), unfiltered across every live session.
func (h *handler) streamActivity(w http.ResponseWriter, r *http.Request) {
	serveEventStream(w, r, h.deps.Bus, nil)
}

// eventSessionID extracts the SessionID field from the bus payload shapes
// that carry one, used to filter /sessions/:id/stream. The cross-session
// activity stream is unfiltered and does not use it.
func eventSessionID(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case agent.StateChangeData:
		return d.SessionID
	case agent.ModeChangeData:
		return d.SessionID
	case transcript.FileChange:
		return d.SessionID
	default:
		return ""
	}
}

// translateSupervisorErr maps supervisor sentinel errors onto apierr
// categories (spec §7).
func translateSupervisorErr(err error) error {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyOwned):
		return apierr.Conflict("%v", err)
	case errors.Is(err, supervisor.ErrConflict):
		return apierr.Conflict("%v", err)
	case errors.Is(err, supervisor.ErrNotOwned):
		return apierr.NotFound("%v", err)
	default:
		return apierr.Internal(err)
	}
}

// decodeJSONBody decodes r's body into v, tolerating an empty body as a
// zero-value v; callers that need a field (e.g. respondInput's RequestID,
// setMode's Mode) validate it themselves.
func decodeJSONBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
