// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relaydesk/agentd/internal/apierr"
	"github.com/relaydesk/agentd/internal/project"
)

// projectSummary is one row of GET /api/projects.
type projectSummary struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	SessionCount int    `json:"sessionCount"`
}

func (h *handler) listProjects(w http.ResponseWriter, r *http.Request) {
	infos, err := project.Enumerate(h.deps.ProjectsRoot)
	if err != nil {
		WriteError(w, apierr.Internal(err))
		return
	}

	out := make([]projectSummary, 0, len(infos))
	for _, info := range infos {
		ids, err := h.deps.Transcript.ListSessionIDs(info.ID)
		if err != nil {
			WriteError(w, apierr.Internal(err))
			return
		}
		out = append(out, projectSummary{ID: info.ID, Path: info.Path, SessionCount: len(ids)})
	}
	WriteJSON(w, http.StatusOK, out)
}

// sessionSummary is one row of a project's session listing.
type sessionSummary struct {
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	ModTime   time.Time `json:"modTime"`
}

type projectDetail struct {
	ID       string           `json:"id"`
	Path     string           `json:"path"`
	Sessions []sessionSummary `json:"sessions"`
}

func (h *handler) getProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]

	path, err := project.Decode(projectID)
	if err != nil {
		WriteError(w, apierr.NotFound("unknown project %q", projectID))
		return
	}

	ids, err := h.deps.Transcript.ListSessionIDs(projectID)
	if err != nil {
		WriteError(w, apierr.Internal(err))
		return
	}

	sessions := make([]sessionSummary, 0, len(ids))
	for _, sessionID := range ids {
		owned := h.deps.Supervisor.Owns(sessionID)
		sessions = append(sessions, sessionSummary{
			SessionID: sessionID,
			Status:    string(h.deps.Transcript.Classify(projectID, sessionID, owned, time.Now())),
			ModTime:   h.deps.Transcript.ModTime(projectID, sessionID),
		})
	}

	WriteJSON(w, http.StatusOK, projectDetail{ID: projectID, Path: path, Sessions: sessions})
}
