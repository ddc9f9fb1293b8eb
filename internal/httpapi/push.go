// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaydesk/agentd/internal/apierr"
	"github.com/relaydesk/agentd/internal/settings"
)

// pushSubscribe registers or replaces a browser push subscription,
// per spec §6's POST /push/* and §3's Push Subscription record.
func (h *handler) pushSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub settings.PushSubscription
	if err := decodeJSONBody(r, &sub); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	if sub.BrowserProfileID == "" {
		WriteError(w, apierr.BadRequest("browserProfileId is required"))
		return
	}
	if err := h.deps.Settings.PutPushSubscription(sub); err != nil {
		WriteError(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) pushGet(w http.ResponseWriter, r *http.Request) {
	profileID := mux.Vars(r)["profileId"]
	sub, err := h.deps.Settings.GetPushSubscription(profileID)
	if err != nil {
		WriteError(w, apierr.NotFound("no push subscription for profile %q", profileID))
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}
