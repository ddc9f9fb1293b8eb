// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"errors"
	"net/http"

	"github.com/relaydesk/agentd/internal/apierr"
	"github.com/relaydesk/agentd/internal/auth"
)

type authStatusResponse struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`
}

func (h *handler) authStatus(w http.ResponseWriter, r *http.Request) {
	enabled, username := h.deps.Auth.Status()
	WriteJSON(w, http.StatusOK, authStatusResponse{Enabled: enabled, Username: username})
}

type authCredentialsRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

func (h *handler) authEnable(w http.ResponseWriter, r *http.Request) {
	var req authCredentialsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	if req.Password == "" {
		WriteError(w, apierr.BadRequest("password is required"))
		return
	}
	if err := h.deps.Auth.Enable(req.Username, req.Password); err != nil {
		WriteError(w, translateAuthErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) authLogin(w http.ResponseWriter, r *http.Request) {
	var req authCredentialsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	username := req.Username
	if username == "" {
		username = auth.DefaultUsername
	}
	cookie, err := h.deps.Auth.Login(username, req.Password)
	if err != nil {
		WriteError(w, translateAuthErr(err))
		return
	}
	http.SetCookie(w, cookie)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) authLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.CookieName); err == nil {
		h.deps.Auth.Logout(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: auth.CookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

type authChangePasswordRequest struct {
	Username    string `json:"username,omitempty"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *handler) authChangePassword(w http.ResponseWriter, r *http.Request) {
	var req authChangePasswordRequest
	if err := decodeJSONBody(r, &req); err != nil {
		WriteError(w, apierr.BadRequest("%v", err))
		return
	}
	username := req.Username
	if username == "" {
		username = auth.DefaultUsername
	}
	if req.NewPassword == "" {
		WriteError(w, apierr.BadRequest("newPassword is required"))
		return
	}
	if err := h.deps.Auth.ChangePassword(username, req.OldPassword, req.NewPassword); err != nil {
		WriteError(w, translateAuthErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) authDisable(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Auth.Disable(); err != nil {
		WriteError(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func translateAuthErr(err error) error {
	switch {
	case errors.Is(err, auth.ErrAlreadyEnabled):
		return apierr.Conflict("%v", err)
	case errors.Is(err, auth.ErrNotEnabled), errors.Is(err, auth.ErrInvalidCredentials):
		return apierr.Unauthorized("%v", err)
	default:
		return apierr.Internal(err)
	}
}
