// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
	"strings"

	"github.com/relaydesk/agentd/internal/apierr"
	"github.com/relaydesk/agentd/internal/auth"
)

// RequireAuth rejects any request lacking a valid session cookie while
// auth is enabled. /api/auth/* is always reachable (enable/login must
// work before a cookie exists); every other path is exempt only while
// auth is disabled (never enabled, or turned off again), per spec §4.H.
func RequireAuth(mgr *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/auth/") {
				next.ServeHTTP(w, r)
				return
			}
			if !mgr.Required() {
				next.ServeHTTP(w, r)
				return
			}
			c, err := r.Cookie(auth.CookieName)
			if err != nil || !mgr.Validate(c.Value) {
				WriteError(w, apierr.Unauthorized("valid session required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
