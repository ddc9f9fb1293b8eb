// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the Local Transport described in spec §4.F:
// the `/api/*` HTTP surface, including the two long-lived text/event-stream
// endpoints. Grounded on the teacher's internal/api/router.go (Dependencies
// struct, middleware chain, Server wrapper) and internal/api/handlers
// (Response envelope), generalized from trellis's service/worktree/
// workflow domain onto this server's project/session/process domain.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/relaydesk/agentd/internal/auth"
	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/sessionview"
	"github.com/relaydesk/agentd/internal/settings"
	"github.com/relaydesk/agentd/internal/supervisor"
	"github.com/relaydesk/agentd/internal/transcript"
	"github.com/relaydesk/agentd/internal/upload"
)

// ServerConfig holds the bind address and optional TLS material.
type ServerConfig struct {
	Host    string
	Port    int
	TLSCert string
	TLSKey  string
}

// Dependencies holds every component an `/api/*` handler may call into.
// FrameHandler is optional: when set, GET /api/ws upgrades to the Frame
// Transport (internal/frametransport); a nil FrameHandler 404s that route.
type Dependencies struct {
	ProjectsRoot string
	Transcript   *transcript.Store
	Sessions     *sessionview.Assembler
	Supervisor   *supervisor.Supervisor
	Auth         *auth.Manager
	Uploads      *upload.Manager
	Settings     *settings.Store
	Bus          *eventbus.Bus
	FrameHandler http.Handler
	Version      string
}

// NewRouter builds the `/api` mux.Router for deps.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()
	r.Use(Logging, Recovery, CORS, RequireAuth(deps.Auth))

	h := &handler{deps: deps}

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/projects", h.listProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}", h.getProject).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/sessions", h.createSession).Methods(http.MethodPost)
	api.HandleFunc("/projects/{projectId}/sessions/{sessionId}", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/sessions/{sessionId}/resume", h.resumeSession).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{sessionId}/messages", h.queueMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/input", h.respondInput).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/mode", h.setMode).Methods(http.MethodPut)
	api.HandleFunc("/sessions/{sessionId}/stream", h.streamSession).Methods(http.MethodGet)

	api.HandleFunc("/processes/{processId}/abort", h.abortProcess).Methods(http.MethodPost)

	api.HandleFunc("/activity/stream", h.streamActivity).Methods(http.MethodGet)

	api.HandleFunc("/auth/status", h.authStatus).Methods(http.MethodGet)
	api.HandleFunc("/auth/enable", h.authEnable).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", h.authLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", h.authLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/change", h.authChangePassword).Methods(http.MethodPost)
	api.HandleFunc("/auth/disable", h.authDisable).Methods(http.MethodPost)

	api.HandleFunc("/push/subscribe", h.pushSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/push/{profileId}", h.pushGet).Methods(http.MethodGet)

	if deps.FrameHandler != nil {
		api.Handle("/ws", deps.FrameHandler).Methods(http.MethodGet)
	}

	return r
}

// handler carries Dependencies to every route method.
type handler struct {
	deps Dependencies
}

// Server wraps the router with an *http.Server and graceful shutdown,
// grounded on the teacher's internal/api.Server.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer builds a Server for cfg/deps.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{router: NewRouter(deps), cfg: cfg}
}

// Router returns the underlying mux.Router, e.g. for tests.
func (s *Server) Router() *mux.Router { return s.router }

// ListenAndServe binds and serves, using TLS when cfg.TLSCert/TLSKey are
// set. It returns an error, without serving, if only one is set or either
// file does not exist.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{Addr: addr, Handler: s.router}

	tlsEnabled, err := checkTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("httpapi: tls configuration: %w", err)
	}
	if tlsEnabled {
		accessLog.Info().Str("addr", addr).Msg("listening (tls)")
		return s.server.ListenAndServeTLS(expandPath(s.cfg.TLSCert), expandPath(s.cfg.TLSKey))
	}
	accessLog.Info().Str("addr", addr).Msg("listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests, defaulting to a 30s
// timeout when ctx carries no deadline of its own.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}
