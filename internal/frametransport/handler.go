// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package frametransport

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/logging"
	"github.com/relaydesk/agentd/internal/upload"
)

var log = logging.Component("frametransport")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// maxInflightRequests bounds the worker pool processing concurrent
// "request" frames on a single connection, per spec §5.
const maxInflightRequests = 8

// Handler upgrades /ws connections and multiplexes request/response,
// subscribe/unsubscribe, and chunked-upload frames over them, dispatching
// request frames against routes and subscriptions against the event bus.
type Handler struct {
	routes  http.Handler
	bus     *eventbus.Bus
	uploads *upload.Manager
}

// New builds a Handler dispatching "request" frames against routes (the
// Local Transport's router), subscriptions against bus, and upload_* frames
// against uploads.
func New(routes http.Handler, bus *eventbus.Bus, uploads *upload.Manager) *Handler {
	return &Handler{routes: routes, bus: bus, uploads: uploads}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.Serve(wsConn)
}

// Serve runs the frame-multiplexing protocol over an already-established
// connection. ServeHTTP uses it for local /ws upgrades; internal/relay uses
// it directly once it has dialed the rendezvous and completed the relay
// handshake, wrapping the socket in the encrypted envelope first.
func (h *Handler) Serve(fc frameConn) {
	log.Debug().Msg("frame connection established")
	newConn(fc, h).run()
	log.Debug().Msg("frame connection closed")
}
