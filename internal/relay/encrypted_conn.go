// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydesk/agentd/internal/relaycrypto"
)

// encryptedConn wraps a post-handshake *websocket.Conn so every application
// frame is sealed/opened through the relaycrypto envelope (spec §4.H),
// while control frames (ping/pong/close) pass through unencrypted since
// they carry no application payload. Satisfies frametransport's frameConn
// interface.
type encryptedConn struct {
	*websocket.Conn
	key [32]byte
}

func (c *encryptedConn) ReadMessage() (int, []byte, error) {
	msgType, data, err := c.Conn.ReadMessage()
	if err != nil {
		return msgType, nil, err
	}
	if msgType != websocket.BinaryMessage {
		return msgType, data, nil
	}
	inner, err := relaycrypto.Open(c.key, data)
	if err != nil {
		return msgType, nil, err
	}
	return msgType, inner, nil
}

func (c *encryptedConn) WriteMessage(msgType int, data []byte) error {
	if msgType != websocket.BinaryMessage {
		return c.Conn.WriteMessage(msgType, data)
	}
	envelope, err := relaycrypto.Seal(c.key, data)
	if err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.BinaryMessage, envelope)
}

func (c *encryptedConn) WriteControl(msgType int, data []byte, deadline time.Time) error {
	return c.Conn.WriteControl(msgType, data, deadline)
}
