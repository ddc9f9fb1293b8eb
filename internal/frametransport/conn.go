// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package frametransport

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaydesk/agentd/internal/eventbus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// frameConn abstracts the byte-stream a conn multiplexes frames over: a
// direct local /ws upgrade (*websocket.Conn) or, for internal/relay, a
// websocket connection to the rendezvous with every message transparently
// sealed/opened through the relaycrypto envelope.
type frameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// conn is one multiplexed /ws connection: a request dispatcher, a set of
// live event-bus subscriptions, and the uploads it has opened but not yet
// sealed or aborted.
type conn struct {
	ws      frameConn
	h       *Handler
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*eventbus.Subscription

	uploadsMu sync.Mutex
	uploads   map[string]struct{} // uploadIDs opened on this connection, not yet sealed/aborted

	inflight chan struct{} // bounds concurrent "request" dispatch
	reqMu    sync.Mutex
	reqIDs   map[string]struct{} // request ids currently being processed
}

func newConn(ws frameConn, h *Handler) *conn {
	return &conn{
		ws:       ws,
		h:        h,
		subs:     make(map[string]*eventbus.Subscription),
		uploads:  make(map[string]struct{}),
		inflight: make(chan struct{}, maxInflightRequests),
		reqIDs:   make(map[string]struct{}),
	}
}

func (c *conn) run() {
	defer c.ws.Close()
	defer c.cleanup()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	readCh := make(chan wireFrame, 16)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
				continue
			}
			if len(data) == 0 {
				continue
			}
			readCh <- wireFrame{format: Format(data[0]), payload: data[1:]}
		}
	}()

	var wg sync.WaitGroup
	for {
		select {
		case f := <-readCh:
			c.dispatch(f, &wg)

		case <-pingTicker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				wg.Wait()
				return
			}

		case <-closed:
			wg.Wait()
			return
		}
	}
}

type wireFrame struct {
	format  Format
	payload []byte
}

func (c *conn) dispatch(f wireFrame, wg *sync.WaitGroup) {
	switch f.format {
	case FormatJSON:
		var msg message
		if err := json.Unmarshal(f.payload, &msg); err != nil {
			return
		}
		c.dispatchJSON(msg, wg)

	case FormatBinaryUpload:
		c.handleUploadChunk(f.payload)

	default:
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseInvalidFormat, "invalid frame format"),
			time.Now().Add(writeWait))
		c.ws.Close()
	}
}

func (c *conn) dispatchJSON(msg message, wg *sync.WaitGroup) {
	switch msg.Type {
	case TypeRequest:
		c.reqMu.Lock()
		_, dup := c.reqIDs[msg.ID]
		if !dup {
			c.reqIDs[msg.ID] = struct{}{}
		}
		c.reqMu.Unlock()
		if dup {
			c.writeJSON(message{Type: TypeResponse, ID: msg.ID, Status: 400,
				Body: []byte(`{"error":"duplicate in-flight request id"}`)})
			return
		}

		// Blocks the read loop once maxInflightRequests are outstanding,
		// applying backpressure rather than dropping requests.
		c.inflight <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-c.inflight }()
			defer func() {
				c.reqMu.Lock()
				delete(c.reqIDs, msg.ID)
				c.reqMu.Unlock()
			}()
			c.handleRequest(msg)
		}()

	case TypeSubscribe:
		c.handleSubscribe(msg)

	case TypeUnsubscribe:
		c.handleUnsubscribe(msg)

	case TypeUploadStart:
		c.handleUploadStart(msg)

	case TypeUploadEnd:
		c.handleUploadEnd(msg)
	}
}

// writeJSON serializes and sends one FormatJSON frame, synchronized against
// concurrent writers (ping goroutine, request workers, subscription
// goroutines).
func (c *conn) writeJSON(msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := append([]byte{byte(FormatJSON)}, payload...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// handleRequest dispatches a "request" frame against the wrapped
// http.Handler (the Local Transport's router) and replies with a matching
// "response" frame.
func (c *conn) handleRequest(msg message) {
	req := httptest.NewRequest(msg.Method, msg.Path, bytes.NewReader(msg.Body))
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	c.h.routes.ServeHTTP(rec, req)

	headers := map[string]string{}
	for k := range rec.Header() {
		headers[k] = rec.Header().Get(k)
	}

	c.writeJSON(message{
		Type:    TypeResponse,
		ID:      msg.ID,
		Status:  rec.Code,
		Headers: headers,
		Body:    rec.Body.Bytes(),
	})
}

// handleSubscribe opens an event-bus subscription and streams matching
// events as "event" frames until unsubscribed or the connection closes. The
// first event is always a synthetic "connected" event (spec §4.G).
func (c *conn) handleSubscribe(msg message) {
	if msg.SubscriptionID == "" {
		return
	}

	sub := c.h.bus.Subscribe(channelFilter(msg.Channel))

	c.subsMu.Lock()
	if existing, ok := c.subs[msg.SubscriptionID]; ok {
		existing.Cancel()
	}
	c.subs[msg.SubscriptionID] = sub
	c.subsMu.Unlock()

	c.writeJSON(message{Type: TypeEvent, SubscriptionID: msg.SubscriptionID, EventType: "connected"})

	go func() {
		for ev := range sub.Events() {
			c.writeJSON(message{
				Type:           TypeEvent,
				SubscriptionID: msg.SubscriptionID,
				EventType:      string(ev.Kind),
				Data:           ev.Data,
			})
		}
	}()
}

func (c *conn) handleUnsubscribe(msg message) {
	c.subsMu.Lock()
	sub, ok := c.subs[msg.SubscriptionID]
	if ok {
		delete(c.subs, msg.SubscriptionID)
	}
	c.subsMu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// channelFilter narrows bus delivery to events tagged with the requested
// channel name (spec §4.G's subscribe.channel); an empty channel matches
// every event.
func channelFilter(channel string) eventbus.Filter {
	if channel == "" {
		return nil
	}
	return func(e eventbus.Event) bool { return string(e.Kind) == channel }
}

func (c *conn) handleUploadStart(msg message) {
	if err := c.h.uploads.Start(msg.UploadID, msg.Filename, msg.MimeType); err != nil {
		c.writeJSON(message{Type: TypeUploadError, UploadID: msg.UploadID, Error: err.Error()})
		return
	}
	c.uploadsMu.Lock()
	c.uploads[msg.UploadID] = struct{}{}
	c.uploadsMu.Unlock()
}

func (c *conn) handleUploadChunk(payload []byte) {
	rawID, offset, data, ok := parseUploadChunk(payload)
	if !ok {
		return
	}
	id, err := uuid.FromBytes(rawID[:])
	if err != nil {
		return
	}
	uploadID := id.String()

	total, emitProgress, err := c.h.uploads.Write(uploadID, offset, data)
	if err != nil {
		c.writeJSON(message{Type: TypeUploadError, UploadID: uploadID, Error: err.Error()})
		return
	}
	if emitProgress {
		c.writeJSON(message{Type: TypeUploadProgress, UploadID: uploadID, Size: total})
	}
}

func (c *conn) handleUploadEnd(msg message) {
	desc, err := c.h.uploads.Seal(msg.UploadID)
	c.uploadsMu.Lock()
	delete(c.uploads, msg.UploadID)
	c.uploadsMu.Unlock()

	if err != nil {
		c.writeJSON(message{Type: TypeUploadError, UploadID: msg.UploadID, Error: err.Error()})
		return
	}
	c.writeJSON(message{
		Type:     TypeUploadComplete,
		UploadID: desc.UploadID,
		Filename: desc.Filename,
		MimeType: desc.MimeType,
		Size:     desc.Size,
	})
}

// cleanup cancels every live subscription and aborts every upload this
// connection opened but never sealed, per spec §5's orphan-cleanup
// guarantee.
func (c *conn) cleanup() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}

	c.uploadsMu.Lock()
	ids := c.uploads
	c.uploads = nil
	c.uploadsMu.Unlock()
	for id := range ids {
		c.h.uploads.Abort(id)
	}
}
