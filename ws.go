//go:build ws

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func init() {
	// Register WebSocket transport when build tag is enabled
	registerTransport(TransportWS, dialWS)
}

// wsHandle is the controller-side handle: one websocket connection per
// channel, one envelope per message.
type wsHandle struct {
	conn  *websocket.Conn
	codec Codec
	log   *zap.Logger
	in    inbox

	writeMu sync.Mutex
	closed  atomic.Bool
}

// dialWS is the ws transport factory; the descriptor is the worker's
// websocket URL.
func dialWS(descriptor string, o *options) (Handle, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(descriptor, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	if resp != nil {
		CleanlyCloseBody(resp.Body)
	}

	h := &wsHandle{conn: conn, codec: codecFor(o), log: o.logger}
	go h.readLoop()
	return h, nil
}

func (h *wsHandle) Post(payload any, transfer []any) error {
	if h.closed.Load() {
		return ErrClosed
	}
	data, err := h.codec.Encode(wrap(payload))
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

// On installs the message handler; wsHandle deliberately exposes the
// emitter subscription style.
func (h *wsHandle) On(event string, fn func(Envelope)) {
	if event != "message" {
		return
	}
	h.in.set(fn)
}

func (h *wsHandle) readLoop() {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if !h.closed.Load() {
				h.log.Debug("ws read loop exiting", zap.Error(err))
			}
			return
		}
		env, err := h.codec.Decode(data)
		if err != nil {
			h.log.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		h.in.dispatch(env)
	}
}

func (h *wsHandle) Terminate() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.writeMu.Lock()
	h.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	h.writeMu.Unlock()
	return h.conn.Close()
}

// WSHost serves a worker's end of the channel over WebSocket. Mount it
// as an http.Handler and point the controller's descriptor at the URL.
type WSHost struct {
	log      *zap.Logger
	codec    Codec
	upgrader websocket.Upgrader
	in       inbox

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	outbox  [][]byte // posts made before a controller connects

	closed atomic.Bool
}

// NewWSHost creates a WebSocket worker host.
func NewWSHost(opts ...Option) *WSHost {
	o := newOptions(opts)
	return &WSHost{log: o.logger, codec: codecFor(o)}
}

// ServeHTTP upgrades the controller's connection and relays envelopes
// until either side closes.
func (h *WSHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.conn = conn
	flush := h.outbox
	h.outbox = nil
	h.mu.Unlock()

	for _, data := range flush {
		h.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		h.writeMu.Unlock()
		if err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := h.codec.Decode(data)
		if err != nil {
			h.log.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		h.in.dispatch(env)
	}
}

// Post sends one envelope toward the controller, queuing until one is
// connected.
func (h *WSHost) Post(payload any, transfer []any) error {
	if h.closed.Load() {
		return ErrClosed
	}
	data, err := h.codec.Encode(wrap(payload))
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}

	h.mu.Lock()
	conn := h.conn
	if conn == nil {
		h.outbox = append(h.outbox, data)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SetHandler installs the message handler. Envelopes received before the
// first handler are replayed in order.
func (h *WSHost) SetHandler(fn func(Envelope)) {
	h.in.set(fn)
}

// Terminate closes the active connection and rejects further posts.
func (h *WSHost) Terminate() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
