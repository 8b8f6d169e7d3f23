// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package gateway is the websocket broadcast layer. A Hub keeps two
// directories, stream name to connections and user identity to
// connections, and fans committed indexer deltas out to subscribers.
// Delivery is at-most-once: a slow consumer is disconnected rather
// than allowed to backpressure the pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SnapshotProvider supplies the full depth book pushed synchronously
// on a depth subscription, before any deltas.
type SnapshotProvider interface {
	DepthSnapshot(ctx context.Context, symbol string) (any, bool)
}

// Frame is the push envelope every subscriber receives.
type Frame struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

type broadcast struct {
	stream string
	user   string // empty for market streams
	data   any
}

// Config tunes the hub. Zero values pick the defaults.
type Config struct {
	// JWTSecret signs the identity tokens user streams require.
	JWTSecret []byte
	// HeartbeatInterval is the ping cadence; a connection that misses
	// one full interval is closed.
	HeartbeatInterval time.Duration
	// ControlInterval is the minimum average spacing of client control
	// frames (the throttle).
	ControlInterval time.Duration
	// ControlBurst is how many control frames over the throttle rate a
	// client may burst before frames are rejected.
	ControlBurst int
	// SendBuffer is the per-connection outbound queue; when it fills,
	// the connection is dropped.
	SendBuffer int
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ControlInterval == 0 {
		c.ControlInterval = 200 * time.Millisecond
	}
	if c.ControlBurst == 0 {
		c.ControlBurst = 5
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
}

// Hub owns every live connection and the subscription directories.
type Hub struct {
	cfg       Config
	snapshots SnapshotProvider
	log       zerolog.Logger

	mu      sync.RWMutex
	streams map[string]map[*Conn]bool
	users   map[string]map[*Conn]bool
	conns   map[*Conn]bool

	register   chan *Conn
	unregister chan *Conn
	broadcasts chan broadcast
	done       chan struct{}

	upgrader websocket.Upgrader
}

func NewHub(cfg Config, snapshots SnapshotProvider, log zerolog.Logger) *Hub {
	cfg.withDefaults()
	return &Hub{
		cfg:        cfg,
		snapshots:  snapshots,
		log:        log.With().Str("component", "gateway").Logger(),
		streams:    make(map[string]map[*Conn]bool),
		users:      make(map[string]map[*Conn]bool),
		conns:      make(map[*Conn]bool),
		register:   make(chan *Conn, 16),
		unregister: make(chan *Conn, 16),
		broadcasts: make(chan broadcast, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run processes registrations and broadcasts until ctx ends, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.conns[c] = true
			if c.user != "" {
				if h.users[c.user] == nil {
					h.users[c.user] = make(map[*Conn]bool)
				}
				h.users[c.user][c] = true
			}
			h.mu.Unlock()
			h.log.Debug().Str("conn", c.id).Str("user", c.user).Msg("connected")

		case c := <-h.unregister:
			h.drop(c)

		case b := <-h.broadcasts:
			h.deliver(b)
		}
	}
}

// Emit fans data out to every subscriber of a market stream. It never
// blocks: when the hub is saturated the frame is dropped, matching the
// at-most-once contract.
func (h *Hub) Emit(stream string, data any) {
	select {
	case h.broadcasts <- broadcast{stream: stream, data: data}:
	case <-h.done:
	default:
		h.log.Warn().Str("stream", stream).Msg("broadcast queue full, frame dropped")
	}
}

// EmitUser delivers data to the connections bound to user that
// subscribed to the user stream.
func (h *Hub) EmitUser(user, stream string, data any) {
	select {
	case h.broadcasts <- broadcast{stream: "user@" + stream, user: user, data: data}:
	case <-h.done:
	default:
		h.log.Warn().Str("stream", stream).Str("user", user).Msg("broadcast queue full, frame dropped")
	}
}

func (h *Hub) deliver(b broadcast) {
	frame, err := json.Marshal(Frame{Stream: b.stream, Data: b.data})
	if err != nil {
		h.log.Error().Err(err).Str("stream", b.stream).Msg("marshal frame")
		return
	}

	h.mu.RLock()
	var targets []*Conn
	if b.user != "" {
		for c := range h.users[b.user] {
			if c.subscribed(b.stream) {
				targets = append(targets, c)
			}
		}
	} else {
		for c := range h.streams[b.stream] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.push(frame)
	}
}

// subscribe attaches the connection to already-validated streams.
func (h *Hub) subscribe(c *Conn, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range streams {
		if h.streams[s] == nil {
			h.streams[s] = make(map[*Conn]bool)
		}
		h.streams[s][c] = true
		c.subs[s] = true
	}
}

func (h *Hub) unsubscribe(c *Conn, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range streams {
		if set, ok := h.streams[s]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.streams, s)
			}
		}
		delete(c.subs, s)
	}
}

// drop removes a connection from both directories and closes it.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	if !h.conns[c] {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for s := range c.subs {
		if set, ok := h.streams[s]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.streams, s)
			}
		}
	}
	if c.user != "" {
		if set, ok := h.users[c.user]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.user)
			}
		}
	}
	h.mu.Unlock()

	c.close()
	h.log.Debug().Str("conn", c.id).Msg("disconnected")
}

func (h *Hub) closeAll() {
	close(h.done)
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*Conn]bool)
	h.streams = make(map[string]map[*Conn]bool)
	h.users = make(map[string]map[*Conn]bool)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// ConnCount reports the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeWS upgrades an HTTP request into a gateway connection. The
// optional "token" query parameter binds the connection to a user
// identity for user streams.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, err := identityFromToken(r.URL.Query().Get("token"), h.cfg.JWTSecret)
	if err != nil {
		h.log.Warn().Err(err).Msg("rejected websocket auth")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(h, ws, user)
	select {
	case h.register <- c:
	case <-h.done:
		ws.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
