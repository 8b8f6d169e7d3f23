// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxControlFrame = 4096
	writeWait       = 10 * time.Second
)

// Client control protocol: {"method": ..., "params": [...], "id": N}.
type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type controlReply struct {
	ID     int64         `json:"id"`
	Result any           `json:"result"`
	Error  *controlError `json:"error,omitempty"`
}

// Conn is one websocket subscriber.
type Conn struct {
	id   string
	user string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	// done signals shutdown. send is never closed, so a push racing a
	// drop from the hub's run loop cannot hit a closed channel.
	done chan struct{}

	// subs is guarded by hub.mu.
	subs map[string]bool

	// control throttle token bucket, touched only by readPump.
	tokens      float64
	lastControl time.Time

	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, user string) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		user:        user,
		hub:         h,
		ws:          ws,
		send:        make(chan []byte, h.cfg.SendBuffer),
		done:        make(chan struct{}),
		subs:        make(map[string]bool),
		tokens:      float64(h.cfg.ControlBurst),
		lastControl: time.Now(),
	}
}

// subscribed reports stream membership. Caller holds hub.mu.
func (c *Conn) subscribed(stream string) bool {
	return c.subs[stream]
}

// push queues a frame without blocking. A consumer whose buffer is
// full cannot keep up and is dropped.
func (c *Conn) push(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.hub.log.Warn().Str("conn", c.id).Msg("slow consumer, dropping connection")
		c.requestDrop()
	}
}

func (c *Conn) requestDrop() {
	select {
	case c.hub.unregister <- c:
	default:
		// The hub is shutting down or saturated with unregisters;
		// signalling done makes writePump close the socket, which in
		// turn ends readPump.
		c.close()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump owns the socket's read side: pong liveness and the control
// protocol. It exits on any read error and unregisters the connection.
func (c *Conn) readPump() {
	defer c.requestDrop()

	pongWait := c.hub.cfg.HeartbeatInterval + c.hub.cfg.HeartbeatInterval/2
	c.ws.SetReadLimit(maxControlFrame)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleControl(msg)
	}
}

// writePump owns the socket's write side: queued frames plus the
// heartbeat pings whose pongs readPump watches for.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleControl(msg []byte) {
	var req controlRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		c.reply(controlReply{Error: &controlError{Code: 400, Msg: "malformed request"}})
		return
	}
	if !c.takeToken() {
		c.reply(controlReply{ID: req.ID, Error: &controlError{Code: 429, Msg: "too many control frames"}})
		return
	}

	switch req.Method {
	case "SUBSCRIBE":
		// Invalid streams are filtered, not errors: the reply lists
		// what was actually accepted.
		accepted := make([]string, 0, len(req.Params))
		for _, s := range req.Params {
			if validStream(s, c.user) {
				accepted = append(accepted, s)
			}
		}
		c.hub.subscribe(c, accepted)
		c.reply(controlReply{ID: req.ID, Result: accepted})
		c.pushDepthSnapshots(accepted)

	case "UNSUBSCRIBE":
		c.hub.unsubscribe(c, req.Params)
		c.reply(controlReply{ID: req.ID, Result: nil})

	case "LIST_SUBSCRIPTIONS":
		c.hub.mu.RLock()
		subs := make([]string, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		c.hub.mu.RUnlock()
		c.reply(controlReply{ID: req.ID, Result: subs})

	case "PING":
		c.reply(controlReply{ID: req.ID, Result: "pong"})

	default:
		c.reply(controlReply{ID: req.ID, Error: &controlError{Code: 400, Msg: "unknown method"}})
	}
}

// pushDepthSnapshots sends the current full book for every accepted
// depth stream, so the client has a base to apply deltas to.
func (c *Conn) pushDepthSnapshots(accepted []string) {
	if c.hub.snapshots == nil {
		return
	}
	for _, s := range accepted {
		symbol := depthSymbol(s)
		if symbol == "" {
			continue
		}
		data, ok := c.hub.snapshots.DepthSnapshot(context.Background(), symbol)
		if !ok {
			continue
		}
		frame, err := json.Marshal(Frame{Stream: s, Data: data})
		if err != nil {
			continue
		}
		c.push(frame)
	}
}

// takeToken implements the control throttle: one frame per configured
// interval on average, with a small burst allowance.
func (c *Conn) takeToken() bool {
	now := time.Now()
	elapsed := now.Sub(c.lastControl)
	c.lastControl = now

	c.tokens += float64(elapsed) / float64(c.hub.cfg.ControlInterval)
	if limit := float64(c.hub.cfg.ControlBurst); c.tokens > limit {
		c.tokens = limit
	}
	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

func (c *Conn) reply(r controlReply) {
	frame, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.push(frame)
}
