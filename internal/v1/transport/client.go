package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/metrics"
)

// requestDeadline bounds every Service call issued from a socket request
// (spec §5 "accepts a deadline from the transport, default 2 s").
const requestDeadline = 2 * time.Second

// wsConnection is the subset of *websocket.Conn the client depends on;
// narrowing it to an interface keeps the pumps testable against a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one socket's worth of state: its connection, its presence
// binding, and the room it is currently registered with on the Hub for
// broadcast purposes.
type Client struct {
	conn    wsConnection
	hub     *Hub
	binding *Binding
	connID  string
	ip      string

	send      chan []byte
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// readPump decodes inbound envelopes and dispatches them to the binding.
// On read failure (including normal close) it synthesizes a leave and
// tears the socket down, matching spec §4.5.
func (c *Client) readPump() {
	defer c.teardown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(context.Background(), "failed to decode envelope", zap.Error(err), zap.String("conn_id", c.connID))
			continue
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	if !c.checkRateLimit(env.Name) {
		c.ackError(env.ID, "RateLimited")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestDeadline)
	defer cancel()

	switch env.Name {
	case RequestJoin:
		resp, err := c.binding.HandleJoin(ctx, env.Payload)
		if err != nil {
			c.ackError(env.ID, errorKind(err))
			return
		}
		c.hub.joinRoom(c, c.binding.RoomID())
		c.ack(env.ID, resp)
	case RequestHeartbeat:
		resp, err := c.binding.HandleHeartbeat(ctx, env.Payload)
		if err != nil {
			c.ackError(env.ID, errorKind(err))
			return
		}
		c.ack(env.ID, resp)
	case RequestLeave:
		roomID := c.binding.RoomID()
		if err := c.binding.HandleLeave(ctx); err != nil {
			c.ackError(env.ID, errorKind(err))
			return
		}
		if roomID != "" {
			c.hub.leaveRoom(c, roomID)
		}
		c.ack(env.ID, struct{}{})
	default:
		c.ackError(env.ID, "InvalidArgument")
	}
}

// checkRateLimit throttles join/heartbeat by IP (pre-join, no userId yet)
// and by userId once the socket is bound to one. Fails open on limiter
// errors (spec: resilience concerns never block a request outright).
func (c *Client) checkRateLimit(name RequestName) bool {
	if c.hub.rateLimiter == nil || (name != RequestJoin && name != RequestHeartbeat) {
		return true
	}
	ctx := context.Background()
	op := string(name)
	if !c.hub.rateLimiter.CheckIP(ctx, op, c.ip) {
		return false
	}
	if userID := c.binding.UserID(); userID != "" {
		return c.hub.rateLimiter.CheckUser(ctx, op, userID)
	}
	return true
}

func (c *Client) ack(id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal ack payload", zap.Error(err))
		return
	}
	c.sendJSON(Ack{ID: id, AckPayload: AckPayload{OK: true, Payload: data}})
}

func (c *Client) ackError(id, kind string) {
	c.sendJSON(Ack{ID: id, AckPayload: AckPayload{OK: false, Error: kind}})
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message", zap.Error(err))
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send channel full; dropping message", zap.String("conn_id", c.connID))
	}
}

// closeSend marks the client closed and closes the send channel exactly
// once, so a concurrent broadcast can never send on (or close) a closed
// channel (spec §5 "per-connection session data... concurrent access is
// serialized").
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// teardown synthesizes a leave, removes the socket from its room's
// broadcast set, closes the connection, and updates connection metrics.
// Safe to call exactly once, from readPump's defer.
func (c *Client) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), requestDeadline)
	defer cancel()

	roomID := c.binding.RoomID()
	c.binding.HandleDisconnect(ctx)
	if roomID != "" {
		c.hub.leaveRoom(c, roomID)
	}

	c.closeSend()
	c.conn.Close()
	metrics.DecConnection()
}
