package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outpostlabs/presence-fabric/internal/v1/bridge"
	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/metrics"
	"github.com/outpostlabs/presence-fabric/internal/v1/presence"
	"github.com/outpostlabs/presence-fabric/internal/v1/ratelimit"
)

// Hub is the concrete transport: it upgrades inbound HTTP requests to
// websockets, associates each socket with the room(s) it has joined (spec
// §6.1 "join(room)/leave(room) primitive"), and broadcasts presence:event
// messages to every socket associated with a given roomId.
type Hub struct {
	service        *presence.Service
	rateLimiter    *ratelimit.RateLimiter
	eventName      string
	allowedOrigins []string

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub wires a Hub against the presence Service and (optionally) a rate
// limiter; eventName is the configurable broadcast name (spec §6.3).
// allowedOrigins is the parsed ALLOWED_ORIGINS config value; a request
// carrying no Origin header (non-browser client) is always allowed.
func NewHub(service *presence.Service, rateLimiter *ratelimit.RateLimiter, eventName string, allowedOrigins []string) *Hub {
	if eventName == "" {
		eventName = DefaultEventName
	}
	return &Hub{
		service: service, rateLimiter: rateLimiter, eventName: eventName,
		allowedOrigins: allowedOrigins, rooms: make(map[string]map[*Client]struct{}),
	}
}

// HandleBridgeEvent is registered with the Event Bridge (spec §4.3 "emit a
// presence:event on the transport, targeting the room identified by
// roomId"). It never blocks on a slow socket: Client.send is a buffered,
// non-blocking channel.
func (h *Hub) HandleBridgeEvent(_ context.Context, evt presence.Event) {
	h.broadcast(evt.RoomID, BroadcastMessage{Name: h.eventName, Payload: evt})
}

var _ bridge.Handler = (*Hub)(nil).HandleBridgeEvent

func (h *Hub) broadcast(roomID string, msg BroadcastMessage) {
	h.mu.RLock()
	members := h.rooms[roomID]
	clients := make([]*Client, 0, len(members))
	for c := range members {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.sendJSON(msg)
	}
}

func (h *Hub) joinRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[*Client]struct{})
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.rooms, roomID)
	}
}

// ServeWs upgrades the request to a websocket and starts the socket's pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return validateOrigin(r, h.allowedOrigins) == nil },
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	client := &Client{
		conn:    conn,
		hub:     h,
		binding: NewBinding(h.service, connID),
		connID:  connID,
		ip:      c.ClientIP(),
		send:    make(chan []byte, 64),
	}

	metrics.IncConnection()
	go client.writePump()
	go client.readPump()
}

// validateOrigin allows the request through when either no Origin header
// is present (non-browser client) or the Origin matches an allowed entry.
func validateOrigin(r *http.Request, allowed []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return errOriginNotAllowed
}

var errOriginNotAllowed = errors.New("origin not allowed")

// writeWait bounds how long a single websocket frame write may block.
const writeWait = 10 * time.Second
