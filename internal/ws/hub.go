package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"reliefsync/internal/live"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ScopeFunc narrows or rejects a live query for the connected identity
type ScopeFunc func(id model.Identity, q live.Query) (live.Query, error)

// Replayer returns change events recorded after a sequence number
type Replayer interface {
	ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]pubsub.Event, error)
}

// Hub manages WebSocket connections and their live subscriptions
type Hub struct {
	mu       sync.RWMutex
	conns    map[*Conn]bool
	registry *live.Registry
	scope    ScopeFunc
	replay   Replayer
	log      *zap.Logger
}

// Conn represents a WebSocket connection
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	identity model.Identity
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
	subs   map[string]string // client id -> registry subscription id
}

// NewHub creates a new WebSocket hub
func NewHub(registry *live.Registry, scope ScopeFunc, log *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[*Conn]bool),
		registry: registry,
		scope:    scope,
		log:      log,
	}
}

// SetReplayer sets the provider used to answer resume requests
func (h *Hub) SetReplayer(r Replayer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replay = r
}

// Register adds a new connection to the hub
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// unregister removes a connection and tears down every subscription it owns
func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	subs := conn.subs
	conn.subs = make(map[string]string)
	conn.closed = true
	close(conn.send)
	conn.mu.Unlock()

	for _, regID := range subs {
		h.registry.Unsubscribe(regID)
	}
	conn.cancel()

	h.log.Debug("WebSocket connection closed",
		zap.String("user_id", conn.identity.UserID),
		zap.Int("subscriptions", len(subs)),
	)
}

// HandleEvent forwards staff-facing notifications to staff connections
func (h *Hub) HandleEvent(event pubsub.Event) {
	if event.Type != pubsub.EventEmergencyUnattended {
		return
	}
	msg, err := json.Marshal(map[string]interface{}{
		"type":  "notification",
		"event": event,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if c.identity.IsStaff() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

// NewConn creates a new connection for an authenticated identity
func NewConn(ws *websocket.Conn, hub *Hub, identity model.Identity) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:       ws,
		hub:      hub,
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBuffer),
		subs:     make(map[string]string),
	}
}

// enqueue queues a message without blocking; a full buffer drops the connection
func (c *Conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.hub.log.Warn("WebSocket send buffer full, closing connection",
			zap.String("user_id", c.identity.UserID))
		go c.hub.unregister(c)
		return false
	}
}

// ReadPump handles reading from the WebSocket connection
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid_message", "message must be a JSON object")
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump handles writing to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON message per frame
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
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
