package ws

import (
	"encoding/json"
	"errors"

	"reliefsync/internal/live"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"go.uber.org/zap"
)

// Client message types
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgResume      = "resume"
	MsgPing        = "ping"
)

// Server message types
const (
	MsgSnapshot     = "snapshot"
	MsgAck          = "ack"
	MsgError        = "error"
	MsgEvent        = "event"
	MsgNotification = "notification"
)

// ErrForbidden is returned by scope functions that reject a query
var ErrForbidden = errors.New("query not permitted")

// ClientMessage is a message sent by a client
type ClientMessage struct {
	Type       string     `json:"type"`
	ID         string     `json:"id,omitempty"`
	Query      live.Query `json:"query,omitempty"`
	Collection string     `json:"collection,omitempty"`
	Since      int64      `json:"since,omitempty"`
}

// ServerMessage is a message sent to a client
type ServerMessage struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	Ack       string           `json:"ack,omitempty"`
	Documents []model.Document `json:"documents,omitempty"`
	Event     *pubsub.Event    `json:"event,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
}

func (c *Conn) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MsgSubscribe:
		c.handleSubscribe(msg)
	case MsgUnsubscribe:
		c.handleUnsubscribe(msg)
	case MsgResume:
		c.handleResume(msg)
	case MsgPing:
		c.sendAck("pong", msg.ID)
	default:
		c.sendError(msg.ID, "unknown_type", "Unknown message type: "+msg.Type)
	}
}

func (c *Conn) handleSubscribe(msg ClientMessage) {
	if msg.ID == "" {
		c.sendError("", "invalid_input", "id required")
		return
	}

	c.mu.Lock()
	_, exists := c.subs[msg.ID]
	c.mu.Unlock()
	if exists {
		c.sendError(msg.ID, "duplicate_id", "subscription id already in use")
		return
	}

	query := msg.Query
	if c.hub.scope != nil {
		scoped, err := c.hub.scope(c.identity, query)
		if err != nil {
			c.sendError(msg.ID, "forbidden", err.Error())
			return
		}
		query = scoped
	}

	clientID := msg.ID
	deliver := func(s live.Snapshot) {
		docs := s.Documents
		if docs == nil {
			docs = []model.Document{}
		}
		c.sendMessage(ServerMessage{Type: MsgSnapshot, ID: clientID, Documents: docs})
	}

	// Ack precedes the initial snapshot so clients can correlate it
	c.sendAck("subscribed", clientID)
	sub, err := c.hub.registry.Subscribe(c.ctx, query, deliver)
	if err != nil {
		c.sendError(clientID, "subscribe_failed", err.Error())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.hub.registry.Unsubscribe(sub.ID)
		return
	}
	c.subs[clientID] = sub.ID
	c.mu.Unlock()

	c.hub.log.Debug("Live query subscribed",
		zap.String("user_id", c.identity.UserID),
		zap.String("collection", query.Collection),
		zap.String("subscription", sub.ID),
	)
}

func (c *Conn) handleUnsubscribe(msg ClientMessage) {
	c.mu.Lock()
	regID, ok := c.subs[msg.ID]
	delete(c.subs, msg.ID)
	c.mu.Unlock()

	if ok {
		c.hub.registry.Unsubscribe(regID)
	}
	c.sendAck("unsubscribed", msg.ID)
}

func (c *Conn) handleResume(msg ClientMessage) {
	c.hub.mu.RLock()
	replay := c.hub.replay
	c.hub.mu.RUnlock()
	if replay == nil {
		c.sendError(msg.ID, "unsupported", "resume not available")
		return
	}
	if msg.Collection == "" {
		c.sendError(msg.ID, "invalid_input", "collection required")
		return
	}
	if c.hub.scope != nil {
		if _, err := c.hub.scope(c.identity, live.Query{Collection: msg.Collection}); err != nil {
			c.sendError(msg.ID, "forbidden", err.Error())
			return
		}
	}

	events, err := replay.ReplayEvents(c.ctx, pubsub.ChannelFor(msg.Collection), msg.Since, 100)
	if err != nil {
		c.hub.log.Error("Failed to replay events",
			zap.String("collection", msg.Collection),
			zap.Int64("since", msg.Since),
			zap.Error(err),
		)
		c.sendError(msg.ID, "replay_failed", "failed to replay events")
		return
	}

	for i := range events {
		ev := events[i]
		if !c.identity.IsStaff() && ev.OwnerID != c.identity.UserID {
			continue
		}
		if !c.sendMessage(ServerMessage{Type: MsgEvent, ID: msg.ID, Event: &ev}) {
			return
		}
	}
	c.sendAck("resumed", msg.ID)
}

func (c *Conn) sendMessage(m ServerMessage) bool {
	data, err := json.Marshal(m)
	if err != nil {
		c.hub.log.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *Conn) sendAck(ack, id string) {
	c.sendMessage(ServerMessage{Type: MsgAck, Ack: ack, ID: id})
}

func (c *Conn) sendError(id, code, message string) {
	c.sendMessage(ServerMessage{Type: MsgError, ID: id, Code: code, Message: message})
}
