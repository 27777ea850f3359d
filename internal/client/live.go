package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"reliefsync/internal/live"
	"reliefsync/internal/model"
	"reliefsync/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const subscriptionID = "live"

// ErrNotSignedIn is returned when a live query is opened without a token
var ErrNotSignedIn = errors.New("not signed in")

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	u.RawQuery = url.Values{"token": {c.Token()}}.Encode()
	return u.String(), nil
}

// Subscribe opens a live query and calls fn with every snapshot the server
// pushes. It blocks until ctx is done or the connection fails.
func (c *Client) Subscribe(ctx context.Context, q live.Query, fn func(live.Snapshot)) error {
	if c.Token() == "" {
		return ErrNotSignedIn
	}
	target, err := c.wsURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Code: "handshake_failed", Message: err.Error()}
		}
		return fmt.Errorf("failed to connect live query: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(ws.ClientMessage{Type: ws.MsgSubscribe, ID: subscriptionID, Query: q}); err != nil {
		return fmt.Errorf("failed to send subscribe: %w", err)
	}

	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("live query connection lost: %w", err)
		}

		switch msg.Type {
		case ws.MsgSnapshot:
			if msg.ID != subscriptionID {
				continue
			}
			docs := msg.Documents
			if docs == nil {
				docs = []model.Document{}
			}
			fn(live.Snapshot{SubscriptionID: msg.ID, Query: q, Documents: docs})
		case ws.MsgError:
			return &APIError{Code: msg.Code, Message: msg.Message}
		case ws.MsgNotification:
			if msg.Event != nil {
				c.log.Info("Server notification",
					zap.String("type", msg.Event.Type),
					zap.String("id", msg.Event.ID),
				)
			}
		}
	}
}
