package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reliefsync/internal/live"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memFetcher struct {
	mu   sync.Mutex
	docs []model.Document
}

func (f *memFetcher) Fetch(ctx context.Context, q live.Query) ([]model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Document, 0)
	for _, d := range f.docs {
		if d.Collection != q.Collection {
			continue
		}
		if q.OwnerID != "" && d.OwnerID != q.OwnerID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func ownOnly(id model.Identity, q live.Query) (live.Query, error) {
	if id.IsStaff() {
		return q, nil
	}
	if q.Collection == model.CollectionProfiles {
		return q, ErrForbidden
	}
	q.OwnerID = id.UserID
	return q, nil
}

func startServer(t *testing.T, hub *Hub, identity model.Identity) *websocket.Conn {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(c, hub, identity)
		hub.Register(conn)
		go conn.WritePump()
		go conn.ReadPump()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func readMessage(t *testing.T, c *websocket.Conn) ServerMessage {
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestHub_SubscribeReceivesScopedSnapshots(t *testing.T) {
	fetcher := &memFetcher{docs: []model.Document{
		{ID: "a", Collection: model.CollectionAidRequests, OwnerID: "u1"},
		{ID: "b", Collection: model.CollectionAidRequests, OwnerID: "u2"},
	}}
	registry := live.NewRegistry(fetcher, zap.NewNop())
	hub := NewHub(registry, ownOnly, zap.NewNop())
	client := startServer(t, hub, model.Identity{UserID: "u1", Role: model.RoleCitizen})

	require.NoError(t, client.WriteJSON(ClientMessage{
		Type:  MsgSubscribe,
		ID:    "mine",
		Query: live.Query{Collection: model.CollectionAidRequests},
	}))

	ack := readMessage(t, client)
	assert.Equal(t, MsgAck, ack.Type)
	assert.Equal(t, "subscribed", ack.Ack)

	snap := readMessage(t, client)
	assert.Equal(t, MsgSnapshot, snap.Type)
	assert.Equal(t, "mine", snap.ID)
	require.Len(t, snap.Documents, 1)
	assert.Equal(t, "a", snap.Documents[0].ID)

	fetcher.mu.Lock()
	fetcher.docs = append(fetcher.docs, model.Document{ID: "c", Collection: model.CollectionAidRequests, OwnerID: "u1"})
	fetcher.mu.Unlock()
	registry.Notify(context.Background(), model.CollectionAidRequests)

	snap = readMessage(t, client)
	assert.Equal(t, MsgSnapshot, snap.Type)
	assert.Len(t, snap.Documents, 2)
}

func TestHub_ForbiddenQuery(t *testing.T) {
	registry := live.NewRegistry(&memFetcher{}, zap.NewNop())
	hub := NewHub(registry, ownOnly, zap.NewNop())
	client := startServer(t, hub, model.Identity{UserID: "u1", Role: model.RoleCitizen})

	require.NoError(t, client.WriteJSON(ClientMessage{
		Type:  MsgSubscribe,
		ID:    "p",
		Query: live.Query{Collection: model.CollectionProfiles},
	}))

	msg := readMessage(t, client)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "forbidden", msg.Code)
	assert.Equal(t, 0, registry.Count())
}

func TestHub_DisconnectTearsDownSubscriptions(t *testing.T) {
	registry := live.NewRegistry(&memFetcher{}, zap.NewNop())
	hub := NewHub(registry, ownOnly, zap.NewNop())
	client := startServer(t, hub, model.Identity{UserID: "staff", Role: model.RoleStaff})

	require.NoError(t, client.WriteJSON(ClientMessage{
		Type:  MsgSubscribe,
		ID:    "all",
		Query: live.Query{Collection: model.CollectionEmergencies},
	}))
	readMessage(t, client)
	readMessage(t, client)
	assert.Equal(t, 1, registry.Count())

	client.Close()
	assert.Eventually(t, func() bool { return registry.Count() == 0 && hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_UnsubscribeAndPing(t *testing.T) {
	registry := live.NewRegistry(&memFetcher{}, zap.NewNop())
	hub := NewHub(registry, ownOnly, zap.NewNop())
	client := startServer(t, hub, model.Identity{UserID: "u1", Role: model.RoleCitizen})

	require.NoError(t, client.WriteJSON(ClientMessage{Type: MsgSubscribe, ID: "s", Query: live.Query{Collection: model.CollectionDamageReports}}))
	readMessage(t, client)
	readMessage(t, client)

	require.NoError(t, client.WriteJSON(ClientMessage{Type: MsgUnsubscribe, ID: "s"}))
	msg := readMessage(t, client)
	assert.Equal(t, "unsubscribed", msg.Ack)
	assert.Equal(t, 0, registry.Count())

	require.NoError(t, client.WriteJSON(ClientMessage{Type: MsgPing}))
	msg = readMessage(t, client)
	assert.Equal(t, "pong", msg.Ack)
}

func TestHub_NotificationsReachStaffOnly(t *testing.T) {
	registry := live.NewRegistry(&memFetcher{}, zap.NewNop())
	hub := NewHub(registry, ownOnly, zap.NewNop())
	staff := startServer(t, hub, model.Identity{UserID: "s1", Role: model.RoleStaff})
	citizen := startServer(t, hub, model.Identity{UserID: "c1", Role: model.RoleCitizen})

	require.Eventually(t, func() bool { return hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.HandleEvent(pubsub.Event{Type: pubsub.EventDocumentCreated, Collection: model.CollectionEmergencies})
	hub.HandleEvent(pubsub.Event{Type: pubsub.EventEmergencyUnattended, Collection: model.CollectionEmergencies, ID: "e1"})

	msg := readMessage(t, staff)
	assert.Equal(t, MsgNotification, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "e1", msg.Event.ID)

	citizen.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := citizen.ReadMessage()
	assert.Error(t, err)
}
