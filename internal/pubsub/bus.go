package pubsub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Change event types
const (
	EventDocumentCreated     = "document.created"
	EventDocumentUpdated     = "document.updated"
	EventDocumentDeleted     = "document.deleted"
	EventEmergencyUnattended = "emergency.unattended"
)

const channelPrefix = "collection:"

// Event describes a change to a document in a collection
type Event struct {
	Type       string                 `json:"type"`
	Collection string                 `json:"collection"`
	ID         string                 `json:"id"`
	OwnerID    string                 `json:"ownerId,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Origin     string                 `json:"origin,omitempty"`
	Seq        int64                  `json:"seq,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Listener receives change events
type Listener func(Event)

type Bus struct {
	rdb       *redis.Client
	log       *zap.Logger
	origin    string
	streams   *Streams
	mu        sync.RWMutex
	listeners []Listener
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{
		rdb:     rdb,
		log:     log,
		origin:  ulid.Make().String(),
		streams: NewStreams(rdb, log),
	}
}

// AddListener registers a local listener for every change event
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// GetStreams returns the streams provider
func (b *Bus) GetStreams() *Streams {
	return b.streams
}

// ChannelFor returns the pub/sub channel of a collection
func ChannelFor(collection string) string {
	return channelPrefix + collection
}

// Publish records and broadcasts a change event. Local listeners are notified even
// when redis is unavailable; the returned error only reports the redis side.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	event.Origin = b.origin
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	channel := ChannelFor(event.Collection)

	seq, err := b.streams.PublishEvent(ctx, channel, event)
	if err != nil {
		b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
	}
	event.Seq = seq

	b.dispatch(event)

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
		return err
	}

	b.log.Debug("Published event",
		zap.String("channel", channel),
		zap.String("type", event.Type),
		zap.String("id", event.ID),
		zap.Int64("seq", seq),
	)
	return nil
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}

// Listen relays events published by other instances to local listeners until ctx is done
func (b *Bus) Listen(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("Failed to decode event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if event.Origin == b.origin {
				continue
			}
			if event.Collection == "" {
				event.Collection = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			b.dispatch(event)
		}
	}
}
