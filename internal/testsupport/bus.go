package testsupport

import (
	"context"
	"sync"

	"reliefsync/internal/pubsub"
)

// RecordingBus records published events and hands them to listeners synchronously
type RecordingBus struct {
	mu        sync.Mutex
	events    []pubsub.Event
	listeners []pubsub.Listener
}

func (b *RecordingBus) AddListener(l pubsub.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *RecordingBus) Publish(ctx context.Context, e pubsub.Event) error {
	b.mu.Lock()
	e.Seq = int64(len(b.events) + 1)
	b.events = append(b.events, e)
	listeners := append([]pubsub.Listener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
	return nil
}

// Types returns the type of every recorded event in publish order
func (b *RecordingBus) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// ReplayEvents serves recorded events of one channel after sinceSeq
func (b *RecordingBus) ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]pubsub.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pubsub.Event, 0)
	for _, e := range b.events {
		if e.Seq <= sinceSeq || pubsub.ChannelFor(e.Collection) != channel {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
