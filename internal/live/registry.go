// Package live implements snapshot listeners: subscriptions that receive the full
// result set of a query on subscribe and again after every change to its collection.
package live

import (
	"context"
	"errors"
	"sync"

	"reliefsync/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Query selects documents of one collection
type Query struct {
	Collection string `json:"collection"`
	OwnerID    string `json:"ownerId,omitempty"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
}

// Validate checks that the query names a collection
func (q Query) Validate() error {
	if q.Collection == "" {
		return errors.New("collection is required")
	}
	if q.Field == "" && q.Value != "" {
		return errors.New("value given without field")
	}
	return nil
}

// Snapshot is the full result set of a query at one point in time
type Snapshot struct {
	SubscriptionID string           `json:"id"`
	Query          Query            `json:"query"`
	Documents      []model.Document `json:"documents"`
}

// Fetcher runs queries against the remote store
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([]model.Document, error)
}

// Subscription is one live query
type Subscription struct {
	ID      string
	Query   Query
	deliver func(Snapshot)
	mu      sync.Mutex
	closed  bool
}

type Registry struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	fetcher Fetcher
	log     *zap.Logger

	changedMu sync.Mutex
	changed   map[string]bool
	signal    chan struct{}
}

func NewRegistry(fetcher Fetcher, log *zap.Logger) *Registry {
	return &Registry{
		subs:    make(map[string]*Subscription),
		fetcher: fetcher,
		log:     log,
		changed: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

// Subscribe registers a live query and delivers its initial snapshot before returning
func (r *Registry) Subscribe(ctx context.Context, q Query, deliver func(Snapshot)) (*Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:      ulid.Make().String(),
		Query:   q,
		deliver: deliver,
	}

	// Register first so a change racing with the initial fetch still triggers a refresh
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	if err := r.refresh(ctx, sub); err != nil {
		r.Unsubscribe(sub.ID)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe stops deliveries for a subscription
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
	}
}

// Count returns the number of active subscriptions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Changed marks the collection for refresh. It never blocks; repeated changes
// to a collection before Run picks them up collapse into one refresh.
func (r *Registry) Changed(collection string) {
	r.changedMu.Lock()
	r.changed[collection] = true
	r.changedMu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run refreshes changed collections until ctx is done
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.signal:
			r.changedMu.Lock()
			pending := r.changed
			r.changed = make(map[string]bool)
			r.changedMu.Unlock()

			for c := range pending {
				r.Notify(ctx, c)
			}
		}
	}
}

// Notify refreshes every subscription on the collection synchronously
func (r *Registry) Notify(ctx context.Context, collection string) {
	r.mu.RLock()
	targets := make([]*Subscription, 0)
	for _, sub := range r.subs {
		if sub.Query.Collection == collection {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if err := r.refresh(ctx, sub); err != nil {
			r.log.Error("Failed to refresh live query",
				zap.String("subscription", sub.ID),
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	}
}

func (r *Registry) refresh(ctx context.Context, sub *Subscription) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}

	docs, err := r.fetcher.Fetch(ctx, sub.Query)
	if err != nil {
		return err
	}
	sub.deliver(Snapshot{
		SubscriptionID: sub.ID,
		Query:          sub.Query,
		Documents:      docs,
	})
	return nil
}
