// Package session keeps the device's signed-in identity and tells observers
// when it changes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"reliefsync/internal/client"
	"reliefsync/internal/localstore"
	"reliefsync/internal/model"

	"go.uber.org/zap"
)

const identityKey = "session:identity"

// Authenticator is the server side of sign-in
type Authenticator interface {
	SignUp(ctx context.Context, in client.SignUpRequest) (model.Identity, error)
	SignIn(ctx context.Context, email, password string) (model.Identity, error)
	SignOut(ctx context.Context) error
	SetToken(token string)
}

// KV persists the identity between runs
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Observer receives the identity after every change. A nil identity means
// signed out.
type Observer func(id *model.Identity)

type Gate struct {
	auth Authenticator
	kv   KV
	log  *zap.Logger

	mu        sync.RWMutex
	current   *model.Identity
	observers map[int]Observer
	nextID    int

	// serializes deliveries so observers see changes in order
	deliverMu sync.Mutex
}

func NewGate(auth Authenticator, kv KV, log *zap.Logger) *Gate {
	return &Gate{
		auth:      auth,
		kv:        kv,
		log:       log,
		observers: make(map[int]Observer),
	}
}

// Current returns the last known identity without blocking on the network
func (g *Gate) Current() (model.Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return model.Identity{}, false
	}
	return *g.current, true
}

// Observe calls fn with the current identity now and after every sign-in or
// sign-out until the returned function is called. fn must not call back into
// the gate's sign-in methods.
func (g *Gate) Observe(fn Observer) func() {
	g.deliverMu.Lock()
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.observers[id] = fn
	cur := copyIdentity(g.current)
	g.mu.Unlock()
	fn(cur)
	g.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.observers, id)
			g.mu.Unlock()
		})
	}
}

// Restore loads a persisted identity. It reports whether one was found.
func (g *Gate) Restore(ctx context.Context) (bool, error) {
	raw, err := g.kv.Get(ctx, identityKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	var id model.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		g.log.Warn("Discarding unreadable session", zap.Error(err))
		_ = g.kv.Delete(ctx, identityKey)
		return false, nil
	}
	g.auth.SetToken(id.Token)
	g.set(&id)
	g.log.Info("Session restored", zap.String("user_id", id.UserID))
	return true, nil
}

func (g *Gate) SignUp(ctx context.Context, in client.SignUpRequest) (model.Identity, error) {
	id, err := g.auth.SignUp(ctx, in)
	if err != nil {
		return model.Identity{}, err
	}
	return id, g.signedIn(ctx, id)
}

func (g *Gate) SignIn(ctx context.Context, email, password string) (model.Identity, error) {
	id, err := g.auth.SignIn(ctx, email, password)
	if err != nil {
		return model.Identity{}, err
	}
	return id, g.signedIn(ctx, id)
}

// SignOut forgets the identity locally even when the server cannot be reached
func (g *Gate) SignOut(ctx context.Context) error {
	if err := g.auth.SignOut(ctx); err != nil {
		g.log.Warn("Server sign-out failed", zap.Error(err))
	}
	g.auth.SetToken("")
	err := g.kv.Delete(ctx, identityKey)
	g.set(nil)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (g *Gate) signedIn(ctx context.Context, id model.Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	err = g.kv.Put(ctx, identityKey, raw)
	g.set(&id)
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	g.log.Info("Signed in", zap.String("user_id", id.UserID), zap.String("role", string(id.Role)))
	return nil
}

func (g *Gate) set(id *model.Identity) {
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()

	g.mu.Lock()
	g.current = copyIdentity(id)
	observers := make([]Observer, 0, len(g.observers))
	for _, fn := range g.observers {
		observers = append(observers, fn)
	}
	g.mu.Unlock()

	for _, fn := range observers {
		fn(copyIdentity(id))
	}
}

func copyIdentity(id *model.Identity) *model.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
