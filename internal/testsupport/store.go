// Package testsupport holds in-memory stand-ins for the remote store and the
// change bus shared by package tests.
package testsupport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"reliefsync/internal/db"
)

// MemStore is an in-memory remote document store with the same semantics as
// db.Queries, for tests that cannot reach Postgres
type MemStore struct {
	mu    sync.Mutex
	docs  map[string]db.Document
	users map[string]db.User
	clock time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:  make(map[string]db.Document),
		users: make(map[string]db.User),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *MemStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func copyData(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *MemStore) PutDocument(ctx context.Context, collection, id, ownerID string, data map[string]interface{}) (db.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	if d, ok := m.docs[key]; ok {
		return d, false, nil
	}
	now := m.tick()
	d := db.Document{Collection: collection, ID: id, OwnerID: ownerID, Data: copyData(data), CreatedAt: now, UpdatedAt: now}
	m.docs[key] = d
	return d, true, nil
}

func (m *MemStore) GetDocument(ctx context.Context, collection, id string) (db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[collection+"/"+id]
	if !ok {
		return db.Document{}, db.ErrNotFound
	}
	return d, nil
}

func (m *MemStore) UpdateFields(ctx context.Context, collection, id string, patch map[string]interface{}) (db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	d, ok := m.docs[key]
	if !ok {
		return db.Document{}, db.ErrNotFound
	}
	d.Data = copyData(d.Data)
	for k, v := range patch {
		d.Data[k] = v
	}
	d.UpdatedAt = m.tick()
	m.docs[key] = d
	return d, nil
}

func (m *MemStore) ReplaceData(ctx context.Context, collection, id string, data map[string]interface{}) (db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	d, ok := m.docs[key]
	if !ok {
		return db.Document{}, db.ErrNotFound
	}
	d.Data = copyData(data)
	d.UpdatedAt = m.tick()
	m.docs[key] = d
	return d, nil
}

func (m *MemStore) guard(key, status string) (db.Document, error) {
	d, ok := m.docs[key]
	if !ok {
		return db.Document{}, db.ErrNotFound
	}
	if current, _ := d.Data["status"].(string); current != status {
		return db.Document{}, db.ErrStale
	}
	return d, nil
}

func (m *MemStore) UpdateFieldsIfStatus(ctx context.Context, collection, id, status string, patch map[string]interface{}) (db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	d, err := m.guard(key, status)
	if err != nil {
		return db.Document{}, err
	}
	d.Data = copyData(d.Data)
	for k, v := range patch {
		d.Data[k] = v
	}
	d.UpdatedAt = m.tick()
	m.docs[key] = d
	return d, nil
}

func (m *MemStore) ReplaceDataIfStatus(ctx context.Context, collection, id, status string, data map[string]interface{}) (db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	d, err := m.guard(key, status)
	if err != nil {
		return db.Document{}, err
	}
	d.Data = copyData(data)
	d.UpdatedAt = m.tick()
	m.docs[key] = d
	return d, nil
}

func (m *MemStore) DeleteDocument(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	if _, ok := m.docs[key]; !ok {
		return db.ErrNotFound
	}
	delete(m.docs, key)
	return nil
}

func (m *MemStore) ListDocuments(ctx context.Context, q db.DocumentQuery) ([]db.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.Document, 0)
	for _, d := range m.docs {
		if d.Collection != q.Collection {
			continue
		}
		if q.OwnerID != "" && d.OwnerID != q.OwnerID {
			continue
		}
		if q.Field != "" {
			if v, _ := d.Data[q.Field].(string); v != q.Value {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) CreateUser(ctx context.Context, id, email, passwordHash, role string) (db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(email)
	if _, ok := m.users[email]; ok {
		return db.User{}, db.ErrConflict
	}
	u := db.User{ID: id, Email: email, PasswordHash: passwordHash, Role: role, CreatedAt: m.tick()}
	m.users[email] = u
	return u, nil
}

func (m *MemStore) GetUserByEmail(ctx context.Context, email string) (db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(email)]
	if !ok {
		return db.User{}, db.ErrNotFound
	}
	return u, nil
}

// Count returns the number of documents in a collection
func (m *MemStore) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs {
		if d.Collection == collection {
			n++
		}
	}
	return n
}
