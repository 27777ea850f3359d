package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reliefsync/internal/db"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"
)

var (
	ErrNotFound   = db.ErrNotFound
	ErrConflict   = db.ErrConflict
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
	// ErrManaged is returned for generic mutations of collections owned by a domain service
	ErrManaged = errors.New("collection is managed by its own endpoints")
)

// Store is the remote document store
type Store interface {
	PutDocument(ctx context.Context, collection, id, ownerID string, data map[string]interface{}) (db.Document, bool, error)
	GetDocument(ctx context.Context, collection, id string) (db.Document, error)
	UpdateFields(ctx context.Context, collection, id string, patch map[string]interface{}) (db.Document, error)
	ReplaceData(ctx context.Context, collection, id string, data map[string]interface{}) (db.Document, error)
	// The IfStatus variants return db.ErrStale unless data.status still equals status
	UpdateFieldsIfStatus(ctx context.Context, collection, id, status string, patch map[string]interface{}) (db.Document, error)
	ReplaceDataIfStatus(ctx context.Context, collection, id, status string, data map[string]interface{}) (db.Document, error)
	DeleteDocument(ctx context.Context, collection, id string) error
	ListDocuments(ctx context.Context, query db.DocumentQuery) ([]db.Document, error)
	CreateUser(ctx context.Context, id, email, passwordHash, role string) (db.User, error)
	GetUserByEmail(ctx context.Context, email string) (db.User, error)
}

// EventBus publishes change events
type EventBus interface {
	Publish(ctx context.Context, event pubsub.Event) error
}

// Validator checks document bodies against collection schemas
type Validator interface {
	ValidateDocument(ctx context.Context, collection string, data map[string]interface{}) error
}

// managed collections are only mutated through their domain services
var managed = map[string]bool{
	model.CollectionAidRequests:   true,
	model.CollectionEmergencies:   true,
	model.CollectionDamageReports: true,
	model.CollectionProfiles:      true,
}

// IsManaged reports whether a collection has its own domain endpoints
func IsManaged(collection string) bool {
	return managed[collection]
}

func toModel(d db.Document) model.Document {
	return model.Document{
		ID:         d.ID,
		Collection: d.Collection,
		OwnerID:    d.OwnerID,
		Data:       d.Data,
		CreatedAt:  d.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// reserved keys live in document columns, not in the body
var reserved = []string{"id", "createdAt", "updatedAt"}

// encode converts a typed entity into a document body
func encode(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	for _, k := range reserved {
		delete(data, k)
	}
	return data, nil
}

// decode fills a typed entity from a document body
func decode(d db.Document, v interface{}) error {
	b, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode %s document: %w", d.Collection, err)
	}
	return nil
}

func validate(ctx context.Context, v Validator, collection string, data map[string]interface{}) error {
	if v == nil {
		return nil
	}
	if err := v.ValidateDocument(ctx, collection, data); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// guarded maps a lost status race to an invalid transition
func guarded(err error, what string) error {
	if errors.Is(err, db.ErrStale) {
		return fmt.Errorf("%w: %s changed status concurrently", model.ErrInvalidTransition, what)
	}
	return fmt.Errorf("failed to update %s: %w", what, err)
}

// canAccess reports whether the identity may read or mutate a document
func canAccess(id model.Identity, ownerID string) bool {
	return id.IsStaff() || (id.UserID != "" && id.UserID == ownerID)
}

func publish(ctx context.Context, bus EventBus, eventType string, d db.Document) {
	if bus == nil {
		return
	}
	// The write already succeeded; fan-out failures are logged by the bus
	_ = bus.Publish(ctx, pubsub.Event{
		Type:       eventType,
		Collection: d.Collection,
		ID:         d.ID,
		OwnerID:    d.OwnerID,
		Data:       d.Data,
	})
}
