package service

import (
	"context"
	"fmt"
	"regexp"

	"reliefsync/internal/db"
	"reliefsync/internal/live"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Normalizer prepares a new document body for a collection on behalf of the caller
type Normalizer func(caller model.Identity, data map[string]interface{}) (map[string]interface{}, error)

// DocumentService provides generic document CRUD over the remote store
type DocumentService struct {
	store       Store
	validator   Validator
	bus         EventBus
	normalizers map[string]Normalizer
	created     map[string]func(model.Document)
	log         *zap.Logger
}

func NewDocumentService(store Store, validator Validator, bus EventBus, log *zap.Logger) *DocumentService {
	return &DocumentService{
		store:       store,
		validator:   validator,
		bus:         bus,
		normalizers: make(map[string]Normalizer),
		created:     make(map[string]func(model.Document)),
		log:         log,
	}
}

// SetNormalizer registers the create-time normalizer of a collection
func (s *DocumentService) SetNormalizer(collection string, n Normalizer) {
	s.normalizers[collection] = n
}

// OnCreate registers a callback run after a document is created in the collection
func (s *DocumentService) OnCreate(collection string, fn func(model.Document)) {
	s.created[collection] = fn
}

// ScopeQuery restricts a query to what the caller may read: staff read everything,
// everyone else reads only documents they own.
func ScopeQuery(caller model.Identity, q live.Query) (live.Query, error) {
	if caller.UserID == "" {
		return q, ErrForbidden
	}
	if caller.IsStaff() {
		return q, nil
	}
	if q.OwnerID != "" && q.OwnerID != caller.UserID {
		return q, ErrForbidden
	}
	q.OwnerID = caller.UserID
	return q, nil
}

func checkNames(collection, id string) error {
	if !collectionPattern.MatchString(collection) {
		return fmt.Errorf("%w: invalid collection name %q", ErrValidation, collection)
	}
	if id != "" && !idPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid document id %q", ErrValidation, id)
	}
	return nil
}

// Create stores a new document under a server-assigned id
func (s *DocumentService) Create(ctx context.Context, caller model.Identity, collection string, data map[string]interface{}) (model.Document, error) {
	doc, _, err := s.Put(ctx, caller, collection, ulid.Make().String(), data)
	return doc, err
}

// Put creates a document under a caller-chosen id. Repeating a put with the same id
// returns the stored document with created=false and changes nothing.
func (s *DocumentService) Put(ctx context.Context, caller model.Identity, collection, docID string, data map[string]interface{}) (model.Document, bool, error) {
	if caller.UserID == "" {
		return model.Document{}, false, ErrForbidden
	}
	if docID == "" {
		return model.Document{}, false, fmt.Errorf("%w: document id required", ErrValidation)
	}
	if err := checkNames(collection, docID); err != nil {
		return model.Document{}, false, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	for _, k := range reserved {
		delete(data, k)
	}

	if n, ok := s.normalizers[collection]; ok {
		normalized, err := n(caller, data)
		if err != nil {
			return model.Document{}, false, err
		}
		data = normalized
	}
	if err := validate(ctx, s.validator, collection, data); err != nil {
		return model.Document{}, false, err
	}

	d, created, err := s.store.PutDocument(ctx, collection, docID, caller.UserID, data)
	if err != nil {
		return model.Document{}, false, fmt.Errorf("failed to put document: %w", err)
	}
	if !created {
		if !canAccess(caller, d.OwnerID) {
			return model.Document{}, false, ErrConflict
		}
		s.log.Debug("Document already exists",
			zap.String("collection", collection),
			zap.String("id", docID),
		)
		return toModel(d), false, nil
	}

	publish(ctx, s.bus, pubsub.EventDocumentCreated, d)
	s.log.Info("Document created",
		zap.String("collection", collection),
		zap.String("id", docID),
		zap.String("owner_id", caller.UserID),
	)
	doc := toModel(d)
	if fn, ok := s.created[collection]; ok {
		fn(doc)
	}
	return doc, true, nil
}

// Get returns a document the caller may read
func (s *DocumentService) Get(ctx context.Context, caller model.Identity, collection, docID string) (model.Document, error) {
	if err := checkNames(collection, docID); err != nil {
		return model.Document{}, err
	}
	d, err := s.store.GetDocument(ctx, collection, docID)
	if err != nil {
		return model.Document{}, err
	}
	if !canAccess(caller, d.OwnerID) {
		return model.Document{}, ErrForbidden
	}
	return toModel(d), nil
}

// List returns every document of the query visible to the caller, newest first
func (s *DocumentService) List(ctx context.Context, caller model.Identity, q live.Query) ([]model.Document, error) {
	if err := checkNames(q.Collection, ""); err != nil {
		return nil, err
	}
	scoped, err := ScopeQuery(caller, q)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, scoped)
}

// Fetch runs a query without access checks
func (s *DocumentService) Fetch(ctx context.Context, q live.Query) ([]model.Document, error) {
	rows, err := s.store.ListDocuments(ctx, db.DocumentQuery{
		Collection: q.Collection,
		OwnerID:    q.OwnerID,
		Field:      q.Field,
		Value:      q.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	docs := make([]model.Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, toModel(r))
	}
	return docs, nil
}

func (s *DocumentService) loadMutable(ctx context.Context, caller model.Identity, collection, docID string) (db.Document, error) {
	if err := checkNames(collection, docID); err != nil {
		return db.Document{}, err
	}
	if IsManaged(collection) {
		return db.Document{}, ErrManaged
	}
	d, err := s.store.GetDocument(ctx, collection, docID)
	if err != nil {
		return db.Document{}, err
	}
	if !canAccess(caller, d.OwnerID) {
		return db.Document{}, ErrForbidden
	}
	return d, nil
}

// Patch merges fields into a document
func (s *DocumentService) Patch(ctx context.Context, caller model.Identity, collection, docID string, patch map[string]interface{}) (model.Document, error) {
	existing, err := s.loadMutable(ctx, caller, collection, docID)
	if err != nil {
		return model.Document{}, err
	}
	for _, k := range reserved {
		delete(patch, k)
	}

	merged := make(map[string]interface{}, len(existing.Data)+len(patch))
	for k, v := range existing.Data {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	if err := validate(ctx, s.validator, collection, merged); err != nil {
		return model.Document{}, err
	}

	d, err := s.store.UpdateFields(ctx, collection, docID, patch)
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	publish(ctx, s.bus, pubsub.EventDocumentUpdated, d)
	return toModel(d), nil
}

// Replace overwrites a document body
func (s *DocumentService) Replace(ctx context.Context, caller model.Identity, collection, docID string, data map[string]interface{}) (model.Document, error) {
	if _, err := s.loadMutable(ctx, caller, collection, docID); err != nil {
		return model.Document{}, err
	}
	for _, k := range reserved {
		delete(data, k)
	}
	if err := validate(ctx, s.validator, collection, data); err != nil {
		return model.Document{}, err
	}

	d, err := s.store.ReplaceData(ctx, collection, docID, data)
	if err != nil {
		return model.Document{}, fmt.Errorf("failed to replace document: %w", err)
	}
	publish(ctx, s.bus, pubsub.EventDocumentUpdated, d)
	return toModel(d), nil
}

// Delete removes a document
func (s *DocumentService) Delete(ctx context.Context, caller model.Identity, collection, docID string) error {
	existing, err := s.loadMutable(ctx, caller, collection, docID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, collection, docID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	publish(ctx, s.bus, pubsub.EventDocumentDeleted, existing)
	return nil
}
