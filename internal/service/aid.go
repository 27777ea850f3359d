package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reliefsync/internal/db"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// AidRequestInput is the citizen-supplied part of an aid request
type AidRequestInput struct {
	RequesterName string         `json:"requesterName" validate:"required,max=200"`
	Phone         string         `json:"phone,omitempty" validate:"max=40"`
	Address       string         `json:"address,omitempty" validate:"max=500"`
	HouseholdSize int            `json:"householdSize" validate:"required,min=1,max=1000"`
	AidTypes      model.AidTypes `json:"aidTypes"`
	Urgency       model.Urgency  `json:"urgency" validate:"required,oneof=Low Medium High"`
}

// AidRequestPatch carries the fields a requester may edit; nil fields are unchanged
type AidRequestPatch struct {
	RequesterName *string         `json:"requesterName,omitempty" validate:"omitempty,min=1,max=200"`
	Phone         *string         `json:"phone,omitempty" validate:"omitempty,max=40"`
	Address       *string         `json:"address,omitempty" validate:"omitempty,max=500"`
	HouseholdSize *int            `json:"householdSize,omitempty" validate:"omitempty,min=1,max=1000"`
	AidTypes      *model.AidTypes `json:"aidTypes,omitempty"`
	Urgency       *model.Urgency  `json:"urgency,omitempty" validate:"omitempty,oneof=Low Medium High"`
}

type AidService struct {
	store     Store
	validator Validator
	bus       EventBus
	jobClient JobClient
	retention time.Duration
	log       *zap.Logger
}

func NewAidService(store Store, validator Validator, bus EventBus, log *zap.Logger) *AidService {
	return &AidService{
		store:     store,
		validator: validator,
		bus:       bus,
		retention: 30 * 24 * time.Hour,
		log:       log,
	}
}

// SetJobClient sets the job client for scheduling purges of cancelled requests
func (s *AidService) SetJobClient(client JobClient, retention time.Duration) {
	s.jobClient = client
	if retention > 0 {
		s.retention = retention
	}
}

func aidFromDoc(d db.Document) (model.AidRequest, error) {
	var r model.AidRequest
	if err := decode(d, &r); err != nil {
		return r, err
	}
	r.ID = d.ID
	r.RequesterID = d.OwnerID
	r.CreatedAt = d.CreatedAt
	r.UpdatedAt = d.UpdatedAt
	return r, nil
}

// Normalize prepares a generic aid request body written by a citizen
func (s *AidService) Normalize(caller model.Identity, data map[string]interface{}) (map[string]interface{}, error) {
	data["requesterId"] = caller.UserID
	data["status"] = string(model.AidStatusRequested)
	delete(data, "rating")
	return data, nil
}

func (s *AidService) Create(ctx context.Context, caller model.Identity, in AidRequestInput) (model.AidRequest, error) {
	if caller.UserID == "" {
		return model.AidRequest{}, ErrForbidden
	}
	if !in.AidTypes.Any() {
		return model.AidRequest{}, fmt.Errorf("%w: at least one aid type required", ErrValidation)
	}
	r := model.AidRequest{
		ID:            ulid.Make().String(),
		RequesterID:   caller.UserID,
		RequesterName: in.RequesterName,
		Phone:         in.Phone,
		Address:       in.Address,
		HouseholdSize: in.HouseholdSize,
		AidTypes:      in.AidTypes,
		Urgency:       in.Urgency,
		Status:        model.AidStatusRequested,
	}
	data, err := encode(r)
	if err != nil {
		return model.AidRequest{}, err
	}
	if err := validate(ctx, s.validator, model.CollectionAidRequests, data); err != nil {
		return model.AidRequest{}, err
	}

	d, _, err := s.store.PutDocument(ctx, model.CollectionAidRequests, r.ID, caller.UserID, data)
	if err != nil {
		return model.AidRequest{}, fmt.Errorf("failed to create aid request: %w", err)
	}
	publish(ctx, s.bus, pubsub.EventDocumentCreated, d)
	s.log.Info("Aid request created",
		zap.String("request_id", r.ID),
		zap.String("urgency", string(r.Urgency)),
	)
	return aidFromDoc(d)
}

func (s *AidService) load(ctx context.Context, caller model.Identity, id string) (model.AidRequest, error) {
	d, err := s.store.GetDocument(ctx, model.CollectionAidRequests, id)
	if err != nil {
		return model.AidRequest{}, err
	}
	if !canAccess(caller, d.OwnerID) {
		return model.AidRequest{}, ErrForbidden
	}
	return aidFromDoc(d)
}

// save writes r back provided the stored status is still from
func (s *AidService) save(ctx context.Context, r model.AidRequest, from model.AidStatus) (model.AidRequest, error) {
	data, err := encode(r)
	if err != nil {
		return model.AidRequest{}, err
	}
	if err := validate(ctx, s.validator, model.CollectionAidRequests, data); err != nil {
		return model.AidRequest{}, err
	}
	d, err := s.store.ReplaceDataIfStatus(ctx, model.CollectionAidRequests, r.ID, string(from), data)
	if err != nil {
		return model.AidRequest{}, guarded(err, "aid request")
	}
	publish(ctx, s.bus, pubsub.EventDocumentUpdated, d)
	return aidFromDoc(d)
}

func (s *AidService) Get(ctx context.Context, caller model.Identity, id string) (model.AidRequest, error) {
	return s.load(ctx, caller, id)
}

// Edit applies a requester's changes while the request is still Requested
func (s *AidService) Edit(ctx context.Context, caller model.Identity, id string, p AidRequestPatch) (model.AidRequest, error) {
	r, err := s.load(ctx, caller, id)
	if err != nil {
		return model.AidRequest{}, err
	}
	if r.RequesterID != caller.UserID {
		return model.AidRequest{}, ErrForbidden
	}
	if !r.CitizenCanEdit() {
		return model.AidRequest{}, fmt.Errorf("%w: request is %s", model.ErrInvalidTransition, r.Status)
	}

	if p.RequesterName != nil {
		r.RequesterName = *p.RequesterName
	}
	if p.Phone != nil {
		r.Phone = *p.Phone
	}
	if p.Address != nil {
		r.Address = *p.Address
	}
	if p.HouseholdSize != nil {
		r.HouseholdSize = *p.HouseholdSize
	}
	if p.AidTypes != nil {
		if !p.AidTypes.Any() {
			return model.AidRequest{}, fmt.Errorf("%w: at least one aid type required", ErrValidation)
		}
		r.AidTypes = *p.AidTypes
	}
	if p.Urgency != nil {
		r.Urgency = *p.Urgency
	}
	return s.save(ctx, r, r.Status)
}

// Cancel cancels a request. Requesters may cancel only while it is Requested.
func (s *AidService) Cancel(ctx context.Context, caller model.Identity, id string) (model.AidRequest, error) {
	r, err := s.load(ctx, caller, id)
	if err != nil {
		return model.AidRequest{}, err
	}
	if !caller.IsStaff() && r.Status != model.AidStatusRequested {
		return model.AidRequest{}, fmt.Errorf("%w: request is %s", model.ErrInvalidTransition, r.Status)
	}
	return s.transition(ctx, r, model.AidStatusCancelled)
}

// SetStatus moves a request along its lifecycle on behalf of staff
func (s *AidService) SetStatus(ctx context.Context, caller model.Identity, id string, status model.AidStatus) (model.AidRequest, error) {
	if !caller.IsStaff() {
		return model.AidRequest{}, ErrForbidden
	}
	r, err := s.load(ctx, caller, id)
	if err != nil {
		return model.AidRequest{}, err
	}
	return s.transition(ctx, r, status)
}

func (s *AidService) transition(ctx context.Context, r model.AidRequest, to model.AidStatus) (model.AidRequest, error) {
	if !model.AidLifecycle.CanTransition(r.Status, to) {
		return model.AidRequest{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, r.Status, to)
	}
	from := r.Status
	r.Status = to
	updated, err := s.save(ctx, r, from)
	if err != nil {
		return model.AidRequest{}, err
	}

	s.log.Info("Aid request status changed",
		zap.String("request_id", r.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if to == model.AidStatusCancelled && s.jobClient != nil {
		if err := s.jobClient.ScheduleAidPurge(r.ID, s.retention); err != nil {
			s.log.Warn("Failed to schedule aid request purge", zap.String("request_id", r.ID), zap.Error(err))
		}
	}
	return updated, nil
}

// Rate records the requester's rating of a delivered request
func (s *AidService) Rate(ctx context.Context, caller model.Identity, id string, rating int) (model.AidRequest, error) {
	if rating < 1 || rating > 5 {
		return model.AidRequest{}, fmt.Errorf("%w: rating must be between 1 and 5", ErrValidation)
	}
	r, err := s.load(ctx, caller, id)
	if err != nil {
		return model.AidRequest{}, err
	}
	if r.RequesterID != caller.UserID {
		return model.AidRequest{}, ErrForbidden
	}
	if !r.CanRate() {
		return model.AidRequest{}, fmt.Errorf("%w: only delivered requests can be rated", model.ErrInvalidTransition)
	}
	r.Rating = &rating
	return s.save(ctx, r, r.Status)
}

// Delete hard-deletes a cancelled request
func (s *AidService) Delete(ctx context.Context, caller model.Identity, id string) error {
	r, err := s.load(ctx, caller, id)
	if err != nil {
		return err
	}
	if !r.CanDelete() {
		return fmt.Errorf("%w: only cancelled requests can be deleted", model.ErrInvalidTransition)
	}
	return s.remove(ctx, id, r.RequesterID)
}

// PurgeAidRequest deletes a request that is still cancelled
func (s *AidService) PurgeAidRequest(ctx context.Context, id string) (bool, error) {
	d, err := s.store.GetDocument(ctx, model.CollectionAidRequests, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r, err := aidFromDoc(d)
	if err != nil {
		return false, err
	}
	if !r.CanDelete() {
		return false, nil
	}
	if err := s.remove(ctx, id, d.OwnerID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *AidService) remove(ctx context.Context, id, ownerID string) error {
	if err := s.store.DeleteDocument(ctx, model.CollectionAidRequests, id); err != nil {
		return err
	}
	publish(ctx, s.bus, pubsub.EventDocumentDeleted, db.Document{
		Collection: model.CollectionAidRequests,
		ID:         id,
		OwnerID:    ownerID,
	})
	return nil
}
