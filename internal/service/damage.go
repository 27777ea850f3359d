package service

import (
	"context"
	"fmt"

	"reliefsync/internal/db"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// DamageReportInput is the reporter-supplied part of a damage report
type DamageReportInput struct {
	Description string               `json:"description" validate:"required,max=5000"`
	Category    model.DamageCategory `json:"category" validate:"required,oneof=infrastructure housing road utilities agriculture other"`
	Severity    model.Severity       `json:"severity" validate:"required,oneof=low medium high critical"`
	Location    model.GeoPoint       `json:"location"`
	Media       []string             `json:"media,omitempty" validate:"max=20,dive,url"`
}

// DamageReportPatch carries owner edits; nil fields are unchanged
type DamageReportPatch struct {
	Description *string               `json:"description,omitempty" validate:"omitempty,min=1,max=5000"`
	Category    *model.DamageCategory `json:"category,omitempty" validate:"omitempty,oneof=infrastructure housing road utilities agriculture other"`
	Severity    *model.Severity       `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Location    *model.GeoPoint       `json:"location,omitempty"`
	Media       *[]string             `json:"media,omitempty"`
}

type DamageService struct {
	store     Store
	validator Validator
	bus       EventBus
	log       *zap.Logger
}

func NewDamageService(store Store, validator Validator, bus EventBus, log *zap.Logger) *DamageService {
	return &DamageService{
		store:     store,
		validator: validator,
		bus:       bus,
		log:       log,
	}
}

func damageFromDoc(d db.Document) (model.DamageReport, error) {
	var r model.DamageReport
	if err := decode(d, &r); err != nil {
		return r, err
	}
	r.ID = d.ID
	r.OwnerID = d.OwnerID
	r.CreatedAt = d.CreatedAt
	r.UpdatedAt = d.UpdatedAt
	if r.Media == nil {
		r.Media = []string{}
	}
	return r, nil
}

// Normalize prepares a generic damage report body written by its reporter
func (s *DamageService) Normalize(caller model.Identity, data map[string]interface{}) (map[string]interface{}, error) {
	data["ownerId"] = caller.UserID
	data["status"] = string(model.ModerationPending)
	if _, ok := data["media"]; !ok {
		data["media"] = []interface{}{}
	}
	return data, nil
}

func (s *DamageService) Create(ctx context.Context, caller model.Identity, in DamageReportInput) (model.DamageReport, error) {
	return s.CreateWithID(ctx, caller, ulid.Make().String(), in)
}

// CreateWithID creates a report under a caller-chosen id; repeating it is a no-op
func (s *DamageService) CreateWithID(ctx context.Context, caller model.Identity, id string, in DamageReportInput) (model.DamageReport, error) {
	if caller.UserID == "" {
		return model.DamageReport{}, ErrForbidden
	}
	if err := in.Location.Validate(); err != nil {
		return model.DamageReport{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	media := in.Media
	if media == nil {
		media = []string{}
	}
	r := model.DamageReport{
		ID:          id,
		OwnerID:     caller.UserID,
		Description: in.Description,
		Category:    in.Category,
		Severity:    in.Severity,
		Location:    in.Location,
		Media:       media,
		Status:      model.ModerationPending,
	}
	data, err := encode(r)
	if err != nil {
		return model.DamageReport{}, err
	}
	if err := validate(ctx, s.validator, model.CollectionDamageReports, data); err != nil {
		return model.DamageReport{}, err
	}

	d, created, err := s.store.PutDocument(ctx, model.CollectionDamageReports, id, caller.UserID, data)
	if err != nil {
		return model.DamageReport{}, fmt.Errorf("failed to create damage report: %w", err)
	}
	if !created {
		if d.OwnerID != caller.UserID {
			return model.DamageReport{}, ErrConflict
		}
		return damageFromDoc(d)
	}
	publish(ctx, s.bus, pubsub.EventDocumentCreated, d)
	s.log.Info("Damage report created",
		zap.String("report_id", id),
		zap.String("category", string(r.Category)),
		zap.String("severity", string(r.Severity)),
	)
	return damageFromDoc(d)
}

func (s *DamageService) Get(ctx context.Context, caller model.Identity, id string) (model.DamageReport, error) {
	d, err := s.store.GetDocument(ctx, model.CollectionDamageReports, id)
	if err != nil {
		return model.DamageReport{}, err
	}
	if !canAccess(caller, d.OwnerID) {
		return model.DamageReport{}, ErrForbidden
	}
	return damageFromDoc(d)
}

// save writes r back provided the stored moderation status is still from
func (s *DamageService) save(ctx context.Context, r model.DamageReport, from model.ModerationStatus) (model.DamageReport, error) {
	data, err := encode(r)
	if err != nil {
		return model.DamageReport{}, err
	}
	if err := validate(ctx, s.validator, model.CollectionDamageReports, data); err != nil {
		return model.DamageReport{}, err
	}
	d, err := s.store.ReplaceDataIfStatus(ctx, model.CollectionDamageReports, r.ID, string(from), data)
	if err != nil {
		return model.DamageReport{}, guarded(err, "damage report")
	}
	publish(ctx, s.bus, pubsub.EventDocumentUpdated, d)
	return damageFromDoc(d)
}

// Edit applies the owner's changes
func (s *DamageService) Edit(ctx context.Context, caller model.Identity, id string, p DamageReportPatch) (model.DamageReport, error) {
	r, err := s.Get(ctx, caller, id)
	if err != nil {
		return model.DamageReport{}, err
	}
	if r.OwnerID != caller.UserID {
		return model.DamageReport{}, ErrForbidden
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Severity != nil {
		r.Severity = *p.Severity
	}
	if p.Location != nil {
		if err := p.Location.Validate(); err != nil {
			return model.DamageReport{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		r.Location = *p.Location
	}
	if p.Media != nil {
		r.Media = *p.Media
	}
	return s.save(ctx, r, r.Status)
}

// Moderate sets the moderation status on behalf of staff
func (s *DamageService) Moderate(ctx context.Context, caller model.Identity, id string, status model.ModerationStatus) (model.DamageReport, error) {
	if !caller.IsStaff() {
		return model.DamageReport{}, ErrForbidden
	}
	r, err := s.Get(ctx, caller, id)
	if err != nil {
		return model.DamageReport{}, err
	}
	if r.Status == status {
		return r, nil
	}
	if !model.ModerationLifecycle.CanTransition(r.Status, status) {
		return model.DamageReport{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, r.Status, status)
	}
	from := r.Status
	r.Status = status
	return s.save(ctx, r, from)
}

// Delete removes a report; only its owner or staff may delete it
func (s *DamageService) Delete(ctx context.Context, caller model.Identity, id string) error {
	r, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, model.CollectionDamageReports, id); err != nil {
		return err
	}
	publish(ctx, s.bus, pubsub.EventDocumentDeleted, db.Document{
		Collection: model.CollectionDamageReports,
		ID:         id,
		OwnerID:    r.OwnerID,
	})
	return nil
}
