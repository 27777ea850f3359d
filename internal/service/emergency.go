package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"reliefsync/internal/db"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"github.com/oklog/ulid/v2"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// EmergencyInput is produced by the emergency button: a disaster type and where the citizen is
type EmergencyInput struct {
	DisasterType string         `json:"disasterType" validate:"required,max=100"`
	Location     model.GeoPoint `json:"location"`
}

// NearbyEmergency is an emergency with its distance from a search center
type NearbyEmergency struct {
	model.Emergency
	DistanceMeters float64 `json:"distanceMeters"`
}

type EmergencyService struct {
	store           Store
	validator       Validator
	bus             EventBus
	jobClient       JobClient
	escalationDelay time.Duration
	log             *zap.Logger
}

func NewEmergencyService(store Store, validator Validator, bus EventBus, log *zap.Logger) *EmergencyService {
	return &EmergencyService{
		store:           store,
		validator:       validator,
		bus:             bus,
		escalationDelay: 15 * time.Minute,
		log:             log,
	}
}

// SetJobClient sets the job client for escalating unattended emergencies
func (s *EmergencyService) SetJobClient(client JobClient, delay time.Duration) {
	s.jobClient = client
	if delay > 0 {
		s.escalationDelay = delay
	}
}

func emergencyFromDoc(d db.Document) (model.Emergency, error) {
	var e model.Emergency
	if err := decode(d, &e); err != nil {
		return e, err
	}
	e.ID = d.ID
	e.ReporterID = d.OwnerID
	e.CreatedAt = d.CreatedAt
	e.UpdatedAt = d.UpdatedAt
	return e, nil
}

// Normalize prepares a generic emergency body written by a citizen
func (s *EmergencyService) Normalize(caller model.Identity, data map[string]interface{}) (map[string]interface{}, error) {
	data["reporterId"] = caller.UserID
	data["status"] = string(model.EmergencyStatusPending)
	return data, nil
}

func (s *EmergencyService) Create(ctx context.Context, caller model.Identity, in EmergencyInput) (model.Emergency, error) {
	if caller.UserID == "" {
		return model.Emergency{}, ErrForbidden
	}
	if strings.TrimSpace(in.DisasterType) == "" {
		return model.Emergency{}, fmt.Errorf("%w: disaster type required", ErrValidation)
	}
	if err := in.Location.Validate(); err != nil {
		return model.Emergency{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e := model.Emergency{
		ID:           ulid.Make().String(),
		DisasterType: in.DisasterType,
		ReporterID:   caller.UserID,
		Location:     in.Location,
		Status:       model.EmergencyStatusPending,
	}
	data, err := encode(e)
	if err != nil {
		return model.Emergency{}, err
	}
	if err := validate(ctx, s.validator, model.CollectionEmergencies, data); err != nil {
		return model.Emergency{}, err
	}

	d, _, err := s.store.PutDocument(ctx, model.CollectionEmergencies, e.ID, caller.UserID, data)
	if err != nil {
		return model.Emergency{}, fmt.Errorf("failed to create emergency: %w", err)
	}
	publish(ctx, s.bus, pubsub.EventDocumentCreated, d)
	s.ScheduleEscalation(e.ID)

	s.log.Info("Emergency reported",
		zap.String("emergency_id", e.ID),
		zap.String("disaster_type", e.DisasterType),
		zap.String("location", e.Location.String()),
	)
	return emergencyFromDoc(d)
}

// ScheduleEscalation arranges for staff to be alerted if the emergency stays pending
func (s *EmergencyService) ScheduleEscalation(id string) {
	if s.jobClient == nil {
		return
	}
	if err := s.jobClient.ScheduleEscalation(id, s.escalationDelay); err != nil {
		s.log.Warn("Failed to schedule escalation", zap.String("emergency_id", id), zap.Error(err))
	}
}

func (s *EmergencyService) Get(ctx context.Context, caller model.Identity, id string) (model.Emergency, error) {
	d, err := s.store.GetDocument(ctx, model.CollectionEmergencies, id)
	if err != nil {
		return model.Emergency{}, err
	}
	if !canAccess(caller, d.OwnerID) {
		return model.Emergency{}, ErrForbidden
	}
	return emergencyFromDoc(d)
}

// Advance moves an emergency forward on behalf of staff; it never moves backward
func (s *EmergencyService) Advance(ctx context.Context, caller model.Identity, id string, to model.EmergencyStatus) (model.Emergency, error) {
	if !caller.IsStaff() {
		return model.Emergency{}, ErrForbidden
	}
	e, err := s.Get(ctx, caller, id)
	if err != nil {
		return model.Emergency{}, err
	}
	if !model.EmergencyLifecycle.CanTransition(e.Status, to) {
		return model.Emergency{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, e.Status, to)
	}

	from := e.Status
	d, err := s.store.UpdateFieldsIfStatus(ctx, model.CollectionEmergencies, id, string(from), map[string]interface{}{
		"status": string(to),
	})
	if err != nil {
		return model.Emergency{}, guarded(err, "emergency")
	}
	publish(ctx, s.bus, pubsub.EventDocumentUpdated, d)
	s.log.Info("Emergency status changed",
		zap.String("emergency_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return emergencyFromDoc(d)
}

// EscalateEmergency alerts staff when an emergency is still pending
func (s *EmergencyService) EscalateEmergency(ctx context.Context, id string) (bool, error) {
	d, err := s.store.GetDocument(ctx, model.CollectionEmergencies, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e, err := emergencyFromDoc(d)
	if err != nil {
		return false, err
	}
	if e.Status != model.EmergencyStatusPending {
		return false, nil
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, pubsub.Event{
			Type:       pubsub.EventEmergencyUnattended,
			Collection: model.CollectionEmergencies,
			ID:         e.ID,
			OwnerID:    e.ReporterID,
			Data:       d.Data,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Nearby returns emergencies within radius meters of center, closest first
func (s *EmergencyService) Nearby(ctx context.Context, caller model.Identity, center model.GeoPoint, radius float64) ([]NearbyEmergency, error) {
	if !caller.IsStaff() {
		return nil, ErrForbidden
	}
	if err := center.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !(radius > 0) || math.IsInf(radius, 1) {
		return nil, fmt.Errorf("%w: radius must be a positive finite number", ErrValidation)
	}

	rows, err := s.store.ListDocuments(ctx, db.DocumentQuery{Collection: model.CollectionEmergencies})
	if err != nil {
		return nil, fmt.Errorf("failed to list emergencies: %w", err)
	}
	out := make([]NearbyEmergency, 0)
	for _, r := range rows {
		e, err := emergencyFromDoc(r)
		if err != nil {
			s.log.Warn("Skipping malformed emergency", zap.String("emergency_id", r.ID), zap.Error(err))
			continue
		}
		dist := center.DistanceMeters(e.Location)
		if dist <= radius {
			out = append(out, NearbyEmergency{Emergency: e, DistanceMeters: dist})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out, nil
}

// QRPayload is the text encoded in an emergency's QR code. It is derived on demand
// and never stored.
func QRPayload(e model.Emergency) (string, error) {
	b, err := json.Marshal(map[string]interface{}{
		"id":         e.ID,
		"type":       e.DisasterType,
		"lat":        e.Location.Lat,
		"lng":        e.Location.Lng,
		"status":     e.Status,
		"reportedAt": e.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode qr payload: %w", err)
	}
	return string(b), nil
}

// QRCode renders an emergency's QR payload as a PNG
func (s *EmergencyService) QRCode(ctx context.Context, caller model.Identity, id string, size int) ([]byte, error) {
	e, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	payload, err := QRPayload(e)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}
	return png, nil
}
