package service

import (
	"context"
	"time"

	"reliefsync/internal/model"

	"go.uber.org/zap"
)

// Services bundles the domain services over one store
type Services struct {
	Documents   *DocumentService
	Aid         *AidService
	Emergencies *EmergencyService
	Damage      *DamageService
	Accounts    *AccountService
}

func New(store Store, validator Validator, bus EventBus, tokens TokenIssuer, staffEmails []string, log *zap.Logger) *Services {
	s := &Services{
		Documents:   NewDocumentService(store, validator, bus, log),
		Aid:         NewAidService(store, validator, bus, log),
		Emergencies: NewEmergencyService(store, validator, bus, log),
		Damage:      NewDamageService(store, validator, bus, log),
		Accounts:    NewAccountService(store, validator, bus, tokens, staffEmails, log),
	}

	// Generic creates of domain documents (the offline queue) get the same defaults
	// as the domain endpoints
	s.Documents.SetNormalizer(model.CollectionAidRequests, s.Aid.Normalize)
	s.Documents.SetNormalizer(model.CollectionEmergencies, s.Emergencies.Normalize)
	s.Documents.SetNormalizer(model.CollectionDamageReports, s.Damage.Normalize)
	s.Documents.SetNormalizer(model.CollectionProfiles, func(model.Identity, map[string]interface{}) (map[string]interface{}, error) {
		return nil, ErrManaged
	})
	s.Documents.OnCreate(model.CollectionEmergencies, func(d model.Document) {
		s.Emergencies.ScheduleEscalation(d.ID)
	})
	return s
}

// SetJobClient enables background purges and escalations
func (s *Services) SetJobClient(client JobClient, aidRetention, escalationDelay time.Duration) {
	s.Aid.SetJobClient(client, aidRetention)
	s.Emergencies.SetJobClient(client, escalationDelay)
}

// PurgeAidRequest implements jobs.Handlers
func (s *Services) PurgeAidRequest(ctx context.Context, id string) (bool, error) {
	return s.Aid.PurgeAidRequest(ctx, id)
}

// EscalateEmergency implements jobs.Handlers
func (s *Services) EscalateEmergency(ctx context.Context, id string) (bool, error) {
	return s.Emergencies.EscalateEmergency(ctx, id)
}
