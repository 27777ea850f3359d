package service

import (
	"context"
	"sync"
	"time"

	"reliefsync/internal/db"
	"reliefsync/internal/model"
	"reliefsync/internal/schema"
	"reliefsync/internal/testsupport"

	"go.uber.org/zap"
)

type recordingJobs struct {
	purges      []string
	escalations []string
}

func (j *recordingJobs) ScheduleAidPurge(id string, after time.Duration) error {
	j.purges = append(j.purges, id)
	return nil
}

func (j *recordingJobs) ScheduleEscalation(id string, after time.Duration) error {
	j.escalations = append(j.escalations, id)
	return nil
}

type staticTokens struct{}

func (staticTokens) Issue(userID, email string, role model.Role) (string, error) {
	return "token-" + userID, nil
}

var (
	citizen = model.Identity{UserID: "citizen-1", Role: model.RoleCitizen}
	other   = model.Identity{UserID: "citizen-2", Role: model.RoleCitizen}
	staff   = model.Identity{UserID: "staff-1", Role: model.RoleStaff}
)

type fixture struct {
	store *testsupport.MemStore
	bus   *testsupport.RecordingBus
	jobs  *recordingJobs
	svc   *Services
}

func newFixture() *fixture {
	f := &fixture{
		store: testsupport.NewMemStore(),
		bus:   &testsupport.RecordingBus{},
		jobs:  &recordingJobs{},
	}
	f.svc = New(f.store, schema.NewDefaultCompiler(), f.bus, staticTokens{}, []string{"boss@ngo.org"}, zap.NewNop())
	f.svc.SetJobClient(f.jobs, time.Hour, time.Minute)
	return f
}

// racingStore runs a concurrent writer once, right after the next read returns
type racingStore struct {
	*testsupport.MemStore
	mu      sync.Mutex
	between func()
}

func (r *racingStore) GetDocument(ctx context.Context, collection, id string) (db.Document, error) {
	d, err := r.MemStore.GetDocument(ctx, collection, id)
	r.mu.Lock()
	fn := r.between
	r.between = nil
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
	return d, err
}

func (r *racingStore) interleave(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.between = fn
}

func newRacingFixture() (*fixture, *racingStore) {
	f := newFixture()
	racing := &racingStore{MemStore: f.store}
	f.svc = New(racing, schema.NewDefaultCompiler(), f.bus, staticTokens{}, []string{"boss@ngo.org"}, zap.NewNop())
	f.svc.SetJobClient(f.jobs, time.Hour, time.Minute)
	return f, racing
}
