package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandlers struct {
	purged    []string
	escalated []string
	err       error
}

func (f *fakeHandlers) PurgeAidRequest(ctx context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.purged = append(f.purged, id)
	return true, nil
}

func (f *fakeHandlers) EscalateEmergency(ctx context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.escalated = append(f.escalated, id)
	return true, nil
}

func newTestServer(h Handlers) *JobServer {
	return &JobServer{handlers: h, log: zap.NewNop()}
}

func TestMux_RoutesTasks(t *testing.T) {
	h := &fakeHandlers{}
	mux := newTestServer(h).Mux()
	ctx := context.Background()

	require.NoError(t, mux.ProcessTask(ctx, asynq.NewTask(TypeAidPurge, []byte("req-1"))))
	require.NoError(t, mux.ProcessTask(ctx, asynq.NewTask(TypeEmergencyEscalate, []byte("em-1"))))

	assert.Equal(t, []string{"req-1"}, h.purged)
	assert.Equal(t, []string{"em-1"}, h.escalated)
}

func TestMux_HandlerErrorRetries(t *testing.T) {
	h := &fakeHandlers{err: errors.New("db down")}
	mux := newTestServer(h).Mux()

	err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeAidPurge, []byte("req-1")))
	assert.Error(t, err)
}
