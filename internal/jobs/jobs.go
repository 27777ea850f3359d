package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task types
const (
	TypeAidPurge          = "aidrequest:purge"
	TypeEmergencyEscalate = "emergency:escalate"
)

// Handlers performs the work behind each task. Each returns whether it acted;
// a task whose target changed state in the meantime is a no-op.
type Handlers interface {
	PurgeAidRequest(ctx context.Context, requestID string) (bool, error)
	EscalateEmergency(ctx context.Context, emergencyID string) (bool, error)
}

type JobServer struct {
	server   *asynq.Server
	client   *asynq.Client
	handlers Handlers
	log      *zap.Logger
}

func NewJobServer(redisAddr string, handlers Handlers, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server:   server,
		client:   client,
		handlers: handlers,
		log:      log,
	}, client
}

// Mux returns the task handlers keyed by type
func (js *JobServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeAidPurge, js.handleAidPurge)
	mux.HandleFunc(TypeEmergencyEscalate, js.handleEscalation)
	return mux
}

func (js *JobServer) Start() error {
	return js.server.Start(js.Mux())
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

// Job handlers

func (js *JobServer) handleAidPurge(ctx context.Context, t *asynq.Task) error {
	requestID := string(t.Payload())

	purged, err := js.handlers.PurgeAidRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to purge aid request: %w", err)
	}
	if purged {
		js.log.Info("Aid request purged", zap.String("request_id", requestID))
	}
	return nil
}

func (js *JobServer) handleEscalation(ctx context.Context, t *asynq.Task) error {
	emergencyID := string(t.Payload())

	escalated, err := js.handlers.EscalateEmergency(ctx, emergencyID)
	if err != nil {
		return fmt.Errorf("failed to escalate emergency: %w", err)
	}
	if escalated {
		js.log.Warn("Emergency unattended", zap.String("emergency_id", emergencyID))
	}
	return nil
}

// Schedule jobs

func ScheduleAidPurge(client *asynq.Client, requestID string, after time.Duration) error {
	task := asynq.NewTask(TypeAidPurge, []byte(requestID))
	_, err := client.Enqueue(task, asynq.ProcessIn(after), asynq.Queue("low"))
	return err
}

func ScheduleEscalation(client *asynq.Client, emergencyID string, after time.Duration) error {
	task := asynq.NewTask(TypeEmergencyEscalate, []byte(emergencyID))
	_, err := client.Enqueue(task, asynq.ProcessIn(after), asynq.Queue("critical"))
	return err
}
