package service

import (
	"time"

	"reliefsync/internal/jobs"

	"github.com/hibiken/asynq"
)

// JobClient interface for scheduling background jobs
type JobClient interface {
	ScheduleAidPurge(requestID string, after time.Duration) error
	ScheduleEscalation(emergencyID string, after time.Duration) error
}

// AsynqJobClient implements JobClient using asynq
type AsynqJobClient struct {
	client *asynq.Client
}

func NewAsynqJobClient(client *asynq.Client) *AsynqJobClient {
	return &AsynqJobClient{client: client}
}

func (c *AsynqJobClient) ScheduleAidPurge(requestID string, after time.Duration) error {
	return jobs.ScheduleAidPurge(c.client, requestID, after)
}

func (c *AsynqJobClient) ScheduleEscalation(emergencyID string, after time.Duration) error {
	return jobs.ScheduleEscalation(c.client, emergencyID, after)
}
