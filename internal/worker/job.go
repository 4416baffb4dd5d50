package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/push"
)

// JobTypeSendSMS is the only job type the gateway enqueues today.
const JobTypeSendSMS = "send_sms"

// Job is one queued sub-batch: the envelopes for one device and one parent batch.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	DeviceID    uuid.UUID       `json:"device_id"`
	BatchID     uuid.UUID       `json:"batch_id"`
	Envelopes   []push.Envelope `json:"envelopes"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`

	// Receipt is the backend's handle for acknowledging this delivery.
	Receipt string `json:"-"`
}

// Backend stores jobs until they are due.
type Backend interface {
	// Enqueue makes job visible after delay.
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error

	// Dequeue claims the next due job, or returns nil when none is due.
	Dequeue(ctx context.Context) (*Job, error)

	// Ack removes a claimed job for good.
	Ack(ctx context.Context, job *Job) error
}

// Handler executes jobs.
type Handler interface {
	// HandleJob runs one attempt. A non-nil error schedules a retry.
	HandleJob(ctx context.Context, job *Job) error

	// JobExhausted is called once when the last attempt failed.
	JobExhausted(ctx context.Context, job *Job, lastErr error)
}
