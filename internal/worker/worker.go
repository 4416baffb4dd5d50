// Package worker runs queued send jobs with bounded, exponentially backed-off
// retries. Jobs are pulled from a Backend (Redis or SQS) by a fixed pool of
// goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/metrics"
)

// ErrInvalidJob is returned by Submit for a job that cannot run.
var ErrInvalidJob = errors.New("invalid job")

type Worker struct {
	backend Backend
	handler Handler
	config  Config
	logger  *zap.Logger
}

type Config struct {
	PollInterval   time.Duration
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func New(backend Backend, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}

	return &Worker{
		backend: backend,
		handler: handler,
		config:  cfg,
		logger:  logger,
	}
}

// Submit queues a new job to run after delay.
func (w *Worker) Submit(ctx context.Context, job *Job, delay time.Duration) error {
	if len(job.Envelopes) == 0 {
		return fmt.Errorf("%w: no envelopes", ErrInvalidJob)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobTypeSendSMS
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = w.config.MaxAttempts
	}
	if delay < 0 {
		delay = 0
	}
	job.RunAt = time.Now().Add(delay)

	if err := w.backend.Enqueue(ctx, job, delay); err != nil {
		metrics.RecordQueueJob("enqueue_failed")
		return fmt.Errorf("enqueue job: %w", err)
	}

	w.logger.Debug("job queued",
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID.String()),
		zap.Int("envelopes", len(job.Envelopes)),
		zap.Duration("delay", delay),
	)
	return nil
}

// Start runs the worker pool until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker starting",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Int("max_attempts", w.config.MaxAttempts),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything due before sleeping again.
		for ctx.Err() == nil && w.RunOnce(ctx) {
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one due job. It reports whether a job was found.
func (w *Worker) RunOnce(ctx context.Context) bool {
	job, err := w.backend.Dequeue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to dequeue job", zap.Error(err))
		}
		return false
	}
	if job == nil {
		return false
	}

	w.process(ctx, job)
	return true
}

func (w *Worker) process(ctx context.Context, job *Job) {
	metrics.IncJobsInFlight()
	defer metrics.DecJobsInFlight()

	job.Attempt++
	err := w.handler.HandleJob(ctx, job)

	switch {
	case err == nil:
		metrics.RecordQueueJob("succeeded")

	case job.Attempt >= job.MaxAttempts:
		w.logger.Error("job exhausted",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.String("batch_id", job.BatchID.String()),
			zap.Int("attempts", job.Attempt),
		)
		metrics.RecordQueueJob("exhausted")
		w.handler.JobExhausted(ctx, job, err)

	default:
		delay := w.retryDelay(job.Attempt)
		w.logger.Warn("job failed, retrying",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Duration("retry_in", delay),
		)

		retry := *job
		retry.ID = uuid.NewString()
		retry.Receipt = ""
		retry.RunAt = time.Now().Add(delay)
		if err := w.backend.Enqueue(ctx, &retry, delay); err != nil {
			// Leave the claimed job unacked so the backend can redeliver it.
			w.logger.Error("failed to requeue job",
				zap.Error(err),
				zap.String("job_id", job.ID),
			)
			return
		}
		metrics.RecordQueueJob("retried")
	}

	if err := w.backend.Ack(ctx, job); err != nil {
		w.logger.Error("failed to ack job",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
	}
}

// retryDelay is the exponential delay before the next attempt, attempt being
// the number of attempts already made.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.InitialBackoff
	b.MaxInterval = w.config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
