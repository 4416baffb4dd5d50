package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/push"
	"github.com/lalithlochan/smsgate/internal/status"
	"github.com/lalithlochan/smsgate/internal/worker"
)

// HandleJob dispatches one queued sub-batch. An error means the push call
// itself could not be made and the job should be retried.
func (s *Service) HandleJob(ctx context.Context, job *worker.Job) error {
	log := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID.String()),
		zap.Int("attempt", job.Attempt),
	)

	batch, err := s.store.GetBatch(ctx, job.BatchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	if batch.Status == status.BatchFailed {
		log.Info("batch already failed, dropping job")
		return nil
	}

	device, err := s.store.GetDevice(ctx, job.DeviceID)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	if !device.Enabled {
		return ErrDeviceUnavailable
	}

	msgs, err := push.Messages(job.Envelopes)
	if err != nil {
		return err
	}
	outcomes, err := s.dispatcher.Dispatch(ctx, device.PushToken, msgs)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	// From here on the messages are out; never ask for a retry.
	success, failure, _ := s.recordOutcomes(ctx, batch.ID, job.Envelopes, outcomes)
	metrics.RecordDispatch("queue", success, failure)
	s.addSent(ctx, device.ID, success)

	updated, err := s.store.ApplyBatchCounters(ctx, batch.ID, success, failure, nil)
	if err != nil {
		log.Error("failed to update batch counters after dispatch",
			zap.Error(err),
			zap.Int("success", success),
			zap.Int("failure", failure),
		)
		return nil
	}
	if updated.Status != batch.Status {
		metrics.RecordBatchSettled(string(updated.Status))
	}

	log.Debug("sms job dispatched",
		zap.Int("success", success),
		zap.Int("failure", failure),
		zap.String("batch_status", string(updated.Status)),
	)
	return nil
}

// JobExhausted counts every envelope of a job that ran out of attempts as a
// failure.
func (s *Service) JobExhausted(ctx context.Context, job *worker.Job, lastErr error) {
	reason := "send job exhausted its attempts"
	if lastErr != nil {
		reason = lastErr.Error()
	}

	ids := make([]uuid.UUID, len(job.Envelopes))
	for i, env := range job.Envelopes {
		ids[i] = env.SMSID
	}
	if _, err := s.store.FailPendingMessages(ctx, job.BatchID, ids, reason); err != nil {
		s.logger.Error("failed to mark job messages failed",
			zap.Error(err),
			zap.String("batch_id", job.BatchID.String()),
		)
	}

	updated, err := s.store.ApplyBatchCounters(ctx, job.BatchID, 0, len(job.Envelopes), &reason)
	if err != nil {
		s.logger.Error("failed to record exhausted job",
			zap.Error(err),
			zap.String("batch_id", job.BatchID.String()),
		)
		return
	}
	metrics.RecordDispatch("queue", 0, len(job.Envelopes))
	metrics.RecordBatchSettled(string(updated.Status))

	s.logger.Warn("sms job exhausted",
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID.String()),
		zap.Int("envelopes", len(job.Envelopes)),
		zap.String("batch_status", string(updated.Status)),
		zap.Bool("device_unavailable", errors.Is(lastErr, ErrDeviceUnavailable)),
	)
}
