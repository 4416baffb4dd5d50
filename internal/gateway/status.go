package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/status"
)

// maxConflictRetries bounds how often a status update re-reads a message that
// moved underneath it.
const maxConflictRetries = 3

// StatusUpdate is a device report about one sent message.
type StatusUpdate struct {
	SMSID        uuid.UUID
	BatchID      *uuid.UUID
	Status       string
	SentAt       *time.Time
	DeliveredAt  *time.Time
	FailedAt     *time.Time
	ErrorCode    *string
	ErrorMessage *string
}

// UpdateStatus applies a device status report to a message and its batch.
// Reporting the current status again is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, userID, deviceID uuid.UUID, in StatusUpdate) (*db.Message, error) {
	if _, err := s.device(ctx, userID, deviceID); err != nil {
		return nil, err
	}

	msg, err := s.message(ctx, in.SMSID)
	if err != nil {
		return nil, err
	}
	if msg.DeviceID != deviceID {
		return nil, ErrForbidden
	}

	next, err := status.NormalizeMessage(in.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}
	metrics.RecordStatusCallback(string(next))

	for attempt := 0; ; attempt++ {
		if msg.Status == next {
			return msg, nil
		}
		if err := msg.Status.Transition(next); err != nil {
			return nil, err
		}

		change := s.statusChange(msg, next, in)
		batch, err := s.store.TransitionMessage(ctx, change)
		if errors.Is(err, db.ErrConflict) && attempt < maxConflictRetries {
			if msg, err = s.message(ctx, in.SMSID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update message status: %w", err)
		}

		previous := msg.Status
		applyChange(msg, change)
		s.converge(ctx, batch, next)

		s.logger.Debug("sms status updated",
			zap.String("sms_id", msg.ID.String()),
			zap.String("from", string(previous)),
			zap.String("to", string(next)),
		)
		s.notify(ctx, userID, msg, map[string]string{"previousStatus": string(previous)})
		return msg, nil
	}
}

func (s *Service) message(ctx context.Context, id uuid.UUID) (*db.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// statusChange builds the conditional update for msg, stamping the timestamp
// that matches next.
func (s *Service) statusChange(msg *db.Message, next status.Message, in StatusUpdate) db.MessageStatusChange {
	change := db.MessageStatusChange{
		MessageID: msg.ID,
		DeviceID:  msg.DeviceID,
		From:      msg.Status,
		To:        next,
	}

	stamp := func(reported *time.Time) *time.Time {
		if reported != nil {
			return reported
		}
		now := s.now()
		return &now
	}

	switch next {
	case status.MessageSent:
		change.SentAt = stamp(in.SentAt)
	case status.MessageDelivered:
		change.DeliveredAt = stamp(in.DeliveredAt)
	case status.MessageFailed:
		change.FailedAt = stamp(in.FailedAt)
		change.ErrorCode = in.ErrorCode
		change.ErrorMessage = in.ErrorMessage
		if change.ErrorMessage == nil || *change.ErrorMessage == "" {
			unknown := "Unknown error"
			change.ErrorMessage = &unknown
		}
	}
	return change
}

func applyChange(msg *db.Message, c db.MessageStatusChange) {
	msg.Status = c.To
	if c.SentAt != nil {
		msg.SentAt = c.SentAt
	}
	if c.DeliveredAt != nil {
		msg.DeliveredAt = c.DeliveredAt
	}
	if c.FailedAt != nil {
		msg.FailedAt = c.FailedAt
	}
	if c.ErrorCode != nil {
		msg.ErrorCode = c.ErrorCode
	}
	if c.ErrorMessage != nil {
		msg.ErrorMessage = c.ErrorMessage
	}
}

// converge settles the batch once every one of its messages shares next.
// Mixed statuses leave the batch alone.
func (s *Service) converge(ctx context.Context, batch *db.Batch, next status.Message) {
	if batch == nil || batch.RecipientCount == 0 {
		return
	}
	if batch.Counts.Of(next) != batch.RecipientCount {
		return
	}

	target := status.BatchCompleted
	if next == status.MessageFailed {
		target = status.BatchFailed
	}
	if batch.Status == target {
		return
	}

	err := s.store.TransitionBatch(ctx, batch.ID, target, nil)
	if errors.Is(err, status.ErrInvalidTransition) {
		s.logger.Debug("batch convergence skipped",
			zap.String("batch_id", batch.ID.String()),
			zap.String("status", string(batch.Status)),
			zap.String("target", string(target)),
		)
		return
	}
	if err != nil {
		s.logger.Error("failed to converge batch",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
		return
	}
	metrics.RecordBatchSettled(string(target))
	s.logger.Info("batch converged",
		zap.String("batch_id", batch.ID.String()),
		zap.String("status", string(target)),
	)
}
