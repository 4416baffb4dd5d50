package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/billing"
	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/push"
	"github.com/lalithlochan/smsgate/internal/status"
	"github.com/lalithlochan/smsgate/internal/worker"
)

// SendInput is a single message to one or more recipients.
type SendInput struct {
	Message           string
	Recipients        []string
	SIMSubscriptionID *int
	ScheduledAt       string // RFC3339, empty for immediate delivery
}

// BulkMessage is one entry of a bulk send.
type BulkMessage struct {
	Message           string
	Recipients        []string
	SIMSubscriptionID *int
	ScheduledAt       string
}

// BulkSendInput is a list of messages sent as one batch.
type BulkSendInput struct {
	MessageTemplate string
	Messages        []BulkMessage
}

// SendResult describes the batch a send created.
type SendResult struct {
	Success        bool         `json:"success"`
	Message        string       `json:"message"`
	BatchID        uuid.UUID    `json:"smsBatchId"`
	Status         status.Batch `json:"status"`
	RecipientCount int          `json:"recipientCount"`
	SuccessCount   int          `json:"successCount"`
	FailureCount   int          `json:"failureCount"`
	Queued         bool         `json:"queued"`
}

// planned is one message waiting for dispatch with its delivery time.
type planned struct {
	envelope    push.Envelope
	scheduledAt *time.Time
}

// parseSchedule validates an optional scheduledAt. Empty means now.
func (s *Service) parseSchedule(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, raw)
	}
	if !t.After(s.now()) {
		return nil, fmt.Errorf("%w: %s is not in the future", ErrInvalidSchedule, raw)
	}
	if !s.config.UseQueue {
		return nil, ErrScheduleNeedsQueue
	}
	return &t, nil
}

// SendSMS sends one message to every recipient.
func (s *Service) SendSMS(ctx context.Context, userID, deviceID uuid.UUID, in SendInput) (*SendResult, error) {
	device, err := s.sendableDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if len(in.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	at, err := s.parseSchedule(in.ScheduledAt)
	if err != nil {
		return nil, err
	}
	if err := s.billing.CanPerformAction(ctx, userID, billing.ActionSendSMS, len(in.Recipients)); err != nil {
		return nil, err
	}

	batch, plan, err := s.createBatch(ctx, device, in.Message, []BulkMessage{{
		Message:           in.Message,
		Recipients:        in.Recipients,
		SIMSubscriptionID: in.SIMSubscriptionID,
	}}, []*time.Time{at})
	if err != nil {
		return nil, err
	}

	if s.config.UseQueue {
		return s.enqueue(ctx, device, batch, plan)
	}
	return s.sendDirect(ctx, device, batch, plan)
}

// SendBulkSMS sends a list of messages as one batch. Entries without a body
// or recipients are skipped.
func (s *Service) SendBulkSMS(ctx context.Context, userID, deviceID uuid.UUID, in BulkSendInput) (*SendResult, error) {
	device, err := s.sendableDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	var kept []BulkMessage
	var schedules []*time.Time
	total := 0
	for _, m := range in.Messages {
		if strings.TrimSpace(m.Message) == "" || len(m.Recipients) == 0 {
			continue
		}
		at, err := s.parseSchedule(m.ScheduledAt)
		if err != nil {
			return nil, err
		}
		kept = append(kept, m)
		schedules = append(schedules, at)
		total += len(m.Recipients)
	}
	if total == 0 {
		return nil, ErrInvalidMessageList
	}
	if err := s.billing.CanPerformAction(ctx, userID, billing.ActionBulkSendSMS, total); err != nil {
		return nil, err
	}

	batch, plan, err := s.createBatch(ctx, device, in.MessageTemplate, kept, schedules)
	if err != nil {
		return nil, err
	}

	if s.config.UseQueue {
		return s.enqueue(ctx, device, batch, plan)
	}
	return s.sendBulkDirect(ctx, device, batch, plan)
}

// createBatch persists a batch with one pending message per recipient.
func (s *Service) createBatch(ctx context.Context, device *db.Device, text string, entries []BulkMessage, schedules []*time.Time) (*db.Batch, []planned, error) {
	now := s.now()
	batch := &db.Batch{
		ID:       uuid.New(),
		DeviceID: device.ID,
		Message:  text,
		Status:   status.BatchPending,
	}

	var recipients []string
	var messages []*db.Message
	var plan []planned
	for i, entry := range entries {
		for _, recipient := range entry.Recipients {
			recipient := recipient
			m := &db.Message{
				ID:                uuid.New(),
				DeviceID:          device.ID,
				BatchID:           &batch.ID,
				Direction:         db.DirectionSent,
				Recipient:         &recipient,
				Body:              entry.Message,
				Status:            status.MessagePending,
				SIMSubscriptionID: entry.SIMSubscriptionID,
				RequestedAt:       &now,
			}
			messages = append(messages, m)
			recipients = append(recipients, recipient)
			plan = append(plan, planned{
				envelope: push.Envelope{
					SMSID:             m.ID,
					BatchID:           batch.ID,
					Body:              m.Body,
					Recipient:         recipient,
					SIMSubscriptionID: m.SIMSubscriptionID,
				},
				scheduledAt: schedules[i],
			})
		}
	}
	batch.RecipientCount = len(messages)
	batch.RecipientPreview = RecipientPreview(recipients)

	if err := s.store.CreateBatch(ctx, batch, messages); err != nil {
		return nil, nil, fmt.Errorf("create batch: %w", err)
	}

	s.logger.Info("sms batch created",
		zap.String("batch_id", batch.ID.String()),
		zap.String("device_id", device.ID.String()),
		zap.Int("recipients", batch.RecipientCount),
	)
	return batch, plan, nil
}

func envelopes(plan []planned) []push.Envelope {
	out := make([]push.Envelope, len(plan))
	for i, p := range plan {
		out[i] = p.envelope
	}
	return out
}

// sendDirect dispatches every envelope in one call.
func (s *Service) sendDirect(ctx context.Context, device *db.Device, batch *db.Batch, plan []planned) (*SendResult, error) {
	envs := envelopes(plan)
	msgs, err := push.Messages(envs)
	if err != nil {
		return nil, s.failBatch(ctx, batch, err, ErrDispatchFailed)
	}

	outcomes, err := s.dispatcher.Dispatch(ctx, device.PushToken, msgs)
	if err != nil {
		s.logger.Error("push dispatch failed",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
		metrics.RecordDispatch("direct", 0, len(envs))
		return nil, s.failBatch(ctx, batch, err, ErrDispatchFailed)
	}

	return s.settleDirect(ctx, device, batch, envs, outcomes)
}

// sendBulkDirect dispatches one envelope per call so one bad recipient
// cannot fail the others.
func (s *Service) sendBulkDirect(ctx context.Context, device *db.Device, batch *db.Batch, plan []planned) (*SendResult, error) {
	envs := envelopes(plan)
	outcomes := make([]push.Outcome, 0, len(envs))
	for _, env := range envs {
		msg, err := env.Message()
		if err != nil {
			outcomes = append(outcomes, push.Outcome{Err: err})
			continue
		}
		got, err := s.dispatcher.Dispatch(ctx, device.PushToken, []push.Message{msg})
		if err != nil {
			s.logger.Warn("push dispatch failed",
				zap.Error(err),
				zap.String("batch_id", batch.ID.String()),
				zap.String("sms_id", env.SMSID.String()),
			)
			outcomes = append(outcomes, push.Outcome{Err: err})
			continue
		}
		if len(got) != 1 {
			outcomes = append(outcomes, push.Outcome{Err: fmt.Errorf("dispatcher returned %d outcomes for 1 message", len(got))})
			continue
		}
		outcomes = append(outcomes, got[0])
	}

	return s.settleDirect(ctx, device, batch, envs, outcomes)
}

// settleDirect records dispatch outcomes on the batch. Zero successes is a
// failed send.
func (s *Service) settleDirect(ctx context.Context, device *db.Device, batch *db.Batch, envs []push.Envelope, outcomes []push.Outcome) (*SendResult, error) {
	success, failure, firstErr := s.recordOutcomes(ctx, batch.ID, envs, outcomes)
	metrics.RecordDispatch("direct", success, failure)
	s.addSent(ctx, device.ID, success)

	var errText *string
	if success == 0 && firstErr != nil {
		text := firstErr.Error()
		errText = &text
	}

	updated, err := s.store.ApplyBatchCounters(ctx, batch.ID, success, failure, errText)
	if err != nil {
		return nil, fmt.Errorf("update batch counters: %w", err)
	}
	metrics.RecordBatchSettled(string(updated.Status))

	if success == 0 {
		return nil, fmt.Errorf("%w: no recipient accepted by the push transport", ErrDispatchFailed)
	}

	return &SendResult{
		Success:        true,
		Message:        "SMS sent",
		BatchID:        batch.ID,
		Status:         updated.Status,
		RecipientCount: batch.RecipientCount,
		SuccessCount:   updated.SuccessCount,
		FailureCount:   updated.FailureCount,
	}, nil
}

// recordOutcomes marks the messages the transport rejected as failed and
// returns the tallies.
func (s *Service) recordOutcomes(ctx context.Context, batchID uuid.UUID, envs []push.Envelope, outcomes []push.Outcome) (int, int, error) {
	var failed []uuid.UUID
	var firstErr error
	for i, env := range envs {
		if i < len(outcomes) && outcomes[i].Success() {
			continue
		}
		failed = append(failed, env.SMSID)
		if firstErr == nil {
			if i < len(outcomes) {
				firstErr = outcomes[i].Err
			} else {
				firstErr = errors.New("missing dispatch outcome")
			}
		}
	}

	if len(failed) > 0 {
		if _, err := s.store.FailPendingMessages(ctx, batchID, failed, firstErr.Error()); err != nil {
			s.logger.Error("failed to mark rejected messages",
				zap.Error(err),
				zap.String("batch_id", batchID.String()),
				zap.Int("count", len(failed)),
			)
		}
	}
	return len(envs) - len(failed), len(failed), firstErr
}

// failBatch marks the whole batch and its messages failed and returns the
// caller-facing error.
func (s *Service) failBatch(ctx context.Context, batch *db.Batch, cause, sentinel error) error {
	text := cause.Error()
	if _, err := s.store.ApplyBatchCounters(ctx, batch.ID, 0, batch.RecipientCount, &text); err != nil {
		s.logger.Error("failed to mark batch failed",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
	}
	if _, err := s.store.FailPendingMessages(ctx, batch.ID, nil, text); err != nil {
		s.logger.Error("failed to mark batch messages failed",
			zap.Error(err),
			zap.String("batch_id", batch.ID.String()),
		)
	}
	metrics.RecordBatchSettled(string(status.BatchFailed))
	return fmt.Errorf("%w: %v", sentinel, cause)
}

// jobGroup is one set of envelopes sharing a delivery delay.
type jobGroup struct {
	delay     time.Duration
	envelopes []push.Envelope
}

// planJobs splits envelopes into queue jobs. Immediate envelopes are chunked
// and staggered one second apart; scheduled envelopes are grouped by their
// delivery time and every chunk of a group shares its delay.
func (s *Service) planJobs(plan []planned) []jobGroup {
	now := s.now()
	size := s.config.MaxBatchSize

	var immediate []push.Envelope
	scheduled := make(map[time.Time][]push.Envelope)
	var times []time.Time
	for _, p := range plan {
		if p.scheduledAt == nil {
			immediate = append(immediate, p.envelope)
			continue
		}
		at := p.scheduledAt.UTC()
		if _, ok := scheduled[at]; !ok {
			times = append(times, at)
		}
		scheduled[at] = append(scheduled[at], p.envelope)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	var groups []jobGroup
	for i, chunk := range chunks(immediate, size) {
		groups = append(groups, jobGroup{delay: time.Duration(i+1) * time.Second, envelopes: chunk})
	}
	for _, at := range times {
		delay := at.Sub(now)
		for _, chunk := range chunks(scheduled[at], size) {
			groups = append(groups, jobGroup{delay: delay, envelopes: chunk})
		}
	}
	return groups
}

func chunks(envs []push.Envelope, size int) [][]push.Envelope {
	var out [][]push.Envelope
	for start := 0; start < len(envs); start += size {
		end := start + size
		if end > len(envs) {
			end = len(envs)
		}
		out = append(out, envs[start:end])
	}
	return out
}

// enqueue marks the batch processing and queues its jobs.
func (s *Service) enqueue(ctx context.Context, device *db.Device, batch *db.Batch, plan []planned) (*SendResult, error) {
	if err := s.store.TransitionBatch(ctx, batch.ID, status.BatchProcessing, nil); err != nil {
		return nil, s.failBatch(ctx, batch, err, ErrEnqueueFailed)
	}

	groups := s.planJobs(plan)
	for _, g := range groups {
		job := &worker.Job{
			DeviceID:  device.ID,
			BatchID:   batch.ID,
			Envelopes: g.envelopes,
		}
		if err := s.queue.Submit(ctx, job, g.delay); err != nil {
			s.logger.Error("failed to queue sms job",
				zap.Error(err),
				zap.String("batch_id", batch.ID.String()),
			)
			return nil, s.failBatch(ctx, batch, err, ErrEnqueueFailed)
		}
	}

	s.logger.Info("sms batch queued",
		zap.String("batch_id", batch.ID.String()),
		zap.Int("jobs", len(groups)),
	)
	return &SendResult{
		Success:        true,
		Message:        "SMS added to queue for processing",
		BatchID:        batch.ID,
		Status:         status.BatchProcessing,
		RecipientCount: batch.RecipientCount,
		Queued:         true,
	}, nil
}
