// Package webhook delivers signed event notifications to user endpoints and
// retries failed deliveries on a fixed backoff schedule.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/status"
)

// Store is the persistence the engine needs.
type Store interface {
	CreateSubscription(ctx context.Context, s *db.WebhookSubscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.WebhookSubscription, error)
	FindActiveSubscription(ctx context.Context, userID uuid.UUID, event string) (*db.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, id uuid.UUID, u db.WebhookSubscriptionUpdate) (*db.WebhookSubscription, error)
	CreateNotification(ctx context.Context, n *db.WebhookNotification) error
	RecordDeliveryAttempt(ctx context.Context, a db.DeliveryAttempt) (*db.WebhookNotification, error)
	AbortNotification(ctx context.Context, id uuid.UUID, at time.Time) error
	ClaimDueNotifications(ctx context.Context, now time.Time, maxAttempts, limit int, lease time.Duration) ([]*db.WebhookNotification, error)
}

// Config tunes delivery.
type Config struct {
	Timeout        time.Duration // per POST
	SweepBatchSize int
	Lease          time.Duration // how long a claimed notification is hidden from other sweeps
}

// Service is the webhook delivery engine.
type Service struct {
	store  Store
	client *http.Client
	config Config
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 30
	}
	if cfg.Lease == 0 {
		cfg.Lease = 10 * time.Minute
	}

	return &Service{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Deliver records a notification for the user's active subscription to the
// event and makes the first attempt in the background. Having no active
// subscription is not an error.
func (s *Service) Deliver(ctx context.Context, t Trigger) error {
	if !t.Event.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEvent, t.Event)
	}

	sub, err := s.store.FindActiveSubscription(ctx, t.UserID, string(t.Event))
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find subscription: %w", err)
	}

	body, err := json.Marshal(NewPayload(t, sub.ID))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	// The sweep leaves it alone until the first attempt had its chance.
	next := s.now().Add(s.config.Lease)
	n := &db.WebhookNotification{
		ID:                    uuid.New(),
		SubscriptionID:        sub.ID,
		Event:                 string(t.Event),
		Payload:               body,
		SMSID:                 &t.SMS.ID,
		NextDeliveryAttemptAt: &next,
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.config.Timeout)
		defer cancel()
		s.attempt(attemptCtx, n)
	}()
	return nil
}

// Wait blocks until background first attempts have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Sweep retries due notifications and returns how many it attempted.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	due, err := s.store.ClaimDueNotifications(ctx, s.now(), status.MaxDeliveryAttempts, s.config.SweepBatchSize, s.config.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim due notifications: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	s.logger.Info("delivering webhook notifications", zap.Int("count", len(due)))
	for _, n := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.attempt(ctx, n)
	}
	return len(due), nil
}

// attempt makes one delivery attempt and records its outcome.
func (s *Service) attempt(ctx context.Context, n *db.WebhookNotification) {
	log := s.logger.With(
		zap.String("notification_id", n.ID.String()),
		zap.String("subscription_id", n.SubscriptionID.String()),
	)

	if n.State().Terminal() {
		log.Debug("notification already settled", zap.String("state", string(n.State())))
		return
	}

	sub, err := s.store.GetSubscription(ctx, n.SubscriptionID)
	if err != nil {
		log.Error("failed to load subscription", zap.Error(err))
		return
	}

	now := s.now()
	if !sub.IsActive {
		if err := s.store.AbortNotification(ctx, n.ID, now); err != nil {
			log.Error("failed to abort notification", zap.Error(err))
			return
		}
		metrics.RecordWebhookDelivery("aborted", 0)
		log.Info("subscription inactive, delivery aborted")
		return
	}

	start := time.Now()
	code, postErr := s.post(ctx, sub, n.Payload)
	delivered := postErr == nil && code >= 200 && code < 300

	result := db.DeliveryAttempt{
		NotificationID: n.ID,
		SubscriptionID: sub.ID,
		At:             now,
		Delivered:      delivered,
	}
	if delivered {
		metrics.RecordWebhookDelivery("delivered", time.Since(start))
	} else {
		next := now.Add(NextDelay(n.DeliveryAttemptCount + 1))
		result.NextAttemptAt = &next
		metrics.RecordWebhookDelivery("failed", time.Since(start))
		log.Warn("webhook delivery failed",
			zap.Error(postErr),
			zap.Int("status_code", code),
			zap.Int("attempt", n.DeliveryAttemptCount+1),
			zap.Time("next_attempt_at", next),
		)
	}

	updated, err := s.store.RecordDeliveryAttempt(ctx, result)
	if err != nil {
		log.Error("failed to record delivery attempt", zap.Error(err))
		return
	}
	if updated.State() == status.NotificationExhausted {
		log.Warn("webhook notification exhausted", zap.Int("attempts", updated.DeliveryAttemptCount))
	}
}

func (s *Service) post(ctx context.Context, sub *db.WebhookSubscription, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.DeliveryURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.SigningSecret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
