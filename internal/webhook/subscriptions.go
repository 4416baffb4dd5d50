package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/db"
)

// MinSecretLength is the shortest signing secret accepted.
const MinSecretLength = 20

var (
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrDuplicateSubscription = errors.New("you have already subscribed to this event")
	ErrInvalidURL            = errors.New("invalid delivery URL")
	ErrInvalidSecret         = errors.New("invalid signing secret")
	ErrInvalidEvent          = errors.New("invalid event type")
)

// CreateSubscriptionInput is a new endpoint registration.
type CreateSubscriptionInput struct {
	DeliveryURL   string
	SigningSecret string
	Events        []string
}

// UpdateSubscriptionInput carries optional changes; nil fields are kept.
type UpdateSubscriptionInput struct {
	DeliveryURL   *string
	SigningSecret *string
	IsActive      *bool
	Events        []string
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

func validateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidSecret, MinSecretLength)
	}
	return nil
}

// CreateSubscription registers an endpoint for a set of events.
func (s *Service) CreateSubscription(ctx context.Context, userID uuid.UUID, in CreateSubscriptionInput) (*db.WebhookSubscription, error) {
	if err := validateURL(in.DeliveryURL); err != nil {
		return nil, err
	}
	if err := validateSecret(in.SigningSecret); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return nil, err
	}

	sub := &db.WebhookSubscription{
		ID:            uuid.New(),
		UserID:        userID,
		DeliveryURL:   in.DeliveryURL,
		SigningSecret: in.SigningSecret,
		IsActive:      true,
		Events:        events,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrDuplicateSubscription
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription returns one of the user's subscriptions.
func (s *Service) GetSubscription(ctx context.Context, userID, id uuid.UUID) (*db.WebhookSubscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub.UserID != userID {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListSubscriptions returns all of the user's subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.WebhookSubscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if subs == nil {
		subs = []*db.WebhookSubscription{}
	}
	return subs, nil
}

// UpdateSubscription changes a subscription. Deactivating it aborts pending
// notifications at their next attempt.
func (s *Service) UpdateSubscription(ctx context.Context, userID, id uuid.UUID, in UpdateSubscriptionInput) (*db.WebhookSubscription, error) {
	if _, err := s.GetSubscription(ctx, userID, id); err != nil {
		return nil, err
	}

	if in.DeliveryURL != nil {
		if err := validateURL(*in.DeliveryURL); err != nil {
			return nil, err
		}
	}
	if in.SigningSecret != nil {
		if err := validateSecret(*in.SigningSecret); err != nil {
			return nil, err
		}
	}

	update := db.WebhookSubscriptionUpdate{
		DeliveryURL:   in.DeliveryURL,
		SigningSecret: in.SigningSecret,
		IsActive:      in.IsActive,
	}
	if in.Events != nil {
		events, err := normalizeEvents(in.Events)
		if err != nil {
			return nil, err
		}
		update.Events = events
	}

	sub, err := s.store.UpdateSubscription(ctx, id, update)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrDuplicateSubscription
		}
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	s.logger.Info("webhook subscription updated",
		zap.String("subscription_id", id.String()),
		zap.Bool("is_active", sub.IsActive),
	)
	return sub, nil
}
