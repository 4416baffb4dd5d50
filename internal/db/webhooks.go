package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const subscriptionColumns = `
	id, user_id, delivery_url, signing_secret, is_active, events,
	successful_delivery_count, delivery_failure_count, delivery_attempt_count,
	last_delivery_success_at, last_delivery_failure_at, created_at, updated_at`

const notificationColumns = `
	id, webhook_subscription_id, event, payload, sms_id, delivered_at,
	last_delivery_attempt_at, next_delivery_attempt_at, delivery_attempt_count,
	delivery_attempt_aborted_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*WebhookSubscription, error) {
	var s WebhookSubscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.DeliveryURL,
		&s.SigningSecret,
		&s.IsActive,
		&s.Events,
		&s.SuccessfulDeliveryCount,
		&s.DeliveryFailureCount,
		&s.DeliveryAttemptCount,
		&s.LastDeliverySuccessAt,
		&s.LastDeliveryFailureAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanNotification(row pgx.Row) (*WebhookNotification, error) {
	var n WebhookNotification
	var payload []byte
	err := row.Scan(
		&n.ID,
		&n.SubscriptionID,
		&n.Event,
		&payload,
		&n.SMSID,
		&n.DeliveredAt,
		&n.LastDeliveryAttemptAt,
		&n.NextDeliveryAttemptAt,
		&n.DeliveryAttemptCount,
		&n.DeliveryAttemptAbortedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Payload = payload
	return &n, nil
}

// CreateSubscription inserts a subscription; a second one for the same user
// and event set fails with ErrDuplicate.
func (r *Repository) CreateSubscription(ctx context.Context, s *WebhookSubscription) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (id, user_id, delivery_url, signing_secret, is_active, events)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		s.ID, s.UserID, s.DeliveryURL, s.SigningSecret, s.IsActive, s.Events,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert webhook subscription")
	}

	r.logger.Info("webhook subscription created",
		zap.String("subscription_id", s.ID.String()),
		zap.String("user_id", s.UserID.String()),
		zap.Strings("events", s.Events),
	)
	return nil
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error) {
	s, err := scanSubscription(r.db.Pool().QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "query webhook subscription")
	}
	return s, nil
}

// ListSubscriptions returns a user's subscriptions
func (r *Repository) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*WebhookSubscription, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// FindActiveSubscription returns the user's active subscription covering event
func (r *Repository) FindActiveSubscription(ctx context.Context, userID uuid.UUID, event string) (*WebhookSubscription, error) {
	s, err := scanSubscription(r.db.Pool().QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE user_id = $1 AND is_active = TRUE AND $2 = ANY(events)
		ORDER BY created_at
		LIMIT 1`, userID, event))
	if err != nil {
		return nil, mapErr(err, "query active webhook subscription")
	}
	return s, nil
}

// UpdateSubscription applies the non-nil fields of u
func (r *Repository) UpdateSubscription(ctx context.Context, id uuid.UUID, u WebhookSubscriptionUpdate) (*WebhookSubscription, error) {
	s, err := scanSubscription(r.db.Pool().QueryRow(ctx, `
		UPDATE webhook_subscriptions SET
			delivery_url = COALESCE($2, delivery_url),
			signing_secret = COALESCE($3, signing_secret),
			is_active = COALESCE($4, is_active),
			events = COALESCE($5, events),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, u.DeliveryURL, u.SigningSecret, u.IsActive, u.Events))
	if err != nil {
		return nil, mapErr(err, "update webhook subscription")
	}
	return s, nil
}

// CreateNotification inserts a webhook notification
func (r *Repository) CreateNotification(ctx context.Context, n *WebhookNotification) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO webhook_notifications (
			id, webhook_subscription_id, event, payload, sms_id, next_delivery_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		n.ID, n.SubscriptionID, n.Event, []byte(n.Payload), n.SMSID, n.NextDeliveryAttemptAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert webhook notification")
	}
	return nil
}

// RecordDeliveryAttempt stores one attempt on the notification and the
// subscription counters in a single transaction.
func (r *Repository) RecordDeliveryAttempt(ctx context.Context, a DeliveryAttempt) (*WebhookNotification, error) {
	var out *WebhookNotification
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		n, err := scanNotification(tx.QueryRow(ctx, `
			UPDATE webhook_notifications SET
				delivery_attempt_count = delivery_attempt_count + 1,
				last_delivery_attempt_at = $2,
				delivered_at = CASE WHEN $3 THEN $2 ELSE delivered_at END,
				next_delivery_attempt_at = $4,
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+notificationColumns,
			a.NotificationID, a.At, a.Delivered, a.NextAttemptAt))
		if err != nil {
			return mapErr(err, "record notification attempt")
		}

		_, err = tx.Exec(ctx, `
			UPDATE webhook_subscriptions SET
				delivery_attempt_count = delivery_attempt_count + 1,
				successful_delivery_count = successful_delivery_count + CASE WHEN $2 THEN 1 ELSE 0 END,
				delivery_failure_count = delivery_failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
				last_delivery_success_at = CASE WHEN $2 THEN $3 ELSE last_delivery_success_at END,
				last_delivery_failure_at = CASE WHEN $2 THEN last_delivery_failure_at ELSE $3 END,
				updated_at = NOW()
			WHERE id = $1`, a.SubscriptionID, a.Delivered, a.At)
		if err != nil {
			return fmt.Errorf("record subscription attempt: %w", err)
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AbortNotification stops any further delivery of a notification
func (r *Repository) AbortNotification(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_notifications SET
			delivery_attempt_aborted_at = $2,
			next_delivery_attempt_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND delivery_attempt_aborted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("abort notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("notification already aborted", zap.String("notification_id", id.String()))
	}
	return nil
}

// ClaimDueNotifications selects up to limit notifications due at now and
// pushes their next attempt out by lease so a concurrent sweep skips them.
func (r *Repository) ClaimDueNotifications(ctx context.Context, now time.Time, maxAttempts, limit int, lease time.Duration) ([]*WebhookNotification, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE webhook_notifications SET
			next_delivery_attempt_at = $4,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_notifications
			WHERE next_delivery_attempt_at <= $1
			  AND delivered_at IS NULL
			  AND delivery_attempt_aborted_at IS NULL
			  AND delivery_attempt_count < $2
			ORDER BY next_delivery_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		now, maxAttempts, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	defer rows.Close()

	var due []*WebhookNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		due = append(due, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due, nil
}
