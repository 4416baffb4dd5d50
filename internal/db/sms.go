package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/status"
)

const batchColumns = `
	id, device_id, message, recipient_count, recipient_preview,
	success_count, failure_count, status, error, completed_at,
	pending_count, sent_count, delivered_count, failed_count, unknown_count,
	created_at, updated_at`

const messageColumns = `
	id, device_id, sms_batch_id, direction, recipient, sender, message, status,
	sim_subscription_id, requested_at, sent_at, delivered_at, failed_at, received_at,
	error_code, error_message, created_at, updated_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var st string
	err := row.Scan(
		&b.ID,
		&b.DeviceID,
		&b.Message,
		&b.RecipientCount,
		&b.RecipientPreview,
		&b.SuccessCount,
		&b.FailureCount,
		&st,
		&b.Error,
		&b.CompletedAt,
		&b.Counts.Pending,
		&b.Counts.Sent,
		&b.Counts.Delivered,
		&b.Counts.Failed,
		&b.Counts.Unknown,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = status.Batch(st)
	return &b, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var st string
	err := row.Scan(
		&m.ID,
		&m.DeviceID,
		&m.BatchID,
		&m.Direction,
		&m.Recipient,
		&m.Sender,
		&m.Body,
		&st,
		&m.SIMSubscriptionID,
		&m.RequestedAt,
		&m.SentAt,
		&m.DeliveredAt,
		&m.FailedAt,
		&m.ReceivedAt,
		&m.ErrorCode,
		&m.ErrorMessage,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = status.Message(st)
	return &m, nil
}

// CreateBatch inserts a batch and its messages in one transaction. The
// pending bucket starts at the recipient count.
func (r *Repository) CreateBatch(ctx context.Context, b *Batch, messages []*Message) error {
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO sms_batches (
				id, device_id, message, recipient_count, recipient_preview,
				status, pending_count
			) VALUES ($1, $2, $3, $4, $5, $6, $4)
			RETURNING created_at, updated_at`,
			b.ID, b.DeviceID, b.Message, b.RecipientCount, b.RecipientPreview, string(b.Status),
		).Scan(&b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		rows := make([][]any, 0, len(messages))
		for _, m := range messages {
			rows = append(rows, []any{
				m.ID, m.DeviceID, m.BatchID, m.Direction, m.Recipient, m.Body,
				string(m.Status), m.SIMSubscriptionID, m.RequestedAt,
			})
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"sms"},
			[]string{
				"id", "device_id", "sms_batch_id", "direction", "recipient", "message",
				"status", "sim_subscription_id", "requested_at",
			},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy messages: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to create batch",
			zap.Error(err),
			zap.String("batch_id", b.ID.String()),
		)
		return err
	}

	b.Counts = StatusCounts{Pending: b.RecipientCount}
	return nil
}

// GetBatch retrieves a batch by ID
func (r *Repository) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := scanBatch(r.db.Pool().QueryRow(ctx, `SELECT `+batchColumns+` FROM sms_batches WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "query batch")
	}
	return b, nil
}

// TransitionBatch moves a batch to next when its current status is an allowed
// source of next. It returns status.ErrInvalidTransition otherwise.
func (r *Repository) TransitionBatch(ctx context.Context, id uuid.UUID, next status.Batch, errText *string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE sms_batches SET
			status = $2,
			error = COALESCE($3, error),
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'partial_success') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, string(next), errText, batchStrings(status.BatchSources(next)),
	)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := r.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	return current.Status.Transition(next)
}

// ApplyBatchCounters adds dispatch results to a batch and settles its status
// from the new counters, all under the row lock taken by the increment. A
// non-nil errText is recorded as the batch error.
func (r *Repository) ApplyBatchCounters(ctx context.Context, id uuid.UUID, success, failure int, errText *string) (*Batch, error) {
	var out *Batch
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		b, err := scanBatch(tx.QueryRow(ctx, `
			UPDATE sms_batches SET
				success_count = success_count + $2,
				failure_count = failure_count + $3,
				error = COALESCE($4, error),
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+batchColumns, id, success, failure, errText))
		if err != nil {
			return mapErr(err, "increment batch counters")
		}

		next, settled := status.DeriveBatch(b.SuccessCount, b.FailureCount, b.RecipientCount)
		if settled && next != b.Status && b.Status.CanTransition(next) {
			err := tx.QueryRow(ctx, `
				UPDATE sms_batches SET status = $2, completed_at = NOW(), updated_at = NOW()
				WHERE id = $1
				RETURNING completed_at`, id, string(next)).Scan(&b.CompletedAt)
			if err != nil {
				return fmt.Errorf("settle batch status: %w", err)
			}
			b.Status = next
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailPendingMessages marks still-pending messages of a batch as failed and
// moves them from the pending to the failed bucket. A nil ids slice targets
// every pending message of the batch.
func (r *Repository) FailPendingMessages(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID, reason string) (int, error) {
	var idArg []string
	if ids != nil {
		idArg = make([]string, len(ids))
		for i, id := range ids {
			idArg[i] = id.String()
		}
	}

	var moved int
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sms SET
				status = 'failed',
				failed_at = NOW(),
				error_message = $3,
				updated_at = NOW()
			WHERE sms_batch_id = $1
			  AND status = 'pending'
			  AND ($2::uuid[] IS NULL OR id = ANY($2::uuid[]))`,
			batchID, idArg, reason)
		if err != nil {
			return fmt.Errorf("fail messages: %w", err)
		}
		moved = int(tag.RowsAffected())
		if moved == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE sms_batches SET
				pending_count = pending_count - $2,
				failed_count = failed_count + $2,
				updated_at = NOW()
			WHERE id = $1`, batchID, moved)
		if err != nil {
			return fmt.Errorf("move batch buckets: %w", err)
		}
		return nil
	})
	return moved, err
}

// GetMessage retrieves a message by ID
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, err := scanMessage(r.db.Pool().QueryRow(ctx, `SELECT `+messageColumns+` FROM sms WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "query message")
	}
	return m, nil
}

// ListBatchMessages returns the messages of a batch in creation order
func (r *Repository) ListBatchMessages(ctx context.Context, batchID uuid.UUID) ([]*Message, error) {
	return r.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM sms WHERE sms_batch_id = $1 ORDER BY created_at, id`, batchID)
}

// ListDeviceMessages returns one page of a device's messages and the total count.
// Received messages are ordered by receipt time, everything else by creation.
func (r *Repository) ListDeviceMessages(ctx context.Context, f MessageFilter) ([]*Message, int, error) {
	var direction *string
	if f.Direction != "" {
		direction = &f.Direction
	}

	order := "created_at DESC"
	if f.Direction == DirectionReceived {
		order = "received_at DESC"
	}

	var total int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM sms
		WHERE device_id = $1 AND ($2::text IS NULL OR direction = $2)`,
		f.DeviceID, direction).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	messages, err := r.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM sms
		WHERE device_id = $1 AND ($2::text IS NULL OR direction = $2)
		ORDER BY `+order+`
		LIMIT $3 OFFSET $4`,
		f.DeviceID, direction, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// FindReceivedDuplicate looks for a received message with the same device,
// sender and body whose receipt time lies in [from, to].
func (r *Repository) FindReceivedDuplicate(ctx context.Context, deviceID uuid.UUID, sender, body string, from, to time.Time) (*Message, error) {
	m, err := scanMessage(r.db.Pool().QueryRow(ctx, `
		SELECT `+messageColumns+` FROM sms
		WHERE device_id = $1
		  AND direction = 'received'
		  AND sender = $2
		  AND message = $3
		  AND received_at BETWEEN $4 AND $5
		ORDER BY received_at
		LIMIT 1`, deviceID, sender, body, from, to))
	if err != nil {
		return nil, mapErr(err, "query duplicate message")
	}
	return m, nil
}

// CreateMessage inserts a standalone message, used for received SMS
func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO sms (
			id, device_id, sms_batch_id, direction, recipient, sender, message,
			status, sim_subscription_id, requested_at, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		m.ID, m.DeviceID, m.BatchID, m.Direction, m.Recipient, m.Sender, m.Body,
		string(m.Status), m.SIMSubscriptionID, m.RequestedAt, m.ReceivedAt,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert message")
	}
	return nil
}

// TransitionMessage applies a status change conditioned on the message still
// being in change.From and moves one unit between the batch buckets. It
// returns the updated batch, or nil for messages outside a batch.
func (r *Repository) TransitionMessage(ctx context.Context, change MessageStatusChange) (*Batch, error) {
	var out *Batch
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var batchID *uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE sms SET
				status = $3,
				sent_at = COALESCE($5, sent_at),
				delivered_at = COALESCE($6, delivered_at),
				failed_at = COALESCE($7, failed_at),
				error_code = COALESCE($8, error_code),
				error_message = COALESCE($9, error_message),
				updated_at = NOW()
			WHERE id = $1 AND device_id = $2 AND status = $4
			RETURNING sms_batch_id`,
			change.MessageID, change.DeviceID, string(change.To), string(change.From),
			change.SentAt, change.DeliveredAt, change.FailedAt,
			change.ErrorCode, change.ErrorMessage,
		).Scan(&batchID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update message %s: %w", change.MessageID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if batchID == nil {
			return nil
		}

		fromCol, okFrom := bucketColumn(change.From)
		toCol, okTo := bucketColumn(change.To)
		if !okFrom || !okTo {
			return fmt.Errorf("no bucket for %s -> %s", change.From, change.To)
		}

		// Column names come from a fixed whitelist.
		b, err := scanBatch(tx.QueryRow(ctx, `
			UPDATE sms_batches SET
				`+fromCol+` = `+fromCol+` - 1,
				`+toCol+` = `+toCol+` + 1,
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+batchColumns, *batchID))
		if err != nil {
			return mapErr(err, "move batch bucket")
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SweepStalePending moves messages and batches still pending since before
// cutoff to unknown, keeping the batch buckets in step.
func (r *Repository) SweepStalePending(ctx context.Context, cutoff time.Time, reason string) (int, int, error) {
	var messages, batches int
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			WITH moved AS (
				UPDATE sms SET
					status = 'unknown',
					error_message = $2,
					updated_at = NOW()
				WHERE status = 'pending' AND created_at < $1
				RETURNING sms_batch_id
			), per_batch AS (
				SELECT sms_batch_id, COUNT(*) AS n
				FROM moved
				WHERE sms_batch_id IS NOT NULL
				GROUP BY sms_batch_id
			), shifted AS (
				UPDATE sms_batches b SET
					pending_count = b.pending_count - p.n,
					unknown_count = b.unknown_count + p.n,
					updated_at = NOW()
				FROM per_batch p
				WHERE b.id = p.sms_batch_id
				RETURNING b.id
			)
			SELECT COUNT(*) FROM moved`, cutoff, reason).Scan(&messages)
		if err != nil {
			return fmt.Errorf("sweep messages: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE sms_batches SET
				status = 'unknown',
				error = $2,
				updated_at = NOW()
			WHERE status = 'pending' AND created_at < $1`, cutoff, reason)
		if err != nil {
			return fmt.Errorf("sweep batches: %w", err)
		}
		batches = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return messages, batches, nil
}
