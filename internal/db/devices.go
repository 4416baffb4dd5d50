package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const deviceColumns = `
	id, user_id, model, build_id, brand, manufacturer, os, app_version_code,
	push_token, enabled, sent_sms_count, received_sms_count,
	last_heartbeat, heartbeat_interval_minutes, created_at, updated_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Model,
		&d.BuildID,
		&d.Brand,
		&d.Manufacturer,
		&d.OS,
		&d.AppVersionCode,
		&d.PushToken,
		&d.Enabled,
		&d.SentSMSCount,
		&d.ReceivedSMSCount,
		&d.LastHeartbeat,
		&d.HeartbeatIntervalMinutes,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDevice registers a device, updating the existing row for the same
// user, model and build. Counters are never touched here.
func (r *Repository) UpsertDevice(ctx context.Context, d *Device) (*Device, error) {
	query := `
		INSERT INTO devices (
			id, user_id, model, build_id, brand, manufacturer, os,
			app_version_code, push_token, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, model, build_id) DO UPDATE SET
			brand = EXCLUDED.brand,
			manufacturer = EXCLUDED.manufacturer,
			os = EXCLUDED.os,
			app_version_code = EXCLUDED.app_version_code,
			push_token = EXCLUDED.push_token,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING ` + deviceColumns

	saved, err := scanDevice(r.db.Pool().QueryRow(ctx, query,
		d.ID, d.UserID, d.Model, d.BuildID, d.Brand, d.Manufacturer, d.OS,
		d.AppVersionCode, d.PushToken, d.Enabled,
	))
	if err != nil {
		r.logger.Error("failed to register device",
			zap.Error(err),
			zap.String("user_id", d.UserID.String()),
		)
		return nil, mapErr(err, "upsert device")
	}

	r.logger.Info("device registered",
		zap.String("device_id", saved.ID.String()),
		zap.String("user_id", saved.UserID.String()),
		zap.String("model", saved.Model),
	)
	return saved, nil
}

// GetDevice retrieves a device by ID
func (r *Repository) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	d, err := scanDevice(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr(err, "query device")
	}
	return d, nil
}

// ListDevicesByUser returns every device owned by a user
func (r *Repository) ListDevicesByUser(ctx context.Context, userID uuid.UUID) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryDevices(ctx, query, userID)
}

// ListStaleDevices returns enabled devices whose heartbeat is older than cutoff or missing
func (r *Repository) ListStaleDevices(ctx context.Context, cutoff time.Time, limit int) ([]*Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE enabled = TRUE
		  AND push_token <> ''
		  AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY last_heartbeat ASC NULLS FIRST
		LIMIT $2`
	return r.queryDevices(ctx, query, cutoff, limit)
}

func (r *Repository) queryDevices(ctx context.Context, query string, args ...any) ([]*Device, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDevice applies the non-nil fields of u
func (r *Repository) UpdateDevice(ctx context.Context, id uuid.UUID, u DeviceUpdate) (*Device, error) {
	query := `
		UPDATE devices SET
			push_token = COALESCE($2, push_token),
			enabled = COALESCE($3, enabled),
			brand = COALESCE($4, brand),
			manufacturer = COALESCE($5, manufacturer),
			os = COALESCE($6, os),
			app_version_code = COALESCE($7, app_version_code),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + deviceColumns

	d, err := scanDevice(r.db.Pool().QueryRow(ctx, query,
		id, u.PushToken, u.Enabled, u.Brand, u.Manufacturer, u.OS, u.AppVersionCode,
	))
	if err != nil {
		return nil, mapErr(err, "update device")
	}
	return d, nil
}

// IncrementDeviceCounters atomically adds to the sent and received counters
func (r *Repository) IncrementDeviceCounters(ctx context.Context, id uuid.UUID, sent, received int) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE devices SET
			sent_sms_count = sent_sms_count + $2,
			received_sms_count = received_sms_count + $3,
			updated_at = NOW()
		WHERE id = $1`, id, sent, received)
	if err != nil {
		return fmt.Errorf("increment device counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment device counters: %w", ErrNotFound)
	}
	return nil
}

// TouchHeartbeat stamps the device heartbeat and optionally refreshes its push token
func (r *Repository) TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, pushToken *string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE devices SET
			last_heartbeat = $2,
			push_token = COALESCE($3, push_token),
			updated_at = NOW()
		WHERE id = $1`, id, at, pushToken)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch heartbeat: %w", ErrNotFound)
	}
	return nil
}

// UserStats sums the device counters of one user
func (r *Repository) UserStats(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	var s UserStats
	err := r.db.Pool().QueryRow(ctx, `
		SELECT
			COALESCE(SUM(sent_sms_count), 0),
			COALESCE(SUM(received_sms_count), 0),
			COUNT(*)
		FROM devices
		WHERE user_id = $1`, userID).Scan(
		&s.TotalSentSMSCount,
		&s.TotalReceivedSMSCount,
		&s.TotalDeviceCount,
	)
	if err != nil {
		return nil, fmt.Errorf("query user stats: %w", err)
	}
	return &s, nil
}
