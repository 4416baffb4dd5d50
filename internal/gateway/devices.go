package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/db"
)

// RegisterInput describes a device announcing itself.
type RegisterInput struct {
	Model          string
	BuildID        string
	Brand          string
	Manufacturer   string
	OS             string
	AppVersionCode int
	PushToken      string
	Enabled        *bool
}

// DeviceUpdateInput carries the device fields to change; nil fields are kept.
type DeviceUpdateInput struct {
	PushToken      *string
	Enabled        *bool
	Brand          *string
	Manufacturer   *string
	OS             *string
	AppVersionCode *int
}

// RegisterDevice creates a device or updates the one already registered for
// the same user, model and build.
func (s *Service) RegisterDevice(ctx context.Context, userID uuid.UUID, in RegisterInput) (*db.Device, error) {
	if strings.TrimSpace(in.Model) == "" || strings.TrimSpace(in.BuildID) == "" {
		return nil, ErrInvalidDevice
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	d, err := s.store.UpsertDevice(ctx, &db.Device{
		ID:             uuid.New(),
		UserID:         userID,
		Model:          in.Model,
		BuildID:        in.BuildID,
		Brand:          in.Brand,
		Manufacturer:   in.Manufacturer,
		OS:             in.OS,
		AppVersionCode: in.AppVersionCode,
		PushToken:      in.PushToken,
		Enabled:        enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return d, nil
}

// ListDevices returns the user's devices.
func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) ([]*db.Device, error) {
	devices, err := s.store.ListDevicesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if devices == nil {
		devices = []*db.Device{}
	}
	return devices, nil
}

// UpdateDevice changes selected fields of a device.
func (s *Service) UpdateDevice(ctx context.Context, userID, deviceID uuid.UUID, in DeviceUpdateInput) (*db.Device, error) {
	if _, err := s.device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	d, err := s.store.UpdateDevice(ctx, deviceID, db.DeviceUpdate{
		PushToken:      in.PushToken,
		Enabled:        in.Enabled,
		Brand:          in.Brand,
		Manufacturer:   in.Manufacturer,
		OS:             in.OS,
		AppVersionCode: in.AppVersionCode,
	})
	if err != nil {
		return nil, fmt.Errorf("update device: %w", err)
	}
	return d, nil
}

// DeleteDevice reports success without removing anything; devices are kept
// so their message history stays intact.
func (s *Service) DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	_, err := s.device(ctx, userID, deviceID)
	return err
}
