package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/billing"
	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/status"
)

// DuplicateWindow is how close two identical uploads must be to count as one.
const DuplicateWindow = 5 * time.Second

// ReceiveInput is an inbound SMS uploaded by a device.
type ReceiveInput struct {
	Sender            string
	Message           string
	ReceivedAt        *time.Time
	SIMSubscriptionID *int
}

// ReceiveSMS stores an inbound message. A repeat upload of the same message
// returns the stored record unchanged.
func (s *Service) ReceiveSMS(ctx context.Context, userID, deviceID uuid.UUID, in ReceiveInput) (*db.Message, error) {
	device, err := s.device(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if in.ReceivedAt == nil || strings.TrimSpace(in.Sender) == "" || in.Message == "" {
		return nil, ErrInvalidReceived
	}

	at := in.ReceivedAt.UTC()
	dup, err := s.store.FindReceivedDuplicate(ctx, device.ID, in.Sender, in.Message,
		at.Add(-DuplicateWindow), at.Add(DuplicateWindow))
	if err == nil {
		s.logger.Info("duplicate received sms ignored",
			zap.String("sms_id", dup.ID.String()),
			zap.String("device_id", device.ID.String()),
		)
		return dup, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}

	if err := s.billing.CanPerformAction(ctx, userID, billing.ActionReceiveSMS, 1); err != nil {
		return nil, err
	}

	sender := in.Sender
	msg := &db.Message{
		ID:                uuid.New(),
		DeviceID:          device.ID,
		Direction:         db.DirectionReceived,
		Sender:            &sender,
		Body:              in.Message,
		Status:            status.MessageReceived,
		SIMSubscriptionID: in.SIMSubscriptionID,
		ReceivedAt:        &at,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store received sms: %w", err)
	}

	if err := s.store.IncrementDeviceCounters(ctx, device.ID, 0, 1); err != nil {
		s.logger.Error("failed to update received counter",
			zap.Error(err),
			zap.String("device_id", device.ID.String()),
		)
	}

	s.notify(ctx, userID, msg, nil)
	return msg, nil
}
