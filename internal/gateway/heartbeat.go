package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/push"
)

// Heartbeat records that a device is alive, refreshing its push token when
// one is given.
func (s *Service) Heartbeat(ctx context.Context, userID, deviceID uuid.UUID, pushToken *string) error {
	if _, err := s.device(ctx, userID, deviceID); err != nil {
		return err
	}
	if pushToken != nil && *pushToken == "" {
		pushToken = nil
	}
	if err := s.store.TouchHeartbeat(ctx, deviceID, s.now(), pushToken); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// CheckHeartbeats pings enabled devices that have gone quiet and returns how
// many pings the transport accepted.
func (s *Service) CheckHeartbeats(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.HeartbeatStaleAfter)
	devices, err := s.store.ListStaleDevices(ctx, cutoff, s.config.HeartbeatPageSize)
	if err != nil {
		return 0, fmt.Errorf("list stale devices: %w", err)
	}

	sent := 0
	for _, d := range devices {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		outcomes, err := s.dispatcher.Dispatch(ctx, d.PushToken, []push.Message{push.HeartbeatCheck()})
		if err == nil && push.CountSuccess(outcomes) == 1 {
			sent++
			continue
		}
		if err == nil && len(outcomes) > 0 {
			err = outcomes[0].Err
		}
		s.logger.Warn("heartbeat check push failed",
			zap.Error(err),
			zap.String("device_id", d.ID.String()),
		)
	}

	if len(devices) > 0 {
		s.logger.Info("heartbeat checks sent",
			zap.Int("stale", len(devices)),
			zap.Int("sent", sent),
		)
	}
	return sent, nil
}
