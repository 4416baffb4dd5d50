package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/metrics"
)

// SweepPending moves messages and batches stuck in pending past the status
// timeout to unknown. It returns how many of each it moved.
func (s *Service) SweepPending(ctx context.Context) (int, int, error) {
	cutoff := s.now().Add(-s.config.StatusTimeout)
	reason := fmt.Sprintf("Status update timeout - no response received after %d minutes",
		int(s.config.StatusTimeout.Minutes()))

	messages, batches, err := s.store.SweepStalePending(ctx, cutoff, reason)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep pending: %w", err)
	}

	metrics.RecordSwept("message", messages)
	metrics.RecordSwept("batch", batches)
	if messages > 0 || batches > 0 {
		s.logger.Info("stale pending records moved to unknown",
			zap.Int("messages", messages),
			zap.Int("batches", batches),
		)
	}
	return messages, batches, nil
}
