package push

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// LogDispatcher only logs messages; it accepts everything (for development)
type LogDispatcher struct {
	logger *zap.Logger
	seq    atomic.Int64
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, token string, msgs []Message) ([]Outcome, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	outcomes := make([]Outcome, len(msgs))
	for i, m := range msgs {
		id := fmt.Sprintf("log-%d", d.seq.Add(1))
		d.logger.Info("push message",
			zap.String("message_id", id),
			zap.String("priority", m.Priority),
			zap.Any("data", m.Data),
		)
		outcomes[i] = Outcome{MessageID: id}
	}
	return outcomes, nil
}
