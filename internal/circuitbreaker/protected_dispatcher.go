package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/push"
)

// ProtectedDispatcher wraps a push.Dispatcher with a circuit breaker. Only
// call-level errors count as failures; a message rejected for one bad
// recipient says nothing about the health of the provider.
type ProtectedDispatcher struct {
	next    push.Dispatcher
	breaker *gobreaker.CircuitBreaker[[]push.Outcome]
	logger  *zap.Logger
}

// NewProtectedDispatcher wraps next with a breaker built from cfg.
func NewProtectedDispatcher(next push.Dispatcher, cfg Config, logger *zap.Logger) *ProtectedDispatcher {
	return &ProtectedDispatcher{
		next:    next,
		breaker: New[[]push.Outcome](cfg, logger),
		logger:  logger,
	}
}

// Dispatch forwards to the wrapped dispatcher unless the circuit is open.
func (p *ProtectedDispatcher) Dispatch(ctx context.Context, token string, msgs []push.Message) ([]push.Outcome, error) {
	outcomes, err := p.breaker.Execute(func() ([]push.Outcome, error) {
		return p.next.Dispatch(ctx, token, msgs)
	})
	if IsOpen(err) {
		p.logger.Warn("circuit breaker rejected dispatch",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.State().String()),
			zap.Int("messages", len(msgs)),
		)
		return nil, fmt.Errorf("%w: %s dispatcher unavailable", ErrCircuitOpen, p.breaker.Name())
	}
	return outcomes, err
}

// State returns the current breaker state for metrics/monitoring.
func (p *ProtectedDispatcher) State() gobreaker.State {
	return p.breaker.State()
}
