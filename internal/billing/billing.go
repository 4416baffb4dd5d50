// Package billing is the plan gate consulted before any SMS is sent or
// recorded. Only the capability check lives here; plans and payments are
// managed elsewhere.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/redis"
)

// Unlimited disables a limit.
const Unlimited = -1

// Action is a metered operation.
type Action string

const (
	ActionSendSMS     Action = "send_sms"
	ActionReceiveSMS  Action = "receive_sms"
	ActionBulkSendSMS Action = "bulk_send_sms"
)

// ErrLimitExceeded is matched by every *LimitError.
var ErrLimitExceeded = errors.New("usage limit exceeded")

// Limits is the plan state reported back to a rejected caller.
type Limits struct {
	DailyLimit       int `json:"dailyLimit"`
	DailyRemaining   int `json:"dailyRemaining"`
	MonthlyLimit     int `json:"monthlyLimit"`
	MonthlyRemaining int `json:"monthlyRemaining"`
	BulkSendLimit    int `json:"bulkSendLimit"`
}

// LimitError is a capability denial.
type LimitError struct {
	Reason string
	Limits Limits
}

func (e *LimitError) Error() string {
	return e.Reason
}

func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// Checker decides whether a user may perform count units of action.
type Checker interface {
	CanPerformAction(ctx context.Context, userID uuid.UUID, action Action, count int) error
}

// AllowAll admits everything. Used when no quota store is configured.
type AllowAll struct{}

func (AllowAll) CanPerformAction(context.Context, uuid.UUID, Action, int) error {
	return nil
}

// Config holds the plan limits; Unlimited turns one off.
type Config struct {
	DailyLimit    int
	MonthlyLimit  int
	BulkSendLimit int
}

// windowLimiter is the part of redis.RateLimiter the checker needs.
type windowLimiter interface {
	AllowN(ctx context.Context, key string, n int) (*redis.RateLimitResult, error)
	Peek(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// QuotaChecker meters usage in Redis with a 24 hour and a 30 day sliding
// window per user. Store errors fail open; only a limit hit rejects.
type QuotaChecker struct {
	daily   windowLimiter
	monthly windowLimiter
	config  Config
	logger  *zap.Logger
}

// NewQuotaChecker builds a checker on the shared Redis client.
func NewQuotaChecker(client *redis.Client, cfg Config, logger *zap.Logger) *QuotaChecker {
	return newQuotaChecker(
		redis.NewRateLimiter(client, logger, redis.RateLimitConfig{Name: "sms-daily", Limit: cfg.DailyLimit, Window: 24 * time.Hour}),
		redis.NewRateLimiter(client, logger, redis.RateLimitConfig{Name: "sms-monthly", Limit: cfg.MonthlyLimit, Window: 30 * 24 * time.Hour}),
		cfg, logger,
	)
}

func newQuotaChecker(daily, monthly windowLimiter, cfg Config, logger *zap.Logger) *QuotaChecker {
	return &QuotaChecker{daily: daily, monthly: monthly, config: cfg, logger: logger}
}

func (c *QuotaChecker) CanPerformAction(ctx context.Context, userID uuid.UUID, action Action, count int) error {
	switch action {
	case ActionSendSMS, ActionReceiveSMS, ActionBulkSendSMS:
	default:
		return fmt.Errorf("unknown billing action %q", action)
	}

	key := userID.String()
	limits := Limits{
		DailyLimit:       c.config.DailyLimit,
		DailyRemaining:   c.config.DailyLimit,
		MonthlyLimit:     c.config.MonthlyLimit,
		MonthlyRemaining: c.config.MonthlyLimit,
		BulkSendLimit:    c.config.BulkSendLimit,
	}

	var reason string
	if c.config.DailyLimit != Unlimited {
		res, err := c.daily.Peek(ctx, key)
		if err != nil {
			return c.failOpen(err, userID, action)
		}
		limits.DailyRemaining = res.Remaining
		if count > res.Remaining {
			reason = fmt.Sprintf("You have reached your daily limit, you only have %d remaining", res.Remaining)
		}
	}
	if c.config.MonthlyLimit != Unlimited {
		res, err := c.monthly.Peek(ctx, key)
		if err != nil {
			return c.failOpen(err, userID, action)
		}
		limits.MonthlyRemaining = res.Remaining
		if count > res.Remaining {
			reason = fmt.Sprintf("You have reached your monthly limit, you only have %d remaining", res.Remaining)
		}
	}
	if c.config.BulkSendLimit != Unlimited && count > c.config.BulkSendLimit {
		reason = fmt.Sprintf("You can only send %d sms at a time", c.config.BulkSendLimit)
	}

	if reason != "" {
		c.logger.Warn("usage limit reached",
			zap.String("user_id", key),
			zap.String("action", string(action)),
			zap.Int("count", count),
			zap.String("reason", reason),
		)
		metrics.RecordRateLimitRejection("quota")
		return &LimitError{Reason: reason, Limits: limits}
	}

	if c.config.DailyLimit != Unlimited {
		if _, err := c.daily.AllowN(ctx, key, count); err != nil {
			return c.failOpen(err, userID, action)
		}
	}
	if c.config.MonthlyLimit != Unlimited {
		if _, err := c.monthly.AllowN(ctx, key, count); err != nil {
			return c.failOpen(err, userID, action)
		}
	}
	return nil
}

func (c *QuotaChecker) failOpen(err error, userID uuid.UUID, action Action) error {
	c.logger.Error("quota check failed, allowing",
		zap.Error(err),
		zap.String("user_id", userID.String()),
		zap.String("action", string(action)),
	)
	return nil
}
