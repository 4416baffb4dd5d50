package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Name   string        // Key namespace, e.g. "api" or "sms-daily"
	Limit  int           // Maximum units allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Config returns the limiter settings.
func (r *RateLimiter) Config() RateLimitConfig {
	return r.config
}

func (r *RateLimiter) key(key string) string {
	if r.config.Name == "" {
		return "ratelimit:" + key
	}
	return r.client.key("ratelimit", r.config.Name, key)
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// count trims the window and returns how many units it holds.
func (r *RateLimiter) count(ctx context.Context, redisKey string, now time.Time) (int, error) {
	windowStart := now.Add(-r.config.Window)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}
	return int(countCmd.Val()), nil
}

// AllowN checks if n units are allowed and records them when they are.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	redisKey := r.key(key)

	current, err := r.count(ctx, redisKey, now)
	if err != nil {
		return nil, err
	}

	result := &RateLimitResult{
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-current),
		ResetAt:   now.Add(r.config.Window),
	}

	if current+n > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", redisKey),
			zap.Int("current", current),
			zap.Int("requested", n),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	// Members must be unique across concurrent callers in the same nanosecond.
	batch := uuid.NewString()
	members := make([]redis.Z, n)
	for i := 0; i < n; i++ {
		members[i] = redis.Z{
			Score:  float64(now.UnixNano()) + float64(i),
			Member: fmt.Sprintf("%s-%d", batch, i),
		}
	}

	pipe := r.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, members...)
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	result.Allowed = true
	result.Remaining -= n
	return result, nil
}

// Peek reports the window state without consuming anything.
func (r *RateLimiter) Peek(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	current, err := r.count(ctx, r.key(key), now)
	if err != nil {
		return nil, err
	}
	return &RateLimitResult{
		Allowed:   current < r.config.Limit,
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-current),
		ResetAt:   now.Add(r.config.Window),
	}, nil
}
