package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/circuitbreaker"
	"github.com/lalithlochan/smsgate/internal/config"
	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/push"
	"github.com/lalithlochan/smsgate/internal/redis"
	"github.com/lalithlochan/smsgate/internal/sns"
	"github.com/lalithlochan/smsgate/internal/sqs"
	"github.com/lalithlochan/smsgate/internal/worker"
)

// newDispatcher builds the configured push transport behind a circuit breaker.
func newDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (push.Dispatcher, error) {
	var (
		next push.Dispatcher
		err  error
	)
	switch cfg.PushProvider {
	case "fcm":
		next, err = push.NewFCMDispatcher(ctx, push.FCMConfig{
			CredentialsFile: cfg.FirebaseCredentialsFile,
			ProjectID:       cfg.FirebaseProjectID,
		}, logger)
	case "sns":
		next, err = sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.SNSRegion,
			Endpoint: cfg.SNSEndpoint,
		}, logger)
	case "log":
		logger.Warn("push provider is log, messages will not reach devices")
		return push.NewLogDispatcher(logger), nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.PushProvider)
	}
	if err != nil {
		return nil, err
	}

	breakerCfg := circuitbreaker.DefaultConfig(cfg.PushProvider)
	breakerCfg.OnStateChange = func(name string, _, to gobreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	metrics.SetBreakerState(cfg.PushProvider, int(gobreaker.StateClosed))
	return circuitbreaker.NewProtectedDispatcher(next, breakerCfg, logger), nil
}

// newQueueBackend returns the job store for the sms queue.
func newQueueBackend(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (worker.Backend, error) {
	switch cfg.QueueBackend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis queue backend requires redis")
		}
		return redis.NewDelayQueue(redisClient, "sms", logger), nil
	case "sqs":
		return sqs.NewQueue(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
