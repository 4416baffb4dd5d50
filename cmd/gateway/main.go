package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/api"
	"github.com/lalithlochan/smsgate/internal/billing"
	"github.com/lalithlochan/smsgate/internal/config"
	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/gateway"
	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/observ"
	"github.com/lalithlochan/smsgate/internal/redis"
	"github.com/lalithlochan/smsgate/internal/scheduler"
	"github.com/lalithlochan/smsgate/internal/webhook"
	"github.com/lalithlochan/smsgate/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("smsgate-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting smsgate gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("push_provider", cfg.PushProvider),
		zap.Bool("sms_queue", cfg.UseSMSQueue),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency, per-user limits, quotas and the redis queue.
	// Everything except the redis queue degrades to off without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		idempotency *redis.IdempotencyService
		userLimiter api.Limiter
		checker     billing.Checker = billing.AllowAll{}
	)
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		userLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Name:   "api",
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
		if cfg.QuotaEnabled() {
			checker = billing.NewQuotaChecker(redisClient, billing.Config{
				DailyLimit:    cfg.DailySMSLimit,
				MonthlyLimit:  cfg.MonthlySMSLimit,
				BulkSendLimit: cfg.BulkSendLimit,
			}, logger)
		}
	} else if cfg.QuotaEnabled() {
		logger.Warn("sms limits configured but redis is unavailable, limits not enforced")
	}

	dispatcher, err := newDispatcher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create push dispatcher: %w", err)
	}

	hooks := webhook.NewService(repo, webhook.Config{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	}, logger)

	// The worker runs jobs through the gateway, and the gateway submits jobs
	// to the worker; jobs closes the loop once both exist.
	jobs := &jobHandler{}
	var (
		w        *worker.Worker
		queue    gateway.Enqueuer
		recovery *redis.DelayQueue
	)
	if cfg.UseSMSQueue {
		backend, err := newQueueBackend(ctx, cfg, redisClient, logger)
		if err != nil {
			return fmt.Errorf("failed to create sms queue: %w", err)
		}
		if dq, ok := backend.(*redis.DelayQueue); ok {
			recovery = dq
		}
		w = worker.New(backend, jobs, worker.Config{
			Concurrency:    cfg.QueueConcurrency,
			MaxAttempts:    cfg.QueueMaxAttempts,
			InitialBackoff: cfg.QueueBackoff,
		}, logger)
		queue = w
	}

	gw := gateway.NewService(repo, dispatcher, queue, checker, hooks, gateway.Config{
		UseQueue:            cfg.UseSMSQueue,
		MaxBatchSize:        cfg.MaxSMSBatchSize,
		StatusTimeout:       cfg.StatusTimeout,
		HeartbeatStaleAfter: cfg.HeartbeatStaleAfter,
	}, logger)
	jobs.gateway = gw

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if w != nil {
		go func() {
			defer close(workerDone)
			w.Start(workerCtx)
		}()
		logger.Info("sms queue worker started", zap.String("backend", cfg.QueueBackend))
	} else {
		close(workerDone)
	}

	sched := scheduler.New(logger)
	if err := registerTasks(sched, cfg, gw, hooks, database, recovery); err != nil {
		return fmt.Errorf("failed to register scheduled tasks: %w", err)
	}
	if err := sched.Start(workerCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var handler *api.Handler
	if idempotency != nil {
		handler = api.NewHandlerWithIdempotency(logger, gw, hooks, idempotency, cfg.IdempotencyTTL())
	} else {
		handler = api.NewHandler(logger, gw, hooks)
	}

	router := api.NewRouter(handler, api.RouterConfig{
		UserLimiter:     userLimiter,
		DeviceRateLimit: cfg.DeviceRateLimit,
		Health:          database.Health,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	sched.Stop()
	workerCancel()
	<-workerDone
	hooks.Wait()

	logger.Info("server stopped gracefully")
	return nil
}

// jobHandler forwards worker jobs to the gateway.
type jobHandler struct {
	gateway *gateway.Service
}

func (h *jobHandler) HandleJob(ctx context.Context, job *worker.Job) error {
	return h.gateway.HandleJob(ctx, job)
}

func (h *jobHandler) JobExhausted(ctx context.Context, job *worker.Job, lastErr error) {
	h.gateway.JobExhausted(ctx, job, lastErr)
}

func registerTasks(sched *scheduler.Scheduler, cfg *config.Config, gw *gateway.Service, hooks *webhook.Service, database *db.DB, recovery *redis.DelayQueue) error {
	type scheduledTask struct {
		name     string
		interval time.Duration
		fn       scheduler.TaskFunc
	}
	tasks := []scheduledTask{
		{"status-sweep", cfg.SweepInterval, func(ctx context.Context) error {
			_, _, err := gw.SweepPending(ctx)
			return err
		}},
		{"webhook-sweep", cfg.WebhookSweepInterval, func(ctx context.Context) error {
			_, err := hooks.Sweep(ctx)
			return err
		}},
		{"heartbeat-check", cfg.HeartbeatCheckInterval, func(ctx context.Context) error {
			_, err := gw.CheckHeartbeats(ctx)
			return err
		}},
		{"db-stats", 30 * time.Second, func(ctx context.Context) error {
			metrics.SetDBConnections(int(database.Stats()))
			return nil
		}},
	}
	if recovery != nil {
		tasks = append(tasks, scheduledTask{"queue-recover", time.Minute, func(ctx context.Context) error {
			_, err := recovery.Recover(ctx, 5*time.Minute)
			return err
		}})
	}

	for _, t := range tasks {
		if err := sched.Register(t.name, t.interval, t.fn); err != nil {
			return fmt.Errorf("register %s: %w", t.name, err)
		}
	}
	return nil
}
