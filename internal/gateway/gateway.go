// Package gateway is the dispatch and delivery-tracking core: it turns send
// requests into batches of messages, pushes them to devices directly or
// through the job queue, and reconciles the status devices report back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/billing"
	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/push"
	"github.com/lalithlochan/smsgate/internal/status"
	"github.com/lalithlochan/smsgate/internal/webhook"
	"github.com/lalithlochan/smsgate/internal/worker"
)

// Store is the persistence the gateway needs.
type Store interface {
	UpsertDevice(ctx context.Context, d *db.Device) (*db.Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (*db.Device, error)
	ListDevicesByUser(ctx context.Context, userID uuid.UUID) ([]*db.Device, error)
	ListStaleDevices(ctx context.Context, cutoff time.Time, limit int) ([]*db.Device, error)
	UpdateDevice(ctx context.Context, id uuid.UUID, u db.DeviceUpdate) (*db.Device, error)
	IncrementDeviceCounters(ctx context.Context, id uuid.UUID, sent, received int) error
	TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, pushToken *string) error
	UserStats(ctx context.Context, userID uuid.UUID) (*db.UserStats, error)

	CreateBatch(ctx context.Context, b *db.Batch, messages []*db.Message) error
	GetBatch(ctx context.Context, id uuid.UUID) (*db.Batch, error)
	TransitionBatch(ctx context.Context, id uuid.UUID, next status.Batch, errText *string) error
	ApplyBatchCounters(ctx context.Context, id uuid.UUID, success, failure int, errText *string) (*db.Batch, error)
	FailPendingMessages(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID, reason string) (int, error)

	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListBatchMessages(ctx context.Context, batchID uuid.UUID) ([]*db.Message, error)
	ListDeviceMessages(ctx context.Context, f db.MessageFilter) ([]*db.Message, int, error)
	FindReceivedDuplicate(ctx context.Context, deviceID uuid.UUID, sender, body string, from, to time.Time) (*db.Message, error)
	CreateMessage(ctx context.Context, m *db.Message) error
	TransitionMessage(ctx context.Context, change db.MessageStatusChange) (*db.Batch, error)
	SweepStalePending(ctx context.Context, cutoff time.Time, reason string) (int, int, error)
}

// Enqueuer hands send jobs to the queue runner.
type Enqueuer interface {
	Submit(ctx context.Context, job *worker.Job, delay time.Duration) error
}

// Notifier raises webhook events.
type Notifier interface {
	Deliver(ctx context.Context, t webhook.Trigger) error
}

// Config tunes the gateway.
type Config struct {
	UseQueue            bool
	MaxBatchSize        int           // envelopes per queued job
	StatusTimeout       time.Duration // pending records older than this become unknown
	HeartbeatStaleAfter time.Duration
	HeartbeatPageSize   int
}

// Service implements the gateway operations.
type Service struct {
	store      Store
	dispatcher push.Dispatcher
	queue      Enqueuer
	billing    billing.Checker
	notifier   Notifier
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires a gateway. queue may be nil when UseQueue is off.
func NewService(store Store, dispatcher push.Dispatcher, queue Enqueuer, checker billing.Checker, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = 20 * time.Minute
	}
	if cfg.HeartbeatStaleAfter == 0 {
		cfg.HeartbeatStaleAfter = 30 * time.Minute
	}
	if cfg.HeartbeatPageSize == 0 {
		cfg.HeartbeatPageSize = 500
	}
	if queue == nil {
		cfg.UseQueue = false
	}
	if checker == nil {
		checker = billing.AllowAll{}
	}

	return &Service{
		store:      store,
		dispatcher: dispatcher,
		queue:      queue,
		billing:    checker,
		notifier:   notifier,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// QueueEnabled reports whether sends go through the job queue.
func (s *Service) QueueEnabled() bool {
	return s.config.UseQueue
}

// device loads a device owned by userID.
func (s *Service) device(ctx context.Context, userID, deviceID uuid.UUID) (*db.Device, error) {
	d, err := s.store.GetDevice(ctx, deviceID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if d.UserID != userID {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

// sendableDevice loads a device that may be dispatched to.
func (s *Service) sendableDevice(ctx context.Context, userID, deviceID uuid.UUID) (*db.Device, error) {
	d, err := s.device(ctx, userID, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, ErrDeviceUnavailable
	}
	if err != nil {
		return nil, err
	}
	if !d.Enabled {
		return nil, ErrDeviceUnavailable
	}
	return d, nil
}

// notify raises an event without failing the caller.
func (s *Service) notify(ctx context.Context, userID uuid.UUID, msg *db.Message, meta map[string]string) {
	if s.notifier == nil {
		return
	}
	event, ok := webhook.EventForStatus(msg.Status)
	if !ok {
		return
	}
	err := s.notifier.Deliver(ctx, webhook.Trigger{
		Event:    event,
		SMS:      msg,
		UserID:   userID,
		Metadata: meta,
	})
	if err != nil {
		s.logger.Error("failed to raise webhook event",
			zap.Error(err),
			zap.String("sms_id", msg.ID.String()),
			zap.String("event", string(event)),
		)
	}
}

func (s *Service) addSent(ctx context.Context, deviceID uuid.UUID, n int) {
	if n == 0 {
		return
	}
	if err := s.store.IncrementDeviceCounters(ctx, deviceID, n, 0); err != nil {
		s.logger.Error("failed to update sent counter",
			zap.Error(err),
			zap.String("device_id", deviceID.String()),
		)
	}
}
