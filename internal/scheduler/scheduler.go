// Package scheduler runs registered periodic tasks on their own tickers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/metrics"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrUnknownTask    = errors.New("unknown task")
)

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	running  atomic.Bool
}

// Scheduler owns a set of named periodic tasks.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Register adds a task. It must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", name)
	}
	if fn == nil {
		return fmt.Errorf("task %s: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	s.order = append(s.order, name)
	return nil
}

// Tasks lists registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start launches one ticker goroutine per task. Tasks first run after one
// interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		t := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, t)
	}

	s.logger.Info("scheduler started", zap.Strings("tasks", s.order))
	return nil
}

// Stop cancels every task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunOnce runs a task immediately, outside its ticker.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.run(ctx, t)
		}
	}
}

// run executes t unless a previous run is still going.
func (s *Scheduler) run(ctx context.Context, t *task) (err error) {
	if !t.running.CompareAndSwap(false, true) {
		metrics.RecordTaskRun(t.name, "skipped")
		s.logger.Warn("task still running, skipping tick", zap.String("task", t.name))
		return nil
	}
	defer t.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}

		if err != nil {
			metrics.RecordTaskRun(t.name, "error")
			s.logger.Error("task failed",
				zap.String("task", t.name),
				zap.Error(err),
				zap.Duration("duration", time.Since(start)),
			)
			return
		}
		metrics.RecordTaskRun(t.name, "ok")
		s.logger.Debug("task completed",
			zap.String("task", t.name),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	return t.fn(ctx)
}
