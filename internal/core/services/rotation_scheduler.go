package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sufield/rotor/internal/core/errors"
	"github.com/sufield/rotor/internal/core/ports"
)

const defaultAttemptTimeout = 2 * time.Minute

// RotationTask is one periodically rotated resource.
type RotationTask struct {
	Name string
	// Interval is the fixed period between attempts. Ignored when IntervalFunc is set.
	Interval time.Duration
	// IntervalFunc is consulted before every wait, so the period can follow a
	// TTL that changes between attempts.
	IntervalFunc func() time.Duration
	Rotate       func(ctx context.Context) error
}

func (t RotationTask) nextInterval() time.Duration {
	if t.IntervalFunc != nil {
		return t.IntervalFunc()
	}
	return t.Interval
}

// SchedulerConfig configures a RotationScheduler.
type SchedulerConfig struct {
	// AttemptTimeout bounds a single rotation attempt.
	AttemptTimeout time.Duration
}

// RotationScheduler runs one loop per registered task: wait for the task's
// interval, attempt the rotation, log the outcome, repeat. A failed attempt
// never ends its loop; the next attempt comes one full interval later.
type RotationScheduler struct {
	config SchedulerConfig
	clock  ports.Clock
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []RotationTask
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRotationScheduler creates a scheduler. A nil clock selects the system clock.
func NewRotationScheduler(cfg SchedulerConfig, clock ports.Clock, logger *slog.Logger) *RotationScheduler {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationScheduler{
		config: cfg,
		clock:  clock,
		logger: logger,
	}
}

// Register adds a task. Tasks registered after Start are not scheduled.
func (s *RotationScheduler) Register(task RotationTask) error {
	if task.Name == "" {
		return &errors.ValidationError{Field: "name", Value: task.Name, Message: "task name is required"}
	}
	if task.Rotate == nil {
		return fmt.Errorf("task %s has no rotate function", task.Name)
	}
	if task.IntervalFunc == nil && task.Interval <= 0 {
		return &errors.ValidationError{Field: "interval", Value: task.Interval, Message: "interval must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started, cannot register %s", task.Name)
	}
	for _, t := range s.tasks {
		if t.Name == task.Name {
			return fmt.Errorf("task %s already registered", task.Name)
		}
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Start launches one goroutine per task. The loops stop when ctx is cancelled
// or Stop is called.
func (s *RotationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("rotation scheduler is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(loopCtx, task)
	}

	s.logger.Info("rotation scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop cancels the loops and waits for them to exit. An attempt already running
// is allowed to finish; ctx bounds how long Stop waits for that.
func (s *RotationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("rotation scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rotation scheduler did not stop in time: %w", ctx.Err())
	}
}

func (s *RotationScheduler) loop(ctx context.Context, task RotationTask) {
	defer s.wg.Done()
	logger := s.logger.With("task", task.Name)

	for {
		interval := task.nextInterval()
		logger.Debug("next rotation scheduled", "in", interval)

		timer := s.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("rotation loop cancelled")
			return
		case <-timer.C():
		}
		// select picks at random when the timer and cancellation are both ready
		if ctx.Err() != nil {
			logger.Debug("rotation loop cancelled")
			return
		}

		s.attempt(ctx, task, logger)
	}
}

// attempt runs one rotation detached from the loop's cancellation so that a
// shutdown arriving mid-rotation does not abandon a half-built handle.
func (s *RotationScheduler) attempt(ctx context.Context, task RotationTask, logger *slog.Logger) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.AttemptTimeout)
	defer cancel()

	start := s.clock.Now()
	err := task.Rotate(attemptCtx)
	elapsed := s.clock.Now().Sub(start)

	switch {
	case err == nil:
		logger.Info("scheduled rotation succeeded", "duration", elapsed)
	case stderrors.Is(err, errors.ErrRotationInProgress):
		logger.Info("scheduled rotation skipped, another rotation is running")
	default:
		logger.Error("scheduled rotation failed, will retry next interval",
			"error", err,
			"kind", errors.KindOf(err).String(),
			"duration", elapsed)
	}
}
