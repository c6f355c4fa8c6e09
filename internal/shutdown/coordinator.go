// Package shutdown runs the teardown of runtime components in reverse start order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultGracePeriod is the default budget for the whole shutdown.
const DefaultGracePeriod = 30 * time.Second

// Config configures shutdown behavior.
type Config struct {
	// GracePeriod bounds the whole shutdown. Default is 30 seconds if not specified.
	GracePeriod time.Duration

	// OnShutdownStart is called when shutdown begins.
	OnShutdownStart func()

	// OnShutdownComplete is called when shutdown completes.
	OnShutdownComplete func(err error)
}

// DefaultConfig returns sensible shutdown defaults.
func DefaultConfig() *Config {
	return &Config{GracePeriod: DefaultGracePeriod}
}

// StepFunc stops one component. It must return once ctx is done.
type StepFunc func(ctx context.Context) error

type step struct {
	name string
	fn   StepFunc
}

// Coordinator runs registered steps last-registered first, so components are
// stopped in the reverse order they were started.
type Coordinator struct {
	config *Config
	logger *slog.Logger

	mu             sync.Mutex
	steps          []step
	shutdownOnce   sync.Once
	isShuttingDown bool
	err            error
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config *Config, logger *slog.Logger) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{config: config, logger: logger}
}

// Register adds a named step. Steps registered after shutdown began are ignored.
func (c *Coordinator) Register(name string, fn StepFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil || c.isShuttingDown {
		return
	}
	c.steps = append(c.steps, step{name: name, fn: fn})
}

// RegisterCloser adds a step for a component whose Close takes no context.
func (c *Coordinator) RegisterCloser(name string, closer interface{ Close() error }) {
	if closer == nil {
		return
	}
	c.Register(name, func(context.Context) error { return closer.Close() })
}

// Steps returns the step names in the order they will run.
func (c *Coordinator) Steps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.steps))
	for i := len(c.steps) - 1; i >= 0; i-- {
		names = append(names, c.steps[i].name)
	}
	return names
}

// Shutdown runs every step once, in reverse registration order. A failing or slow
// step does not prevent later steps from running; all failures are joined.
// Subsequent calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.isShuttingDown = true
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()

		if c.config.OnShutdownStart != nil {
			c.config.OnShutdownStart()
		}

		graceCtx, cancel := context.WithTimeout(ctx, c.config.GracePeriod)
		defer cancel()

		c.logger.Info("starting graceful shutdown", "grace_period", c.config.GracePeriod, "steps", len(steps))

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			if err := c.runStep(graceCtx, steps[i]); err != nil {
				errs = append(errs, err)
			}
		}

		c.err = errors.Join(errs...)
		if c.err != nil {
			c.logger.Error("shutdown completed with errors", "error", c.err)
		} else {
			c.logger.Info("graceful shutdown completed")
		}

		if c.config.OnShutdownComplete != nil {
			c.config.OnShutdownComplete(c.err)
		}
	})
	return c.err
}

// runStep waits for the step or the grace deadline, whichever comes first. Once
// the deadline has passed, remaining steps still run with the expired context so
// they can release what they hold without blocking.
func (c *Coordinator) runStep(ctx context.Context, s step) error {
	start := time.Now()
	if ctx.Err() != nil {
		return c.finish(s, start, s.fn(ctx))
	}

	done := make(chan error, 1)
	go func() { done <- s.fn(ctx) }()

	select {
	case err := <-done:
		return c.finish(s, start, err)
	case <-ctx.Done():
		c.logger.Error("shutdown step abandoned", "step", s.name, "error", ctx.Err())
		return fmt.Errorf("%s: %w", s.name, ctx.Err())
	}
}

func (c *Coordinator) finish(s step, start time.Time, err error) error {
	if err != nil {
		c.logger.Warn("shutdown step failed", "step", s.name, "error", err)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	c.logger.Debug("shutdown step completed", "step", s.name, "duration", time.Since(start))
	return nil
}
