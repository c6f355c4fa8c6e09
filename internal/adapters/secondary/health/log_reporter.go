// Package health provides health reporting implementations
package health

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sufield/rotor/internal/core/ports"
)

// LogHealthReporter implements health reporting via structured logging.
// Steady healthy results are logged at debug; status changes and every
// non-healthy result are logged at warn or above.
type LogHealthReporter struct {
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]ports.HealthStatus
}

// NewLogHealthReporter creates a new logging health reporter
func NewLogHealthReporter(logger *slog.Logger) *LogHealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHealthReporter{
		logger: logger,
		last:   make(map[string]ports.HealthStatus),
	}
}

// ReportHealth reports a health check result via logging
func (r *LogHealthReporter) ReportHealth(result *ports.HealthResult) error {
	if result == nil {
		return nil
	}

	r.mu.Lock()
	previous, seen := r.last[result.Component]
	r.last[result.Component] = result.Status
	r.mu.Unlock()

	attrs := []slog.Attr{
		slog.String("component", result.Component),
		slog.String("status", string(result.Status)),
		slog.Duration("response_time", result.ResponseTime),
	}
	if result.Message != "" {
		attrs = append(attrs, slog.String("message", result.Message))
	}
	if seen && previous != result.Status {
		attrs = append(attrs, slog.String("previous_status", string(previous)))
	}

	ctx := context.Background()
	switch result.Status {
	case ports.HealthStatusHealthy:
		level := slog.LevelDebug
		if seen && previous != result.Status {
			level = slog.LevelInfo
		}
		r.logger.LogAttrs(ctx, level, "component healthy", attrs...)
	case ports.HealthStatusUnhealthy:
		r.logger.LogAttrs(ctx, slog.LevelWarn, "component unhealthy", attrs...)
	default:
		r.logger.LogAttrs(ctx, slog.LevelError, "component health unknown", attrs...)
	}
	return nil
}

// ReportOverallHealth reports the overall system health
func (r *LogHealthReporter) ReportOverallHealth(results map[string]*ports.HealthResult) error {
	if len(results) == 0 {
		return nil
	}

	var healthy, unhealthy, unknown int
	for _, result := range results {
		switch result.Status {
		case ports.HealthStatusHealthy:
			healthy++
		case ports.HealthStatusUnhealthy:
			unhealthy++
		default:
			unknown++
		}
	}

	attrs := []slog.Attr{
		slog.Int("components", len(results)),
		slog.Int("healthy", healthy),
		slog.Int("unhealthy", unhealthy),
		slog.Int("unknown", unknown),
	}

	if unhealthy > 0 || unknown > 0 {
		r.logger.LogAttrs(context.Background(), slog.LevelWarn, "not ready", attrs...)
		return nil
	}
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "ready", attrs...)
	return nil
}

// Close cleans up the reporter (no-op for logging reporter)
func (r *LogHealthReporter) Close() error {
	return nil
}
