package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sufield/rotor/internal/core/ports"
)

var _ ports.HealthMonitorPort = (*HealthMonitorService)(nil)

const (
	defaultHealthInterval = 30 * time.Second
	defaultHealthTimeout  = 10 * time.Second
)

// HealthMonitorService aggregates readiness of the identity client, the
// secrets-store session and every credential broker.
type HealthMonitorService struct {
	config     *ports.HealthConfig
	checkers   map[string]ports.HealthCheckerPort
	results    map[string]*ports.HealthResult
	reporters  []ports.HealthReporterPort
	mu         sync.RWMutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	monitoring bool
	logger     *slog.Logger
}

// NewHealthMonitorService creates a new health monitoring service
func NewHealthMonitorService(config *ports.HealthConfig, logger *slog.Logger) (*HealthMonitorService, error) {
	if config == nil {
		return nil, fmt.Errorf("health config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthMonitorService{
		config:   config,
		checkers: make(map[string]ports.HealthCheckerPort),
		results:  make(map[string]*ports.HealthResult),
		logger:   logger,
	}, nil
}

// RegisterChecker adds a health checker for monitoring
func (h *HealthMonitorService) RegisterChecker(checker ports.HealthCheckerPort) error {
	if checker == nil {
		return fmt.Errorf("health checker cannot be nil")
	}

	name := checker.GetComponentName()
	if name == "" {
		return fmt.Errorf("health checker must have a valid component name")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checkers[name]; exists {
		return fmt.Errorf("health checker for component %s already registered", name)
	}
	h.checkers[name] = checker
	h.logger.Debug("health checker registered", "component", name)
	return nil
}

// UnregisterChecker removes a health checker from monitoring
func (h *HealthMonitorService) UnregisterChecker(componentName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.checkers[componentName]; !exists {
		return fmt.Errorf("health checker for component %s not found", componentName)
	}
	delete(h.checkers, componentName)
	delete(h.results, componentName)
	return nil
}

// RegisterReporter adds a health status reporter
func (h *HealthMonitorService) RegisterReporter(reporter ports.HealthReporterPort) error {
	if reporter == nil {
		return fmt.Errorf("health reporter cannot be nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.reporters = append(h.reporters, reporter)
	return nil
}

type namedResult struct {
	name   string
	result *ports.HealthResult
	err    error
}

// CheckAll runs every registered checker concurrently. A checker that returns
// an error is recorded as unknown rather than aborting the sweep.
func (h *HealthMonitorService) CheckAll(ctx context.Context) (map[string]*ports.HealthResult, error) {
	h.mu.RLock()
	checkers := make(map[string]ports.HealthCheckerPort, len(h.checkers))
	for name, checker := range h.checkers {
		checkers[name] = checker
	}
	h.mu.RUnlock()

	results := make(map[string]*ports.HealthResult, len(checkers))
	if len(checkers) == 0 {
		h.logger.Warn("no health checkers registered")
		return results, nil
	}

	resultsCh := make(chan namedResult, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker ports.HealthCheckerPort) {
			result, err := checker.CheckHealth(ctx)
			if err != nil || result == nil {
				msg := "health check returned no result"
				if err != nil {
					msg = fmt.Sprintf("health check failed: %v", err)
				}
				result = &ports.HealthResult{
					Status:    ports.HealthStatusUnknown,
					Component: name,
					Message:   msg,
					CheckedAt: time.Now(),
				}
			}
			resultsCh <- namedResult{name: name, result: result, err: err}
		}(name, checker)
	}

	for range checkers {
		select {
		case r := <-resultsCh:
			results[r.name] = r.result
			if r.err != nil {
				h.logger.Error("health check failed", "component", r.name, "error", r.err)
			}
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	h.mu.Lock()
	for name, result := range results {
		h.results[name] = result
	}
	h.mu.Unlock()

	h.reportToAll(results)
	return results, nil
}

// StartMonitoring begins periodic health monitoring
func (h *HealthMonitorService) StartMonitoring(ctx context.Context) error {
	if !h.config.Enabled {
		h.logger.Info("health monitoring is disabled")
		return nil
	}

	h.mu.Lock()
	if h.monitoring {
		h.mu.Unlock()
		return fmt.Errorf("health monitoring is already running")
	}
	h.monitoring = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	stopCh, doneCh := h.stopCh, h.doneCh
	h.mu.Unlock()

	interval := h.config.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	h.logger.Info("starting health monitoring", "interval", interval)
	go h.monitoringLoop(ctx, interval, stopCh, doneCh)
	return nil
}

// StopMonitoring stops periodic health monitoring and waits for the loop to exit.
func (h *HealthMonitorService) StopMonitoring() error {
	h.mu.Lock()
	if !h.monitoring {
		h.mu.Unlock()
		return fmt.Errorf("health monitoring is not running")
	}
	h.monitoring = false
	close(h.stopCh)
	doneCh := h.doneCh
	h.mu.Unlock()

	<-doneCh
	h.logger.Info("health monitoring stopped")
	return nil
}

// GetResults returns the latest health check results
func (h *HealthMonitorService) GetResults() map[string]*ports.HealthResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]*ports.HealthResult, len(h.results))
	for name, result := range h.results {
		results[name] = result
	}
	return results
}

// GetOverallHealth returns the overall status from the latest results.
// Every component must be healthy for the whole to be healthy.
func (h *HealthMonitorService) GetOverallHealth() ports.HealthStatus {
	return OverallStatus(h.GetResults())
}

// Components lists the registered component names in sorted order.
func (h *HealthMonitorService) Components() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops monitoring and closes reporters.
func (h *HealthMonitorService) Close() error {
	h.mu.RLock()
	running := h.monitoring
	h.mu.RUnlock()
	if running {
		if err := h.StopMonitoring(); err != nil {
			h.logger.Error("failed to stop monitoring during close", "error", err)
		}
	}

	h.mu.Lock()
	reporters := h.reporters
	h.reporters = nil
	h.mu.Unlock()

	var errs []error
	for _, reporter := range reporters {
		if err := reporter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close some reporters: %w", errors.Join(errs...))
	}
	return nil
}

// OverallStatus folds component results into one status.
func OverallStatus(results map[string]*ports.HealthResult) ports.HealthStatus {
	if len(results) == 0 {
		return ports.HealthStatusUnknown
	}
	for _, result := range results {
		if result.Status != ports.HealthStatusHealthy {
			return ports.HealthStatusUnhealthy
		}
	}
	return ports.HealthStatusHealthy
}

func (h *HealthMonitorService) monitoringLoop(ctx context.Context, interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout())
			if _, err := h.CheckAll(checkCtx); err != nil {
				h.logger.Error("periodic health check failed", "error", err)
			}
			cancel()
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthMonitorService) checkTimeout() time.Duration {
	if h.config.Timeout > 0 {
		return h.config.Timeout
	}
	return defaultHealthTimeout
}

func (h *HealthMonitorService) reportToAll(results map[string]*ports.HealthResult) {
	h.mu.RLock()
	reporters := make([]ports.HealthReporterPort, len(h.reporters))
	copy(reporters, h.reporters)
	h.mu.RUnlock()

	for _, reporter := range reporters {
		for _, result := range results {
			if err := reporter.ReportHealth(result); err != nil {
				h.logger.Error("failed to report health result", "component", result.Component, "error", err)
			}
		}
		if err := reporter.ReportOverallHealth(results); err != nil {
			h.logger.Error("failed to report overall health", "error", err)
		}
	}
}
