package ports

import (
	"context"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is healthy and ready
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy indicates the component is not healthy
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown indicates the health status cannot be determined
	HealthStatusUnknown HealthStatus = "unknown"
)

// HealthResult contains the result of a health check
type HealthResult struct {
	// Status is the overall health status
	Status HealthStatus `json:"status"`
	// Component is the name of the component being checked
	Component string `json:"component"`
	// Message provides additional details about the health status
	Message string `json:"message,omitempty"`
	// CheckedAt is when the health check was performed
	CheckedAt time.Time `json:"checked_at"`
	// ResponseTime is how long the health check took
	ResponseTime time.Duration `json:"response_time"`
	// Details contains component-specific health information
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthConfig configures health check behavior
type HealthConfig struct {
	// Enabled determines if periodic health checks are active
	Enabled bool `json:"enabled"`
	// Timeout for individual health checks
	Timeout time.Duration `json:"timeout"`
	// Interval between periodic health checks
	Interval time.Duration `json:"interval"`
}

// HealthCheckerPort defines the interface for performing health checks
type HealthCheckerPort interface {
	// CheckHealth reports whether the component can serve consumers right now
	CheckHealth(ctx context.Context) (*HealthResult, error)
	// GetComponentName returns the name of the component being monitored
	GetComponentName() string
}

// HealthMonitorPort defines the interface for monitoring multiple components
type HealthMonitorPort interface {
	// RegisterChecker adds a health checker for monitoring
	RegisterChecker(checker HealthCheckerPort) error
	// UnregisterChecker removes a health checker from monitoring
	UnregisterChecker(componentName string) error
	// CheckAll performs health checks on all registered components
	CheckAll(ctx context.Context) (map[string]*HealthResult, error)
	// StartMonitoring begins periodic health monitoring
	StartMonitoring(ctx context.Context) error
	// StopMonitoring stops periodic health monitoring
	StopMonitoring() error
	// GetResults returns the latest health check results
	GetResults() map[string]*HealthResult
}

// HealthReporterPort defines the interface for reporting health status
type HealthReporterPort interface {
	// ReportHealth reports a health check result
	ReportHealth(result *HealthResult) error
	// ReportOverallHealth reports the overall system health
	ReportOverallHealth(results map[string]*HealthResult) error
	// Close cleans up reporter resources
	Close() error
}
