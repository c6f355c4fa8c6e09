package services

import (
	"time"

	"github.com/sufield/rotor/internal/core/ports"
)

var _ ports.MetricsReporter = (*NoOpMetrics)(nil)

// NoOpMetrics implements MetricsReporter with no-op methods for when metrics are disabled
type NoOpMetrics struct{}

// RecordRotation no-op implementation
func (m *NoOpMetrics) RecordRotation(resource, result string, duration time.Duration) {}

// RecordLeaseRevocation no-op implementation
func (m *NoOpMetrics) RecordLeaseRevocation(result string) {}

// SetCredentialExpiry no-op implementation
func (m *NoOpMetrics) SetCredentialExpiry(resource string, expiresAt time.Time) {}

// RecordReauthentication no-op implementation
func (m *NoOpMetrics) RecordReauthentication(mode, result string) {}
