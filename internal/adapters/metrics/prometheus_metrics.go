// Package metrics provides the Prometheus implementation of ports.MetricsReporter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sufield/rotor/internal/core/ports"
)

const namespace = "rotor"

var _ ports.MetricsReporter = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements ports.MetricsReporter using Prometheus.
// Collectors are registered on the registerer passed to NewPrometheusMetrics,
// so tests can use an isolated registry.
type PrometheusMetrics struct {
	rotationAttempts *prometheus.CounterVec
	rotationDuration *prometheus.HistogramVec
	revocations      *prometheus.CounterVec
	credentialExpiry *prometheus.GaugeVec
	reauthentication *prometheus.CounterVec
}

// NewPrometheusMetrics creates the rotor collectors on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		rotationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_attempts_total",
			Help:      "Total number of credential rotation attempts",
		}, []string{"resource", "result"}), // result: success, failure, skipped

		rotationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotation_duration_seconds",
			Help:      "Duration of credential rotations, from lease request to publication",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),

		revocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_revocations_total",
			Help:      "Total number of lease revocation requests",
		}, []string{"result"}),

		credentialExpiry: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credential_expiry_timestamp_seconds",
			Help:      "Unix timestamp at which the newest leased credential expires",
		}, []string{"resource"}),

		reauthentication: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reauth_total",
			Help:      "Total number of secrets store authentications",
		}, []string{"mode", "result"}),
	}
}

// RecordRotation records one rotation attempt.
func (m *PrometheusMetrics) RecordRotation(resource, result string, duration time.Duration) {
	m.rotationAttempts.WithLabelValues(resource, result).Inc()
	if result != ports.ResultSkipped {
		m.rotationDuration.WithLabelValues(resource).Observe(duration.Seconds())
	}
}

// RecordLeaseRevocation records a revocation outcome.
func (m *PrometheusMetrics) RecordLeaseRevocation(result string) {
	m.revocations.WithLabelValues(result).Inc()
}

// SetCredentialExpiry updates the expiry gauge.
func (m *PrometheusMetrics) SetCredentialExpiry(resource string, expiresAt time.Time) {
	m.credentialExpiry.WithLabelValues(resource).Set(float64(expiresAt.Unix()))
}

// RecordReauthentication records a login against the secrets store.
func (m *PrometheusMetrics) RecordReauthentication(mode, result string) {
	m.reauthentication.WithLabelValues(mode, result).Inc()
}
