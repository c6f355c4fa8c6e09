package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/rotor/internal/core/ports"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.RecordRotation("database", ports.ResultSuccess, 250*time.Millisecond)
	m.RecordRotation("database", ports.ResultSuccess, time.Second)
	m.RecordRotation("database", ports.ResultFailure, time.Second)
	m.RecordRotation("database", ports.ResultSkipped, 0)
	m.RecordLeaseRevocation(ports.ResultFailure)
	m.RecordReauthentication("jwt", ports.ResultSuccess)

	expiry := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	m.SetCredentialExpiry("database", expiry)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rotationAttempts.WithLabelValues("database", ports.ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotationAttempts.WithLabelValues("database", ports.ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotationAttempts.WithLabelValues("database", ports.ResultSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revocations.WithLabelValues(ports.ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reauthentication.WithLabelValues("jwt", ports.ResultSuccess)))
	assert.Equal(t, float64(expiry.Unix()), testutil.ToFloat64(m.credentialExpiry.WithLabelValues("database")))

	// skipped attempts do not feed the duration histogram
	count, err := testutil.GatherAndCount(reg, "rotor_rotation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusMetrics_IsolatedRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusMetrics(prometheus.NewRegistry())
		NewPrometheusMetrics(prometheus.NewRegistry())
	})
}
