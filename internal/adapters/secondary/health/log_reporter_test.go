package health

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/rotor/internal/core/ports"
)

func newBufferedReporter(level slog.Level) (*LogHealthReporter, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level}))
	return NewLogHealthReporter(logger), &buf
}

func TestNewLogHealthReporter(t *testing.T) {
	assert.NotNil(t, NewLogHealthReporter(slog.Default()))
	assert.NotNil(t, NewLogHealthReporter(nil))
}

func TestLogHealthReporter_ReportHealth(t *testing.T) {
	tests := []struct {
		name          string
		result        *ports.HealthResult
		shouldContain []string
	}{
		{
			name:          "healthy component",
			result:        &ports.HealthResult{Status: ports.HealthStatusHealthy, Component: "identity", ResponseTime: time.Millisecond},
			shouldContain: []string{"level=DEBUG", "component healthy", "component=identity"},
		},
		{
			name:          "unhealthy component",
			result:        &ports.HealthResult{Status: ports.HealthStatusUnhealthy, Component: "session", Message: "session expired"},
			shouldContain: []string{"level=WARN", "component unhealthy", `message="session expired"`},
		},
		{
			name:          "unknown component",
			result:        &ports.HealthResult{Status: ports.HealthStatusUnknown, Component: "database"},
			shouldContain: []string{"level=ERROR", "component health unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reporter, buf := newBufferedReporter(slog.LevelDebug)
			require.NoError(t, reporter.ReportHealth(tt.result))
			for _, s := range tt.shouldContain {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}

func TestLogHealthReporter_Transitions(t *testing.T) {
	reporter, buf := newBufferedReporter(slog.LevelInfo)

	require.NoError(t, reporter.ReportHealth(&ports.HealthResult{Status: ports.HealthStatusHealthy, Component: "session"}))
	assert.Empty(t, buf.String(), "steady healthy results stay at debug")

	require.NoError(t, reporter.ReportHealth(&ports.HealthResult{Status: ports.HealthStatusUnhealthy, Component: "session"}))
	assert.Contains(t, buf.String(), "previous_status=healthy")
	buf.Reset()

	require.NoError(t, reporter.ReportHealth(&ports.HealthResult{Status: ports.HealthStatusHealthy, Component: "session"}))
	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "previous_status=unhealthy")

	assert.NoError(t, reporter.ReportHealth(nil))
}

func TestLogHealthReporter_ReportOverallHealth(t *testing.T) {
	reporter, buf := newBufferedReporter(slog.LevelDebug)

	require.NoError(t, reporter.ReportOverallHealth(map[string]*ports.HealthResult{
		"identity": {Status: ports.HealthStatusHealthy},
		"session":  {Status: ports.HealthStatusHealthy},
	}))
	assert.Contains(t, buf.String(), "msg=ready")
	buf.Reset()

	require.NoError(t, reporter.ReportOverallHealth(map[string]*ports.HealthResult{
		"identity": {Status: ports.HealthStatusHealthy},
		"database": {Status: ports.HealthStatusUnknown},
	}))
	assert.Contains(t, buf.String(), `msg="not ready"`)
	assert.Contains(t, buf.String(), "unknown=1")
	buf.Reset()

	require.NoError(t, reporter.ReportOverallHealth(nil))
	assert.Empty(t, buf.String())
	assert.NoError(t, reporter.Close())
}
