package ports

import "time"

// Rotation outcomes reported to MetricsReporter.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// MetricsReporter records rotation and session telemetry.
type MetricsReporter interface {
	RecordRotation(resource, result string, duration time.Duration)
	RecordLeaseRevocation(result string)
	SetCredentialExpiry(resource string, expiresAt time.Time)
	RecordReauthentication(mode, result string)
}
