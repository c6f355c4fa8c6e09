package cli

import "errors"

// Sentinel errors for exit code classification
var (
	// ErrUsage indicates invalid command usage, flags, or arguments
	ErrUsage = errors.New("usage error")

	// ErrConfig indicates invalid or unsafe configuration
	ErrConfig = errors.New("configuration error")

	// ErrStartup indicates the identity, session or database could not be brought up
	ErrStartup = errors.New("startup error")

	// ErrUnhealthy indicates a readiness check found an unhealthy component
	ErrUnhealthy = errors.New("unhealthy")

	// ErrInternal indicates internal system errors
	ErrInternal = errors.New("internal error")
)
