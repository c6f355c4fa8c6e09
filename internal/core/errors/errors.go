// Package errors defines the error taxonomy shared by every rotor component.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without parsing messages.
type Kind int

const (
	// KindInternal is the zero value and marks unexpected failures.
	KindInternal Kind = iota
	// KindFatal failures abort startup; the process cannot operate.
	KindFatal
	// KindRecoverable failures are retried on the next scheduled attempt.
	KindRecoverable
	// KindBestEffort failures are logged and never propagated.
	KindBestEffort
	// KindNotAuthenticated means the secrets-store session is missing or expired.
	KindNotAuthenticated
	// KindNotReady means a component has not connected yet or was closed.
	KindNotReady
	// KindNotFound means the requested secret does not exist.
	KindNotFound
	// KindConfiguration means the supplied configuration is unusable.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRecoverable:
		return "recoverable"
	case KindBestEffort:
		return "best_effort"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindNotReady:
		return "not_ready"
	case KindNotFound:
		return "not_found"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// DomainError represents errors in the domain logic
type DomainError struct {
	Code    string
	Message string
	Kind    Kind
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError carrying the same code, so wrapped copies
// produced by NewDomainError still satisfy errors.Is against the sentinel.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Common domain errors
var (
	ErrIdentityUnavailable = &DomainError{
		Code:    "IDENTITY_UNAVAILABLE",
		Message: "workload identity could not be obtained",
		Kind:    KindFatal,
	}

	ErrStoreUnavailable = &DomainError{
		Code:    "STORE_UNAVAILABLE",
		Message: "secrets store authentication failed",
		Kind:    KindFatal,
	}

	ErrResourceUnavailable = &DomainError{
		Code:    "RESOURCE_UNAVAILABLE",
		Message: "downstream resource could not be connected",
		Kind:    KindFatal,
	}

	ErrRotationFailed = &DomainError{
		Code:    "ROTATION_FAILED",
		Message: "credential rotation failed, previous credential still active",
		Kind:    KindRecoverable,
	}

	ErrReauthenticationFailed = &DomainError{
		Code:    "REAUTHENTICATION_FAILED",
		Message: "session reauthentication failed, previous session kept",
		Kind:    KindRecoverable,
	}

	ErrRotationInProgress = &DomainError{
		Code:    "ROTATION_IN_PROGRESS",
		Message: "a rotation for this resource is already running",
		Kind:    KindRecoverable,
	}

	ErrNotReady = &DomainError{
		Code:    "NOT_READY",
		Message: "component is not connected",
		Kind:    KindNotReady,
	}

	ErrNotAuthenticated = &DomainError{
		Code:    "NOT_AUTHENTICATED",
		Message: "no valid secrets store session",
		Kind:    KindNotAuthenticated,
	}

	ErrSecretNotFound = &DomainError{
		Code:    "SECRET_NOT_FOUND",
		Message: "secret does not exist",
		Kind:    KindNotFound,
	}

	ErrStaticTokenInsecure = &DomainError{
		Code:    "STATIC_TOKEN_ON_SECURE_TRANSPORT",
		Message: "static token authentication requires insecure mode over http",
		Kind:    KindConfiguration,
	}

	ErrMutualTLSInsecure = &DomainError{
		Code:    "MTLS_REQUIRES_HTTPS",
		Message: "mutual TLS authentication requires an https store address",
		Kind:    KindConfiguration,
	}

	ErrInvalidConfiguration = &DomainError{
		Code:    "INVALID_CONFIGURATION",
		Message: "configuration is invalid",
		Kind:    KindConfiguration,
	}

	ErrInvalidSocketPath = &DomainError{
		Code:    "INVALID_SOCKET_PATH",
		Message: "SPIFFE socket path is invalid",
		Kind:    KindConfiguration,
	}

	ErrEmptyAudience = &DomainError{
		Code:    "EMPTY_AUDIENCE",
		Message: "at least one token audience is required",
		Kind:    KindConfiguration,
	}
)

// NewDomainError creates a new domain error with context
func NewDomainError(base *DomainError, err error) error {
	return &DomainError{
		Code:    base.Code,
		Message: base.Message,
		Kind:    base.Kind,
		Err:     err,
	}
}

// KindOf returns the kind of the outermost DomainError in err's chain.
// Errors outside the taxonomy report KindInternal.
func KindOf(err error) Kind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindConfiguration
	}
	return KindInternal
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}
