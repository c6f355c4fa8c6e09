// Package ports defines the interfaces between rotor's core services and the
// infrastructure adapters that implement them.
package ports

import (
	"context"

	"github.com/sufield/rotor/internal/core/domain"
)

// LeaseIssuer issues and revokes leased credentials. The secrets-store session
// manager implements it.
type LeaseIssuer interface {
	// RequestLeasedCredential asks the store for a fresh credential bound to role.
	RequestLeasedCredential(ctx context.Context, role string) (*domain.LeasedCredential, error)
	// RevokeLease is best-effort: failures are logged by the implementation and
	// never returned.
	RevokeLease(ctx context.Context, leaseID string)
}

// ResourceHandle is a connection-capable object bound to one leased credential.
type ResourceHandle interface {
	// Ping runs a trivial round-trip against the resource.
	Ping(ctx context.Context) error
	// Close stops new work and waits for in-flight work to finish.
	Close()
	// Credential returns the credential the handle was built with.
	Credential() *domain.LeasedCredential
}

// HandleFactory builds resource handles from credentials.
type HandleFactory interface {
	Open(ctx context.Context, cred *domain.LeasedCredential) (ResourceHandle, error)
}

// LeaseJournal persists outstanding lease IDs across process restarts.
type LeaseJournal interface {
	Record(rec domain.LeaseRecord) error
	Remove(leaseID string) error
	Outstanding() ([]domain.LeaseRecord, error)
	Close() error
}
