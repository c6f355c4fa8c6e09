package domain

import (
	"log/slog"
	"time"
)

const (
	// SafetyMarginFraction is the share of a TTL that is never relied upon.
	SafetyMarginFraction = 0.10
	// MinSafetyMargin bounds the margin for short TTLs.
	MinSafetyMargin = 30 * time.Second
)

// SafetyMargin returns how long before expiry a credential must stop being trusted.
func SafetyMargin(ttl time.Duration) time.Duration {
	m := time.Duration(float64(ttl) * SafetyMarginFraction)
	if m < MinSafetyMargin {
		m = MinSafetyMargin
	}
	if m > ttl {
		m = ttl
	}
	return m
}

// LeasedCredential is a username/password pair issued by the secrets store under a lease.
// A zero LeaseDuration means the store granted no TTL and the credential never
// expires locally.
type LeasedCredential struct {
	Username      string
	Password      string
	LeaseID       string
	LeaseDuration time.Duration
	Renewable     bool
	IssuedAt      time.Time
}

// ExpiresAt is the moment the store revokes the credential on its own, zero when
// the lease has no TTL.
func (c *LeasedCredential) ExpiresAt() time.Time {
	if c.LeaseDuration <= 0 {
		return time.Time{}
	}
	return c.IssuedAt.Add(c.LeaseDuration)
}

// SafeUntil is the last moment the credential may be handed out, zero when the
// lease has no TTL.
func (c *LeasedCredential) SafeUntil() time.Time {
	if c.LeaseDuration <= 0 {
		return time.Time{}
	}
	return c.ExpiresAt().Add(-SafetyMargin(c.LeaseDuration))
}

// IsUnsafeAt reports whether t is inside the safety margin or past expiry.
func (c *LeasedCredential) IsUnsafeAt(t time.Time) bool {
	safeUntil := c.SafeUntil()
	if safeUntil.IsZero() {
		return false
	}
	return !t.Before(safeUntil)
}

// LogValue keeps the password out of structured logs.
func (c *LeasedCredential) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("lease_id", c.LeaseID),
		slog.Duration("lease_duration", c.LeaseDuration),
		slog.Bool("renewable", c.Renewable),
	)
}

// LeaseRecord is the persisted trace of an issued lease, used to revoke leases
// left behind by a process that died before revoking them. A zero ExpiresAt
// marks a lease without TTL.
type LeaseRecord struct {
	LeaseID   string
	Resource  string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RecordFor builds the journal entry for a credential.
func RecordFor(resource string, c *LeasedCredential) LeaseRecord {
	return LeaseRecord{
		LeaseID:   c.LeaseID,
		Resource:  resource,
		Username:  c.Username,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt(),
	}
}

// IsLiveAt reports whether the store may still honor the lease at t.
func (r LeaseRecord) IsLiveAt(t time.Time) bool {
	return r.ExpiresAt.IsZero() || t.Before(r.ExpiresAt)
}

// RotationState is the lifecycle of a resource's credential rotation.
type RotationState int

const (
	RotationIdle RotationState = iota
	RotationRotating
)

func (s RotationState) String() string {
	if s == RotationRotating {
		return "rotating"
	}
	return "idle"
}
