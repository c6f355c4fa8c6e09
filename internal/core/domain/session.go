package domain

import "time"

// AuthSession describes the secrets-store token currently held by the session manager.
// A zero Expiry means the session never expires locally (static tokens).
type AuthSession struct {
	Mode      AuthMode
	IssuedAt  time.Time
	Expiry    time.Time
	Renewable bool
	Policies  []string
	EntityID  string
	Accessor  string
}

// TTL is the lifetime granted at issue time, zero when unknown.
func (s *AuthSession) TTL() time.Duration {
	if s.Expiry.IsZero() {
		return 0
	}
	return s.Expiry.Sub(s.IssuedAt)
}

// IsExpiredAt reports whether the session is past its hard expiry at t.
func (s *AuthSession) IsExpiredAt(t time.Time) bool {
	if s.Expiry.IsZero() {
		return false
	}
	return !t.Before(s.Expiry)
}

// ExpiresWithin reports whether the session will expire within d of now.
func (s *AuthSession) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.Expiry.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.Expiry)
}
