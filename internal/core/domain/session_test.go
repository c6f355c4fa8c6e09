package domain

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthSession_Expiry(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &AuthSession{Mode: AuthModeJWT, IssuedAt: issued, Expiry: issued.Add(time.Hour)}

	assert.Equal(t, time.Hour, s.TTL())
	assert.False(t, s.IsExpiredAt(issued.Add(59*time.Minute)))
	assert.True(t, s.IsExpiredAt(issued.Add(time.Hour)))
	assert.False(t, s.ExpiresWithin(issued, 10*time.Minute))
	assert.True(t, s.ExpiresWithin(issued.Add(50*time.Minute), 10*time.Minute))

	static := &AuthSession{Mode: AuthModeToken, IssuedAt: issued}
	assert.Zero(t, static.TTL())
	assert.False(t, static.IsExpiredAt(issued.Add(1000*time.Hour)))
	assert.False(t, static.ExpiresWithin(issued, time.Hour))
}

func TestSafetyMargin(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{time.Hour, 6 * time.Minute},
		{time.Minute, 30 * time.Second},
		{10 * time.Second, 10 * time.Second},
		{0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafetyMargin(tt.ttl), "ttl %s", tt.ttl)
	}
}

func TestLeasedCredential(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &LeasedCredential{
		Username:      "v-backend-u0",
		Password:      "hunter2",
		LeaseID:       "database/creds/backend-role/abc",
		LeaseDuration: time.Hour,
		IssuedAt:      issued,
	}

	assert.Equal(t, issued.Add(time.Hour), c.ExpiresAt())
	assert.Equal(t, issued.Add(54*time.Minute), c.SafeUntil())

	rec := RecordFor("database", c)
	assert.Equal(t, c.LeaseID, rec.LeaseID)
	assert.Equal(t, "database", rec.Resource)
	assert.Equal(t, c.ExpiresAt(), rec.ExpiresAt)

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("issued", "credential", c)
	out := buf.String()
	assert.Contains(t, out, "v-backend-u0")
	assert.Contains(t, out, "database/creds/backend-role/abc")
	assert.NotContains(t, out, "hunter2")
}

func TestLeasedCredential_WithoutTTL(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &LeasedCredential{Username: "v-backend-u0", LeaseID: "database/creds/backend-role/abc", IssuedAt: issued}

	assert.True(t, c.ExpiresAt().IsZero())
	assert.True(t, c.SafeUntil().IsZero())
	assert.False(t, c.IsUnsafeAt(issued))
	assert.False(t, c.IsUnsafeAt(issued.Add(1000*time.Hour)))

	rec := RecordFor("database", c)
	assert.True(t, rec.IsLiveAt(issued.Add(1000*time.Hour)))
}

func TestLeasedCredential_IsUnsafeAt(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &LeasedCredential{LeaseDuration: time.Hour, IssuedAt: issued}

	tests := []struct {
		at   time.Duration
		want bool
	}{
		{0, false},
		{53 * time.Minute, false},
		{54 * time.Minute, true},
		{2 * time.Hour, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.IsUnsafeAt(issued.Add(tt.at)), "at +%s", tt.at)
	}

	rec := RecordFor("database", c)
	assert.True(t, rec.IsLiveAt(issued.Add(59*time.Minute)))
	assert.False(t, rec.IsLiveAt(issued.Add(time.Hour)))
}

func TestRotationState_String(t *testing.T) {
	assert.Equal(t, "idle", RotationIdle.String())
	assert.Equal(t, "rotating", RotationRotating.String())
}
