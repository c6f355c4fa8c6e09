// Package services holds rotor's core logic: credential brokering, rotation
// scheduling and readiness aggregation.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/errors"
	"github.com/sufield/rotor/internal/core/ports"
)

const (
	defaultProbeTimeout     = 5 * time.Second
	defaultRotationInterval = 50 * time.Minute
)

// BrokerConfig configures a CredentialBroker.
type BrokerConfig struct {
	// Resource names the resource kind, e.g. "database". Used in logs, metrics and the journal.
	Resource string
	// Role is the secrets-store role credentials are requested for.
	Role string
	// RotationInterval is how often the scheduler is expected to call Rotate.
	// It should stay below the lease TTL.
	RotationInterval time.Duration
	// ProbeTimeout bounds the liveness probe run against a freshly built handle.
	ProbeTimeout time.Duration
}

// BrokerDeps carries the collaborators of a CredentialBroker.
type BrokerDeps struct {
	Issuer  ports.LeaseIssuer
	Factory ports.HandleFactory
	Journal ports.LeaseJournal
	Metrics ports.MetricsReporter
	Clock   ports.Clock
	Logger  *slog.Logger
}

// handleEntry is the unit of publication: a handle together with the lease it was built from.
type handleEntry struct {
	handle      ports.ResourceHandle
	cred        *domain.LeasedCredential
	publishedAt time.Time
}

// CredentialBroker owns one active resource handle and replaces it under rotation
// without interrupting consumers. At most one rotation runs at a time; the old
// handle is retired only after its replacement has been probed and published.
type CredentialBroker struct {
	config  BrokerConfig
	issuer  ports.LeaseIssuer
	factory ports.HandleFactory
	journal ports.LeaseJournal
	metrics ports.MetricsReporter
	clock   ports.Clock
	logger  *slog.Logger

	active   atomic.Pointer[handleEntry]
	rotating atomic.Bool

	// publishMu orders publication against Close so a rotation finishing during
	// shutdown cannot leave a live handle behind.
	publishMu sync.Mutex
	closed    bool
}

// NewCredentialBroker validates the configuration and builds an unconnected broker.
func NewCredentialBroker(cfg BrokerConfig, deps BrokerDeps) (*CredentialBroker, error) {
	if cfg.Resource == "" {
		return nil, &errors.ValidationError{Field: "resource", Value: cfg.Resource, Message: "resource name is required"}
	}
	if cfg.Role == "" {
		return nil, &errors.ValidationError{Field: "role", Value: cfg.Role, Message: "role is required"}
	}
	if deps.Issuer == nil {
		return nil, fmt.Errorf("lease issuer cannot be nil")
	}
	if deps.Factory == nil {
		return nil, fmt.Errorf("handle factory cannot be nil")
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = defaultRotationInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if deps.Journal == nil {
		deps.Journal = NopLeaseJournal{}
	}
	if deps.Metrics == nil {
		deps.Metrics = &NoOpMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &CredentialBroker{
		config:  cfg,
		issuer:  deps.Issuer,
		factory: deps.Factory,
		journal: deps.Journal,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger.With("resource", cfg.Resource),
	}, nil
}

// Name returns the resource kind this broker manages.
func (b *CredentialBroker) Name() string {
	return b.config.Resource
}

// RotationInterval returns the configured rotation period.
func (b *CredentialBroker) RotationInterval() time.Duration {
	return b.config.RotationInterval
}

// Connect obtains the first credential and publishes the first handle.
// Leases recorded by a previous process and never revoked are revoked first.
// Any failure is fatal.
func (b *CredentialBroker) Connect(ctx context.Context) error {
	if b.active.Load() != nil {
		return nil
	}
	if !b.rotating.CompareAndSwap(false, true) {
		return errors.ErrRotationInProgress
	}
	defer b.rotating.Store(false)

	b.revokeOrphans(ctx)

	entry, err := b.provision(ctx)
	if err != nil {
		return errors.NewDomainError(errors.ErrResourceUnavailable, err)
	}

	if _, err := b.publish(entry); err != nil {
		b.discard(ctx, entry)
		return err
	}

	if ttl := entry.cred.LeaseDuration; ttl > 0 && b.config.RotationInterval >= ttl {
		b.logger.Warn("rotation interval is not shorter than the lease TTL",
			"rotation_interval", b.config.RotationInterval,
			"lease_duration", entry.cred.LeaseDuration)
	}

	b.logger.Info("resource handle connected", "credential", entry.cred)
	return nil
}

// Rotate replaces the active handle with one built from a fresh credential.
// On failure the previous handle stays active and the error is recoverable.
// A call made while another rotation runs returns ErrRotationInProgress
// without doing anything.
func (b *CredentialBroker) Rotate(ctx context.Context) error {
	if !b.rotating.CompareAndSwap(false, true) {
		b.logger.Info("rotation already in progress, skipping")
		b.metrics.RecordRotation(b.config.Resource, ports.ResultSkipped, 0)
		return errors.ErrRotationInProgress
	}
	defer b.rotating.Store(false)

	if b.active.Load() == nil {
		return errors.ErrNotReady
	}

	rotationID := uuid.NewString()
	start := b.clock.Now()
	logger := b.logger.With("rotation_id", rotationID)
	logger.Info("starting credential rotation")

	next, err := b.provision(ctx)
	if err != nil {
		b.metrics.RecordRotation(b.config.Resource, ports.ResultFailure, b.clock.Now().Sub(start))
		logger.Error("credential rotation failed, keeping current handle", "error", err)
		return errors.NewDomainError(errors.ErrRotationFailed, err)
	}

	prev, err := b.publish(next)
	if err != nil {
		b.discard(ctx, next)
		b.metrics.RecordRotation(b.config.Resource, ports.ResultFailure, b.clock.Now().Sub(start))
		logger.Warn("broker closed during rotation, discarded new handle", "credential", next.cred)
		return err
	}

	// Consumers now only see next; prev may still be serving in-flight work.
	b.retire(ctx, prev)

	duration := b.clock.Now().Sub(start)
	b.metrics.RecordRotation(b.config.Resource, ports.ResultSuccess, duration)
	logger.Info("credential rotation completed",
		"credential", next.cred,
		"duration", duration)
	return nil
}

// Acquire returns the currently published handle.
func (b *CredentialBroker) Acquire() (ports.ResourceHandle, error) {
	entry := b.active.Load()
	if entry == nil {
		return nil, errors.ErrNotReady
	}
	return entry.handle, nil
}

// Current returns the credential behind the active handle, or nil.
func (b *CredentialBroker) Current() *domain.LeasedCredential {
	entry := b.active.Load()
	if entry == nil {
		return nil
	}
	return entry.cred
}

// State reports whether a rotation is running.
func (b *CredentialBroker) State() domain.RotationState {
	if b.rotating.Load() {
		return domain.RotationRotating
	}
	return domain.RotationIdle
}

// GetComponentName implements ports.HealthCheckerPort.
func (b *CredentialBroker) GetComponentName() string {
	return b.config.Resource
}

// CheckHealth probes the active handle.
func (b *CredentialBroker) CheckHealth(ctx context.Context) (*ports.HealthResult, error) {
	start := b.clock.Now()
	result := &ports.HealthResult{
		Component: b.config.Resource,
		CheckedAt: start,
		Details:   map[string]interface{}{"state": b.State().String()},
	}

	entry := b.active.Load()
	if entry == nil {
		result.Status = ports.HealthStatusUnhealthy
		result.Message = "no active handle"
		return result, nil
	}

	result.Details["username"] = entry.cred.Username
	result.Details["lease_expires_at"] = entry.cred.ExpiresAt()
	result.Details["published_at"] = entry.publishedAt

	probeCtx, cancel := context.WithTimeout(ctx, b.config.ProbeTimeout)
	defer cancel()
	err := entry.handle.Ping(probeCtx)
	result.ResponseTime = b.clock.Now().Sub(start)

	switch {
	case err != nil:
		result.Status = ports.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("probe failed: %v", err)
	case entry.cred.IsUnsafeAt(b.clock.Now()):
		result.Status = ports.HealthStatusUnhealthy
		result.Message = "credential is inside its safety margin"
	default:
		result.Status = ports.HealthStatusHealthy
		result.Message = "active handle reachable"
	}
	return result, nil
}

// Close retires the active handle and revokes its lease. Later calls to
// Acquire return ErrNotReady.
func (b *CredentialBroker) Close(ctx context.Context) error {
	b.publishMu.Lock()
	if b.closed {
		b.publishMu.Unlock()
		return nil
	}
	b.closed = true
	entry := b.active.Swap(nil)
	b.publishMu.Unlock()

	if entry != nil {
		b.retire(ctx, entry)
	}
	b.logger.Info("credential broker closed")
	return nil
}

// provision requests a credential, builds a handle from it and probes it.
// On failure nothing leaks: the handle is closed and the lease revoked.
func (b *CredentialBroker) provision(ctx context.Context) (*handleEntry, error) {
	cred, err := b.issuer.RequestLeasedCredential(ctx, b.config.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to request credential: %w", err)
	}

	if err := b.journal.Record(domain.RecordFor(b.config.Resource, cred)); err != nil {
		b.logger.Warn("failed to journal lease", "lease_id", cred.LeaseID, "error", err)
	}
	if expiresAt := cred.ExpiresAt(); !expiresAt.IsZero() {
		b.metrics.SetCredentialExpiry(b.config.Resource, expiresAt)
	}

	handle, err := b.factory.Open(ctx, cred)
	if err != nil {
		b.revoke(ctx, cred)
		return nil, fmt.Errorf("failed to open handle for %s: %w", cred.Username, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.config.ProbeTimeout)
	defer cancel()
	if err := handle.Ping(probeCtx); err != nil {
		entry := &handleEntry{handle: handle, cred: cred}
		b.discard(ctx, entry)
		return nil, fmt.Errorf("probe failed for %s: %w", cred.Username, err)
	}

	return &handleEntry{handle: handle, cred: cred}, nil
}

// publish makes entry the active handle in a single atomic step and returns the
// handle it replaced.
func (b *CredentialBroker) publish(entry *handleEntry) (*handleEntry, error) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	if b.closed {
		return nil, errors.ErrNotReady
	}
	entry.publishedAt = b.clock.Now()
	return b.active.Swap(entry), nil
}

// retire drains and closes a handle that is no longer published, then revokes its lease.
func (b *CredentialBroker) retire(ctx context.Context, entry *handleEntry) {
	entry.handle.Close()
	b.revoke(ctx, entry.cred)
	b.logger.Debug("retired handle", "credential", entry.cred)
}

// discard disposes of a handle that was never published.
func (b *CredentialBroker) discard(ctx context.Context, entry *handleEntry) {
	entry.handle.Close()
	b.revoke(ctx, entry.cred)
}

func (b *CredentialBroker) revoke(ctx context.Context, cred *domain.LeasedCredential) {
	if cred.LeaseID == "" {
		return
	}
	b.issuer.RevokeLease(context.WithoutCancel(ctx), cred.LeaseID)
	if err := b.journal.Remove(cred.LeaseID); err != nil {
		b.logger.Warn("failed to remove lease from journal", "lease_id", cred.LeaseID, "error", err)
	}
}

func (b *CredentialBroker) revokeOrphans(ctx context.Context) {
	records, err := b.journal.Outstanding()
	if err != nil {
		b.logger.Warn("failed to read lease journal", "error", err)
		return
	}

	now := b.clock.Now()
	for _, rec := range records {
		if rec.Resource != b.config.Resource {
			continue
		}
		if rec.IsLiveAt(now) {
			b.logger.Info("revoking lease left by a previous run",
				"lease_id", rec.LeaseID,
				"username", rec.Username)
			b.issuer.RevokeLease(ctx, rec.LeaseID)
		}
		if err := b.journal.Remove(rec.LeaseID); err != nil {
			b.logger.Warn("failed to remove lease from journal", "lease_id", rec.LeaseID, "error", err)
		}
	}
}
