package vault

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/errors"
	"github.com/sufield/rotor/internal/core/ports"
)

// ReadSecret returns the latest version of a KV v2 secret. Absent and deleted
// secrets are reported as ErrSecretNotFound.
func (m *SessionManager) ReadSecret(ctx context.Context, path string) (map[string]any, error) {
	if err := m.authorized(); err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")

	secret, err := m.client.KVv2(m.config.KVMount).Get(ctx, path)
	if err != nil {
		if stderrors.Is(err, api.ErrSecretNotFound) {
			return nil, errors.NewDomainError(errors.ErrSecretNotFound, fmt.Errorf("%s/data/%s", m.config.KVMount, path))
		}
		m.logger.Error("failed to read secret", "mount", m.config.KVMount, "path", path, "error", err)
		return nil, classify(fmt.Errorf("failed to read secret %s: %w", path, err))
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.NewDomainError(errors.ErrSecretNotFound, fmt.Errorf("%s/data/%s has been deleted", m.config.KVMount, path))
	}

	m.logger.Debug("secret read", "mount", m.config.KVMount, "path", path)
	return secret.Data, nil
}

// WriteSecret stores data as a new version of a KV v2 secret.
func (m *SessionManager) WriteSecret(ctx context.Context, path string, data map[string]any) error {
	if err := m.authorized(); err != nil {
		return err
	}
	path = strings.Trim(path, "/")

	written, err := m.client.KVv2(m.config.KVMount).Put(ctx, path, data)
	if err != nil {
		m.logger.Error("failed to write secret", "mount", m.config.KVMount, "path", path, "error", err)
		return classify(fmt.Errorf("failed to write secret %s: %w", path, err))
	}

	args := []any{"mount", m.config.KVMount, "path", path}
	if written != nil && written.VersionMetadata != nil {
		args = append(args, "version", written.VersionMetadata.Version)
	}
	m.logger.Info("secret written", args...)
	return nil
}

// RequestLeasedCredential reads a fresh credential from the database secrets
// engine under the given role.
func (m *SessionManager) RequestLeasedCredential(ctx context.Context, role string) (*domain.LeasedCredential, error) {
	if err := m.authorized(); err != nil {
		return nil, err
	}

	path := m.config.DatabaseMount + "/creds/" + role
	issuedAt := m.clock.Now()
	secret, err := m.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read %s: %w", path, err))
	}
	if secret == nil {
		return nil, errors.NewDomainError(errors.ErrSecretNotFound, fmt.Errorf("no credentials at %s", path))
	}

	username, _ := secret.Data["username"].(string)
	password, _ := secret.Data["password"].(string)
	if username == "" || password == "" {
		return nil, fmt.Errorf("credentials at %s are incomplete", path)
	}

	cred := &domain.LeasedCredential{
		Username:      username,
		Password:      password,
		LeaseID:       secret.LeaseID,
		LeaseDuration: time.Duration(secret.LeaseDuration) * time.Second,
		Renewable:     secret.Renewable,
		IssuedAt:      issuedAt,
	}
	m.logger.Info("leased credential issued", "role", role, "credential", cred)
	return cred, nil
}

// RevokeLease asks the store to revoke a lease. Failures are logged and counted
// but never returned; the lease expires on its own.
func (m *SessionManager) RevokeLease(ctx context.Context, leaseID string) {
	if leaseID == "" {
		return
	}
	if err := m.client.Sys().RevokeWithContext(ctx, leaseID); err != nil {
		m.metrics.RecordLeaseRevocation(ports.ResultFailure)
		m.logger.Warn("failed to revoke lease", "lease_id", leaseID, "error", err)
		return
	}
	m.metrics.RecordLeaseRevocation(ports.ResultSuccess)
	m.logger.Info("lease revoked", "lease_id", leaseID)
}
