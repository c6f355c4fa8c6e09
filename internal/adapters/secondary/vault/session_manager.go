// Package vault holds the authenticated session with a Vault or OpenBao secrets
// store and exposes the KV and database secrets engines on top of it.
package vault

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/errors"
	"github.com/sufield/rotor/internal/core/ports"
	"github.com/sufield/rotor/internal/core/services"
)

const (
	componentName = "session"

	defaultRenewFraction  = 5.0 / 6.0
	defaultReauthInterval = 50 * time.Minute
	defaultRole           = "backend-role"
)

var (
	_ ports.LeaseIssuer       = (*SessionManager)(nil)
	_ ports.HealthCheckerPort = (*SessionManager)(nil)
)

// IdentitySource supplies the workload identity presented at login.
type IdentitySource interface {
	FetchAudienceToken(ctx context.Context, audiences []string) (*domain.AudienceToken, error)
	TLSCertificate() (*tls.Certificate, error)
}

// Config configures the session manager.
type Config struct {
	Address   string
	Namespace string
	AuthMode  domain.AuthMode
	// Insecure permits static token authentication over plain http.
	Insecure bool
	// Token is only used in token mode.
	Token string
	// Role is the login role at the jwt or cert auth mount.
	Role         string
	JWTMount     string
	CertMount    string
	JWTAudiences []string

	KVMount       string
	DatabaseMount string

	CACert        string
	TLSSkipVerify bool
	Timeout       time.Duration
	MaxRetries    int

	// RenewFraction is the share of the session TTL after which to log in again.
	RenewFraction float64
	// ReauthInterval is used when the session TTL is unknown.
	ReauthInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = defaultRole
	}
	if c.JWTMount == "" {
		c.JWTMount = "jwt"
	}
	if c.CertMount == "" {
		c.CertMount = "cert"
	}
	if c.KVMount == "" {
		c.KVMount = "secret"
	}
	if c.DatabaseMount == "" {
		c.DatabaseMount = "database"
	}
	if c.RenewFraction <= 0 || c.RenewFraction >= 1 {
		c.RenewFraction = defaultRenewFraction
	}
	if c.ReauthInterval <= 0 {
		c.ReauthInterval = defaultReauthInterval
	}
}

// Option customizes a SessionManager.
type Option func(*SessionManager)

// WithClock overrides the clock used for session expiry.
func WithClock(clock ports.Clock) Option {
	return func(m *SessionManager) { m.clock = clock }
}

// WithMetrics sets the metrics reporter.
func WithMetrics(metrics ports.MetricsReporter) Option {
	return func(m *SessionManager) { m.metrics = metrics }
}

// SessionManager authenticates to the secrets store with the workload identity
// and keeps the resulting token fresh.
type SessionManager struct {
	config   Config
	identity IdentitySource
	client   *api.Client
	clock    ports.Clock
	metrics  ports.MetricsReporter
	logger   *slog.Logger

	// transport is kept in mtls mode so connections holding an old client
	// certificate can be dropped before a login.
	transport *http.Transport

	// loginMu serializes logins; mu guards the session and the client token.
	loginMu sync.Mutex
	mu      sync.RWMutex
	session *domain.AuthSession
	closed  bool
}

// NewSessionManager validates the auth mode against the transport and builds the
// store client. No request is made until Connect.
func NewSessionManager(config Config, identity IdentitySource, logger *slog.Logger, opts ...Option) (*SessionManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	if err := domain.CheckTransport(config.AuthMode, config.Address, config.Insecure); err != nil {
		return nil, err
	}
	switch config.AuthMode {
	case domain.AuthModeToken:
		if config.Token == "" {
			return nil, errors.NewDomainError(errors.ErrInvalidConfiguration, fmt.Errorf("token mode requires a token"))
		}
	case domain.AuthModeJWT:
		if len(domain.NormalizeAudiences(config.JWTAudiences)) == 0 {
			return nil, errors.ErrEmptyAudience
		}
		fallthrough
	case domain.AuthModeMutualTLS:
		if identity == nil {
			return nil, errors.NewDomainError(errors.ErrInvalidConfiguration,
				fmt.Errorf("%s mode requires a workload identity", config.AuthMode))
		}
	}

	m := &SessionManager{
		config:   config,
		identity: identity,
		clock:    services.SystemClock{},
		metrics:  &services.NoOpMetrics{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	client, err := m.newClient()
	if err != nil {
		return nil, err
	}
	m.client = client
	return m, nil
}

func (m *SessionManager) newClient() (*api.Client, error) {
	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("failed to read store client defaults: %w", config.Error)
	}
	config.Address = m.config.Address
	config.MaxRetries = m.config.MaxRetries
	if m.config.Timeout > 0 {
		config.Timeout = m.config.Timeout
	}

	if m.config.CACert != "" || m.config.TLSSkipVerify {
		if err := config.ConfigureTLS(&api.TLSConfig{
			CACert:   m.config.CACert,
			Insecure: m.config.TLSSkipVerify,
		}); err != nil {
			return nil, errors.NewDomainError(errors.ErrInvalidConfiguration, fmt.Errorf("failed to configure store TLS: %w", err))
		}
	}

	if m.config.AuthMode == domain.AuthModeMutualTLS {
		transport, ok := config.HttpClient.Transport.(*http.Transport)
		if !ok || transport.TLSClientConfig == nil {
			return nil, fmt.Errorf("store client transport does not support client certificates")
		}
		m.transport = transport
		// always the current bundle, so a refreshed identity is used on the next handshake
		transport.TLSClientConfig.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return m.identity.TLSCertificate()
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}
	// api.NewClient picks up VAULT_TOKEN from the environment
	client.ClearToken()
	if m.config.Namespace != "" {
		client.SetNamespace(m.config.Namespace)
	}
	return client, nil
}

// Connect performs the initial handshake. In token mode the token is verified
// with a self lookup. Failure is fatal to startup.
func (m *SessionManager) Connect(ctx context.Context) error {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	if m.isClosed() {
		return errors.NewDomainError(errors.ErrStoreUnavailable, fmt.Errorf("session manager is closed"))
	}

	var (
		token   string
		session *domain.AuthSession
		err     error
	)
	if m.config.AuthMode == domain.AuthModeToken {
		token = m.config.Token
		session, err = m.lookupSession(ctx, token)
	} else {
		token, session, err = m.login(ctx)
	}
	if err != nil {
		m.logger.Error("secrets store authentication failed", "mode", m.config.AuthMode, "address", m.config.Address, "error", err)
		return errors.NewDomainError(errors.ErrStoreUnavailable, err)
	}

	m.install(token, session)
	m.logger.Info("secrets store authenticated",
		"mode", m.config.AuthMode,
		"ttl", session.TTL(),
		"policies", session.Policies,
		"entity_id", session.EntityID)
	if m.config.AuthMode == domain.AuthModeToken {
		m.logger.Warn("using a static token, for development only")
	}
	return nil
}

// Reauthenticate logs in again and swaps the token in place. The previous session
// stays active when the login fails. It is a no-op in token mode.
func (m *SessionManager) Reauthenticate(ctx context.Context) error {
	if m.config.AuthMode == domain.AuthModeToken {
		return nil
	}

	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if m.isClosed() {
		return errors.ErrNotReady
	}

	token, session, err := m.login(ctx)
	if err != nil {
		m.metrics.RecordReauthentication(m.config.AuthMode.String(), ports.ResultFailure)
		return errors.NewDomainError(errors.ErrReauthenticationFailed, err)
	}

	previous := m.install(token, session)
	m.metrics.RecordReauthentication(m.config.AuthMode.String(), ports.ResultSuccess)

	args := []any{"mode", m.config.AuthMode, "ttl", session.TTL(), "expires_at", session.Expiry}
	if previous != nil {
		args = append(args, "previous_expires_at", previous.Expiry)
	}
	m.logger.Info("secrets store session renewed", args...)
	return nil
}

// IsAuthenticated reports whether a session is held, is not past its hard expiry
// and is still accepted by the store.
func (m *SessionManager) IsAuthenticated(ctx context.Context) bool {
	if err := m.authorized(); err != nil {
		return false
	}
	if _, err := m.client.Auth().Token().LookupSelfWithContext(ctx); err != nil {
		m.logger.Debug("session lookup failed", "error", err)
		return false
	}
	return true
}

// Session returns a copy of the current session.
func (m *SessionManager) Session() (*domain.AuthSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.closed {
		return nil, errors.ErrNotAuthenticated
	}
	s := *m.session
	s.Policies = append([]string(nil), m.session.Policies...)
	return &s, nil
}

// Mode returns the configured auth mode.
func (m *SessionManager) Mode() domain.AuthMode {
	return m.config.AuthMode
}

// RenewalInterval is the configured fraction of the session TTL, or the fallback
// interval when the TTL is unknown.
func (m *SessionManager) RenewalInterval() time.Duration {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()

	if session != nil {
		if ttl := session.TTL(); ttl > 0 {
			if d := time.Duration(float64(ttl) * m.config.RenewFraction); d > 0 {
				return d
			}
		}
	}
	return m.config.ReauthInterval
}

// Close drops the session. Tokens obtained by login are revoked best-effort.
func (m *SessionManager) Close() error {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	held := m.session != nil
	m.session = nil
	m.mu.Unlock()

	if held && m.config.AuthMode != domain.AuthModeToken {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.client.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
			m.logger.Warn("failed to revoke session token", "error", err)
		}
	}
	m.client.ClearToken()
	m.logger.Info("secrets store session closed")
	return nil
}

// GetComponentName implements ports.HealthCheckerPort.
func (m *SessionManager) GetComponentName() string {
	return componentName
}

// CheckHealth is healthy while IsAuthenticated holds.
func (m *SessionManager) CheckHealth(ctx context.Context) (*ports.HealthResult, error) {
	start := m.clock.Now()
	result := &ports.HealthResult{
		Component: componentName,
		CheckedAt: start,
		Details:   map[string]interface{}{"mode": m.config.AuthMode.String()},
	}

	if session, err := m.Session(); err == nil && !session.Expiry.IsZero() {
		result.Details["expires_at"] = session.Expiry
	}

	ok := m.IsAuthenticated(ctx)
	result.ResponseTime = m.clock.Now().Sub(start)
	if ok {
		result.Status = ports.HealthStatusHealthy
		result.Message = "session valid"
	} else {
		result.Status = ports.HealthStatusUnhealthy
		result.Message = "no valid session"
	}
	return result, nil
}

// login exchanges the workload identity for a store token. The request goes
// through a token-less clone so an expired token is never presented.
func (m *SessionManager) login(ctx context.Context) (string, *domain.AuthSession, error) {
	var (
		path string
		data map[string]interface{}
	)
	switch m.config.AuthMode {
	case domain.AuthModeJWT:
		token, err := m.identity.FetchAudienceToken(ctx, m.config.JWTAudiences)
		if err != nil {
			return "", nil, fmt.Errorf("failed to fetch audience token: %w", err)
		}
		path = "auth/" + m.config.JWTMount + "/login"
		data = map[string]interface{}{"role": m.config.Role, "jwt": token.Token}
	case domain.AuthModeMutualTLS:
		if m.transport != nil {
			m.transport.CloseIdleConnections()
		}
		path = "auth/" + m.config.CertMount + "/login"
		data = map[string]interface{}{"name": m.config.Role}
	default:
		return "", nil, fmt.Errorf("auth mode %q does not log in", m.config.AuthMode)
	}

	loginClient, err := m.client.Clone()
	if err != nil {
		return "", nil, fmt.Errorf("failed to prepare login client: %w", err)
	}
	loginClient.ClearToken()
	if m.config.Namespace != "" {
		loginClient.SetNamespace(m.config.Namespace)
	}

	issuedAt := m.clock.Now()
	secret, err := loginClient.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return "", nil, fmt.Errorf("login at %s failed: %w", path, err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return "", nil, fmt.Errorf("login at %s returned no token", path)
	}

	auth := secret.Auth
	session := &domain.AuthSession{
		Mode:      m.config.AuthMode,
		IssuedAt:  issuedAt,
		Renewable: auth.Renewable,
		Policies:  auth.Policies,
		EntityID:  auth.EntityID,
		Accessor:  auth.Accessor,
	}
	if auth.LeaseDuration > 0 {
		session.Expiry = issuedAt.Add(time.Duration(auth.LeaseDuration) * time.Second)
	}
	return auth.ClientToken, session, nil
}

func (m *SessionManager) lookupSession(ctx context.Context, token string) (*domain.AuthSession, error) {
	m.client.SetToken(token)
	issuedAt := m.clock.Now()
	secret, err := m.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		m.client.ClearToken()
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if secret == nil {
		m.client.ClearToken()
		return nil, fmt.Errorf("token lookup returned no data")
	}

	session := &domain.AuthSession{Mode: m.config.AuthMode, IssuedAt: issuedAt}
	if ttl, err := secret.TokenTTL(); err == nil && ttl > 0 {
		session.Expiry = issuedAt.Add(ttl)
	}
	session.Policies, _ = secret.TokenPolicies()
	session.Accessor, _ = secret.TokenAccessor()
	session.Renewable, _ = secret.TokenIsRenewable()
	if id, ok := secret.Data["entity_id"].(string); ok {
		session.EntityID = id
	}
	return session, nil
}

// install swaps token and session together and returns the replaced session.
func (m *SessionManager) install(token string, session *domain.AuthSession) *domain.AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.session
	m.client.SetToken(token)
	m.session = session
	return previous
}

// authorized fails with ErrNotAuthenticated when no session is held or the held
// session is past its hard expiry.
func (m *SessionManager) authorized() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.session == nil {
		return errors.ErrNotAuthenticated
	}
	if m.session.IsExpiredAt(m.clock.Now()) {
		return errors.NewDomainError(errors.ErrNotAuthenticated,
			fmt.Errorf("session expired at %s", m.session.Expiry.Format(time.RFC3339)))
	}
	return nil
}

func (m *SessionManager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// classify maps store responses onto error kinds.
func classify(err error) error {
	var respErr *api.ResponseError
	if stderrors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden {
		return errors.NewDomainError(errors.ErrNotAuthenticated, err)
	}
	return err
}
