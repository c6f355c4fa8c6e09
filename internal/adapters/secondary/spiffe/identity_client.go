// Package spiffe obtains the workload identity from the SPIFFE Workload API.
package spiffe

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/svid/jwtsvid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/errors"
	"github.com/sufield/rotor/internal/core/ports"
	"github.com/sufield/rotor/internal/core/services"
)

const (
	componentName       = "identity"
	defaultFetchTimeout = 30 * time.Second
	userAgent           = "rotor"
)

var _ ports.HealthCheckerPort = (*IdentityClient)(nil)

// WorkloadAPI is the part of the Workload API client the identity client uses.
// *workloadapi.Client satisfies it.
type WorkloadAPI interface {
	FetchX509SVID(ctx context.Context) (*x509svid.SVID, error)
	FetchJWTSVID(ctx context.Context, params jwtsvid.Params) (*jwtsvid.SVID, error)
	Close() error
}

// Config configures the identity client.
type Config struct {
	SocketPath domain.SocketPath
	// FetchTimeout bounds each Workload API call.
	FetchTimeout time.Duration
}

// Option customizes an IdentityClient.
type Option func(*IdentityClient)

// WithWorkloadAPI uses api instead of dialing the configured socket. The client
// takes ownership and closes it on Close.
func WithWorkloadAPI(api WorkloadAPI) Option {
	return func(c *IdentityClient) { c.api = api }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(clock ports.Clock) Option {
	return func(c *IdentityClient) { c.clock = clock }
}

// IdentityClient holds the workload's X.509 identity bundle and mints audience
// tokens on demand. The bundle is fetched once on Connect and replaced wholesale by
// Refresh.
type IdentityClient struct {
	config Config
	logger *slog.Logger
	clock  ports.Clock

	// refreshMu serializes Refresh so bundles are swapped in fetch order.
	refreshMu sync.Mutex

	mu     sync.RWMutex
	api    WorkloadAPI
	bundle *domain.IdentityBundle
	closed bool
}

// NewIdentityClient creates a client. No connection is made until Connect.
func NewIdentityClient(config Config, logger *slog.Logger, opts ...Option) (*IdentityClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}

	c := &IdentityClient{config: config, logger: logger, clock: services.SystemClock{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil && config.SocketPath.IsEmpty() {
		return nil, errors.NewDomainError(errors.ErrInvalidSocketPath, fmt.Errorf("SPIFFE socket path must be explicitly configured"))
	}
	return c, nil
}

// Connect dials the Workload API if needed and fetches the identity bundle.
// Any failure is fatal to startup.
func (c *IdentityClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewDomainError(errors.ErrIdentityUnavailable, fmt.Errorf("identity client is closed"))
	}

	if c.api == nil {
		c.logger.Debug("dialing workload API", "socket_path", c.config.SocketPath.WithUnixPrefix())
		client, err := workloadapi.New(ctx,
			workloadapi.WithAddr(c.config.SocketPath.WithUnixPrefix()),
			workloadapi.WithDialOptions(grpc.WithUserAgent(userAgent)),
		)
		if err != nil {
			return errors.NewDomainError(errors.ErrIdentityUnavailable, classify(err))
		}
		c.api = client
	}

	bundle, err := c.fetchBundle(ctx, c.api)
	if err != nil {
		return errors.NewDomainError(errors.ErrIdentityUnavailable, err)
	}
	c.bundle = bundle

	c.logger.Info("workload identity obtained",
		"spiffe_id", bundle.SubjectID,
		"chain_length", len(bundle.CertificateChain),
		"expires_at", bundle.NotAfter)
	return nil
}

// Refresh re-fetches the bundle and replaces the current one. On failure the
// previous bundle stays in place. Readers keep the current bundle while the fetch
// is in flight.
func (c *IdentityClient) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	api, ready := c.api, c.bundle != nil && !c.closed
	c.mu.RUnlock()
	if !ready {
		return errors.ErrNotReady
	}

	bundle, err := c.fetchBundle(ctx, api)
	if err != nil {
		return errors.NewDomainError(errors.ErrIdentityUnavailable, err)
	}

	c.mu.Lock()
	if c.bundle == nil || c.closed {
		c.mu.Unlock()
		return errors.ErrNotReady
	}
	previous := c.bundle
	c.bundle = bundle
	c.mu.Unlock()

	c.logger.Info("workload identity refreshed",
		"spiffe_id", bundle.SubjectID,
		"previous_expires_at", previous.NotAfter,
		"expires_at", bundle.NotAfter)
	return nil
}

// Bundle returns the current identity bundle.
func (c *IdentityClient) Bundle() (*domain.IdentityBundle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bundle == nil || c.closed {
		return nil, errors.ErrNotReady
	}
	return c.bundle, nil
}

// SubjectID returns the SPIFFE ID of the workload.
func (c *IdentityClient) SubjectID() (string, error) {
	bundle, err := c.Bundle()
	if err != nil {
		return "", err
	}
	return bundle.SubjectID, nil
}

// CertificateChainPEM returns the full chain, leaf first.
func (c *IdentityClient) CertificateChainPEM() ([]byte, error) {
	bundle, err := c.Bundle()
	if err != nil {
		return nil, err
	}
	return bundle.CertificateChainPEM(), nil
}

// PrivateKeyPEM returns the PKCS#8 encoded private key.
func (c *IdentityClient) PrivateKeyPEM() ([]byte, error) {
	bundle, err := c.Bundle()
	if err != nil {
		return nil, err
	}
	return bundle.PrivateKeyPEM()
}

// TLSCertificate returns the bundle as a client certificate carrying the full chain.
func (c *IdentityClient) TLSCertificate() (*tls.Certificate, error) {
	bundle, err := c.Bundle()
	if err != nil {
		return nil, err
	}

	cert := &tls.Certificate{
		Certificate: make([][]byte, 0, len(bundle.CertificateChain)),
		PrivateKey:  bundle.PrivateKey,
		Leaf:        bundle.Leaf(),
	}
	for _, x := range bundle.CertificateChain {
		cert.Certificate = append(cert.Certificate, x.Raw)
	}
	return cert, nil
}

// FetchAudienceToken mints a fresh token for the given audiences. Tokens are never
// cached; each call goes to the Workload API.
func (c *IdentityClient) FetchAudienceToken(ctx context.Context, audiences []string) (*domain.AudienceToken, error) {
	audiences = domain.NormalizeAudiences(audiences)
	if len(audiences) == 0 {
		return nil, errors.ErrEmptyAudience
	}

	c.mu.RLock()
	api, ready := c.api, c.bundle != nil && !c.closed
	c.mu.RUnlock()
	if !ready {
		return nil, errors.ErrNotReady
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	svid, err := api.FetchJWTSVID(fetchCtx, jwtsvid.Params{
		Audience:       audiences[0],
		ExtraAudiences: audiences[1:],
	})
	if err != nil {
		return nil, errors.NewDomainError(errors.ErrIdentityUnavailable, classify(err))
	}

	c.logger.Debug("audience token fetched", "audiences", audiences, "expires_at", svid.Expiry)
	return &domain.AudienceToken{
		Token:     svid.Marshal(),
		SubjectID: svid.ID.String(),
		Audience:  audiences,
		Expiry:    svid.Expiry,
	}, nil
}

// IsConnected reports whether a bundle has been obtained and the client is open.
func (c *IdentityClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bundle != nil && !c.closed
}

// Close releases the Workload API connection. It is safe to call more than once.
func (c *IdentityClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.bundle = nil

	if c.api == nil {
		return nil
	}
	if err := c.api.Close(); err != nil {
		return fmt.Errorf("failed to close workload API client: %w", err)
	}
	return nil
}

// GetComponentName implements ports.HealthCheckerPort.
func (c *IdentityClient) GetComponentName() string {
	return componentName
}

// CheckHealth reports healthy while a bundle is held and its leaf has not expired.
func (c *IdentityClient) CheckHealth(_ context.Context) (*ports.HealthResult, error) {
	now := c.clock.Now()
	result := &ports.HealthResult{Component: componentName, CheckedAt: now}

	bundle, err := c.Bundle()
	switch {
	case err != nil:
		result.Status = ports.HealthStatusUnhealthy
		result.Message = "no identity bundle"
	case bundle.IsExpiredAt(now):
		result.Status = ports.HealthStatusUnhealthy
		result.Message = "identity certificate expired"
		result.Details = map[string]interface{}{"spiffe_id": bundle.SubjectID, "expires_at": bundle.NotAfter}
	default:
		result.Status = ports.HealthStatusHealthy
		result.Message = "identity bundle held"
		result.Details = map[string]interface{}{"spiffe_id": bundle.SubjectID, "expires_at": bundle.NotAfter}
	}
	return result, nil
}

func (c *IdentityClient) fetchBundle(ctx context.Context, api WorkloadAPI) (*domain.IdentityBundle, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	svid, err := api.FetchX509SVID(fetchCtx)
	if err != nil {
		return nil, classify(err)
	}
	if svid == nil {
		return nil, fmt.Errorf("workload API returned no X.509 SVID")
	}

	bundle, err := domain.NewIdentityBundle(svid.ID.String(), svid.Certificates, svid.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid X.509 SVID: %w", err)
	}
	return bundle, nil
}

// classify annotates transport failures.
func classify(err error) error {
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("identity provider unreachable: %w", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("identity provider did not answer in time: %w", err)
	}
	return err
}
