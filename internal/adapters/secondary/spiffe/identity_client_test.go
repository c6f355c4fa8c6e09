package spiffe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sufield/rotor/internal/adapters/secondary/memidentity"
	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/errors"
	"github.com/sufield/rotor/internal/core/ports"
	"github.com/sufield/rotor/internal/testing/clocktest"
)

const backendID = "spiffe://example.org/backend"

func newClient(t *testing.T, src *memidentity.Source, opts ...Option) *IdentityClient {
	t.Helper()
	opts = append([]Option{WithWorkloadAPI(src)}, opts...)
	c, err := NewIdentityClient(Config{}, nil, opts...)
	require.NoError(t, err)
	return c
}

func TestNewIdentityClient_RequiresSocket(t *testing.T) {
	_, err := NewIdentityClient(Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))

	socket, err := domain.NewSocketPath("/run/spire/sockets/agent.sock")
	require.NoError(t, err)
	c, err := NewIdentityClient(Config{SocketPath: socket}, nil)
	require.NoError(t, err)
	assert.False(t, c.IsConnected())
}

func TestIdentityClient_NotReadyBeforeConnect(t *testing.T) {
	c := newClient(t, memidentity.MustNew(backendID))

	_, err := c.Bundle()
	assert.ErrorIs(t, err, errors.ErrNotReady)
	_, err = c.SubjectID()
	assert.True(t, errors.IsKind(err, errors.KindNotReady))
	_, err = c.CertificateChainPEM()
	assert.ErrorIs(t, err, errors.ErrNotReady)
	_, err = c.PrivateKeyPEM()
	assert.ErrorIs(t, err, errors.ErrNotReady)
	_, err = c.TLSCertificate()
	assert.ErrorIs(t, err, errors.ErrNotReady)
	_, err = c.FetchAudienceToken(context.Background(), []string{"vault"})
	assert.ErrorIs(t, err, errors.ErrNotReady)
	assert.ErrorIs(t, c.Refresh(context.Background()), errors.ErrNotReady)
}

func TestIdentityClient_Connect(t *testing.T) {
	src := memidentity.MustNew(backendID)
	c := newClient(t, src)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	id, err := c.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, backendID, id)

	bundle, err := c.Bundle()
	require.NoError(t, err)
	assert.Len(t, bundle.CertificateChain, 2, "full chain including the intermediate")

	chainPEM, err := c.CertificateChainPEM()
	require.NoError(t, err)
	var blocks int
	for rest := chainPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		assert.Equal(t, "CERTIFICATE", block.Type)
		blocks++
	}
	assert.Equal(t, 2, blocks)

	keyPEM, err := c.PrivateKeyPEM()
	require.NoError(t, err)
	block, _ := pem.Decode(keyPEM)
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)

	// the PEM pair loads as a usable key pair
	_, err = tls.X509KeyPair(chainPEM, keyPEM)
	assert.NoError(t, err)

	cert, err := c.TLSCertificate()
	require.NoError(t, err)
	assert.Len(t, cert.Certificate, 2)
	assert.Equal(t, bundle.Leaf(), cert.Leaf)

	intermediates := x509.NewCertPool()
	intermediates.AddCert(bundle.CertificateChain[1])
	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		Roots:         src.Roots(),
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}

func TestIdentityClient_ConnectFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{name: "agent unreachable", err: status.Error(codes.Unavailable, "connection refused"), message: "identity provider unreachable"},
		{name: "no registration entry", err: status.Error(codes.PermissionDenied, "no identity issued"), message: "no identity issued"},
		{name: "timeout", err: context.DeadlineExceeded, message: "did not answer in time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := memidentity.MustNew(backendID)
			src.FailWith(tt.err)
			c := newClient(t, src)

			err := c.Connect(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrIdentityUnavailable)
			assert.True(t, errors.IsKind(err, errors.KindFatal))
			assert.Contains(t, err.Error(), tt.message)
			assert.False(t, c.IsConnected())
		})
	}
}

func TestIdentityClient_FetchAudienceToken(t *testing.T) {
	src := memidentity.MustNew(backendID)
	c := newClient(t, src)
	require.NoError(t, c.Connect(context.Background()))

	token, err := c.FetchAudienceToken(context.Background(), []string{"vault", " openbao ", "vault"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openbao", "vault"}, token.Audience)
	assert.Equal(t, backendID, token.SubjectID)
	assert.NotEmpty(t, token.Token)
	assert.True(t, token.Expiry.After(time.Now()))

	// uncached: every request reaches the provider
	_, err = c.FetchAudienceToken(context.Background(), []string{"vault"})
	require.NoError(t, err)
	assert.Equal(t, 2, src.JWTCalls())
}

func TestIdentityClient_FetchAudienceTokenErrors(t *testing.T) {
	src := memidentity.MustNew(backendID)
	c := newClient(t, src)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.FetchAudienceToken(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrEmptyAudience)
	_, err = c.FetchAudienceToken(context.Background(), []string{"  "})
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
	assert.Zero(t, src.JWTCalls())

	src.FailWith(status.Error(codes.Unavailable, "agent restarting"))
	_, err = c.FetchAudienceToken(context.Background(), []string{"vault"})
	assert.ErrorIs(t, err, errors.ErrIdentityUnavailable)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestIdentityClient_Refresh(t *testing.T) {
	src := memidentity.MustNew(backendID)
	c := newClient(t, src)
	require.NoError(t, c.Connect(context.Background()))
	first, err := c.Bundle()
	require.NoError(t, err)

	require.NoError(t, src.Rotate())
	require.NoError(t, c.Refresh(context.Background()))
	second, err := c.Bundle()
	require.NoError(t, err)
	assert.NotEqual(t, first.Leaf().SerialNumber, second.Leaf().SerialNumber)

	// failed refresh keeps the current bundle
	src.FailWith(stderrors.New("agent down"))
	assert.Error(t, c.Refresh(context.Background()))
	kept, err := c.Bundle()
	require.NoError(t, err)
	assert.Same(t, second, kept)
}

// stalledAPI holds X.509 fetches until release is closed once armed.
type stalledAPI struct {
	*memidentity.Source
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (a *stalledAPI) FetchX509SVID(ctx context.Context) (*x509svid.SVID, error) {
	if a.armed.Load() {
		close(a.entered)
		<-a.release
	}
	return a.Source.FetchX509SVID(ctx)
}

func TestIdentityClient_RefreshDoesNotBlockReaders(t *testing.T) {
	api := &stalledAPI{
		Source:  memidentity.MustNew(backendID),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := NewIdentityClient(Config{}, nil, WithWorkloadAPI(api))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	held, err := c.Bundle()
	require.NoError(t, err)

	api.armed.Store(true)
	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(context.Background()) }()
	<-api.entered

	read := make(chan struct{})
	go func() {
		defer close(read)
		cert, err := c.TLSCertificate()
		assert.NoError(t, err)
		assert.NotNil(t, cert)
		bundle, err := c.Bundle()
		assert.NoError(t, err)
		assert.Same(t, held, bundle)
		result, err := c.CheckHealth(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, ports.HealthStatusHealthy, result.Status)
	}()

	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("readers blocked behind an in-flight refresh")
	}

	close(api.release)
	require.NoError(t, <-refreshed)
	current, err := c.Bundle()
	require.NoError(t, err)
	assert.NotSame(t, held, current)
}

func TestIdentityClient_RefreshAfterClose(t *testing.T) {
	api := &stalledAPI{
		Source:  memidentity.MustNew(backendID),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := NewIdentityClient(Config{}, nil, WithWorkloadAPI(api))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	api.armed.Store(true)
	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(context.Background()) }()
	<-api.entered

	require.NoError(t, c.Close())
	close(api.release)
	assert.Error(t, <-refreshed)
	assert.False(t, c.IsConnected())
}

func TestIdentityClient_Close(t *testing.T) {
	src := memidentity.MustNew(backendID)
	c := newClient(t, src)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	_, err := c.Bundle()
	assert.ErrorIs(t, err, errors.ErrNotReady)

	_, err = src.FetchX509SVID(context.Background())
	assert.Error(t, err, "the workload API client is closed with the identity client")

	assert.Error(t, c.Connect(context.Background()))
}

func TestIdentityClient_CheckHealth(t *testing.T) {
	clock := clocktest.New(time.Now())
	src := memidentity.MustNew(backendID, memidentity.WithTTL(time.Hour))
	c := newClient(t, src, WithClock(clock))
	assert.Equal(t, "identity", c.GetComponentName())

	result, err := c.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ports.HealthStatusUnhealthy, result.Status)

	require.NoError(t, c.Connect(context.Background()))
	result, err = c.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ports.HealthStatusHealthy, result.Status)
	assert.Equal(t, backendID, result.Details["spiffe_id"])

	clock.Advance(2 * time.Hour)
	result, err = c.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ports.HealthStatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "expired")
}
