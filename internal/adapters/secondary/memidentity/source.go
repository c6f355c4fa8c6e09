// Package memidentity provides an in-memory workload identity source. It issues real
// certificate chains and signed audience tokens so identity, store and runtime code
// can be exercised without a SPIFFE agent.
package memidentity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/jwtsvid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

const defaultTTL = time.Hour

// Source is a fake Workload API. It is safe for concurrent use.
type Source struct {
	mu sync.Mutex

	id  spiffeid.ID
	ttl time.Duration
	now func() time.Time

	caKey        *ecdsa.PrivateKey
	ca           *x509.Certificate
	intKey       *ecdsa.PrivateKey
	intermediate *x509.Certificate
	current      *x509svid.SVID
	serial       int64

	failWith  error
	x509Calls int
	jwtCalls  int
	closed    bool
}

// Option configures a Source.
type Option func(*Source)

// WithTTL sets the lifetime of issued certificates and tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Source) { s.ttl = ttl }
}

// WithNow sets the time used for certificate validity windows.
func WithNow(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New builds a source for the given SPIFFE ID with a fresh root and intermediate.
func New(id string, opts ...Option) (*Source, error) {
	spiffeID, err := spiffeid.FromString(id)
	if err != nil {
		return nil, fmt.Errorf("invalid SPIFFE ID %q: %w", id, err)
	}

	s := &Source{id: spiffeID, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.caKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, err
	}
	s.ca, err = s.sign(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "memidentity root"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, 24*time.Hour, &s.caKey.PublicKey, nil, s.caKey)
	if err != nil {
		return nil, err
	}

	if s.intKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, err
	}
	s.intermediate, err = s.sign(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "memidentity intermediate"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, 24*time.Hour, &s.intKey.PublicKey, s.ca, s.caKey)
	if err != nil {
		return nil, err
	}

	if err := s.Rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustNew is New for tests.
func MustNew(id string, opts ...Option) *Source {
	s, err := New(id, opts...)
	if err != nil {
		panic("memidentity: " + err.Error())
	}
	return s
}

// ID returns the SPIFFE ID issued by the source.
func (s *Source) ID() spiffeid.ID {
	return s.id
}

// Roots returns a pool holding the root certificate.
func (s *Source) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.ca)
	return pool
}

// Rotate issues a new leaf certificate and key.
func (s *Source) Rotate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	leaf, err := s.sign(&x509.Certificate{
		Subject:               pkix.Name{CommonName: s.id.Path()},
		URIs:                  []*url.URL{s.id.URL()},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}, s.ttl, &key.PublicKey, s.intermediate, s.intKey)
	if err != nil {
		return err
	}
	s.current = &x509svid.SVID{
		ID:           s.id,
		Certificates: []*x509.Certificate{leaf, s.intermediate},
		PrivateKey:   key,
	}
	return nil
}

// FailWith makes every subsequent fetch return err. A nil err restores normal service.
func (s *Source) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// X509Calls returns how many X.509 fetches were served or failed.
func (s *Source) X509Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x509Calls
}

// JWTCalls returns how many token fetches were served or failed.
func (s *Source) JWTCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jwtCalls
}

// FetchX509SVID returns the current certificate chain and key.
func (s *Source) FetchX509SVID(ctx context.Context) (*x509svid.SVID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.x509Calls++
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	return s.current, nil
}

// FetchJWTSVID signs a fresh token for the requested audiences. Every call mints a
// new token.
func (s *Source) FetchJWTSVID(ctx context.Context, params jwtsvid.Params) (*jwtsvid.SVID, error) {
	s.mu.Lock()
	s.jwtCalls++
	if err := s.usable(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	key := s.current.PrivateKey
	s.mu.Unlock()

	audience := append([]string{params.Audience}, params.ExtraAudiences...)
	// exp is validated against wall time when the token is parsed
	claims := jwt.RegisteredClaims{
		Subject:   s.id.String(),
		Audience:  audience,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = "memidentity"
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return jwtsvid.ParseInsecure(signed, audience)
}

// Close marks the source closed; later fetches fail.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Source) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("memidentity: source closed")
	}
	return s.failWith
}

func (s *Source) sign(tmpl *x509.Certificate, ttl time.Duration, pub *ecdsa.PublicKey, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	s.serial++
	now := s.now()
	tmpl.SerialNumber = big.NewInt(s.serial)
	tmpl.NotBefore = now.Add(-time.Minute)
	tmpl.NotAfter = now.Add(ttl)
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}
