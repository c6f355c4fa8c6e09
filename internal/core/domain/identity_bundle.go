package domain

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"strings"
	"time"
)

// IdentityBundle is the workload's X.509 identity as delivered by the identity provider.
// It is never mutated; renewal replaces the whole bundle.
type IdentityBundle struct {
	// SubjectID is the SPIFFE ID of the workload, e.g. spiffe://example.org/backend.
	SubjectID string
	// CertificateChain is leaf-first and includes every intermediate.
	CertificateChain []*x509.Certificate
	PrivateKey       crypto.Signer
	// NotAfter is the expiry of the leaf certificate.
	NotAfter time.Time
}

// NewIdentityBundle validates the chain and derives NotAfter from the leaf.
func NewIdentityBundle(subjectID string, chain []*x509.Certificate, key crypto.Signer) (*IdentityBundle, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("identity bundle requires a subject ID")
	}
	if len(chain) == 0 || chain[0] == nil {
		return nil, fmt.Errorf("identity bundle requires at least one certificate")
	}
	if key == nil {
		return nil, fmt.Errorf("identity bundle requires a private key")
	}

	certs := make([]*x509.Certificate, len(chain))
	copy(certs, chain)

	return &IdentityBundle{
		SubjectID:        subjectID,
		CertificateChain: certs,
		PrivateKey:       key,
		NotAfter:         certs[0].NotAfter,
	}, nil
}

// Leaf returns the workload certificate.
func (b *IdentityBundle) Leaf() *x509.Certificate {
	if b == nil || len(b.CertificateChain) == 0 {
		return nil
	}
	return b.CertificateChain[0]
}

// IsExpiredAt reports whether the leaf is outside its validity window at t.
func (b *IdentityBundle) IsExpiredAt(t time.Time) bool {
	return !t.Before(b.NotAfter)
}

// CertificateChainPEM encodes the full chain, leaf first.
func (b *IdentityBundle) CertificateChainPEM() []byte {
	var buf bytes.Buffer
	for _, cert := range b.CertificateChain {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}

// PrivateKeyPEM encodes the key as an unencrypted PKCS#8 block.
func (b *IdentityBundle) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(b.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// AudienceToken is a short-lived signed assertion of the workload identity scoped to a
// set of audiences. It is fetched on demand and never cached.
type AudienceToken struct {
	Token     string
	SubjectID string
	Audience  []string
	Expiry    time.Time
}

// NormalizeAudiences trims, deduplicates and sorts the audience set.
func NormalizeAudiences(audiences []string) []string {
	seen := make(map[string]struct{}, len(audiences))
	out := make([]string, 0, len(audiences))
	for _, a := range audiences {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
