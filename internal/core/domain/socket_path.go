package domain

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sufield/rotor/internal/core/errors"
)

// SocketPath is a validated Unix domain socket path for the SPIFFE Workload API.
type SocketPath struct {
	value string
}

// NewSocketPath validates path and strips an optional unix:// scheme.
func NewSocketPath(path string) (SocketPath, error) {
	if strings.TrimSpace(path) == "" {
		return SocketPath{}, errors.NewDomainError(errors.ErrInvalidSocketPath, fmt.Errorf("socket path cannot be empty"))
	}

	clean := strings.TrimPrefix(path, "unix://")
	if !filepath.IsAbs(clean) {
		return SocketPath{}, errors.NewDomainError(errors.ErrInvalidSocketPath, fmt.Errorf("socket path must be absolute: %s", path))
	}

	return SocketPath{value: filepath.Clean(clean)}, nil
}

// Value returns the filesystem path.
func (sp SocketPath) Value() string {
	return sp.value
}

// WithUnixPrefix returns the address in the unix:// form expected by the Workload API client.
func (sp SocketPath) WithUnixPrefix() string {
	return "unix://" + sp.value
}

// IsEmpty returns true if the socket path is empty.
func (sp SocketPath) IsEmpty() bool {
	return sp.value == ""
}
