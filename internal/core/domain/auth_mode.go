package domain

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/sufield/rotor/internal/core/errors"
)

// AuthMode selects how the session manager proves the workload identity to the secrets store.
type AuthMode string

const (
	// AuthModeJWT exchanges an audience-scoped token at the store's JWT auth mount.
	AuthModeJWT AuthMode = "jwt"
	// AuthModeMutualTLS presents the identity bundle as a TLS client certificate.
	AuthModeMutualTLS AuthMode = "mtls"
	// AuthModeToken uses a static token. Development only.
	AuthModeToken AuthMode = "token"
)

// ParseAuthMode converts a configuration string into an AuthMode.
func ParseAuthMode(s string) (AuthMode, error) {
	switch m := AuthMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AuthModeJWT, AuthModeMutualTLS, AuthModeToken:
		return m, nil
	default:
		return "", &errors.ValidationError{
			Field:   "store.auth_mode",
			Value:   s,
			Message: "must be one of jwt, mtls, token",
		}
	}
}

func (m AuthMode) String() string {
	return string(m)
}

// AuthModeDecodeHook lets viper decode strings into AuthMode values.
func AuthModeDecodeHook() func(reflect.Type, reflect.Type, interface{}) (interface{}, error) {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(AuthMode("")) || from.Kind() != reflect.String {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		return ParseAuthMode(s)
	}
}

// CheckTransport enforces the pairing between auth mode and transport security.
// A static token is only acceptable on an explicitly insecure http address, and
// mutual TLS cannot work without https.
func CheckTransport(mode AuthMode, address string, insecure bool) error {
	u, err := url.Parse(address)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewDomainError(errors.ErrInvalidConfiguration,
			fmt.Errorf("store address %q is not an absolute URL", address))
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.NewDomainError(errors.ErrInvalidConfiguration,
			fmt.Errorf("unsupported store address scheme %q", u.Scheme))
	}

	switch mode {
	case AuthModeToken:
		if !insecure || scheme != "http" {
			return errors.ErrStaticTokenInsecure
		}
	case AuthModeMutualTLS:
		if scheme != "https" {
			return errors.ErrMutualTLSInsecure
		}
	case AuthModeJWT:
	default:
		return errors.NewDomainError(errors.ErrInvalidConfiguration,
			fmt.Errorf("unknown auth mode %q", mode))
	}
	return nil
}
