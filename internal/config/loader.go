package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/errors"
)

// EnvPrefix prefixes every environment variable, e.g. ROTOR_STORE_ADDRESS.
const EnvPrefix = "ROTOR"

// Default values. The identity socket, audiences, mounts and database settings
// follow a standard SPIRE plus OpenBao deployment.
const (
	DefaultSocketPath       = "/run/spire/sockets/agent.sock"
	DefaultStoreAddress     = "http://127.0.0.1:8200"
	DefaultRole             = "backend-role"
	DefaultRotationInterval = 50 * time.Minute
)

var sensitiveKeys = []string{"token", "password", "secret"}

// Loader reads configuration. Flags can be bound to its viper instance before Load.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with defaults and environment binding in place.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads path if it is not empty, decodes and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if stderrors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	err := l.v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		domain.AuthModeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		var ve *errors.ValidationError
		if stderrors.As(err, &ve) {
			return nil, ve
		}
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Store.JWTAudiences = domain.NormalizeAudiences(cfg.Store.JWTAudiences)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is a convenience for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	cfg, err := NewLoader().Load("")
	if err != nil {
		panic("config: defaults do not validate: " + err.Error())
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.socket_path", DefaultSocketPath)
	v.SetDefault("identity.fetch_timeout", 30*time.Second)
	v.SetDefault("identity.refresh_interval", time.Duration(0))

	v.SetDefault("store.address", DefaultStoreAddress)
	v.SetDefault("store.namespace", "")
	v.SetDefault("store.auth_mode", string(domain.AuthModeJWT))
	v.SetDefault("store.insecure", false)
	v.SetDefault("store.token", "")
	v.SetDefault("store.role", DefaultRole)
	v.SetDefault("store.jwt_mount", "jwt")
	v.SetDefault("store.cert_mount", "cert")
	v.SetDefault("store.jwt_audiences", []string{"openbao", "vault"})
	v.SetDefault("store.kv_mount", "secret")
	v.SetDefault("store.database_mount", "database")
	v.SetDefault("store.ca_cert", "")
	v.SetDefault("store.tls_skip_verify", false)
	v.SetDefault("store.timeout", 30*time.Second)
	v.SetDefault("store.max_retries", 2)
	v.SetDefault("store.renew_fraction", 5.0/6.0)
	v.SetDefault("store.reauth_interval", 50*time.Minute)

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "appdb")
	v.SetDefault("database.role", DefaultRole)
	v.SetDefault("database.sslmode", "prefer")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Duration(0))
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.probe_timeout", 5*time.Second)
	v.SetDefault("database.rotation_interval", DefaultRotationInterval)
	v.SetDefault("database.lease_journal", "")

	v.SetDefault("scheduler.attempt_timeout", 2*time.Minute)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 10*time.Second)

	v.SetDefault("metrics.address", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("shutdown.grace_period", 30*time.Second)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and the rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return toValidationError(fieldErrs[0])
		}
		return fmt.Errorf("failed to validate config: %w", err)
	}

	if _, err := domain.NewSocketPath(cfg.Identity.SocketPath); err != nil {
		return err
	}

	store := cfg.Store
	if err := domain.CheckTransport(store.AuthMode, store.Address, store.Insecure); err != nil {
		return err
	}
	switch store.AuthMode {
	case domain.AuthModeToken:
		if store.Token == "" {
			return &errors.ValidationError{Field: "store.token", Value: "", Message: "required when store.auth_mode is token"}
		}
	case domain.AuthModeJWT:
		if len(store.JWTAudiences) == 0 {
			return &errors.ValidationError{Field: "store.jwt_audiences", Value: store.JWTAudiences, Message: "at least one audience is required when store.auth_mode is jwt"}
		}
	}
	return nil
}

func toValidationError(fe validator.FieldError) *errors.ValidationError {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	var value interface{} = fe.Value()
	for _, key := range sensitiveKeys {
		if strings.Contains(strings.ToLower(field), key) {
			value = "[REDACTED]"
			break
		}
	}

	msg := "failed " + fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return &errors.ValidationError{Field: field, Value: value, Message: msg}
}
