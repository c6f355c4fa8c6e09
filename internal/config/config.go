// Package config loads rotor's configuration from defaults, an optional YAML file
// and ROTOR_* environment variables, then validates it.
package config

import (
	"time"

	"github.com/sufield/rotor/internal/core/domain"
)

// Config is the complete runtime configuration.
type Config struct {
	Identity  IdentityConfig  `mapstructure:"identity"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Health    HealthConfig    `mapstructure:"health"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
}

// IdentityConfig locates the SPIFFE Workload API.
type IdentityConfig struct {
	SocketPath   string        `mapstructure:"socket_path" validate:"required"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`

	// RefreshInterval re-fetches the identity bundle periodically. Zero disables it.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gte=0"`
}

// StoreConfig configures the secrets store session.
type StoreConfig struct {
	Address   string          `mapstructure:"address" validate:"required,url"`
	Namespace string          `mapstructure:"namespace"`
	AuthMode  domain.AuthMode `mapstructure:"auth_mode" validate:"required,oneof=jwt mtls token"`
	Insecure  bool            `mapstructure:"insecure"`
	Token     string          `mapstructure:"token"`

	Role         string   `mapstructure:"role" validate:"required"`
	JWTMount     string   `mapstructure:"jwt_mount" validate:"required"`
	CertMount    string   `mapstructure:"cert_mount" validate:"required"`
	JWTAudiences []string `mapstructure:"jwt_audiences"`

	KVMount       string `mapstructure:"kv_mount" validate:"required"`
	DatabaseMount string `mapstructure:"database_mount" validate:"required"`

	CACert        string        `mapstructure:"ca_cert" validate:"omitempty,file"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`

	RenewFraction  float64       `mapstructure:"renew_fraction" validate:"gt=0,lt=1"`
	ReauthInterval time.Duration `mapstructure:"reauth_interval" validate:"gt=0"`
}

// DatabaseConfig configures the leased PostgreSQL credentials and the pool built
// from them.
type DatabaseConfig struct {
	Host    string `mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
	Name    string `mapstructure:"name" validate:"required"`
	Role    string `mapstructure:"role" validate:"required"`
	SSLMode string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=1"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"gte=0"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`

	RotationInterval time.Duration `mapstructure:"rotation_interval" validate:"gt=0"`

	// LeaseJournal is the path of the outstanding-lease file. Empty disables it.
	LeaseJournal string `mapstructure:"lease_journal"`
}

// SchedulerConfig bounds each rotation attempt.
type SchedulerConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
}

// HealthConfig controls periodic readiness checks.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address to serve /metrics on. Empty disables the endpoint.
	Address string `mapstructure:"address" validate:"omitempty,hostname_port"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"gt=0"`
}
