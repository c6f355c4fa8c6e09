// Package postgres builds pooled PostgreSQL handles from leased credentials.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/ports"
)

var (
	_ ports.HandleFactory  = (*Factory)(nil)
	_ ports.ResourceHandle = (*Handle)(nil)
)

// Config describes where the database lives and how the pool is sized.
// Credentials are not part of it; they arrive with each lease.
type Config struct {
	Host            string
	Port            int
	Database        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Factory opens one pgxpool per leased credential.
type Factory struct {
	config Config
	logger *slog.Logger
}

// NewFactory validates cfg and returns a handle factory.
func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("database port %d out of range", cfg.Port)
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{config: cfg, logger: logger}, nil
}

// ConnString renders the pgx connection URL for cred. The password is
// percent-encoded by url.UserPassword.
func (f *Factory) ConnString(cred *domain.LeasedCredential) string {
	q := url.Values{}
	q.Set("sslmode", f.config.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(timeoutSeconds(f.config.ConnectTimeout)))
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cred.Username, cred.Password),
		Host:     net.JoinHostPort(f.config.Host, strconv.Itoa(f.config.Port)),
		Path:     "/" + f.config.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// timeoutSeconds rounds d up to whole seconds. libpq reads connect_timeout=0 as
// "wait forever", so any positive duration yields at least 1.
func timeoutSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// PoolConfig parses the connection string and applies pool sizing.
func (f *Factory) PoolConfig(cred *domain.LeasedCredential) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(f.ConnString(cred))
	if err != nil {
		// the parse error may echo the URL, which carries the password
		return nil, fmt.Errorf("invalid database connection settings for %s", cred.Username)
	}
	if f.config.MaxConns > 0 {
		cfg.MaxConns = f.config.MaxConns
	}
	if f.config.MinConns > 0 {
		cfg.MinConns = f.config.MinConns
	}
	if f.config.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = f.config.MaxConnLifetime
	}
	// connections must not outlive the credential they authenticated with
	if lease := cred.LeaseDuration; lease > 0 {
		if cfg.MaxConnLifetime <= 0 || cfg.MaxConnLifetime > lease {
			cfg.MaxConnLifetime = lease
		}
	}
	return cfg, nil
}

// Open builds a pool for cred. Connections are established lazily; the broker
// probes the handle before publishing it.
func (f *Factory) Open(ctx context.Context, cred *domain.LeasedCredential) (ports.ResourceHandle, error) {
	cfg, err := f.PoolConfig(cred)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", cred.Username, err)
	}
	f.logger.Debug("database pool created",
		"username", cred.Username,
		"host", f.config.Host,
		"max_conns", cfg.MaxConns)
	return &Handle{pool: pool, cred: cred}, nil
}

// Handle is a connection pool bound to one leased credential.
type Handle struct {
	pool *pgxpool.Pool
	cred *domain.LeasedCredential
}

// Pool exposes the underlying pool to consumers.
func (h *Handle) Pool() *pgxpool.Pool {
	return h.pool
}

// Credential returns the credential the pool authenticates with.
func (h *Handle) Credential() *domain.LeasedCredential {
	return h.cred
}

// Ping runs SELECT 1 on a pooled connection.
func (h *Handle) Ping(ctx context.Context) error {
	var one int
	if err := h.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("probe query failed: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("probe query returned %d", one)
	}
	return nil
}

// Close stops handing out connections and blocks until every acquired
// connection has been released.
func (h *Handle) Close() {
	h.pool.Close()
}
