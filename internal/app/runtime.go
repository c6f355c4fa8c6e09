// Package app assembles rotor's components and drives their lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sufield/rotor/internal/adapters/metrics"
	"github.com/sufield/rotor/internal/adapters/secondary/health"
	"github.com/sufield/rotor/internal/adapters/secondary/leasejournal"
	"github.com/sufield/rotor/internal/adapters/secondary/postgres"
	"github.com/sufield/rotor/internal/adapters/secondary/spiffe"
	"github.com/sufield/rotor/internal/adapters/secondary/vault"
	"github.com/sufield/rotor/internal/config"
	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/ports"
	"github.com/sufield/rotor/internal/core/services"
	"github.com/sufield/rotor/internal/shutdown"
)

const databaseResource = "database"

type options struct {
	workloadAPI spiffe.WorkloadAPI
	factory     ports.HandleFactory
	clock       ports.Clock
	registerer  prometheus.Registerer
}

// Option overrides a dependency the runtime would otherwise build itself.
type Option func(*options)

// WithWorkloadAPI replaces the Workload API client dialed from the socket path.
func WithWorkloadAPI(api spiffe.WorkloadAPI) Option {
	return func(o *options) { o.workloadAPI = api }
}

// WithHandleFactory replaces the PostgreSQL pool factory.
func WithHandleFactory(factory ports.HandleFactory) Option {
	return func(o *options) { o.factory = factory }
}

// WithClock sets the clock shared by the session manager, broker and scheduler.
func WithClock(clock ports.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithRegisterer registers rotor's metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Runtime owns the identity client, the store session, the database credential
// broker and the scheduler that keeps them fresh.
type Runtime struct {
	config  *config.Config
	logger  *slog.Logger
	clock   ports.Clock
	metrics ports.MetricsReporter

	identity  *spiffe.IdentityClient
	session   *vault.SessionManager
	journal   ports.LeaseJournal
	broker    *services.CredentialBroker
	scheduler *services.RotationScheduler
	health    *services.HealthMonitorService
	shutdown  *shutdown.Coordinator

	mu      sync.Mutex
	started bool
}

// New builds every component from cfg. Nothing is dialed until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := options{clock: services.SystemClock{}, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		config:  cfg,
		logger:  logger,
		clock:   o.clock,
		metrics: metrics.NewPrometheusMetrics(o.registerer),
		shutdown: shutdown.NewCoordinator(&shutdown.Config{
			GracePeriod: cfg.Shutdown.GracePeriod,
		}, logger),
	}

	if err := r.build(o); err != nil {
		if r.journal != nil {
			_ = r.journal.Close()
		}
		return nil, err
	}
	// registered first so it closes last, even when Start never ran or failed early
	r.shutdown.RegisterCloser("lease-journal", r.journal)
	return r, nil
}

func (r *Runtime) build(o options) error {
	cfg := r.config

	socket, err := domain.NewSocketPath(cfg.Identity.SocketPath)
	if err != nil && o.workloadAPI == nil {
		return err
	}
	var identityOpts []spiffe.Option
	identityOpts = append(identityOpts, spiffe.WithClock(r.clock))
	if o.workloadAPI != nil {
		identityOpts = append(identityOpts, spiffe.WithWorkloadAPI(o.workloadAPI))
	}
	r.identity, err = spiffe.NewIdentityClient(spiffe.Config{
		SocketPath:   socket,
		FetchTimeout: cfg.Identity.FetchTimeout,
	}, r.logger.With("component", "identity"), identityOpts...)
	if err != nil {
		return fmt.Errorf("failed to create identity client: %w", err)
	}

	store := cfg.Store
	r.session, err = vault.NewSessionManager(vault.Config{
		Address:        store.Address,
		Namespace:      store.Namespace,
		AuthMode:       store.AuthMode,
		Insecure:       store.Insecure,
		Token:          store.Token,
		Role:           store.Role,
		JWTMount:       store.JWTMount,
		CertMount:      store.CertMount,
		JWTAudiences:   store.JWTAudiences,
		KVMount:        store.KVMount,
		DatabaseMount:  store.DatabaseMount,
		CACert:         store.CACert,
		TLSSkipVerify:  store.TLSSkipVerify,
		Timeout:        store.Timeout,
		MaxRetries:     store.MaxRetries,
		RenewFraction:  store.RenewFraction,
		ReauthInterval: store.ReauthInterval,
	}, r.identity, r.logger.With("component", "session"),
		vault.WithClock(r.clock), vault.WithMetrics(r.metrics))
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	db := cfg.Database
	factory := o.factory
	if factory == nil {
		factory, err = postgres.NewFactory(postgres.Config{
			Host:            db.Host,
			Port:            db.Port,
			Database:        db.Name,
			SSLMode:         db.SSLMode,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			ConnectTimeout:  db.ConnectTimeout,
		}, r.logger.With("component", "postgres"))
		if err != nil {
			return fmt.Errorf("failed to create database handle factory: %w", err)
		}
	}

	r.journal = services.NopLeaseJournal{}
	if db.LeaseJournal != "" {
		journal, err := leasejournal.Open(db.LeaseJournal)
		if err != nil {
			return fmt.Errorf("failed to open lease journal: %w", err)
		}
		r.journal = journal
	}

	r.broker, err = services.NewCredentialBroker(services.BrokerConfig{
		Resource:         databaseResource,
		Role:             db.Role,
		RotationInterval: db.RotationInterval,
		ProbeTimeout:     db.ProbeTimeout,
	}, services.BrokerDeps{
		Issuer:  r.session,
		Factory: factory,
		Journal: r.journal,
		Metrics: r.metrics,
		Clock:   r.clock,
		Logger:  r.logger.With("component", "broker"),
	})
	if err != nil {
		return fmt.Errorf("failed to create credential broker: %w", err)
	}

	r.scheduler = services.NewRotationScheduler(services.SchedulerConfig{
		AttemptTimeout: cfg.Scheduler.AttemptTimeout,
	}, r.clock, r.logger.With("component", "scheduler"))

	r.health, err = services.NewHealthMonitorService(&ports.HealthConfig{
		Enabled:  cfg.Health.Enabled,
		Timeout:  cfg.Health.Timeout,
		Interval: cfg.Health.Interval,
	}, r.logger.With("component", "health"))
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	for _, checker := range []ports.HealthCheckerPort{r.identity, r.session, r.broker} {
		if err := r.health.RegisterChecker(checker); err != nil {
			return err
		}
	}
	return r.health.RegisterReporter(health.NewLogHealthReporter(r.logger.With("component", "health")))
}

// Start connects identity, session and broker in that order, then starts the
// scheduler and health monitoring. Any failure is fatal: whatever already
// started is shut down and the error returned.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}
	r.started = true

	if err := r.start(ctx); err != nil {
		if shutdownErr := r.shutdown.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			r.logger.Error("cleanup after failed start reported errors", "error", shutdownErr)
		}
		return err
	}
	r.logger.Info("rotor started",
		"auth_mode", r.session.Mode(),
		"rotation_interval", r.broker.RotationInterval())
	return nil
}

func (r *Runtime) start(ctx context.Context) error {
	r.shutdown.RegisterCloser("identity", r.identity)
	if err := r.identity.Connect(ctx); err != nil {
		return err
	}

	r.shutdown.RegisterCloser("session", r.session)
	if err := r.session.Connect(ctx); err != nil {
		return err
	}

	r.shutdown.Register("broker", r.broker.Close)
	if err := r.broker.Connect(ctx); err != nil {
		return err
	}

	if r.session.Mode() != domain.AuthModeToken {
		if err := r.scheduler.Register(services.RotationTask{
			Name:         "session",
			IntervalFunc: r.session.RenewalInterval,
			Rotate:       r.session.Reauthenticate,
		}); err != nil {
			return err
		}
	}
	if err := r.scheduler.Register(services.RotationTask{
		Name:     r.broker.Name(),
		Interval: r.broker.RotationInterval(),
		Rotate:   r.broker.Rotate,
	}); err != nil {
		return err
	}
	if interval := r.config.Identity.RefreshInterval; interval > 0 {
		if err := r.scheduler.Register(services.RotationTask{
			Name:     "identity",
			Interval: interval,
			Rotate:   r.identity.Refresh,
		}); err != nil {
			return err
		}
	}

	r.shutdown.Register("scheduler", r.scheduler.Stop)
	if err := r.scheduler.Start(ctx); err != nil {
		return err
	}

	r.shutdown.RegisterCloser("health", r.health)
	if _, err := r.health.CheckAll(ctx); err != nil {
		r.logger.Warn("initial readiness check failed", "error", err)
	}
	return r.health.StartMonitoring(ctx)
}

// Shutdown stops health monitoring and the scheduler, retires the database
// handle, revokes its lease, ends the store session, closes the identity client
// and finally closes the lease journal. It is safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.shutdown.Shutdown(ctx)
}

// Identity returns the identity client.
func (r *Runtime) Identity() *spiffe.IdentityClient {
	return r.identity
}

// Session returns the secrets-store session manager.
func (r *Runtime) Session() *vault.SessionManager {
	return r.session
}

// Broker returns the database credential broker.
func (r *Runtime) Broker() *services.CredentialBroker {
	return r.broker
}

// Health returns the readiness aggregator.
func (r *Runtime) Health() *services.HealthMonitorService {
	return r.health
}

// Pool acquires the active database handle. Callers must not keep it across
// rotations.
func (r *Runtime) Pool() (ports.ResourceHandle, error) {
	return r.broker.Acquire()
}
