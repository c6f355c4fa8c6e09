package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sufield/rotor/internal/app"
)

const metricsReadHeaderTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the identity, session and credential rotation loop",
		Long: `Connect to the Workload API, authenticate to the secrets store, open the
database pool with a leased credential and keep all of them fresh until
SIGINT or SIGTERM. On shutdown the active lease and the store token are revoked.`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		metricsSrv = serveMetrics(cfg.Metrics.Address, logger)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.GracePeriod)
	defer cancel()

	var errs []error
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := stderrors.Join(errs...); err != nil {
		return fmt.Errorf("%w: shutdown: %w", ErrInternal, err)
	}
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	go func() {
		logger.Info("serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}
