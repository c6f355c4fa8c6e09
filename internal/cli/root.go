// Package cli implements the rotor command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sufield/rotor/internal/adapters/logging"
	"github.com/sufield/rotor/internal/config"
)

const (
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

// NewRootCmd builds the command tree. Each call returns an independent tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rotor",
		Short: "Workload-identity driven secrets session and database credential rotation",
		Long: `rotor obtains a SPIFFE workload identity, exchanges it for a secrets store
session and keeps a PostgreSQL connection pool supplied with short-lived leased
credentials, rotating them before they expire.

Configuration is read from an optional YAML file and ROTOR_* environment
variables, e.g. ROTOR_STORE_ADDRESS or ROTOR_DATABASE_ROTATION_INTERVAL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagConfig, "", "Path to configuration file")
	root.PersistentFlags().String(flagLogLevel, "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String(flagLogFormat, "", "Log format: text or json")

	root.AddCommand(newRunCmd(), newCheckCmd(), newVersionCmd())
	return root
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// loadConfig applies file, environment and flag overrides in that order of
// increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	v := loader.Viper()
	if err := v.BindPFlag("log.level", cmd.Flags().Lookup(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := v.BindPFlag("log.format", cmd.Flags().Lookup(flagLogFormat)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get config flag: %v", ErrUsage, err)
	}

	cfg, err := loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.NewLogger(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return logger, nil
}
