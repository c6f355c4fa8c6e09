package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/cobra"

	"github.com/sufield/rotor/internal/app"
	"github.com/sufield/rotor/internal/core/ports"
	"github.com/sufield/rotor/internal/core/services"
)

const checkOverallTemplate = `Overall: {{.Status}}
`

const checkComponentTemplate = `  {{.Component}}: {{.Status}}{{if .ResponseTime}} ({{.ResponseTime}}){{end}}{{if .Message}} - {{.Message}}{{end}}
{{if .ShowDetails}}{{range $key, $value := .Details}}    {{$key}}: {{$value}}
{{end}}{{end}}`

var (
	overallTmpl   = template.Must(template.New("overall").Parse(checkOverallTemplate))
	componentTmpl = template.Must(template.New("component").Parse(checkComponentTemplate))
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Bring every component up once, report readiness and exit",
		Long: `Connect to the Workload API, authenticate to the secrets store and open the
database pool once, print the readiness of each component, then shut down
cleanly. Exits non-zero when any component is unhealthy.`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
	cmd.Flags().String("format", "text", "Output format: text or json")
	cmd.Flags().Bool("verbose", false, "Show component details")
	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("%w: failed to get format flag: %v", ErrUsage, err)
	}
	if format != "text" && format != "json" {
		return fmt.Errorf("%w: unsupported format %q, use 'text' or 'json'", ErrUsage, format)
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// no periodic monitoring for a one-shot check
	cfg.Health.Enabled = false
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	rt, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	ctx := cmd.Context()
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.GracePeriod)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown reported errors", "error", err)
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Health.Timeout)
	defer cancel()
	results, err := rt.Health().CheckAll(checkCtx)
	if err != nil {
		return fmt.Errorf("%w: readiness check: %v", ErrInternal, err)
	}
	return report(cmd.OutOrStdout(), format, verbose, results)
}

// report writes results and returns ErrUnhealthy unless every component is healthy.
func report(w io.Writer, format string, verbose bool, results map[string]*ports.HealthResult) error {
	overall := services.OverallStatus(results)

	switch format {
	case "json":
		out := struct {
			Overall    ports.HealthStatus             `json:"overall"`
			Components map[string]*ports.HealthResult `json:"components"`
			Timestamp  time.Time                      `json:"timestamp"`
		}{Overall: overall, Components: results, Timestamp: time.Now()}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("%w: failed to encode results: %v", ErrInternal, err)
		}
	default:
		if err := overallTmpl.Execute(w, struct{ Status string }{strings.ToUpper(string(overall))}); err != nil {
			return fmt.Errorf("%w: failed to render overall status: %v", ErrInternal, err)
		}
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			result := results[name]
			data := struct {
				Component    string
				Status       string
				ResponseTime time.Duration
				Message      string
				ShowDetails  bool
				Details      map[string]interface{}
			}{
				Component:    name,
				Status:       strings.ToUpper(string(result.Status)),
				ResponseTime: result.ResponseTime,
				Message:      result.Message,
				ShowDetails:  verbose && len(result.Details) > 0,
				Details:      result.Details,
			}
			if err := componentTmpl.Execute(w, data); err != nil {
				return fmt.Errorf("%w: failed to render component %s: %v", ErrInternal, name, err)
			}
		}
	}

	if overall != ports.HealthStatusHealthy {
		return fmt.Errorf("%w: overall status %s", ErrUnhealthy, overall)
	}
	return nil
}
