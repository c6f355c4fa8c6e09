// rotor keeps a workload's secrets-store session and leased database
// credentials fresh using its SPIFFE identity.
//
// Usage:
//
//	rotor run --config /etc/rotor/rotor.yaml
//	rotor check --format json
//	rotor version
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sufield/rotor/internal/cli"
)

// Exit codes
const (
	exitOK        = 0
	exitRuntime   = 1
	exitUsage     = 2
	exitConfig    = 3
	exitStartup   = 4
	exitUnhealthy = 5
)

func main() {
	err := cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	code := exitCode(err)
	if code != exitOK {
		fmt.Fprintf(os.Stderr, "Error: %s\n", cli.RedactError(err))
	}
	os.Exit(code)
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, cli.ErrUsage):
		return exitUsage
	case errors.Is(err, cli.ErrConfig):
		return exitConfig
	case errors.Is(err, cli.ErrStartup):
		return exitStartup
	case errors.Is(err, cli.ErrUnhealthy):
		return exitUnhealthy
	default:
		return exitRuntime
	}
}
