package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sufield/rotor/internal/cli"
)

func TestExitCodeClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "success", err: nil, expected: exitOK},
		{name: "usage error", err: fmt.Errorf("%w: bad flag", cli.ErrUsage), expected: exitUsage},
		{name: "config error", err: fmt.Errorf("%w: store.address", cli.ErrConfig), expected: exitConfig},
		{name: "startup error", err: fmt.Errorf("%w: identity unavailable", cli.ErrStartup), expected: exitStartup},
		{name: "unhealthy", err: cli.ErrUnhealthy, expected: exitUnhealthy},
		{name: "context canceled", err: context.Canceled, expected: exitOK},
		{name: "unknown error", err: errors.New("unknown error"), expected: exitRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exitCode(tt.err))
		})
	}
}
