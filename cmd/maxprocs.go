package cmd

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// applyMaxProcs configures Go's runtime.GOMAXPROCS from the container CPU
// quota once at startup. Grounded on teacher's cmd/maxprocs.go
// autoMaxProcs, simplified from its periodic re-check loop (meant for a
// long-running server whose cgroup quota can change underneath it) to a
// single call: this binary is a short-lived CLI invocation, not a daemon.
func applyMaxProcs(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	_, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Info().Msgf(format, args...)
	}))

	return err
}
