// Package cmd assembles the reposhard CLI: a thin demo surface over
// pkg/reposhard that resolves a set of root package names against one or
// more conda channels and prints the reachable subset. Grounded on
// teacher's cmd/cmd.go (zerolog-from-flags Before hook, Version global,
// cli/v3 Command tree) but without its config-file-sourcing layer
// (cli-altsrc toml/yaml/json, --config) or its full OpenTelemetry SDK
// bootstrap (traces/metrics providers): config file parsing is an
// explicit Non-goal here, and pkg/reposhard/rlog already wires the
// zerolog-plus-optional-OTLP-log-export path this binary needs.
package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/mamba-org/reposhard/pkg/reposhard/rlog"
)

// Version is set with -ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

// New builds the root reposhard command.
func New() *cli.Command {
	var loggerShutdown func(context.Context) error

	return &cli.Command{
		Name:    "reposhard",
		Usage:   "fetch, cache, and traverse conda sharded repository data",
		Version: Version,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			newCtx, shutdown, err := setupLogging(ctx, c)
			if err != nil {
				return ctx, err
			}

			loggerShutdown = shutdown

			return newCtx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if loggerShutdown != nil {
				return loggerShutdown(ctx)
			}

			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the log level (trace, debug, info, warn, error)",
				Sources: cli.EnvVars("REPOSHARD_LOG_LEVEL"),
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "otel-grpc-url",
				Usage:   "OTLP gRPC collector URL for log export; omit to log to stdout only",
				Sources: cli.EnvVars("REPOSHARD_OTEL_GRPC_URL"),
			},
		},
		Commands: []*cli.Command{
			resolveCommand(),
		},
	}
}

func setupLogging(ctx context.Context, c *cli.Command) (context.Context, func(context.Context) error, error) {
	ctx, shutdown, err := rlog.New(ctx, c.String("log-level"), c.String("otel-grpc-url"), c.Root().Name)
	if err != nil {
		return ctx, nil, err
	}

	if err := applyMaxProcs(ctx); err != nil {
		return ctx, shutdown, fmt.Errorf("setting GOMAXPROCS: %w", err)
	}

	return ctx, shutdown, nil
}
