// Package rlog wires up the zerolog logger used throughout reposhard,
// writing human-readable console output to a terminal and structured JSON
// otherwise, with an optional OTLP fan-out for centralized log collection.
package rlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New builds a context carrying a configured zerolog logger (retrievable via
// zerolog.Ctx) at the given level. When otelEndpoint is non-empty, log
// records are also exported via OTLP to that collector. The returned
// shutdown func flushes and closes the OTLP exporter, if any, and must be
// called before the process exits.
func New(ctx context.Context, level, otelEndpoint, serviceName string) (context.Context, func(context.Context) error, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return ctx, nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	var output io.Writer = os.Stdout

	shutdown := func(context.Context) error { return nil }

	if otelEndpoint != "" {
		otelWriter, err := NewOtelWriter(ctx, otelEndpoint, serviceName)
		if err != nil {
			return ctx, nil, fmt.Errorf("creating OTLP log writer: %w", err)
		}

		output = zerolog.MultiLevelWriter(os.Stdout, otelWriter)
		shutdown = otelWriter.Close
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).Level(lvl).With().Timestamp().Logger()

	ctx = logger.WithContext(ctx)

	logger.Info().Str("log_level", lvl.String()).Str("otel_endpoint", otelEndpoint).Msg("logger configured")

	return ctx, shutdown, nil
}
