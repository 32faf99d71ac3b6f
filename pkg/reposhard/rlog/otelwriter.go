package rlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OtelWriter is a zerolog.LevelWriter that forwards log records to an OTLP
// log collector, for deployments that centralize logs alongside traces and
// metrics.
type OtelWriter struct {
	logger      log.Logger
	logExporter *otlploggrpc.Exporter
}

// NewOtelWriter creates an OtelWriter that exports to endpoint under
// serviceName.
func NewOtelWriter(ctx context.Context, endpoint, serviceName string) (*OtelWriter, error) {
	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	return &OtelWriter{
		logger:      loggerProvider.Logger("reposhard"),
		logExporter: logExporter,
	}, nil
}

// Write implements io.Writer.
func (w *OtelWriter) Write(p []byte) (int, error) {
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return 0, fmt.Errorf("parsing log entry as JSON: %w", err)
	}

	var rec log.Record

	if levelStr, ok := entry["level"].(string); ok {
		level := zerolog.InfoLevel
		if l, err := zerolog.ParseLevel(levelStr); err == nil {
			level = l
		}

		rec.SetSeverity(convertLevel(level))
		rec.SetSeverityText(level.String())

		delete(entry, "level")
	}

	if msg, ok := entry["message"].(string); ok {
		rec.SetBody(log.StringValue(msg))

		delete(entry, "message")
	}

	rec.AddAttributes(keyValuesForMap(entry)...)

	w.logger.Emit(context.Background(), rec)

	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (w *OtelWriter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return w.Write(p)
}

// Close shuts down the OTLP exporter, flushing any buffered records.
func (w *OtelWriter) Close(ctx context.Context) error {
	return w.logExporter.Shutdown(ctx) //nolint:wrapcheck
}

func convertLevel(level zerolog.Level) log.Severity {
	switch level {
	case zerolog.TraceLevel:
		return log.SeverityTrace
	case zerolog.DebugLevel:
		return log.SeverityDebug
	case zerolog.WarnLevel:
		return log.SeverityWarn
	case zerolog.ErrorLevel:
		return log.SeverityError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return log.SeverityFatal
	case zerolog.InfoLevel, zerolog.NoLevel, zerolog.Disabled:
		return log.SeverityInfo
	default:
		return log.SeverityInfo
	}
}

func keyValuesForMap(m map[string]any) []log.KeyValue {
	kvs := make([]log.KeyValue, 0, len(m))

	for k, v := range m {
		switch val := v.(type) {
		case bool:
			kvs = append(kvs, log.Bool(k, val))
		case float64:
			if ival := int64(val); float64(ival) == val {
				kvs = append(kvs, log.Int64(k, ival))
			} else {
				kvs = append(kvs, log.Float64(k, val))
			}
		case string:
			kvs = append(kvs, log.String(k, val))
		case []any:
			kvs = append(kvs, log.Slice(k, valuesForSlice(val)...))
		case map[string]any:
			kvs = append(kvs, log.Map(k, keyValuesForMap(val)...))
		default:
			kvs = append(kvs, log.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return kvs
}

func valuesForSlice(vals []any) []log.Value {
	vs := make([]log.Value, 0, len(vals))

	for _, v := range vals {
		switch val := v.(type) {
		case bool:
			vs = append(vs, log.BoolValue(val))
		case float64:
			if ival := int64(val); float64(ival) == val {
				vs = append(vs, log.Int64Value(ival))
			} else {
				vs = append(vs, log.Float64Value(val))
			}
		case string:
			vs = append(vs, log.StringValue(val))
		case map[string]any:
			vs = append(vs, log.MapValue(keyValuesForMap(val)...))
		case []any:
			vs = append(vs, log.SliceValue(valuesForSlice(val)...))
		default:
			vs = append(vs, log.StringValue(fmt.Sprintf("%v", val)))
		}
	}

	return vs
}
