// Package observability configures the process-wide logger. The rest of the
// codebase only ever talks to log/slog; this package decides where those
// records go: plain text, JSON, or the OTLP pipeline.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const loggerName = "apilink"

// Instrument installs the default slog logger for the given level and
// format ("text", "json", or "otlp").
func Instrument(level slog.Level, format string) error {
	var handler slog.Handler

	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "otlp":
		otlpHandler, err := newOTLPHandler(level)
		if err != nil {
			return fmt.Errorf("setting up OTLP logging: %w", err)
		}
		handler = otlpHandler
	default:
		return fmt.Errorf("unsupported log format: %s", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// newOTLPHandler bridges slog into the OpenTelemetry log pipeline. The
// exporter follows the standard OTEL_EXPORTER_OTLP_* environment variables;
// without an endpoint, records go to stdout for local inspection.
func newOTLPHandler(level slog.Level) (slog.Handler, error) {
	ctx := context.Background()

	var exporter sdklog.Exporter
	var err error
	switch {
	case os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "":
		exporter, err = stdoutlog.New()
	case os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") == "grpc":
		exporter, err = otlploggrpc.New(ctx)
	default:
		exporter, err = otlploghttp.New(ctx)
	}
	if err != nil {
		return nil, err
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), toSeverity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	global.SetLoggerProvider(provider)

	return otelslog.NewHandler(loggerName, otelslog.WithLoggerProvider(provider)), nil
}

func toSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
