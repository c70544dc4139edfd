// Package telemetry wires the OpenTelemetry trace pipeline.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the OTLP collector. An empty Endpoint disables export.
type Config struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
}

// Setup installs a global tracer provider exporting over OTLP/gRPC and
// returns its shutdown function. Failures are logged and leave tracing off;
// they never stop the process.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Warn("telemetry: exporter failed", slog.String("error", err.Error()))
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		logger.Warn("telemetry: resource failed", slog.String("error", err.Error()))
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info("telemetry: tracing enabled", slog.String("endpoint", cfg.Endpoint))
	return provider.Shutdown
}
