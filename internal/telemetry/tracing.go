// Package telemetry wires OpenTelemetry tracing for the API process.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the trace exporter.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider exporting over OTLP/HTTP. Tracing is
// opt-in: when disabled or without an endpoint Setup returns a no-op shutdown
// and leaves the global provider untouched.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !cfg.Enabled || endpoint == "" {
		return noopShutdown, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noopShutdown, err
	}
	provider, err := NewProvider(ctx, cfg.ServiceName, sdktrace.WithBatcher(exporter))
	if err != nil {
		return noopShutdown, err
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown, nil
}

// NewProvider builds a tracer provider tagged with serviceName.
func NewProvider(ctx context.Context, serviceName string, options ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "peerflow-api"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	options = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, options...)
	return sdktrace.NewTracerProvider(options...), nil
}
