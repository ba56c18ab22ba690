// Package observer provides OTEL-based tracing for starling agent runs.
//
// Init configures the global trace provider with an OTLP HTTP exporter;
// NewTracer returns a starling.Tracer the agent loop uses for per-iteration
// and per-execution spans. Users export to any OTEL-compatible backend by
// setting standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/starlinghq/starling/observer"

// Init sets up the OTEL trace provider with an OTLP HTTP exporter. Returns
// a shutdown function that must be called on application exit.
func Init(ctx context.Context) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("starling")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
