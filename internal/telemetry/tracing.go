// Package telemetry wires Prometheus metrics and OpenTelemetry tracing.
//
// Tracing is off unless configured: "stdout" pretty-prints spans, "otlp" exports over
// OTLP/HTTP to the configured endpoint. The off path installs a no-op provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "fleetline"

type TracingOptions struct {
	Mode         string
	OTLPEndpoint string
	ServiceName  string
	Version      string
}

// InitTracing installs the global tracer provider and returns its shutdown func.
func InitTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if opts.Mode == "" || opts.Mode == "none" {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		return noop, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "fleetline"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry: resource: %w", err)
	}

	var exp sdktrace.SpanExporter
	switch opts.Mode {
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		if opts.OTLPEndpoint == "" {
			return noop, errors.New("telemetry: otlp tracing needs an endpoint")
		}
		exp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(opts.OTLPEndpoint), otlptracehttp.WithInsecure())
	default:
		return noop, fmt.Errorf("telemetry: unknown tracing mode %q", opts.Mode)
	}
	if err != nil {
		return noop, fmt.Errorf("telemetry: exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationScope)
}
