package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
Spans flow: handler/engine → OpenTelemetry SDK → Jaeger exporter →
collector. An empty endpoint disables export and leaves the global no-op
provider in place.
*/

// InitJaeger installs a tracer provider exporting to jaegerEndpoint and
// returns its shutdown function.
func InitJaeger(serviceName, version, jaegerEndpoint string, sampleRatio float64) (func(context.Context) error, error) {
	if jaegerEndpoint == "" {
		slog.Info("tracing disabled, no jaeger endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// resource.Default carries the SDK's own schema URL, which differs from
	// the semconv version used here, so the service resource stands alone.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(sampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("jaeger tracing initialized", "endpoint", jaegerEndpoint, "sample_ratio", sampleRatio)

	return tp.Shutdown, nil
}

// sampler follows the parent's decision and samples new traces at ratio.
// A ratio of 1 or more samples everything.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	if ratio <= 0 {
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
