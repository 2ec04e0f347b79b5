// Package otel wires OpenTelemetry tracing and metrics for service processes.
package otel

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	endpointEnv = "TRIPBOARD_OTEL_ENDPOINT"
	enabledEnv  = "TRIPBOARD_OTEL_ENABLED"

	tracesPath  = "/v1/traces"
	metricsPath = "/v1/metrics"
)

// Setup initialises OpenTelemetry tracing and metrics for the given service.
//
// Telemetry is opt-in: when TRIPBOARD_OTEL_ENDPOINT is empty or
// TRIPBOARD_OTEL_ENABLED is "false", Setup returns a no-op shutdown function
// and no global provider is registered. Spans and instruments then go to the
// default no-op providers.
//
// Both signals share the collector endpoint. An endpoint ending in
// /v1/traces exports metrics to the sibling /v1/metrics path.
//
// The returned shutdown function flushes pending spans and metrics and should
// be deferred by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(enabledEnv), "false") {
		return noop, nil
	}

	endpoint := strings.TrimSpace(os.Getenv(endpointEnv))
	if endpoint == "" {
		return noop, nil
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpointURL(metricsEndpoint(endpoint)),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func metricsEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || !strings.HasSuffix(u.Path, tracesPath) {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, tracesPath) + metricsPath
	return u.String()
}
