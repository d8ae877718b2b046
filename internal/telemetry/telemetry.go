// Package telemetry wires the dispatcher's tracer and meter providers:
// OTLP/HTTP span export when an endpoint is configured, and a Prometheus
// exposition bridge for metrics, the same otel.Tracer(scope).Start/
// RecordError/SetStatus shape the teacher uses in its react package's
// tracing.go, generalized to a process-wide provider instead of a
// per-package helper.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the exporter settings (§6 telemetry.*).
type Config struct {
	OTLPEndpoint string
	ServiceName  string
}

// Providers holds everything main needs to register and later shut down.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	Registry       *prometheus.Registry
	shutdownFns    []func(context.Context) error
}

// Shutdown flushes and stops every registered provider, in the order they
// were set up.
func (p *Providers) Shutdown(ctx context.Context) error {
	for _, fn := range p.shutdownFns {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Setup installs the global tracer provider (OTLP/HTTP exporter when
// cfg.OTLPEndpoint is set, otherwise the SDK's always-sample no-export
// provider) and a Prometheus registry fed by an OTel meter provider, then
// returns both so the HTTP server can mount /metrics and main can defer
// Shutdown.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	providers := &Providers{}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("build otlp trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	providers.TracerProvider = tp
	providers.shutdownFns = append(providers.shutdownFns, tp.Shutdown)

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("build prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(promExporter))
	otel.SetMeterProvider(mp)
	providers.Registry = registry
	providers.shutdownFns = append(providers.shutdownFns, mp.Shutdown)

	return providers, nil
}

// StartSpan opens a span in the given scope, mirroring the teacher's
// startReactSpan helper generalized away from agent-run identifiers.
func StartSpan(ctx context.Context, scope, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// MarkResult records err (if any) onto span and sets its final status, the
// same split the teacher's markSpanResult makes between the success and
// error paths.
func MarkResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
