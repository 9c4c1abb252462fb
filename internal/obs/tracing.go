// Package obs collects the engine's ambient observability concerns: trace
// export, Prometheus metrics, and Sentry error capture. It is deliberately a
// single package rather than three, since the server and worker processes
// wire all three together at startup and nothing downstream needs them kept
// apart.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gorax/flow/internal/config"
)

// TracerProvider wraps an OpenTelemetry tracer provider for the engine's own
// spans: broker evaluation, queue lease/ack, and worker task execution.
type TracerProvider struct {
	tp       *sdktrace.TracerProvider
	cfg      config.ObservabilityConfig
	shutdown sync.Once
}

// InitTracing builds a TracerProvider from the observability config. When
// tracing is disabled it installs a no-op global provider and returns a
// Provider whose Shutdown is a no-op.
func InitTracing(ctx context.Context, cfg config.ObservabilityConfig) (*TracerProvider, error) {
	if !cfg.TracingEnabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return &TracerProvider{cfg: cfg}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.TracingServiceName),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build trace resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obs: build trace exporter: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.TracingSampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing initialized",
		"service_name", cfg.TracingServiceName,
		"endpoint", cfg.TracingEndpoint,
		"sampling_rate", cfg.TracingSampleRate,
	)

	return &TracerProvider{tp: tp, cfg: cfg}, nil
}

func newExporter(ctx context.Context, cfg config.ObservabilityConfig) (sdktrace.SpanExporter, error) {
	if cfg.TracingEndpoint == "console" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stdout))
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.TracingEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
	return otlptracegrpc.New(ctx, opts...)
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns a named tracer, falling back to the global provider when
// tracing is disabled (which itself returns a no-op tracer).
func (p *TracerProvider) Tracer(name string) trace.Tracer {
	if p.tp != nil {
		return p.tp.Tracer(name)
	}
	return otel.Tracer(name)
}

// Shutdown flushes and stops the tracer provider. Safe to call multiple
// times and on a disabled provider.
func (p *TracerProvider) Shutdown(ctx context.Context) {
	p.shutdown.Do(func() {
		if p.tp == nil {
			return
		}
		if err := p.tp.Shutdown(ctx); err != nil {
			slog.Error("obs: tracer provider shutdown failed", "error", err)
		}
	})
}

// StartSpan is a small convenience wrapper used by the broker, queue, and
// worker pool so call sites don't each repeat the tracer name.
func (p *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer("github.com/gorax/flow").Start(ctx, name, trace.WithAttributes(attrs...))
}

// WithTiming runs fn inside a span and records its wall-clock duration as
// a span attribute, so step latency is readable from the trace alone.
func (p *TracerProvider) WithTiming(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := p.StartSpan(ctx, name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
	}
	return err
}
