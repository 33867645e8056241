// Package observability wires OpenTelemetry tracing for the search and
// profile pipelines.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for every span this module emits.
const TracerName = "github.com/kalambet/campusconnect"

// TracingConfig configures the exporter. An empty OTLPEndpoint disables export.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	SampleRate     float64
}

// TracerProvider wraps the SDK provider so callers can shut it down.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracing installs a global tracer provider exporting over OTLP/gRPC.
// With no endpoint the global no-op provider is left in place.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "campusconnect"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{provider: provider}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSearchSpan starts the parent span of one search request.
func StartSearchSpan(ctx context.Context, limit, offset int, exhaustive bool) (context.Context, trace.Span) {
	return start(ctx, "retrieval.search", trace.SpanKindInternal,
		attribute.Int("search.limit", limit),
		attribute.Int("search.offset", offset),
		attribute.Bool("search.exhaustive", exhaustive),
	)
}

// StartStageSpan starts a child span for one search stage such as
// "embed", "topk" or "count".
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return start(ctx, "retrieval."+stage, trace.SpanKindInternal)
}

// StartIndexSpan starts a client span around a call into a vector index backend.
func StartIndexSpan(ctx context.Context, backend, op string) (context.Context, trace.Span) {
	return start(ctx, "index."+op, trace.SpanKindClient,
		attribute.String("index.backend", backend),
	)
}

// StartProfileSpan starts a span for a profile operation such as "merge".
func StartProfileSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return start(ctx, "profile."+op, trace.SpanKindInternal)
}

// RecordSearchResult annotates a search span with its outcome.
func RecordSearchResult(span trace.Span, hits, programCount int, threshold float64) {
	span.SetAttributes(
		attribute.Int("search.hits", hits),
		attribute.Int("search.program_count", programCount),
		attribute.Float64("search.threshold", threshold),
	)
}

// RecordError records err on span and marks it failed. Nil is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
