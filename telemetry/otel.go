// Package telemetry adapts core.Telemetry onto OpenTelemetry, exporting
// spans via OTLP/gRPC in production or stdout in development.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/conductor/core"
)

// Config selects how a Provider exports spans.
type Config struct {
	ServiceName string
	Endpoint    string // OTLP/gRPC collector address; ignored when Stdout is set
	Insecure    bool
	Stdout      bool // export to stdout instead of an OTLP collector, for local development
}

// Provider implements core.Telemetry with OpenTelemetry tracing and a
// best-effort global meter for metrics.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	mu       sync.RWMutex
	shutdown bool
}

// NewProvider builds a Provider exporting spans per cfg. Call Shutdown on
// process exit to flush the batch span processor.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}

	ctx := context.Background()
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
	)

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer:        tp.Tracer("conductor"),
		meter:         otel.Meter("conductor"),
		traceProvider: tp,
	}, nil
}

// StartSpan starts a span named name, descended from ctx.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown || p.tracer == nil {
		return ctx, &core.NoOpSpan{}
	}
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records value under name as a histogram measurement,
// tagged with labels. The global meter silently no-ops if no metric
// exporter has been configured for this process.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown || p.meter == nil {
		return
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	h.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// Shutdown flushes and stops the underlying tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.mu.Unlock()
	return p.traceProvider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
