// Package tracing wires OpenTelemetry spans around outbound calls (provider
// dispatch, executor commands, workspace syncs) so every call carries a
// trace id, per spec.md 4.E's tracing requirement generalized to all
// outbound ports.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentctl/runctl"

// Config controls whether tracing is enabled and where spans are exported.
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Init installs a global TracerProvider when cfg.Enabled, exporting spans
// over OTLP/HTTP. It returns a shutdown func that must be called on exit;
// when tracing is disabled, shutdown is a no-op and the global no-op
// TracerProvider already installed by otel is left in place.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a span named name under tracerName, tagging it with the
// given key/value attribute pairs (must be an even count of string, string).
func StartSpan(ctx context.Context, name string, kv ...string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceID returns the current span's trace id as a hex string, or "" if
// tracing is disabled/no span is active.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
