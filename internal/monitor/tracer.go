package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "polyglot-sandbox"

// Tracer wraps OpenTelemetry tracing for the sandbox system. A nil *Tracer
// produces non-recording spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, fmt.Sprintf("sandbox.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for sandbox tracing.
var (
	AttrExecID     = attribute.Key("sandbox.execution.id")
	AttrLanguage   = attribute.Key("sandbox.language")
	AttrPolicy     = attribute.Key("sandbox.policy")
	AttrCodeHash   = attribute.Key("sandbox.code_hash")
	AttrState      = attribute.Key("sandbox.state")
	AttrExitCode   = attribute.Key("sandbox.exit_code")
	AttrDurationMS = attribute.Key("sandbox.duration_ms")
	AttrViolations = attribute.Key("sandbox.violations")
)
