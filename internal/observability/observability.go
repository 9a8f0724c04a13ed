// Package observability provides tracing helpers for the dispatch
// path. Spans are emitted through the OpenTelemetry API; without a
// provider installed by the host application they are no-ops, so the
// core never depends on a particular telemetry backend.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "courier"

// StartSpan creates a span with the given name and options.
// Returns a context carrying the span and the span itself.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(serviceName).Start(ctx, name, opts...)
}
