package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Tracer is the subset of trace.Tracer the services depend on.
type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}
