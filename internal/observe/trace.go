package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every appliance span.
const tracerName = "github.com/MrWong99/puertocho"

type componentKey struct{}

// WithComponent tags ctx with the pipeline stage that owns the work ("audio",
// "detector", "state", ...). Spans and loggers derived from ctx carry it.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

// Component returns the stage set by [WithComponent], or "".
func Component(ctx context.Context) string {
	c, _ := ctx.Value(componentKey{}).(string)
	return c
}

// Tracer returns the appliance tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx carries a component the span
// gets a "component" attribute. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if c := Component(ctx); c != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("component", c)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the component and the
// trace and span IDs found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if c := Component(ctx); c != "" {
		l = l.With(slog.String("component", c))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
