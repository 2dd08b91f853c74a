package context

import (
	stdctx "context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TraceContext carries only cross-cutting concerns needed for observability.
type TraceContext struct {
	TraceID string            // Globally unique ID for logs and spans
	SpanID  string            // Current span identifier
	Baggage map[string]string // correlation data: session, order, attempt ids
}

type traceKey struct{}

// NewTraceContext creates a new TraceContext with a unique TraceID and an initial SpanID.
func NewTraceContext() TraceContext {
	return TraceContext{
		TraceID: uuid.NewString(),
		SpanID:  uuid.NewString(),
		Baggage: make(map[string]string),
	}
}

// FromContext returns the TraceContext stored in ctx. Without one it adopts
// the ids of the active OpenTelemetry span, or generates fresh ids.
func FromContext(ctx stdctx.Context) TraceContext {
	if tc, ok := ctx.Value(traceKey{}).(TraceContext); ok {
		return tc.clone()
	}
	tc := NewTraceContext()
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		tc.TraceID = sc.TraceID().String()
		tc.SpanID = sc.SpanID().String()
	}
	return tc
}

// WithTraceContext stores tc in ctx.
func WithTraceContext(ctx stdctx.Context, tc TraceContext) stdctx.Context {
	return stdctx.WithValue(ctx, traceKey{}, tc.clone())
}

// NewSpan generates a new SpanID for a child operation within the same trace.
func (tc *TraceContext) NewSpan() string {
	tc.SpanID = uuid.NewString()
	return tc.SpanID
}

// With returns a copy of tc carrying key=value in its baggage.
func (tc TraceContext) With(key, value string) TraceContext {
	out := tc.clone()
	if value != "" {
		out.Baggage[key] = value
	}
	return out
}

// Fields renders tc as zap fields for structured logs.
func (tc TraceContext) Fields() []zap.Field {
	fields := make([]zap.Field, 0, 2+len(tc.Baggage))
	fields = append(fields, zap.String("trace_id", tc.TraceID), zap.String("span_id", tc.SpanID))
	for k, v := range tc.Baggage {
		fields = append(fields, zap.String(k, v))
	}
	return fields
}

func (tc TraceContext) clone() TraceContext {
	baggage := make(map[string]string, len(tc.Baggage))
	for k, v := range tc.Baggage {
		baggage[k] = v
	}
	tc.Baggage = baggage
	return tc
}
