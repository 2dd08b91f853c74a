package context

import (
	go_std_context "context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTraceContext(t *testing.T) {
	tc := NewTraceContext()
	assert.NotEmpty(t, tc.TraceID, "TraceID should not be empty")
	assert.NotEmpty(t, tc.SpanID, "SpanID should not be empty")
	assert.NotNil(t, tc.Baggage, "Baggage should be initialized")
}

func TestTraceContext_NewSpan(t *testing.T) {
	tc := NewTraceContext()
	initialSpanID := tc.SpanID
	newSpanID := tc.NewSpan()
	assert.NotEmpty(t, newSpanID, "New SpanID should not be empty")
	assert.NotEqual(t, initialSpanID, newSpanID, "New SpanID should be different from initial")
	assert.Equal(t, newSpanID, tc.SpanID, "TraceContext SpanID should be updated to new SpanID")
}

func TestFromContext(t *testing.T) {
	t.Run("stored trace context round-trips", func(t *testing.T) {
		tc := NewTraceContext().With("session_id", "s-1")
		ctx := WithTraceContext(go_std_context.Background(), tc)

		got := FromContext(ctx)
		assert.Equal(t, tc.TraceID, got.TraceID)
		assert.Equal(t, "s-1", got.Baggage["session_id"])

		// baggage is copied, not shared
		got.Baggage["session_id"] = "changed"
		assert.Equal(t, "s-1", FromContext(ctx).Baggage["session_id"])
	})

	t.Run("adopts the otel span ids", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
		ctx := trace.ContextWithSpanContext(go_std_context.Background(), sc)

		got := FromContext(ctx)
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID)
		assert.Equal(t, "00f067aa0ba902b7", got.SpanID)
	})

	t.Run("fresh ids otherwise", func(t *testing.T) {
		got := FromContext(go_std_context.Background())
		assert.NotEmpty(t, got.TraceID)
	})
}

func TestTraceContext_Fields(t *testing.T) {
	tc := NewTraceContext().With("order_id", "O-1").With("attempt_id", "")
	fields := tc.Fields()
	require.Len(t, fields, 3, "empty baggage values are dropped")
	assert.Equal(t, "trace_id", fields[0].Key)
	assert.Equal(t, "O-1", fields[2].String)
}

func TestBuildContexts(t *testing.T) {
	cb := NewContextBuilder()

	traceCtx, buyer, err := cb.BuildContexts(go_std_context.Background(), Claims{Subject: " u-42 ", Name: "Ana Popescu", Email: "Ana@Example.COM "})
	require.NoError(t, err)
	assert.Equal(t, "u-42", buyer.Customer.ID)
	assert.Equal(t, "Ana Popescu", buyer.Customer.Name)
	assert.Equal(t, "ana@example.com", buyer.Customer.Email)
	assert.Equal(t, "u-42", traceCtx.Baggage["customer_id"])

	_, _, err = cb.BuildContexts(go_std_context.Background(), Claims{Name: "nobody"})
	assert.ErrorIs(t, err, ErrAnonymousBuyer)
}
