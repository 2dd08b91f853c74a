package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/router/circuitbreaker"
)

// Dispatcher calls the adapter registered for a gateway kind.
// *processor.Processor implements it.
type Dispatcher interface {
	Kinds() []gateway.Kind
	Initiate(ctx context.Context, kind gateway.Kind, req gateway.InitiateRequest) (gateway.Handle, error)
	Confirm(ctx context.Context, kind gateway.Kind, h gateway.Handle, details gateway.PaymentMethodDetails) (gateway.Outcome, error)
	Capture(ctx context.Context, kind gateway.Kind, h gateway.Handle, approval gateway.Approval) (gateway.Outcome, error)
	ParseNotification(kind gateway.Kind, header map[string][]string, body []byte) (gateway.Notification, error)
}

// GatewayStatus is the health view of one gateway.
type GatewayStatus struct {
	Gateway  gateway.Kind `json:"gateway"`
	Circuit  string       `json:"circuit"`
	Failures int          `json:"consecutiveFailures"`
}

// Router gates gateway calls behind a per-gateway circuit breaker. Only
// failures to start or reach a gateway count against it; declines are a
// healthy gateway saying no.
type Router struct {
	dispatcher     Dispatcher
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewRouter creates a Router. It panics on nil dependencies; a nil logger
// is replaced with a no-op one.
func NewRouter(d Dispatcher, cb *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Router {
	if d == nil {
		panic("dispatcher cannot be nil")
	}
	if cb == nil {
		panic("circuit breaker cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{dispatcher: d, circuitBreaker: cb, logger: logger}
}

// Kinds returns the gateways the router can dispatch to.
func (r *Router) Kinds() []gateway.Kind { return r.dispatcher.Kinds() }

func (r *Router) record(kind gateway.Kind, err error) {
	switch {
	case gateway.IsUnavailable(err):
		r.circuitBreaker.RecordFailure(string(kind))
		if state, failures := r.circuitBreaker.GetProviderStatus(string(kind)); state == circuitbreaker.StateOpen {
			r.logger.Warn("Router: circuit open", zap.String("gateway", string(kind)), zap.Int("failures", failures))
		}
	case err == nil || gateway.IsDeclined(err):
		r.circuitBreaker.RecordSuccess(string(kind))
	}
}

func (r *Router) allow(op string, kind gateway.Kind) error {
	if r.circuitBreaker.AllowRequest(string(kind)) {
		return nil
	}
	return gateway.Unavailable(op, kind, 0, fmt.Errorf("circuit open for gateway %s", kind))
}

// Initiate starts a payment session on kind.
func (r *Router) Initiate(ctx context.Context, kind gateway.Kind, req gateway.InitiateRequest) (gateway.Handle, error) {
	if err := r.allow("router.Initiate", kind); err != nil {
		return nil, err
	}
	h, err := r.dispatcher.Initiate(ctx, kind, req)
	r.record(kind, err)
	if err != nil {
		r.logger.Info("Router: initiate failed", zap.String("gateway", string(kind)), zap.String("order_id", req.OrderID), zap.Error(err))
		return nil, err
	}
	return h, nil
}

// Confirm completes a hosted form payment. It is not gated by the circuit:
// the buyer already entered card details against a live session.
func (r *Router) Confirm(ctx context.Context, kind gateway.Kind, h gateway.Handle, details gateway.PaymentMethodDetails) (gateway.Outcome, error) {
	out, err := r.dispatcher.Confirm(ctx, kind, h, details)
	r.record(kind, err)
	return out, err
}

// Capture completes an approved wallet payment.
func (r *Router) Capture(ctx context.Context, kind gateway.Kind, h gateway.Handle, approval gateway.Approval) (gateway.Outcome, error) {
	out, err := r.dispatcher.Capture(ctx, kind, h, approval)
	r.record(kind, err)
	return out, err
}

// ParseNotification decodes and verifies a webhook body.
func (r *Router) ParseNotification(kind gateway.Kind, header map[string][]string, body []byte) (gateway.Notification, error) {
	return r.dispatcher.ParseNotification(kind, header, body)
}

// Status reports circuit state for every dispatchable gateway.
func (r *Router) Status() []GatewayStatus {
	kinds := r.dispatcher.Kinds()
	out := make([]GatewayStatus, 0, len(kinds))
	for _, k := range kinds {
		state, failures := r.circuitBreaker.GetProviderStatus(string(k))
		out = append(out, GatewayStatus{Gateway: k, Circuit: state.String(), Failures: failures})
	}
	return out
}
