package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

var gatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "checkout_gateway_call_duration_seconds",
	Help:    "Latency of calls to payment gateways.",
	Buckets: prometheus.DefBuckets,
}, []string{"gateway", "operation", "result"})

// GetGatewayCallDuration exposes the latency histogram for tests.
func GetGatewayCallDuration() *prometheus.HistogramVec { return gatewayCallDuration }

// Processor selects the adapter for a gateway kind, calls it and records
// call latency.
type Processor struct {
	adapters map[gateway.Kind]gateway.Adapter
}

// NewProcessor creates a Processor. It panics if no adapters are given.
func NewProcessor(adapters ...gateway.Adapter) *Processor {
	if len(adapters) == 0 {
		panic("processor: at least one adapter is required")
	}
	registry := make(map[gateway.Kind]gateway.Adapter, len(adapters))
	for _, a := range adapters {
		if a == nil {
			panic("processor: adapter cannot be nil")
		}
		registry[a.Kind()] = a
	}
	return &Processor{adapters: registry}
}

// Kinds returns the registered gateway kinds in display order.
func (p *Processor) Kinds() []gateway.Kind {
	var kinds []gateway.Kind
	for _, k := range gateway.Kinds() {
		if _, ok := p.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Adapter returns the adapter registered for kind.
func (p *Processor) Adapter(kind gateway.Kind) (gateway.Adapter, bool) {
	a, ok := p.adapters[kind]
	return a, ok
}

func (p *Processor) lookup(op string, kind gateway.Kind) (gateway.Adapter, error) {
	a, ok := p.adapters[kind]
	if !ok {
		return nil, &gateway.Error{Op: op, Gateway: kind, Kind: gateway.ErrUnavailable, Err: fmt.Errorf("no adapter registered for gateway %s", kind)}
	}
	return a, nil
}

func observe(kind gateway.Kind, operation string, start time.Time, err error) {
	result := "ok"
	switch {
	case gateway.IsUnavailable(err):
		result = "unavailable"
	case gateway.IsDeclined(err):
		result = "declined"
	case err != nil:
		result = "error"
	}
	gatewayCallDuration.WithLabelValues(string(kind), operation, result).Observe(time.Since(start).Seconds())
}

// Initiate starts a payment session on the gateway.
func (p *Processor) Initiate(ctx context.Context, kind gateway.Kind, req gateway.InitiateRequest) (h gateway.Handle, err error) {
	a, err := p.lookup("processor.Initiate", kind)
	if err != nil {
		return nil, err
	}
	defer func(start time.Time) { observe(kind, "initiate", start, err) }(time.Now())
	return a.Initiate(ctx, req)
}

// Confirm completes a hosted form payment.
func (p *Processor) Confirm(ctx context.Context, kind gateway.Kind, h gateway.Handle, details gateway.PaymentMethodDetails) (out gateway.Outcome, err error) {
	a, err := p.lookup("processor.Confirm", kind)
	if err != nil {
		return gateway.Outcome{}, err
	}
	c, ok := a.(gateway.Confirmer)
	if !ok {
		return gateway.Outcome{}, &gateway.Error{Op: "processor.Confirm", Gateway: kind, Kind: gateway.ErrUnsupported}
	}
	defer func(start time.Time) { observe(kind, "confirm", start, err) }(time.Now())
	return c.Confirm(ctx, h, details)
}

// Capture completes an approved wallet payment.
func (p *Processor) Capture(ctx context.Context, kind gateway.Kind, h gateway.Handle, approval gateway.Approval) (out gateway.Outcome, err error) {
	a, err := p.lookup("processor.Capture", kind)
	if err != nil {
		return gateway.Outcome{}, err
	}
	c, ok := a.(gateway.Capturer)
	if !ok {
		return gateway.Outcome{}, &gateway.Error{Op: "processor.Capture", Gateway: kind, Kind: gateway.ErrUnsupported}
	}
	defer func(start time.Time) { observe(kind, "capture", start, err) }(time.Now())
	return c.Capture(ctx, h, approval)
}

// ParseNotification decodes a webhook for the gateway.
func (p *Processor) ParseNotification(kind gateway.Kind, header map[string][]string, body []byte) (gateway.Notification, error) {
	a, err := p.lookup("processor.ParseNotification", kind)
	if err != nil {
		return gateway.Notification{}, err
	}
	np, ok := a.(gateway.NotificationParser)
	if !ok {
		return gateway.Notification{}, &gateway.Error{Op: "processor.ParseNotification", Gateway: kind, Kind: gateway.ErrUnsupported}
	}
	return np.ParseNotification(header, body)
}
