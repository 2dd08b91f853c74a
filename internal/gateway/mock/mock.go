// Package mock provides an in-process gateway for tests and for running the
// service without real gateway credentials.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

// Adapter is a configurable gateway. Without hooks it succeeds: Initiate
// returns the handle shape the real gateway of the same kind would return
// and Confirm/Capture report success for the initiated amount.
type Adapter struct {
	GatewayKind  gateway.Kind
	InitiateFunc func(ctx context.Context, req gateway.InitiateRequest) (gateway.Handle, error)
	ConfirmFunc  func(ctx context.Context, h gateway.Handle, d gateway.PaymentMethodDetails) (gateway.Outcome, error)
	CaptureFunc  func(ctx context.Context, h gateway.Handle, a gateway.Approval) (gateway.Outcome, error)

	mu       sync.Mutex
	requests []gateway.InitiateRequest
	byRef    map[string]gateway.InitiateRequest
}

// NewAdapter creates a mock for kind.
func NewAdapter(kind gateway.Kind) *Adapter {
	return &Adapter{GatewayKind: kind, byRef: make(map[string]gateway.InitiateRequest)}
}

func (m *Adapter) Kind() gateway.Kind { return m.GatewayKind }

// Requests returns the initiate requests seen so far.
func (m *Adapter) Requests() []gateway.InitiateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.InitiateRequest(nil), m.requests...)
}

func (m *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.Handle, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, req)
	}

	ref := fmt.Sprintf("mock_%s_%s", m.GatewayKind, uuid.NewString()[:8])
	m.mu.Lock()
	m.byRef[ref] = req
	m.mu.Unlock()

	switch m.GatewayKind {
	case gateway.HostedCardElement:
		return gateway.HostedFormHandle{ExternalReference: ref, ClientSecret: ref + "_secret"}, nil
	case gateway.LocalGatewayB:
		return gateway.AutoSubmitFormHandle{
			ExternalReference: ref,
			FormMarkup:        fmt.Sprintf(`<form method="POST" action="/mock/pay/%s"></form>`, ref),
		}, nil
	default:
		return gateway.RedirectHandle{ExternalReference: ref, ApproveURL: "/mock/pay/" + ref}, nil
	}
}

func (m *Adapter) Confirm(ctx context.Context, h gateway.Handle, d gateway.PaymentMethodDetails) (gateway.Outcome, error) {
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, h, d)
	}
	return m.succeeded(h), nil
}

func (m *Adapter) Capture(ctx context.Context, h gateway.Handle, a gateway.Approval) (gateway.Outcome, error) {
	if m.CaptureFunc != nil {
		return m.CaptureFunc(ctx, h, a)
	}
	return m.succeeded(h), nil
}

func (m *Adapter) succeeded(h gateway.Handle) gateway.Outcome {
	m.mu.Lock()
	req := m.byRef[h.Reference()]
	m.mu.Unlock()
	return gateway.Outcome{
		Status:            gateway.OutcomeSucceeded,
		ExternalReference: h.Reference(),
		Amount:            req.Amount,
		Currency:          req.Currency,
	}
}
