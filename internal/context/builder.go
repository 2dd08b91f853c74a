package context

import (
	stdctx "context"
	"errors"
	"strings"

	"github.com/yourorg/nursery-checkout/internal/order"
)

// ErrAnonymousBuyer is returned when the identity claims carry no subject.
var ErrAnonymousBuyer = errors.New("buyer identity is missing a subject")

// Claims are the identity claims issued by the auth collaborator.
type Claims struct {
	Subject string
	Name    string
	Email   string
}

// BuyerContext carries who is checking out. It is read-only for the
// checkout core.
type BuyerContext struct {
	Customer order.CustomerInfo
}

// ContextBuilder is responsible for creating TraceContext and BuyerContext.
type ContextBuilder struct{}

// NewContextBuilder creates a new ContextBuilder.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{}
}

// BuildContexts creates TraceContext and BuyerContext for an authenticated
// request.
func (cb *ContextBuilder) BuildContexts(ctx stdctx.Context, claims Claims) (TraceContext, BuyerContext, error) {
	traceCtx := FromContext(ctx)

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return traceCtx, BuyerContext{}, ErrAnonymousBuyer
	}

	buyer := BuyerContext{Customer: order.CustomerInfo{
		ID:    sub,
		Name:  strings.TrimSpace(claims.Name),
		Email: strings.ToLower(strings.TrimSpace(claims.Email)),
	}}
	return traceCtx.With("customer_id", sub), buyer, nil
}
