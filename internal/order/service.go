package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Service creates and mutates orders. It remembers, per checkout session,
// the order it already created so repeated EnsureOrder calls never reach
// the store's create path twice; the session key doubles as the store
// idempotency key so a reloaded client cannot duplicate the order either.
type Service struct {
	store Store

	mu       sync.Mutex
	sessions map[string]Order
	inflight map[string]*sync.Mutex
}

// NewService creates a Service over store.
func NewService(store Store) *Service {
	if store == nil {
		panic("order store cannot be nil")
	}
	return &Service{
		store:    store,
		sessions: make(map[string]Order),
		inflight: make(map[string]*sync.Mutex),
	}
}

// EnsureOrder returns the order of the checkout session identified by
// sessionKey, creating it on the first successful call.
func (s *Service) EnsureOrder(ctx context.Context, sessionKey string, cart CartSnapshot, shipping ShippingInfo, customer CustomerInfo) (Order, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return Order{}, &ValidationError{Problems: []string{"sessionKey: required"}}
	}

	lock := s.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := s.cached(sessionKey); ok {
		return existing, nil
	}

	snapshot := cart.Snapshot()
	problems := append(ValidateShipping(shipping), ValidateCart(snapshot)...)
	if len(problems) > 0 {
		return Order{}, &ValidationError{Problems: problems}
	}

	created, err := s.store.Create(ctx, sessionKey, Draft{Cart: snapshot, Shipping: shipping, Customer: customer})
	if err != nil {
		return Order{}, &CreationError{SessionKey: sessionKey, Err: err}
	}

	s.mu.Lock()
	s.sessions[sessionKey] = created
	s.mu.Unlock()
	return created, nil
}

// SessionOrder returns the order already created for sessionKey, if any.
func (s *Service) SessionOrder(sessionKey string) (Order, bool) {
	return s.cached(sessionKey)
}

// Get loads the current state of an order from the store.
func (s *Service) Get(ctx context.Context, orderID string) (Order, error) {
	return s.store.Get(ctx, orderID)
}

// ConfirmPayment marks the order paid. covered is the order-currency
// amount of the succeeded payment and must equal the order total exactly.
// Confirming an already paid order is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string, covered decimal.Decimal) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.IsPaid() {
		return o, nil
	}
	if !covered.Equal(o.TotalAmount) {
		return o, fmt.Errorf("%w: order %s total %s %s, payment covers %s",
			ErrAmountMismatch, orderID, o.TotalAmount.StringFixed(2), o.Currency, covered.StringFixed(2))
	}

	paid := PaymentPaid
	patch := Patch{PaymentStatus: &paid}
	if o.Status == StatusAwaitingPayment {
		confirmed := StatusConfirmed
		patch.Status = &confirmed
	}
	updated, err := s.store.Update(ctx, orderID, patch)
	if err != nil {
		return o, fmt.Errorf("confirm payment for order %s: %w", orderID, err)
	}
	s.refresh(updated)
	return updated, nil
}

// Cancel is the admin cancellation of an unpaid order.
func (s *Service) Cancel(ctx context.Context, orderID string) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.IsPaid() {
		return o, fmt.Errorf("cancel order %s: %w", orderID, ErrAlreadyPaid)
	}
	if o.Status == StatusCancelled {
		return o, nil
	}
	cancelled := StatusCancelled
	updated, err := s.store.Update(ctx, orderID, Patch{Status: &cancelled})
	if err != nil {
		return o, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	s.refresh(updated)
	return updated, nil
}

// Forget drops the session-local memory of sessionKey. The store still
// dedups on the key.
func (s *Service) Forget(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
	delete(s.inflight, sessionKey)
}

func (s *Service) cached(sessionKey string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.sessions[sessionKey]
	return o, ok
}

func (s *Service) refresh(o Order) {
	if o.IdempotencyKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[o.IdempotencyKey]; ok {
		s.sessions[o.IdempotencyKey] = o
	}
}

func (s *Service) sessionLock(sessionKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.inflight[sessionKey]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[sessionKey] = lock
	}
	return lock
}

// IsNotFound reports whether err means the order does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
