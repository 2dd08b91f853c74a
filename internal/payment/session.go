// Package payment tracks the payment attempts made against one order.
//
// An attempt moves Created -> AwaitingExternalAction -> one terminal status
// (Succeeded, Declined, TimedOut, Cancelled). A Session never holds more
// than one non-terminal attempt and never moves a terminal attempt again.
package payment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/planbuilder"
)

// Status is the lifecycle status of one attempt.
type Status string

const (
	StatusCreated                Status = "created"
	StatusAwaitingExternalAction Status = "awaiting_external_action"
	StatusSucceeded              Status = "succeeded"
	StatusDeclined               Status = "declined"
	StatusTimedOut               Status = "timed_out"
	StatusCancelled              Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDeclined, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrAttemptInFlight   = errors.New("a payment attempt is already in flight")
	ErrAttemptTerminal   = errors.New("payment attempt already resolved")
	ErrNoActiveAttempt   = errors.New("no active payment attempt")
	ErrInvalidAttempt    = errors.New("invalid payment attempt")
	ErrReferenceMismatch = errors.New("notification does not match the active attempt")
)

// Attempt is one try at paying the order on one gateway.
type Attempt struct {
	ID                string                `json:"attemptId"`
	Seq               int                   `json:"seq"`
	OrderID           string                `json:"orderId"`
	Gateway           gateway.Kind          `json:"gateway"`
	ExternalReference string                `json:"externalReference"`
	Handle            gateway.Handle        `json:"-"`
	Amount            decimal.Decimal       `json:"amount"`
	Currency          string                `json:"currency"`
	OrderAmount       decimal.Decimal       `json:"orderAmount"`
	Status            Status                `json:"status"`
	DeclineReason     gateway.DeclineReason `json:"declineReason,omitempty"`
	ReconciliationGap bool                  `json:"reconciliationGap,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
	HandedOffAt       *time.Time            `json:"handedOffAt,omitempty"`
	Deadline          *time.Time            `json:"deadline,omitempty"`
	ResolvedAt        *time.Time            `json:"resolvedAt,omitempty"`
}

// Session holds every attempt for one order.
type Session struct {
	mu       sync.Mutex
	orderID  string
	timeout  time.Duration
	now      func() time.Time
	attempts []*Attempt
}

// NewSession creates a Session for orderID. timeout bounds how long an
// attempt may wait for its completion signal after hand-off; zero disables
// expiry.
func NewSession(orderID string, timeout time.Duration, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{orderID: orderID, timeout: timeout, now: now}
}

// OrderID returns the order the session pays for.
func (s *Session) OrderID() string { return s.orderID }

// caller must hold s.mu
func (s *Session) current() *Attempt {
	if len(s.attempts) == 0 {
		return nil
	}
	last := s.attempts[len(s.attempts)-1]
	if last.Status.Terminal() {
		return nil
	}
	return last
}

// Begin records a new attempt for plan, started on the gateway with handle.
func (s *Session) Begin(plan planbuilder.Plan, handle gateway.Handle) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current(); cur != nil {
		return Attempt{}, fmt.Errorf("%w: attempt %s on %s is %s", ErrAttemptInFlight, cur.ID, cur.Gateway, cur.Status)
	}
	if handle == nil {
		return Attempt{}, fmt.Errorf("%w: missing gateway handle", ErrInvalidAttempt)
	}
	if plan.OrderID != "" && plan.OrderID != s.orderID {
		return Attempt{}, fmt.Errorf("%w: plan is for order %s, session is for %s", ErrInvalidAttempt, plan.OrderID, s.orderID)
	}
	if !plan.Amount.IsPositive() || !plan.OrderAmount.IsPositive() {
		return Attempt{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAttempt)
	}

	a := &Attempt{
		ID:                uuid.NewString(),
		Seq:               len(s.attempts) + 1,
		OrderID:           s.orderID,
		Gateway:           plan.Gateway,
		ExternalReference: handle.Reference(),
		Handle:            handle,
		Amount:            plan.Amount,
		Currency:          plan.Currency,
		OrderAmount:       plan.OrderAmount,
		Status:            StatusCreated,
		CreatedAt:         s.now(),
	}
	s.attempts = append(s.attempts, a)
	return *a, nil
}

// HandOff marks the active attempt as waiting on the buyer or gateway and
// starts its completion deadline. Handing off twice is a no-op.
func (s *Session) HandOff() (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.current()
	if a == nil {
		return Attempt{}, ErrNoActiveAttempt
	}
	if a.Status == StatusCreated {
		now := s.now()
		a.Status = StatusAwaitingExternalAction
		a.HandedOffAt = &now
		if s.timeout > 0 {
			deadline := now.Add(s.timeout)
			a.Deadline = &deadline
		}
	}
	return *a, nil
}

func (s *Session) resolve(id string, status Status, reason gateway.DeclineReason) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.find(id)
	if a == nil {
		return Attempt{}, fmt.Errorf("%w: %s", ErrNoActiveAttempt, id)
	}
	if a.Status.Terminal() {
		return *a, fmt.Errorf("%w: attempt %s is %s", ErrAttemptTerminal, a.ID, a.Status)
	}
	now := s.now()
	a.Status = status
	a.DeclineReason = reason
	a.ResolvedAt = &now
	return *a, nil
}

// caller must hold s.mu; an empty id means the active attempt
func (s *Session) find(id string) *Attempt {
	if id == "" {
		if len(s.attempts) == 0 {
			return nil
		}
		return s.attempts[len(s.attempts)-1]
	}
	for _, a := range s.attempts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Succeed resolves attempt id (or the latest attempt when id is empty).
func (s *Session) Succeed(id string) (Attempt, error) {
	return s.resolve(id, StatusSucceeded, "")
}

// Decline resolves the attempt as declined with reason.
func (s *Session) Decline(id string, reason gateway.DeclineReason) (Attempt, error) {
	if reason == "" {
		reason = gateway.DeclineUnknown
	}
	return s.resolve(id, StatusDeclined, reason)
}

// Cancel resolves the attempt as cancelled by the buyer or by a switch to
// another gateway.
func (s *Session) Cancel(id string) (Attempt, error) {
	return s.resolve(id, StatusCancelled, "")
}

// Expire times out the active attempt when its deadline has passed. It
// reports whether an attempt expired.
func (s *Session) Expire(now time.Time) (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.current()
	if a == nil || a.Status != StatusAwaitingExternalAction || a.Deadline == nil || now.Before(*a.Deadline) {
		return Attempt{}, false
	}
	a.Status = StatusTimedOut
	a.ResolvedAt = &now
	return *a, true
}

// FlagReconciliationGap records that the buyer came back from the gateway
// without a confirmed outcome. The attempt stays non-terminal.
func (s *Session) FlagReconciliationGap() (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.current()
	if a == nil {
		return Attempt{}, ErrNoActiveAttempt
	}
	a.ReconciliationGap = true
	return *a, nil
}

// FlagAttemptGap marks attempt id, resolved or not, as disagreeing with
// what its gateway reported. Its status is left unchanged.
func (s *Session) FlagAttemptGap(id string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		return Attempt{}, fmt.Errorf("%w: empty attempt id", ErrNoActiveAttempt)
	}
	a := s.find(id)
	if a == nil {
		return Attempt{}, fmt.Errorf("%w: %s", ErrNoActiveAttempt, id)
	}
	a.ReconciliationGap = true
	return *a, nil
}

// Match finds the attempt a gateway notification refers to.
func (s *Session) Match(kind gateway.Kind, externalReference string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.Gateway != kind {
			continue
		}
		if externalReference == "" || a.ExternalReference == externalReference {
			return *a, nil
		}
	}
	return Attempt{}, fmt.Errorf("%w: %s %s", ErrReferenceMismatch, kind, externalReference)
}

// Current returns the non-terminal attempt, if any.
func (s *Session) Current() (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.current()
	if a == nil {
		return Attempt{}, false
	}
	return *a, true
}

// Last returns the most recent attempt, terminal or not.
func (s *Session) Last() (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attempts) == 0 {
		return Attempt{}, false
	}
	return *s.attempts[len(s.attempts)-1], true
}

// Attempts returns copies of every attempt in order.
func (s *Session) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts))
	for i, a := range s.attempts {
		out[i] = *a
	}
	return out
}

// SucceededAmount is the order-currency amount covered by succeeded attempts.
func (s *Session) SucceededAmount() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, a := range s.attempts {
		if a.Status == StatusSucceeded {
			total = total.Add(a.OrderAmount)
		}
	}
	return total
}
