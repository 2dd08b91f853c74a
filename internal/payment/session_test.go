package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/planbuilder"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSession() (*Session, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	return NewSession("O-1", 15*time.Minute, clock.Now), clock
}

func cardPlan() planbuilder.Plan {
	return planbuilder.Plan{
		OrderID:     "O-1",
		Gateway:     gateway.HostedCardElement,
		Amount:      decimal.RequireFromString("12.73"),
		Currency:    "EUR",
		OrderAmount: decimal.RequireFromString("250"),
	}
}

func localPlan() planbuilder.Plan {
	return planbuilder.Plan{
		OrderID:     "O-1",
		Gateway:     gateway.LocalGatewayA,
		Amount:      decimal.RequireFromString("250"),
		Currency:    "MDL",
		OrderAmount: decimal.RequireFromString("250"),
	}
}

var cardHandle = gateway.HostedFormHandle{ExternalReference: "pi_1", ClientSecret: "s"}

func TestSession_AttemptLifecycle(t *testing.T) {
	s, clock := newTestSession()

	a, err := s.Begin(cardPlan(), cardHandle)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, a.Status)
	assert.Equal(t, 1, a.Seq)
	assert.Equal(t, "pi_1", a.ExternalReference)
	assert.Nil(t, a.Deadline)

	clock.Advance(time.Second)
	a, err = s.HandOff()
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingExternalAction, a.Status)
	require.NotNil(t, a.Deadline)
	assert.Equal(t, clock.Now().Add(15*time.Minute), *a.Deadline)

	a, err = s.Succeed(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, a.Status)
	require.NotNil(t, a.ResolvedAt)

	_, ok := s.Current()
	assert.False(t, ok)
	assert.True(t, decimal.RequireFromString("250").Equal(s.SucceededAmount()))
}

func TestSession_SingleNonTerminalAttempt(t *testing.T) {
	s, _ := newTestSession()

	first, err := s.Begin(cardPlan(), cardHandle)
	require.NoError(t, err)

	_, err = s.Begin(localPlan(), gateway.RedirectHandle{ExternalReference: "lp-1"})
	assert.ErrorIs(t, err, ErrAttemptInFlight)

	_, err = s.HandOff()
	require.NoError(t, err)
	_, err = s.Begin(localPlan(), gateway.RedirectHandle{ExternalReference: "lp-1"})
	assert.ErrorIs(t, err, ErrAttemptInFlight)

	_, err = s.Cancel(first.ID)
	require.NoError(t, err)

	second, err := s.Begin(localPlan(), gateway.RedirectHandle{ExternalReference: "lp-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, second.Status)
	assert.Equal(t, 2, second.Seq)

	nonTerminal := 0
	for _, a := range s.Attempts() {
		if !a.Status.Terminal() {
			nonTerminal++
		}
	}
	assert.Equal(t, 1, nonTerminal)
}

func TestSession_TerminalAttemptsAreNeverResurrected(t *testing.T) {
	s, _ := newTestSession()
	a, err := s.Begin(cardPlan(), cardHandle)
	require.NoError(t, err)
	_, err = s.Decline(a.ID, gateway.DeclineInsufficientFunds)
	require.NoError(t, err)

	_, err = s.Succeed(a.ID)
	assert.ErrorIs(t, err, ErrAttemptTerminal)
	_, err = s.Cancel(a.ID)
	assert.ErrorIs(t, err, ErrAttemptTerminal)
	_, err = s.HandOff()
	assert.ErrorIs(t, err, ErrNoActiveAttempt)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, StatusDeclined, last.Status)
	assert.Equal(t, gateway.DeclineInsufficientFunds, last.DeclineReason)
	assert.True(t, s.SucceededAmount().IsZero())
}

func TestSession_DeclineWithoutReasonIsUnknown(t *testing.T) {
	s, _ := newTestSession()
	a, _ := s.Begin(cardPlan(), cardHandle)
	a, err := s.Decline(a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, gateway.DeclineUnknown, a.DeclineReason)
}

func TestSession_Expire(t *testing.T) {
	s, clock := newTestSession()
	_, err := s.Begin(localPlan(), gateway.RedirectHandle{ExternalReference: "lp-1"})
	require.NoError(t, err)

	// not handed off yet: no deadline
	clock.Advance(time.Hour)
	_, expired := s.Expire(clock.Now())
	assert.False(t, expired)

	_, err = s.HandOff()
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	_, expired = s.Expire(clock.Now())
	assert.False(t, expired)

	clock.Advance(time.Minute)
	a, expired := s.Expire(clock.Now())
	assert.True(t, expired)
	assert.Equal(t, StatusTimedOut, a.Status)

	// a late success cannot resurrect it
	_, err = s.Succeed(a.ID)
	assert.ErrorIs(t, err, ErrAttemptTerminal)
}

func TestSession_NoTimeoutConfigured(t *testing.T) {
	s := NewSession("O-1", 0, nil)
	_, err := s.Begin(cardPlan(), cardHandle)
	require.NoError(t, err)
	a, err := s.HandOff()
	require.NoError(t, err)
	assert.Nil(t, a.Deadline)
	_, expired := s.Expire(time.Now().Add(24 * time.Hour))
	assert.False(t, expired)
}

func TestSession_ReconciliationGap(t *testing.T) {
	s, _ := newTestSession()
	_, err := s.FlagReconciliationGap()
	assert.ErrorIs(t, err, ErrNoActiveAttempt)

	_, _ = s.Begin(localPlan(), gateway.RedirectHandle{ExternalReference: "lp-1"})
	_, _ = s.HandOff()
	a, err := s.FlagReconciliationGap()
	require.NoError(t, err)
	assert.True(t, a.ReconciliationGap)
	assert.False(t, a.Status.Terminal())
}

func TestSession_FlagAttemptGap_ResolvedAttempt(t *testing.T) {
	s, _ := newTestSession()
	_, err := s.FlagAttemptGap("")
	assert.ErrorIs(t, err, ErrNoActiveAttempt)

	first, _ := s.Begin(localPlan(), gateway.RedirectHandle{ExternalReference: "lp-1"})
	cancelled, err := s.Cancel(first.ID)
	require.NoError(t, err)

	a, err := s.FlagAttemptGap(cancelled.ID)
	require.NoError(t, err)
	assert.True(t, a.ReconciliationGap)
	assert.Equal(t, StatusCancelled, a.Status, "the status is not rewritten")

	_, err = s.FlagAttemptGap("att-missing")
	assert.ErrorIs(t, err, ErrNoActiveAttempt)
}

func TestSession_Match(t *testing.T) {
	s, _ := newTestSession()
	first, _ := s.Begin(localPlan(), gateway.RedirectHandle{ExternalReference: "lp-1"})
	_, _ = s.Cancel(first.ID)
	second, _ := s.Begin(cardPlan(), cardHandle)

	a, err := s.Match(gateway.LocalGatewayA, "lp-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, a.ID)

	a, err = s.Match(gateway.HostedCardElement, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, a.ID)

	_, err = s.Match(gateway.LocalGatewayA, "lp-unknown")
	assert.ErrorIs(t, err, ErrReferenceMismatch)
}

func TestSession_BeginValidation(t *testing.T) {
	s, _ := newTestSession()

	_, err := s.Begin(cardPlan(), nil)
	assert.ErrorIs(t, err, ErrInvalidAttempt)

	other := cardPlan()
	other.OrderID = "O-2"
	_, err = s.Begin(other, cardHandle)
	assert.ErrorIs(t, err, ErrInvalidAttempt)

	zero := cardPlan()
	zero.Amount = decimal.Zero
	_, err = s.Begin(zero, cardHandle)
	assert.ErrorIs(t, err, ErrInvalidAttempt)

	assert.Empty(t, s.Attempts())
}

func TestSession_AttemptsAreCopies(t *testing.T) {
	s, _ := newTestSession()
	_, _ = s.Begin(cardPlan(), cardHandle)
	attempts := s.Attempts()
	attempts[0].Status = StatusSucceeded

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, StatusCreated, cur.Status)
}
