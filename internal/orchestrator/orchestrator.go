// Package orchestrator drives one checkout session from shipping entry to a
// paid order:
//
//	CollectingShipping -> OrderPending -> OrderReady -> GatewaySelected -> PaymentInFlight -> {Completed | Failed}
//
// plus Cancelled from any state before Completed. Every event is applied
// under the orchestrator's mutex, so UI events and gateway webhooks for the
// same session may arrive on different goroutines.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	checkoutctx "github.com/yourorg/nursery-checkout/internal/context"
	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/order"
	"github.com/yourorg/nursery-checkout/internal/payment"
	"github.com/yourorg/nursery-checkout/internal/planbuilder"
	"github.com/yourorg/nursery-checkout/internal/policy"
	"github.com/yourorg/nursery-checkout/internal/reporting"
)

// State is the checkout-level state.
type State string

const (
	StateCollectingShipping State = "collecting_shipping"
	StateOrderPending       State = "order_pending"
	StateOrderReady         State = "order_ready"
	StateGatewaySelected    State = "gateway_selected"
	StatePaymentInFlight    State = "payment_in_flight"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
)

var (
	// ErrInvalidState is returned for events the current state does not accept.
	ErrInvalidState = errors.New("event not allowed in current checkout state")
	// ErrReconciliationGap means the buyer came back from a gateway that
	// confirms only server-to-server. The order stays awaiting_payment until
	// a webhook or a manual check resolves it.
	ErrReconciliationGap = errors.New("payment awaits out-of-band reconciliation")
	// ErrPaymentPending means the gateway accepted the request but has not
	// decided yet.
	ErrPaymentPending = errors.New("payment pending at gateway")
)

var (
	checkoutEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_events_total",
		Help: "Checkout events by event and resulting state.",
	}, []string{"event", "state"})
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_payment_attempts_total",
		Help: "Payment attempts by gateway and status.",
	}, []string{"gateway", "status"})
	reconciliationGapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_reconciliation_gaps_total",
		Help: "Buyer returns from gateways without a synchronous confirmation.",
	}, []string{"gateway"})
)

// GetCheckoutEventsTotal exposes the event counter for tests.
func GetCheckoutEventsTotal() *prometheus.CounterVec { return checkoutEventsTotal }

// GetAttemptsTotal exposes the attempt counter for tests.
func GetAttemptsTotal() *prometheus.CounterVec { return attemptsTotal }

// GetReconciliationGapsTotal exposes the reconciliation gap counter for tests.
func GetReconciliationGapsTotal() *prometheus.CounterVec { return reconciliationGapsTotal }

// Orders is the order write path. *order.Service implements it.
type Orders interface {
	EnsureOrder(ctx context.Context, sessionKey string, cart order.CartSnapshot, shipping order.ShippingInfo, customer order.CustomerInfo) (order.Order, error)
	Get(ctx context.Context, orderID string) (order.Order, error)
	ConfirmPayment(ctx context.Context, orderID string, covered decimal.Decimal) (order.Order, error)
}

// Gateways dispatches to gateway adapters. *router.Router implements it.
type Gateways interface {
	Initiate(ctx context.Context, kind gateway.Kind, req gateway.InitiateRequest) (gateway.Handle, error)
	Confirm(ctx context.Context, kind gateway.Kind, h gateway.Handle, details gateway.PaymentMethodDetails) (gateway.Outcome, error)
	Capture(ctx context.Context, kind gateway.Kind, h gateway.Handle, approval gateway.Approval) (gateway.Outcome, error)
}

// Planner decides what an attempt on a gateway charges.
type Planner interface {
	Build(ctx context.Context, kind gateway.Kind, o order.Order) (planbuilder.Plan, error)
}

// PolicyEnforcer picks the affordance offered after a failure.
type PolicyEnforcer interface {
	Evaluate(f policy.Facts) policy.Decision
}

// URLs are the buyer and webhook endpoints passed to gateways. "{session}"
// and "{gateway}" are substituted per attempt.
type URLs struct {
	ReturnURL string
	CancelURL string
	NotifyURL string
}

func (u URLs) resolve(tmpl, sessionID string, kind gateway.Kind) string {
	return strings.NewReplacer("{session}", sessionID, "{gateway}", string(kind)).Replace(tmpl)
}

// Dependencies are shared by every orchestrator of a process.
type Dependencies struct {
	Orders         Orders
	Gateways       Gateways
	Planner        Planner
	Policy         PolicyEnforcer
	Journal        *reporting.Journal
	Logger         *zap.Logger
	Now            func() time.Time
	PaymentTimeout time.Duration
	// SessionRetention is how long an idle session is kept before the
	// registry evicts it. Zero means DefaultSessionRetention.
	SessionRetention time.Duration
	URLs             URLs
}

// DefaultSessionRetention applies when Dependencies.SessionRetention is zero.
const DefaultSessionRetention = 2 * time.Hour

// Failure is the last surfaced failure and the affordance offered for it.
type Failure struct {
	Kind          policy.FailureKind    `json:"kind"`
	Gateway       gateway.Kind          `json:"gateway,omitempty"`
	AttemptID     string                `json:"attemptId,omitempty"`
	DeclineReason gateway.DeclineReason `json:"declineReason,omitempty"`
	Error         string                `json:"error"`
	Decision      policy.Decision       `json:"decision"`
	At            time.Time             `json:"at"`
}

// Snapshot is a serialisable view of a checkout session.
type Snapshot struct {
	SessionID string             `json:"sessionId"`
	State     State              `json:"state"`
	Gateway   gateway.Kind       `json:"gateway,omitempty"`
	Shipping  order.ShippingInfo `json:"shippingInfo"`
	Cart      order.CartSnapshot `json:"cart"`
	Order     *order.Order       `json:"order,omitempty"`
	Attempts  []payment.Attempt  `json:"attempts"`
	Handle    *HandleView        `json:"handle,omitempty"`
	Failure   *Failure           `json:"failure,omitempty"`
}

// HandleView is the JSON rendering of the live attempt's gateway handle.
type HandleView struct {
	Type         string `json:"type"`
	Reference    string `json:"reference"`
	ApproveURL   string `json:"approveUrl,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	FormMarkup   string `json:"formMarkup,omitempty"`
}

// NewHandleView renders h.
func NewHandleView(h gateway.Handle) *HandleView {
	if h == nil {
		return nil
	}
	v := &HandleView{Type: gateway.HandleType(h), Reference: h.Reference()}
	switch hh := h.(type) {
	case gateway.RedirectHandle:
		v.ApproveURL = hh.ApproveURL
	case gateway.HostedFormHandle:
		v.ClientSecret = hh.ClientSecret
	case gateway.AutoSubmitFormHandle:
		v.FormMarkup = hh.FormMarkup
	}
	return v
}

// Orchestrator is the state machine of one checkout session.
type Orchestrator struct {
	mu sync.Mutex

	id       string
	deps     Dependencies
	state    State
	cart     order.CartSnapshot
	customer order.CustomerInfo
	shipping order.ShippingInfo
	order    *order.Order
	selected gateway.Kind
	session  *payment.Session
	failure  *Failure
	touched  time.Time
}

// withDefaults panics on missing collaborators and fills optional ones.
func (d Dependencies) withDefaults() Dependencies {
	if d.Orders == nil {
		panic("Orders cannot be nil")
	}
	if d.Gateways == nil {
		panic("Gateways cannot be nil")
	}
	if d.Planner == nil {
		panic("Planner cannot be nil")
	}
	if d.Policy == nil {
		panic("PolicyEnforcer cannot be nil")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SessionRetention <= 0 {
		d.SessionRetention = DefaultSessionRetention
	}
	return d
}

// NewOrchestrator creates the orchestrator of session id. The cart is
// snapshotted immediately. It panics on missing collaborators.
func NewOrchestrator(id string, cart order.CartSnapshot, customer order.CustomerInfo, deps Dependencies) *Orchestrator {
	if id == "" {
		panic("session id cannot be empty")
	}
	deps = deps.withDefaults()
	return &Orchestrator{
		id:       id,
		deps:     deps,
		state:    StateCollectingShipping,
		cart:     cart.Snapshot(),
		customer: customer,
		touched:  deps.Now(),
	}
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current state after applying any due timeout.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())
	return o.state
}

// Customer returns the buyer that opened the session.
func (o *Orchestrator) Customer() order.CustomerInfo { return o.customer }

// OrderID returns the id of the session's order, if one was created.
func (o *Orchestrator) OrderID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.order == nil {
		return ""
	}
	return o.order.ID
}

func (o *Orchestrator) logFields(ctx context.Context, extra ...zap.Field) []zap.Field {
	tc := checkoutctx.FromContext(ctx).With("session_id", o.id)
	if o.order != nil {
		tc = tc.With("order_id", o.order.ID)
	}
	return append(tc.Fields(), extra...)
}

func (o *Orchestrator) event(name string) {
	o.touched = o.deps.Now()
	checkoutEventsTotal.WithLabelValues(name, string(o.state)).Inc()
}

func (o *Orchestrator) journal(a payment.Attempt) {
	attemptsTotal.WithLabelValues(string(a.Gateway), string(a.Status)).Inc()
	if o.deps.Journal != nil {
		o.deps.Journal.Record(reporting.EntryFromAttempt(o.id, a, o.deps.Now()))
	}
}

func (o *Orchestrator) invalid(event string) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, event, o.state)
}

// UpdateShipping replaces the shipping info. It is accepted until the order
// exists.
func (o *Orchestrator) UpdateShipping(info order.ShippingInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.order != nil || (o.state != StateCollectingShipping && o.state != StateOrderPending) {
		return o.invalid("UpdateShipping")
	}
	o.shipping = info
	o.state = StateCollectingShipping
	o.event("update_shipping")
	return nil
}

// Proceed validates shipping and creates the order. Validation failures
// keep the session collecting shipping; a store failure leaves it in
// OrderPending and Proceed may be called again. Once the order exists
// Proceed returns it.
func (o *Orchestrator) Proceed(ctx context.Context) (order.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.order != nil {
		return *o.order, nil
	}
	if o.state != StateCollectingShipping && o.state != StateOrderPending {
		return order.Order{}, o.invalid("Proceed")
	}

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.Proceed")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.session_id", o.id))

	if problems := order.ValidateShipping(o.shipping); len(problems) > 0 {
		o.state = StateCollectingShipping
		o.event("proceed")
		return order.Order{}, &order.ValidationError{Problems: problems}
	}

	o.state = StateOrderPending
	created, err := o.deps.Orders.EnsureOrder(ctx, o.id, o.cart, o.shipping, o.customer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensure order failed")
		if order.IsValidation(err) {
			o.state = StateCollectingShipping
		} else {
			o.recordFailure(policy.FailureOrderCreation, "", payment.Attempt{}, err)
		}
		o.event("proceed")
		o.deps.Logger.Warn("Orchestrator: order not created", o.logFields(ctx, zap.Error(err))...)
		return order.Order{}, err
	}

	o.order = &created
	o.session = payment.NewSession(created.ID, o.deps.PaymentTimeout, o.deps.Now)
	o.state = StateOrderReady
	o.failure = nil
	o.event("proceed")
	o.deps.Logger.Info("Orchestrator: order ready", o.logFields(ctx, zap.String("order_number", created.Number))...)
	return created, nil
}

// SelectGateway picks the gateway for the next attempt. Selecting while a
// payment is in flight cancels the in-flight attempt first.
func (o *Orchestrator) SelectGateway(kind gateway.Kind) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())
	return o.selectLocked(context.Background(), kind)
}

func (o *Orchestrator) selectLocked(ctx context.Context, kind gateway.Kind) error {
	if _, err := gateway.ParseKind(string(kind)); err != nil {
		return err
	}
	if pending, err := o.confirmPendingLocked(ctx, "SelectGateway"); pending {
		return err
	}
	switch o.state {
	case StateOrderReady, StateGatewaySelected, StateFailed:
	case StatePaymentInFlight:
		if cur, ok := o.session.Current(); ok {
			cancelled, err := o.session.Cancel(cur.ID)
			if err != nil {
				return err
			}
			o.journal(cancelled)
			o.deps.Logger.Info("Orchestrator: switching gateway, attempt cancelled", o.logFields(ctx,
				zap.String("attempt_id", cancelled.ID), zap.String("from", string(cancelled.Gateway)), zap.String("to", string(kind)))...)
		}
	default:
		return o.invalid("SelectGateway")
	}
	o.selected = kind
	o.state = StateGatewaySelected
	o.failure = nil
	o.event("select_gateway")
	return nil
}

// StartPayment initiates a session on the selected gateway and records
// exactly one new attempt. If the gateway cannot start a session the
// checkout fails without recording an attempt.
func (o *Orchestrator) StartPayment(ctx context.Context) (payment.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())
	return o.startLocked(ctx)
}

func (o *Orchestrator) startLocked(ctx context.Context) (payment.Attempt, error) {
	if pending, err := o.confirmPendingLocked(ctx, "StartPayment"); pending {
		return payment.Attempt{}, err
	}
	if o.state != StateGatewaySelected || o.order == nil {
		return payment.Attempt{}, o.invalid("StartPayment")
	}
	kind := o.selected

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.StartPayment")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", string(kind)), attribute.String("order.id", o.order.ID))

	plan, err := o.deps.Planner.Build(ctx, kind, *o.order)
	if err != nil {
		err = &gateway.Error{Op: "orchestrator.StartPayment", Gateway: kind, Kind: gateway.ErrUnsupported, Err: err}
		span.RecordError(err)
		o.recordFailure(policy.FailureUnavailable, kind, payment.Attempt{}, err)
		o.state = StateFailed
		o.event("start_payment")
		return payment.Attempt{}, err
	}

	handle, err := o.deps.Gateways.Initiate(ctx, kind, gateway.InitiateRequest{
		OrderID:     o.order.ID,
		OrderNumber: o.order.Number,
		Amount:      plan.Amount,
		Currency:    plan.Currency,
		Customer:    o.order.Customer,
		ReturnURL:   o.deps.URLs.resolve(o.deps.URLs.ReturnURL, o.id, kind),
		CancelURL:   o.deps.URLs.resolve(o.deps.URLs.CancelURL, o.id, kind),
		NotifyURL:   o.deps.URLs.resolve(o.deps.URLs.NotifyURL, o.id, kind),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiate failed")
		o.recordFailure(failureKindOf(err), kind, payment.Attempt{}, err)
		o.state = StateFailed
		o.event("start_payment")
		o.deps.Logger.Warn("Orchestrator: gateway did not start a session", o.logFields(ctx, zap.String("gateway", string(kind)), zap.Error(err))...)
		return payment.Attempt{}, err
	}

	attempt, err := o.session.Begin(plan, handle)
	if err != nil {
		return payment.Attempt{}, err
	}
	o.journal(attempt)
	o.state = StatePaymentInFlight
	o.event("start_payment")
	o.deps.Logger.Info("Orchestrator: payment attempt started", o.logFields(ctx,
		zap.String("attempt_id", attempt.ID), zap.String("gateway", string(kind)),
		zap.String("amount", attempt.Amount.StringFixed(2)), zap.String("currency", attempt.Currency))...)
	return attempt, nil
}

// Pay selects kind and starts a payment on it.
func (o *Orchestrator) Pay(ctx context.Context, kind gateway.Kind) (payment.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())
	if err := o.selectLocked(ctx, kind); err != nil {
		return payment.Attempt{}, err
	}
	return o.startLocked(ctx)
}

// HandOff records that the buyer was redirected or the form was mounted.
func (o *Orchestrator) HandOff() (payment.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())

	if o.state != StatePaymentInFlight {
		return payment.Attempt{}, o.invalid("HandOff")
	}
	a, err := o.session.HandOff()
	if err != nil {
		return payment.Attempt{}, err
	}
	o.journal(a)
	o.event("handoff")
	return a, nil
}

// ConfirmCard submits the hosted card form's payment method.
func (o *Orchestrator) ConfirmCard(ctx context.Context, details gateway.PaymentMethodDetails) (payment.Attempt, error) {
	return o.complete(ctx, "confirm_card", func(ctx context.Context, a payment.Attempt) (gateway.Outcome, error) {
		return o.deps.Gateways.Confirm(ctx, a.Gateway, a.Handle, details)
	})
}

// ApproveWallet captures a wallet payment the buyer approved.
func (o *Orchestrator) ApproveWallet(ctx context.Context, approval gateway.Approval) (payment.Attempt, error) {
	return o.complete(ctx, "approve_wallet", func(ctx context.Context, a payment.Attempt) (gateway.Outcome, error) {
		return o.deps.Gateways.Capture(ctx, a.Gateway, a.Handle, approval)
	})
}

func (o *Orchestrator) complete(ctx context.Context, event string, call func(context.Context, payment.Attempt) (gateway.Outcome, error)) (payment.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())

	if o.state != StatePaymentInFlight {
		return payment.Attempt{}, o.invalid(event)
	}
	if a, ok := o.unconfirmedSuccess(); ok {
		err := o.finishLocked(ctx, a)
		o.event(event)
		return a, err
	}
	a, ok := o.session.Current()
	if !ok {
		return payment.Attempt{}, payment.ErrNoActiveAttempt
	}
	if a.Status == payment.StatusCreated {
		if handed, err := o.session.HandOff(); err == nil {
			a = handed
			o.journal(a)
		}
	}

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator."+event)
	defer span.End()
	span.SetAttributes(attribute.String("gateway", string(a.Gateway)), attribute.String("attempt.id", a.ID))

	out, err := call(ctx, a)
	if err != nil && !gateway.IsDeclined(err) {
		// the attempt stays live: the buyer may submit again or switch
		span.RecordError(err)
		o.recordFailure(failureKindOf(err), a.Gateway, a, err)
		o.event(event)
		o.deps.Logger.Warn("Orchestrator: gateway completion failed", o.logFields(ctx, zap.String("attempt_id", a.ID), zap.Error(err))...)
		return a, err
	}
	if err != nil {
		out = gateway.Outcome{Status: gateway.OutcomeDeclined, DeclineReason: gateway.DeclineReasonOf(err), Message: err.Error()}
	}
	resolved, err := o.settleLocked(ctx, a, out)
	o.event(event)
	return resolved, err
}

// settleLocked applies a completion signal to the live attempt a.
func (o *Orchestrator) settleLocked(ctx context.Context, a payment.Attempt, out gateway.Outcome) (payment.Attempt, error) {
	switch out.Status {
	case gateway.OutcomeSucceeded:
		if !out.Amount.IsZero() && (!out.Amount.Equal(a.Amount) || !strings.EqualFold(out.Currency, a.Currency)) {
			flagged, _ := o.session.FlagReconciliationGap()
			o.journal(flagged)
			err := fmt.Errorf("%w: gateway reported %s %s for attempt %s charging %s %s",
				order.ErrAmountMismatch, out.Amount.StringFixed(2), out.Currency, a.ID, a.Amount.StringFixed(2), a.Currency)
			o.deps.Logger.Error("Orchestrator: amount mismatch, not marking paid", o.logFields(ctx, zap.String("attempt_id", a.ID), zap.Error(err))...)
			return flagged, err
		}
		succeeded, err := o.session.Succeed(a.ID)
		if err != nil {
			return a, err
		}
		o.journal(succeeded)
		return succeeded, o.finishLocked(ctx, succeeded)

	case gateway.OutcomeDeclined:
		declined, err := o.session.Decline(a.ID, out.DeclineReason)
		if err != nil {
			return a, err
		}
		o.journal(declined)
		var cause error
		if out.Message != "" {
			cause = errors.New(out.Message)
		}
		derr := gateway.Declined("orchestrator.settle", a.Gateway, declined.DeclineReason, cause)
		o.recordFailure(policy.FailureDeclined, a.Gateway, declined, derr)
		o.state = StateFailed
		o.deps.Logger.Info("Orchestrator: payment declined", o.logFields(ctx,
			zap.String("attempt_id", a.ID), zap.String("reason", string(declined.DeclineReason)))...)
		return declined, derr

	default:
		return a, fmt.Errorf("%w: attempt %s on %s", ErrPaymentPending, a.ID, a.Gateway)
	}
}

// finishLocked records the succeeded attempt on the order. When the order
// store fails the attempt stays succeeded and the next completion event
// retries the confirmation.
func (o *Orchestrator) finishLocked(ctx context.Context, a payment.Attempt) error {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.ConfirmOrderPayment")
	defer span.End()

	paid, err := o.deps.Orders.ConfirmPayment(ctx, a.OrderID, a.OrderAmount)
	if err != nil {
		span.RecordError(err)
		o.deps.Logger.Error("Orchestrator: payment succeeded but order not confirmed", o.logFields(ctx, zap.String("attempt_id", a.ID), zap.Error(err))...)
		return fmt.Errorf("confirm payment of order %s: %w", a.OrderID, err)
	}
	o.order = &paid
	o.state = StateCompleted
	o.failure = nil
	o.deps.Logger.Info("Orchestrator: checkout completed", o.logFields(ctx, zap.String("attempt_id", a.ID), zap.String("gateway", string(a.Gateway)))...)
	return nil
}

func (o *Orchestrator) unconfirmedSuccess() (payment.Attempt, bool) {
	if o.session == nil {
		return payment.Attempt{}, false
	}
	last, ok := o.session.Last()
	if !ok || last.Status != payment.StatusSucceeded || (o.order != nil && o.order.IsPaid()) {
		return payment.Attempt{}, false
	}
	return last, true
}

// confirmPendingLocked retries the order confirmation of an attempt the
// gateway already charged. It reports whether such an attempt existed. If it
// did, the caller's event is refused: no new attempt starts and the checkout
// is not abandoned while a captured payment is unrecorded.
func (o *Orchestrator) confirmPendingLocked(ctx context.Context, event string) (bool, error) {
	a, ok := o.unconfirmedSuccess()
	if !ok {
		return false, nil
	}
	if err := o.finishLocked(ctx, a); err != nil {
		return true, fmt.Errorf("%w: %s: attempt %s on %s succeeded but its order is not confirmed yet: %w",
			ErrInvalidState, event, a.ID, a.Gateway, err)
	}
	o.event("confirm_retry")
	return true, o.invalid(event)
}

// ReturnFromGateway records the buyer coming back from a gateway. Gateways
// that confirm only server-to-server yield ErrReconciliationGap and the
// attempt stays live; the buyer's return is never taken as payment.
func (o *Orchestrator) ReturnFromGateway() (payment.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())

	if o.state == StateCompleted && o.session != nil {
		last, _ := o.session.Last()
		return last, nil
	}
	if o.state != StatePaymentInFlight {
		return payment.Attempt{}, o.invalid("ReturnFromGateway")
	}
	if last, ok := o.unconfirmedSuccess(); ok {
		err := o.finishLocked(context.Background(), last)
		o.event("return_from_gateway")
		return last, err
	}
	a, ok := o.session.Current()
	if !ok {
		return payment.Attempt{}, payment.ErrNoActiveAttempt
	}
	if a.Status == payment.StatusCreated {
		if handed, err := o.session.HandOff(); err == nil {
			a = handed
			o.journal(a)
		}
	}
	flagged, err := o.session.FlagReconciliationGap()
	if err != nil {
		return a, err
	}
	o.journal(flagged)
	reconciliationGapsTotal.WithLabelValues(string(flagged.Gateway)).Inc()
	o.event("return_from_gateway")
	o.deps.Logger.Warn("Orchestrator: buyer returned without confirmation", o.logFields(context.Background(),
		zap.String("attempt_id", flagged.ID), zap.String("gateway", string(flagged.Gateway)))...)
	return flagged, fmt.Errorf("%w: attempt %s on %s", ErrReconciliationGap, flagged.ID, flagged.Gateway)
}

// Reconcile applies a verified gateway notification. Redelivered
// notifications for resolved attempts are ignored. A success reported for an
// attempt that already ended without payment flags the attempt, leaves the
// order unpaid and yields ErrReconciliationGap. A success without amount and
// currency yields ErrAmountMismatch.
func (o *Orchestrator) Reconcile(ctx context.Context, n gateway.Notification) (payment.Attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())

	if o.session == nil {
		return payment.Attempt{}, payment.ErrNoActiveAttempt
	}
	a, err := o.session.Match(n.Gateway, n.ExternalReference)
	if err != nil {
		return payment.Attempt{}, err
	}
	if a.Status.Terminal() {
		if a.Status == payment.StatusSucceeded && o.order != nil && !o.order.IsPaid() {
			return a, o.finishLocked(ctx, a)
		}
		if n.Status == gateway.OutcomeSucceeded && a.Status != payment.StatusSucceeded {
			return o.gapLocked(ctx, a, fmt.Errorf("%w: %s reported success for attempt %s which is %s",
				ErrReconciliationGap, a.Gateway, a.ID, a.Status))
		}
		return a, nil
	}
	if n.Status == gateway.OutcomeSucceeded && (!n.Amount.IsPositive() || n.Currency == "") {
		flagged, ferr := o.gapLocked(ctx, a, fmt.Errorf("%w: %s success notification for attempt %s carries no amount",
			order.ErrAmountMismatch, a.Gateway, a.ID))
		o.event("reconcile")
		return flagged, ferr
	}

	resolved, err := o.settleLocked(ctx, a, gateway.Outcome{
		Status:            n.Status,
		ExternalReference: n.ExternalReference,
		DeclineReason:     n.DeclineReason,
		Amount:            n.Amount,
		Currency:          n.Currency,
	})
	o.event("reconcile")
	if gateway.IsDeclined(err) || errors.Is(err, ErrPaymentPending) {
		// the webhook was applied; the outcome is visible in the snapshot
		return resolved, nil
	}
	return resolved, err
}

// gapLocked flags attempt a as disagreeing with its gateway and returns
// cause. The order is not touched; an operator settles it.
func (o *Orchestrator) gapLocked(ctx context.Context, a payment.Attempt, cause error) (payment.Attempt, error) {
	if flagged, err := o.session.FlagAttemptGap(a.ID); err == nil {
		a = flagged
		o.journal(a)
	}
	reconciliationGapsTotal.WithLabelValues(string(a.Gateway)).Inc()
	o.deps.Logger.Error("Orchestrator: gateway report contradicts attempt", o.logFields(ctx,
		zap.String("attempt_id", a.ID), zap.String("status", string(a.Status)), zap.Error(cause))...)
	return a, cause
}

// CheckTimeout expires the awaiting attempt when its deadline has passed
// and reports whether it did. A timed-out attempt fails the checkout like a
// decline.
func (o *Orchestrator) CheckTimeout(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.expireLocked(now)
}

func (o *Orchestrator) expireLocked(now time.Time) bool {
	if o.state != StatePaymentInFlight || o.session == nil {
		return false
	}
	a, expired := o.session.Expire(now)
	if !expired {
		return false
	}
	o.journal(a)
	err := &gateway.Error{Op: "orchestrator.CheckTimeout", Gateway: a.Gateway, Kind: gateway.ErrTimeout,
		Err: fmt.Errorf("no completion signal for attempt %s", a.ID)}
	o.recordFailure(policy.FailureTimedOut, a.Gateway, a, err)
	o.state = StateFailed
	o.event("timeout")
	o.deps.Logger.Info("Orchestrator: payment attempt timed out", o.logFields(context.Background(), zap.String("attempt_id", a.ID))...)
	return true
}

// RetryPayment returns a failed checkout to OrderReady against the same order.
func (o *Orchestrator) RetryPayment() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())

	if o.state != StateFailed || o.order == nil {
		return o.invalid("RetryPayment")
	}
	o.state = StateOrderReady
	o.selected = ""
	o.event("retry")
	return nil
}

// Cancel aborts the checkout. The live attempt is cancelled; an existing
// order stays awaiting_payment. A checkout whose attempt succeeded at the
// gateway cannot be cancelled: Cancel retries the order confirmation and
// returns ErrInvalidState.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateCancelled:
		return nil
	case StateCompleted:
		return o.invalid("Cancel")
	}
	if pending, err := o.confirmPendingLocked(ctx, "Cancel"); pending {
		return err
	}
	if o.session != nil {
		if cur, ok := o.session.Current(); ok {
			if cancelled, err := o.session.Cancel(cur.ID); err == nil {
				o.journal(cancelled)
			}
		}
	}
	o.state = StateCancelled
	o.event("cancel")
	o.deps.Logger.Info("Orchestrator: checkout cancelled by buyer", o.logFields(ctx)...)
	return nil
}

// evictable applies a due timeout and reports whether the session has been
// idle for at least the retention. A session holding a charged but
// unconfirmed attempt is never evictable.
func (o *Orchestrator) evictable(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(now)
	if _, ok := o.unconfirmedSuccess(); ok {
		return false
	}
	return now.Sub(o.touched) >= o.deps.SessionRetention
}

// Detach records that the buyer left the checkout. A gateway session that
// already redirected keeps running, so nothing changes.
func (o *Orchestrator) Detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deps.Logger.Debug("Orchestrator: buyer detached", o.logFields(context.Background(), zap.String("state", string(o.state)))...)
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked(o.deps.Now())

	s := Snapshot{
		SessionID: o.id,
		State:     o.state,
		Gateway:   o.selected,
		Shipping:  o.shipping,
		Cart:      o.cart.Snapshot(),
		Attempts:  []payment.Attempt{},
	}
	if o.order != nil {
		ord := *o.order
		s.Order = &ord
	}
	if o.session != nil {
		s.Attempts = o.session.Attempts()
		if cur, ok := o.session.Current(); ok {
			s.Handle = NewHandleView(cur.Handle)
		}
	}
	if o.failure != nil {
		f := *o.failure
		s.Failure = &f
	}
	return s
}

func (o *Orchestrator) recordFailure(kind policy.FailureKind, gw gateway.Kind, a payment.Attempt, err error) {
	facts := policy.Facts{
		FailureKind:   kind,
		DeclineReason: a.DeclineReason,
		Gateway:       gw,
	}
	if o.session != nil {
		facts.AttemptCount = len(o.session.Attempts())
	}
	if o.order != nil {
		facts.OrderTotal = o.order.TotalAmount.InexactFloat64()
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.failure = &Failure{
		Kind:          kind,
		Gateway:       gw,
		AttemptID:     a.ID,
		DeclineReason: a.DeclineReason,
		Error:         msg,
		Decision:      o.deps.Policy.Evaluate(facts),
		At:            o.deps.Now(),
	}
}

func failureKindOf(err error) policy.FailureKind {
	switch {
	case gateway.IsDeclined(err):
		return policy.FailureDeclined
	case gateway.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return policy.FailureTimedOut
	default:
		return policy.FailureUnavailable
	}
}
