package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/gateway/localpay"
	gatewaymock "github.com/yourorg/nursery-checkout/internal/gateway/mock"
	"github.com/yourorg/nursery-checkout/internal/order"
	"github.com/yourorg/nursery-checkout/internal/orchestrator"
	"github.com/yourorg/nursery-checkout/internal/payment"
	"github.com/yourorg/nursery-checkout/internal/planbuilder"
	"github.com/yourorg/nursery-checkout/internal/policy"
	"github.com/yourorg/nursery-checkout/internal/processor"
	"github.com/yourorg/nursery-checkout/internal/reporting"
	"github.com/yourorg/nursery-checkout/internal/router"
	"github.com/yourorg/nursery-checkout/internal/router/circuitbreaker"
)

var testSecret = []byte("api-test-secret")

type testEnv struct {
	handler  http.Handler
	card     *gatewaymock.Adapter
	localA   *localpay.Adapter
	orders   *order.Service
	registry *orchestrator.Registry
}

// newTestEnv wires the service the way cmd/server does, with a fake
// local gateway behind the real localpay adapter and mocks for the rest.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	localAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrderID string `json:"orderId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"paymentId":  "lp-" + req.OrderID,
			"paymentUrl": "https://pay.localpay.example/lp-" + req.OrderID,
		})
	}))
	t.Cleanup(localAPI.Close)

	env := &testEnv{
		card:   gatewaymock.NewAdapter(gateway.HostedCardElement),
		localA: localpay.NewLinkGateway(localAPI.URL, "nursery", "whsec", localAPI.Client()),
		orders: order.NewService(order.NewMemoryStore()),
	}
	rtr := router.NewRouter(
		processor.NewProcessor(env.card, env.localA, gatewaymock.NewAdapter(gateway.WalletRedirect), gatewaymock.NewAdapter(gateway.LocalGatewayB)),
		circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{}),
		zap.NewNop(),
	)
	planner := planbuilder.NewBuilder(
		planbuilder.StaticRates{"MDL:EUR": decimal.RequireFromString("0.0509"), "MDL:USD": decimal.RequireFromString("0.0556")},
		map[gateway.Kind]string{gateway.HostedCardElement: "EUR", gateway.WalletRedirect: "USD"},
		nil,
	)
	enforcer, err := policy.NewPaymentPolicyEnforcer(policy.DefaultRules())
	require.NoError(t, err)
	journal := reporting.NewJournal()

	env.registry = orchestrator.NewRegistry(orchestrator.Dependencies{
		Orders:         env.orders,
		Gateways:       rtr,
		Planner:        planner,
		Policy:         enforcer,
		Journal:        journal,
		PaymentTimeout: 15 * time.Minute,
		URLs:           orchestrator.URLs{NotifyURL: "http://checkout.test/webhooks/{gateway}"},
	})
	srv := NewServer(Options{
		Registry:      env.registry,
		Reconciler:    orchestrator.NewReconciler(env.registry, env.orders, planner, nil),
		Notifications: rtr,
		Orders:        env.orders,
		Journal:       journal,
		Health:        rtr,
		JWTSecret:     testSecret,
	})
	env.handler = srv.Handler()
	return env
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, TokenClaims{
		Name:  "Ana Popescu",
		Email: "Ana@Example.com",
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) orchestrator.Snapshot {
	t.Helper()
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap), w.Body.String())
	return snap
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

var (
	cartJSON = map[string]interface{}{
		"currency": "MDL",
		"items": []map[string]interface{}{
			{"productId": "monstera", "title": "Monstera deliciosa", "quantity": 2, "unitPrice": "125.00"},
		},
	}
	shippingJSON = map[string]string{
		"fullName":   "Ana Popescu",
		"phone":      "+37369000000",
		"address":    "Str. Florilor 12",
		"city":       "Chisinau",
		"country":    "MD",
		"postalCode": "MD-2001",
	}
)

// startReady opens a session with shipping and proceeds to an order.
func (e *testEnv) startReady(t *testing.T, bearer string) orchestrator.Snapshot {
	t.Helper()
	w := e.do(t, http.MethodPost, "/checkout/sessions", bearer, map[string]interface{}{"cart": cartJSON, "shipping": shippingJSON})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	snap := decodeSnapshot(t, w)

	w = e.do(t, http.MethodPost, "/checkout/sessions/"+snap.SessionID+"/proceed", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSnapshot(t, w)
	require.NotNil(t, snap.Order)
	return snap
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/checkout/sessions", "", map[string]interface{}{"cart": cartJSON})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := IssueToken([]byte("someone-else"), TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"}})
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/checkout/sessions", forged, map[string]interface{}{"cart": cartJSON})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	anonymous, err := IssueToken(testSecret, TokenClaims{Email: "x@example.com"})
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/checkout/sessions", anonymous, map[string]interface{}{"cart": cartJSON})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Code)
}

func TestCardCheckout(t *testing.T) {
	env := newTestEnv(t)
	bearer := token(t, "u-42", "")
	snap := env.startReady(t, bearer)
	assert.Equal(t, orchestrator.StateOrderReady, snap.State)
	assert.Equal(t, "O-1", snap.Order.ID)
	assert.Equal(t, "ana@example.com", snap.Order.Customer.Email)
	assert.True(t, decimal.NewFromInt(250).Equal(snap.Order.TotalAmount))
	base := "/checkout/sessions/" + snap.SessionID

	w := env.do(t, http.MethodPost, base+"/payments", bearer, map[string]string{"gateway": "hosted_card_element"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSnapshot(t, w)
	assert.Equal(t, orchestrator.StatePaymentInFlight, snap.State)
	require.NotNil(t, snap.Handle)
	assert.Equal(t, "hosted_form", snap.Handle.Type)
	assert.NotEmpty(t, snap.Handle.ClientSecret)
	require.Len(t, snap.Attempts, 1)
	assert.Equal(t, "12.73", snap.Attempts[0].Amount.StringFixed(2))

	w = env.do(t, http.MethodPost, base+"/payments/confirm", bearer, map[string]string{"paymentMethodId": "pm_card_visa"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSnapshot(t, w)
	assert.Equal(t, orchestrator.StateCompleted, snap.State)
	assert.Equal(t, order.PaymentPaid, snap.Order.PaymentStatus)
	assert.Equal(t, payment.StatusSucceeded, snap.Attempts[0].Status)
}

func TestCardDecline(t *testing.T) {
	env := newTestEnv(t)
	env.card.ConfirmFunc = func(_ context.Context, h gateway.Handle, _ gateway.PaymentMethodDetails) (gateway.Outcome, error) {
		return gateway.Outcome{Status: gateway.OutcomeDeclined, ExternalReference: h.Reference(), DeclineReason: gateway.DeclineInsufficientFunds}, nil
	}
	bearer := token(t, "u-42", "")
	snap := env.startReady(t, bearer)
	base := "/checkout/sessions/" + snap.SessionID

	w := env.do(t, http.MethodPost, base+"/payments", bearer, map[string]string{"gateway": "hosted_card_element"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, base+"/payments/confirm", bearer, map[string]string{"paymentMethodId": "pm_declined"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "declined", body.Code)
	require.NotNil(t, body.Session)
	assert.Equal(t, orchestrator.StateFailed, body.Session.State)
	require.NotNil(t, body.Session.Failure)
	assert.Equal(t, policy.AffordanceRetry, body.Session.Failure.Decision.Affordance)
	assert.Equal(t, order.PaymentUnpaid, body.Session.Order.PaymentStatus)

	w = env.do(t, http.MethodPost, base+"/retry", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orchestrator.StateOrderReady, decodeSnapshot(t, w).State)
}

func TestLocalGatewayReconciliation(t *testing.T) {
	env := newTestEnv(t)
	bearer := token(t, "u-42", "")
	snap := env.startReady(t, bearer)
	base := "/checkout/sessions/" + snap.SessionID

	w := env.do(t, http.MethodPost, base+"/payments", bearer, map[string]string{"gateway": "local_gateway_a"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSnapshot(t, w)
	require.NotNil(t, snap.Handle)
	assert.Equal(t, "redirect", snap.Handle.Type)
	assert.Equal(t, "https://pay.localpay.example/lp-O-1", snap.Handle.ApproveURL)

	w = env.do(t, http.MethodPost, base+"/payments/handoff", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// the buyer comes back before the gateway reported anything
	w = env.do(t, http.MethodPost, base+"/payments/return", bearer, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "reconciliation_gap", body.Code)
	require.NotNil(t, body.Session)
	assert.Equal(t, order.PaymentUnpaid, body.Session.Order.PaymentStatus)
	assert.True(t, body.Session.Attempts[0].ReconciliationGap)

	notification := `{"paymentId":"lp-O-1","orderId":"O-1","status":"paid","amount":"250.00","currency":"MDL"}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/local_gateway_a", strings.NewReader(notification))
	req.Header.Set(localpay.SignatureHeader, "deadbeef")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/local_gateway_a", strings.NewReader(notification))
	req.Header.Set(localpay.SignatureHeader, env.localA.Sign([]byte(notification)))
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res orchestrator.ReconcileResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Applied)
	assert.Equal(t, snap.SessionID, res.SessionID)

	w = env.do(t, http.MethodGet, base, bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap = decodeSnapshot(t, w)
	assert.Equal(t, orchestrator.StateCompleted, snap.State)
	assert.True(t, snap.Order.IsPaid())
}

func TestWebhookSuccessAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	bearer := token(t, "u-42", "")
	snap := env.startReady(t, bearer)
	base := "/checkout/sessions/" + snap.SessionID

	w := env.do(t, http.MethodPost, base+"/payments", bearer, map[string]string{"gateway": "local_gateway_a"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, base+"/payments/handoff", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, base+"/cancel", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	send := func(notification string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/local_gateway_a", strings.NewReader(notification))
		req.Header.Set(localpay.SignatureHeader, env.localA.Sign([]byte(notification)))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	w = send(`{"paymentId":"lp-O-1","orderId":"O-1","status":"paid"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "a paid notification must carry its amount")

	w = send(`{"paymentId":"lp-O-1","orderId":"O-1","status":"paid","amount":"250.00","currency":"MDL"}`)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "reconciliation_gap", decodeError(t, w).Code)

	w = env.do(t, http.MethodGet, base, bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap = decodeSnapshot(t, w)
	assert.Equal(t, orchestrator.StateCancelled, snap.State)
	require.Len(t, snap.Attempts, 1)
	assert.True(t, snap.Attempts[0].ReconciliationGap)
	assert.False(t, snap.Order.IsPaid())
}

func TestWebhookRejections(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/webhooks/cash_on_delivery", "", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/webhooks/local_gateway_a", "", `{"orderId":"O-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "contract requires paymentId and status")

	w = env.do(t, http.MethodPost, "/webhooks/wallet_redirect", "", `{"id":"WH-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "unsupported", decodeError(t, w).Code)
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	bearer := token(t, "u-42", "")

	badCart := map[string]interface{}{"cart": map[string]interface{}{
		"currency": "MDL",
		"items":    []map[string]interface{}{{"productId": "fern", "quantity": 1, "unitPrice": 12.5}},
	}}
	w := env.do(t, http.MethodPost, "/checkout/sessions", bearer, badCart)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, decodeError(t, w).Problems)

	w = env.do(t, http.MethodPost, "/checkout/sessions", bearer, "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// empty cart is well-formed but not checkout-able
	w = env.do(t, http.MethodPost, "/checkout/sessions", bearer, map[string]interface{}{
		"cart": map[string]interface{}{"currency": "MDL", "items": []interface{}{}}, "shipping": shippingJSON,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeSnapshot(t, w).SessionID
	w = env.do(t, http.MethodPost, "/checkout/sessions/"+id+"/proceed", bearer, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "validation", body.Code)
	assert.Contains(t, body.Problems, "cart: must not be empty")
	assert.Equal(t, orchestrator.StateCollectingShipping, body.Session.State)

	// missing shipping
	w = env.do(t, http.MethodPost, "/checkout/sessions", bearer, map[string]interface{}{"cart": cartJSON})
	require.Equal(t, http.StatusCreated, w.Code)
	id = decodeSnapshot(t, w).SessionID
	w = env.do(t, http.MethodPut, "/checkout/sessions/"+id+"/shipping", bearer, map[string]string{"fullName": "Ana", "planet": "Mars"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown shipping fields are rejected")
	w = env.do(t, http.MethodPut, "/checkout/sessions/"+id+"/shipping", bearer, map[string]string{"fullName": "Ana"})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/checkout/sessions/"+id+"/proceed", bearer, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decodeError(t, w).Problems, "shipping.city: required")
	_, created := env.orders.SessionOrder(id)
	assert.False(t, created)

	w = env.do(t, http.MethodPost, "/checkout/sessions/"+id+"/payments", bearer, map[string]string{"gateway": "bitcoin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/checkout/sessions/"+id+"/payments", bearer, map[string]string{"gateway": "wallet_redirect"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decodeError(t, w).Code)
}

func TestSessionOwnership(t *testing.T) {
	env := newTestEnv(t)
	snap := env.startReady(t, token(t, "u-42", ""))

	w := env.do(t, http.MethodGet, "/checkout/sessions/"+snap.SessionID, token(t, "u-7", ""), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/checkout/sessions/nope", token(t, "u-42", ""), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAndDetach(t *testing.T) {
	env := newTestEnv(t)
	bearer := token(t, "u-42", "")
	snap := env.startReady(t, bearer)
	base := "/checkout/sessions/" + snap.SessionID

	w := env.do(t, http.MethodPost, base+"/payments", bearer, map[string]string{"gateway": "local_gateway_b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "auto_submit_form", decodeSnapshot(t, w).Handle.Type)

	w = env.do(t, http.MethodPost, base+"/detach", bearer, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, base, bearer, nil)
	assert.Equal(t, orchestrator.StatePaymentInFlight, decodeSnapshot(t, w).State)

	w = env.do(t, http.MethodPost, base+"/cancel", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap = decodeSnapshot(t, w)
	assert.Equal(t, orchestrator.StateCancelled, snap.State)
	assert.Equal(t, payment.StatusCancelled, snap.Attempts[0].Status)
	assert.Equal(t, order.StatusAwaitingPayment, snap.Order.Status)
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	bearer := token(t, "u-42", "")
	admin := token(t, "ops-1", roleAdmin)
	snap := env.startReady(t, bearer)
	base := "/checkout/sessions/" + snap.SessionID
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/payments", bearer, map[string]string{"gateway": "hosted_card_element"}).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/payments/confirm", bearer, map[string]string{"paymentMethodId": "pm_1"}).Code)

	w := env.do(t, http.MethodGet, "/admin/checkout/retrospective", bearer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/admin/checkout/retrospective?session="+snap.SessionID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report reporting.RetrospectiveReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.TotalAttempts)
	assert.Equal(t, 1, report.Succeeded)

	w = env.do(t, http.MethodPost, "/admin/orders/O-1/cancel", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "paid orders cannot be cancelled")
	assert.Equal(t, "already_paid", decodeError(t, w).Code)

	other := env.startReady(t, token(t, "u-43", ""))
	w = env.do(t, http.MethodPost, "/admin/orders/"+other.Order.ID+"/cancel", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, order.StatusCancelled, cancelled.Status)

	w = env.do(t, http.MethodPost, "/admin/orders/O-404/cancel", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status   string                 `json:"status"`
		Gateways []router.GatewayStatus `json:"gateways"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Len(t, health.Gateways, 4)

	env.startReady(t, token(t, "u-42", ""))
	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "checkout_events_total")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&order.ValidationError{Problems: []string{"x"}}, http.StatusUnprocessableEntity, "validation"},
		{&order.CreationError{SessionKey: "s", Err: order.ErrNotFound}, http.StatusBadGateway, "order_creation"},
		{gateway.Unavailable("op", gateway.WalletRedirect, 503, nil), http.StatusServiceUnavailable, "unavailable"},
		{gateway.Declined("op", gateway.WalletRedirect, gateway.DeclineCardDeclined, nil), http.StatusPaymentRequired, "declined"},
		{&gateway.Error{Op: "op", Kind: gateway.ErrTimeout}, http.StatusRequestTimeout, "timeout"},
		{orchestrator.ErrReconciliationGap, http.StatusAccepted, "reconciliation_gap"},
		{orchestrator.ErrInvalidState, http.StatusConflict, "invalid_state"},
		{order.ErrAmountMismatch, http.StatusConflict, "amount_mismatch"},
		{orchestrator.ErrSessionNotFound, http.StatusNotFound, "not_found"},
		{context.Canceled, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
