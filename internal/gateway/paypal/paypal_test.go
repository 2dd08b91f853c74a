package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

// fakePayPal serves the token, create-order and capture endpoints.
type fakePayPal struct {
	tokenCalls   int32
	createStatus int
	captureBody  string
	captureCode  int
	requestIDs   []string
}

func (f *fakePayPal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/oauth2/token":
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "A21", "expires_in": 3600})
	case "/v2/checkout/orders":
		f.requestIDs = append(f.requestIDs, r.Header.Get("PayPal-Request-Id"))
		if r.Header.Get("Authorization") != "Bearer A21" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
			return
		}
		var req createOrderRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "5O190127TN364715T",
			"status": "CREATED",
			"links": []map[string]string{
				{"rel": "self", "href": "https://api.paypal.test/v2/checkout/orders/5O190127TN364715T"},
				{"rel": "approve", "href": "https://www.paypal.test/checkoutnow?token=5O190127TN364715T&amount=" + req.PurchaseUnits[0].Amount.Value},
			},
		})
	case "/v2/checkout/orders/5O190127TN364715T/capture":
		f.requestIDs = append(f.requestIDs, r.Header.Get("PayPal-Request-Id"))
		code := f.captureCode
		if code == 0 {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
		w.Write([]byte(f.captureBody))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestAdapter(server *httptest.Server) *Adapter {
	a := New("client", "secret", server.URL, server.Client())
	a.Transport().RetryDelay = time.Millisecond
	return a
}

func walletRequest() gateway.InitiateRequest {
	return gateway.InitiateRequest{
		OrderID:   "O-7",
		Amount:    decimal.RequireFromString("13.89"),
		Currency:  "USD",
		ReturnURL: "https://shop.test/checkout/return",
		CancelURL: "https://shop.test/checkout/cancel",
	}
}

func TestAdapter_InitiateReturnsApproveLink(t *testing.T) {
	fake := &fakePayPal{}
	server := httptest.NewServer(fake)
	defer server.Close()
	a := newTestAdapter(server)

	h, err := a.Initiate(context.Background(), walletRequest())
	require.NoError(t, err)
	redirect, ok := h.(gateway.RedirectHandle)
	require.True(t, ok)
	assert.Equal(t, "5O190127TN364715T", redirect.Reference())
	assert.Contains(t, redirect.ApproveURL, "amount=13.89")
	assert.Equal(t, []string{"O-7"}, fake.requestIDs)

	// token is cached across calls
	_, err = a.Initiate(context.Background(), walletRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokenCalls))
}

func TestAdapter_InitiateUnavailable(t *testing.T) {
	fake := &fakePayPal{createStatus: http.StatusBadGateway}
	server := httptest.NewServer(fake)
	defer server.Close()

	_, err := newTestAdapter(server).Initiate(context.Background(), walletRequest())
	require.Error(t, err)
	assert.True(t, gateway.IsUnavailable(err))
	assert.Len(t, fake.requestIDs, gateway.DefaultRetryAttempts+1)
}

func TestAdapter_InitiateBadCredentials(t *testing.T) {
	server := httptest.NewServer(&fakePayPal{})
	defer server.Close()
	a := New("client", "wrong", server.URL, server.Client())

	_, err := a.Initiate(context.Background(), walletRequest())
	require.Error(t, err)
	assert.True(t, gateway.IsUnavailable(err))
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestAdapter_Capture(t *testing.T) {
	handle := gateway.RedirectHandle{ExternalReference: "5O190127TN364715T"}

	t.Run("completed", func(t *testing.T) {
		fake := &fakePayPal{captureBody: `{"id":"5O190127TN364715T","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"3C6","status":"COMPLETED","amount":{"currency_code":"USD","value":"13.89"}}]}}]}`}
		server := httptest.NewServer(fake)
		defer server.Close()

		out, err := newTestAdapter(server).Capture(context.Background(), handle, gateway.Approval{ExternalOrderID: "5O190127TN364715T", PayerID: "PAYER1"})
		require.NoError(t, err)
		assert.Equal(t, gateway.OutcomeSucceeded, out.Status)
		assert.True(t, decimal.RequireFromString("13.89").Equal(out.Amount))
		assert.Equal(t, "USD", out.Currency)
		assert.Equal(t, []string{"5O190127TN364715T-capture"}, fake.requestIDs)
	})

	t.Run("instrument declined", func(t *testing.T) {
		fake := &fakePayPal{
			captureCode: http.StatusUnprocessableEntity,
			captureBody: `{"name":"UNPROCESSABLE_ENTITY","message":"The instrument presented was either declined by the processor or bank.","details":[{"issue":"INSTRUMENT_DECLINED"}]}`,
		}
		server := httptest.NewServer(fake)
		defer server.Close()

		out, err := newTestAdapter(server).Capture(context.Background(), handle, gateway.Approval{})
		require.NoError(t, err)
		assert.Equal(t, gateway.OutcomeDeclined, out.Status)
		assert.Equal(t, gateway.DeclineInstrumentDeclined, out.DeclineReason)
	})

	t.Run("approval for another order", func(t *testing.T) {
		server := httptest.NewServer(&fakePayPal{})
		defer server.Close()

		_, err := newTestAdapter(server).Capture(context.Background(), handle, gateway.Approval{ExternalOrderID: "OTHER"})
		require.Error(t, err)
		assert.True(t, gateway.IsDeclined(err))
	})

	t.Run("wrong handle", func(t *testing.T) {
		a := New("client", "secret", "http://paypal.invalid", nil)
		_, err := a.Capture(context.Background(), gateway.HostedFormHandle{ExternalReference: "pi"}, gateway.Approval{})
		assert.ErrorIs(t, err, gateway.ErrUnsupported)
	})
}
