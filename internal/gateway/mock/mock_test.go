package mock

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

func TestAdapter_DefaultHandles(t *testing.T) {
	req := gateway.InitiateRequest{OrderID: "O-1", Amount: decimal.RequireFromString("12.73"), Currency: "EUR"}
	tests := []struct {
		kind     gateway.Kind
		wantType string
	}{
		{gateway.WalletRedirect, "redirect"},
		{gateway.LocalGatewayA, "redirect"},
		{gateway.LocalGatewayB, "auto_submit_form"},
		{gateway.HostedCardElement, "hosted_form"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			m := NewAdapter(tt.kind)
			assert.Equal(t, tt.kind, m.Kind())
			h, err := m.Initiate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, gateway.HandleType(h))
			assert.NotEmpty(t, h.Reference())
			assert.Len(t, m.Requests(), 1)
		})
	}
}

func TestAdapter_DefaultConfirmReportsInitiatedAmount(t *testing.T) {
	m := NewAdapter(gateway.HostedCardElement)
	h, err := m.Initiate(context.Background(), gateway.InitiateRequest{OrderID: "O-1", Amount: decimal.RequireFromString("12.73"), Currency: "EUR"})
	require.NoError(t, err)

	out, err := m.Confirm(context.Background(), h, gateway.PaymentMethodDetails{PaymentMethodID: "pm"})
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeSucceeded, out.Status)
	assert.True(t, decimal.RequireFromString("12.73").Equal(out.Amount))
	assert.Equal(t, "EUR", out.Currency)
}

func TestAdapter_CustomFuncs(t *testing.T) {
	m := NewAdapter(gateway.WalletRedirect)
	expectedErr := gateway.Unavailable("mock.Initiate", gateway.WalletRedirect, 503, fmt.Errorf("down"))
	m.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.Handle, error) {
		return nil, expectedErr
	}
	m.CaptureFunc = func(ctx context.Context, h gateway.Handle, a gateway.Approval) (gateway.Outcome, error) {
		return gateway.Outcome{Status: gateway.OutcomeDeclined, DeclineReason: gateway.DeclineInstrumentDeclined}, nil
	}

	_, err := m.Initiate(context.Background(), gateway.InitiateRequest{OrderID: "O-1"})
	assert.Equal(t, expectedErr, err)
	assert.True(t, gateway.IsUnavailable(err))

	out, err := m.Capture(context.Background(), gateway.RedirectHandle{ExternalReference: "r"}, gateway.Approval{})
	require.NoError(t, err)
	assert.Equal(t, gateway.DeclineInstrumentDeclined, out.DeclineReason)
}
