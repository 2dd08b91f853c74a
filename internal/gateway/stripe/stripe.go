// Package stripe implements the hosted card element gateway on top of the
// Stripe PaymentIntents API.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

const stripeAPIBaseURL = "https://api.stripe.com/v1"

// Adapter implements gateway.Adapter and gateway.Confirmer for the hosted
// card element.
type Adapter struct {
	transport  *gateway.Transport
	apiBaseURL string
	apiKey     string
}

// New creates an Adapter. An empty baseURL uses the public Stripe API.
func New(apiKey, baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = stripeAPIBaseURL
	}
	return &Adapter{
		transport:  gateway.NewTransport(client),
		apiBaseURL: strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Transport exposes the retry settings for tuning and tests.
func (s *Adapter) Transport() *gateway.Transport { return s.transport }

func (s *Adapter) Kind() gateway.Kind { return gateway.HostedCardElement }

// errorResponse is the error body returned by the Stripe API.
type errorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

type paymentIntent struct {
	ID               string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

// toMinorUnits converts a two-decimal amount into cents.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func buildIntentPayload(req gateway.InitiateRequest) url.Values {
	payload := url.Values{}
	payload.Set("amount", strconv.FormatInt(toMinorUnits(req.Amount), 10))
	payload.Set("currency", strings.ToLower(req.Currency))
	payload.Set("automatic_payment_methods[enabled]", "true")
	payload.Set("metadata[order_id]", req.OrderID)
	if req.OrderNumber != "" {
		payload.Set("description", fmt.Sprintf("Order %s", req.OrderNumber))
		payload.Set("metadata[order_number]", req.OrderNumber)
	}
	if req.Customer.Email != "" {
		payload.Set("receipt_email", req.Customer.Email)
	}
	return payload
}

func (s *Adapter) post(ctx context.Context, path, idempotencyKey string, payload url.Values) (*gateway.Response, error) {
	body := []byte(payload.Encode())
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.apiKey)
	header.Set("Idempotency-Key", idempotencyKey)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.transport.Do(ctx, gateway.JSONRequest(http.MethodPost, s.apiBaseURL+path, body, header))
}

// Initiate creates a PaymentIntent keyed on the order id and returns the
// client secret for the hosted card element.
func (s *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.Handle, error) {
	const op = "stripe.Initiate"
	if err := req.Validate(); err != nil {
		return nil, gateway.Unavailable(op, s.Kind(), 0, err)
	}

	resp, err := s.post(ctx, "/payment_intents", req.OrderID, buildIntentPayload(req))
	if err != nil {
		return nil, gateway.Unavailable(op, s.Kind(), 0, err)
	}
	if !resp.OK() {
		return nil, gateway.Unavailable(op, s.Kind(), resp.StatusCode, describeError(resp))
	}

	var intent paymentIntent
	if err := json.Unmarshal(resp.Body, &intent); err != nil || intent.ID == "" || intent.ClientSecret == "" {
		return nil, gateway.Unavailable(op, s.Kind(), resp.StatusCode, fmt.Errorf("malformed payment intent response: %s", string(resp.Body)))
	}
	return gateway.HostedFormHandle{ExternalReference: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// Confirm confirms the PaymentIntent behind h with the payment method the
// hosted element produced. Card declines come back as a declined Outcome,
// not as an error.
func (s *Adapter) Confirm(ctx context.Context, h gateway.Handle, details gateway.PaymentMethodDetails) (gateway.Outcome, error) {
	const op = "stripe.Confirm"
	form, ok := h.(gateway.HostedFormHandle)
	if !ok {
		return gateway.Outcome{}, &gateway.Error{Op: op, Gateway: s.Kind(), Kind: gateway.ErrUnsupported, Err: fmt.Errorf("unexpected handle %T", h)}
	}
	if details.PaymentMethodID == "" {
		return gateway.Outcome{}, gateway.Unavailable(op, s.Kind(), 0, fmt.Errorf("payment method is required"))
	}

	payload := url.Values{}
	payload.Set("payment_method", details.PaymentMethodID)
	resp, err := s.post(ctx, "/payment_intents/"+url.PathEscape(form.ExternalReference)+"/confirm",
		form.ExternalReference+"-confirm-"+details.PaymentMethodID, payload)
	if err != nil {
		return gateway.Outcome{}, gateway.Unavailable(op, s.Kind(), 0, err)
	}

	if resp.OK() {
		var intent paymentIntent
		if err := json.Unmarshal(resp.Body, &intent); err != nil {
			return gateway.Outcome{}, gateway.Unavailable(op, s.Kind(), resp.StatusCode, fmt.Errorf("malformed confirm response: %w", err))
		}
		return intentOutcome(intent), nil
	}

	var errResp errorResponse
	if jsonErr := json.Unmarshal(resp.Body, &errResp); jsonErr == nil && errResp.Error.Type == "card_error" {
		code := errResp.Error.Code
		if errResp.Error.DeclineCode != "" {
			code = errResp.Error.DeclineCode
		}
		return gateway.Outcome{
			Status:            gateway.OutcomeDeclined,
			ExternalReference: form.ExternalReference,
			DeclineReason:     gateway.ParseDeclineReason(code),
			Message:           errResp.Error.Message,
		}, nil
	}
	return gateway.Outcome{}, gateway.Unavailable(op, s.Kind(), resp.StatusCode, describeError(resp))
}

func intentOutcome(intent paymentIntent) gateway.Outcome {
	out := gateway.Outcome{
		ExternalReference: intent.ID,
		Amount:            fromMinorUnits(intent.Amount),
		Currency:          strings.ToUpper(intent.Currency),
	}
	switch intent.Status {
	case "succeeded":
		out.Status = gateway.OutcomeSucceeded
	case "requires_payment_method", "canceled":
		out.Status = gateway.OutcomeDeclined
		code := intent.Status
		if intent.LastPaymentError != nil {
			code = intent.LastPaymentError.Code
			if intent.LastPaymentError.DeclineCode != "" {
				code = intent.LastPaymentError.DeclineCode
			}
			out.Message = intent.LastPaymentError.Message
		}
		out.DeclineReason = gateway.ParseDeclineReason(code)
	default:
		// processing, requires_action, requires_capture
		out.Status = gateway.OutcomePending
	}
	return out
}

func describeError(resp *gateway.Response) error {
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("stripe API error %s: %s", errResp.Error.Code, errResp.Error.Message)
	}
	return fmt.Errorf("stripe API request failed with HTTP %d: %s", resp.StatusCode, string(resp.Body))
}
