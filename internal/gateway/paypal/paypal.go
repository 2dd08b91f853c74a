// Package paypal implements the wallet redirect gateway on top of the
// PayPal Orders v2 API.
package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

const paypalAPIBaseURL = "https://api-m.paypal.com"

// Adapter implements gateway.Adapter and gateway.Capturer.
type Adapter struct {
	transport    *gateway.Transport
	apiBaseURL   string
	clientID     string
	clientSecret string
	now          func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates an Adapter. An empty baseURL uses the live PayPal API.
func New(clientID, clientSecret, baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = paypalAPIBaseURL
	}
	return &Adapter{
		transport:    gateway.NewTransport(client),
		apiBaseURL:   strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// Transport exposes the retry settings for tuning and tests.
func (p *Adapter) Transport() *gateway.Transport { return p.transport }

func (p *Adapter) Kind() gateway.Kind { return gateway.WalletRedirect }

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id,omitempty"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	Amount      money  `json:"amount"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Amount money  `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e errorResponse) issue() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return e.Name
}

func (p *Adapter) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && p.now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	body := []byte(url.Values{"grant_type": {"client_credentials"}}.Encode())
	resp, err := p.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := gateway.JSONRequest(http.MethodPost, p.apiBaseURL+"/v1/oauth2/token", body, http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
		})(ctx)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(p.clientID, p.clientSecret)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("paypal token request failed with HTTP %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("malformed paypal token response")
	}
	p.accessToken = tok.AccessToken
	// refresh a minute early
	p.tokenExpiry = p.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

func (p *Adapter) call(ctx context.Context, path, requestID string, payload interface{}) (*gateway.Response, error) {
	accessToken, err := p.token(ctx)
	if err != nil {
		return nil, err
	}
	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	} else {
		body = []byte("{}")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	header.Set("PayPal-Request-Id", requestID)
	header.Set("Prefer", "return=representation")
	return p.transport.Do(ctx, gateway.JSONRequest(http.MethodPost, p.apiBaseURL+path, body, header))
}

// Initiate creates a PayPal order and returns its approval link.
func (p *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.Handle, error) {
	const op = "paypal.Initiate"
	if err := req.Validate(); err != nil {
		return nil, gateway.Unavailable(op, p.Kind(), 0, err)
	}

	payload := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.OrderID,
			CustomID:    req.OrderID,
			InvoiceID:   req.OrderNumber,
			Amount:      money{CurrencyCode: strings.ToUpper(req.Currency), Value: req.Amount.StringFixed(2)},
		}},
		ApplicationContext: applicationContext{ReturnURL: req.ReturnURL, CancelURL: req.CancelURL, UserAction: "PAY_NOW"},
	}
	resp, err := p.call(ctx, "/v2/checkout/orders", req.OrderID, payload)
	if err != nil {
		return nil, gateway.Unavailable(op, p.Kind(), 0, err)
	}
	if !resp.OK() {
		return nil, gateway.Unavailable(op, p.Kind(), resp.StatusCode, describeError(resp))
	}

	var created orderResponse
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.ID == "" {
		return nil, gateway.Unavailable(op, p.Kind(), resp.StatusCode, fmt.Errorf("malformed order response: %s", string(resp.Body)))
	}
	for _, l := range created.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return gateway.RedirectHandle{ExternalReference: created.ID, ApproveURL: l.Href}, nil
		}
	}
	return nil, gateway.Unavailable(op, p.Kind(), resp.StatusCode, fmt.Errorf("order %s has no approve link", created.ID))
}

// Capture captures an approved PayPal order.
func (p *Adapter) Capture(ctx context.Context, h gateway.Handle, approval gateway.Approval) (gateway.Outcome, error) {
	const op = "paypal.Capture"
	redirect, ok := h.(gateway.RedirectHandle)
	if !ok {
		return gateway.Outcome{}, &gateway.Error{Op: op, Gateway: p.Kind(), Kind: gateway.ErrUnsupported, Err: fmt.Errorf("unexpected handle %T", h)}
	}
	if approval.ExternalOrderID != "" && approval.ExternalOrderID != redirect.ExternalReference {
		return gateway.Outcome{}, gateway.Declined(op, p.Kind(), gateway.DeclineUnknown,
			fmt.Errorf("approval for %s does not match order %s", approval.ExternalOrderID, redirect.ExternalReference))
	}

	resp, err := p.call(ctx, "/v2/checkout/orders/"+url.PathEscape(redirect.ExternalReference)+"/capture",
		redirect.ExternalReference+"-capture", nil)
	if err != nil {
		return gateway.Outcome{}, gateway.Unavailable(op, p.Kind(), 0, err)
	}

	if !resp.OK() {
		var errResp errorResponse
		if resp.StatusCode == http.StatusUnprocessableEntity && json.Unmarshal(resp.Body, &errResp) == nil {
			return gateway.Outcome{
				Status:            gateway.OutcomeDeclined,
				ExternalReference: redirect.ExternalReference,
				DeclineReason:     gateway.ParseDeclineReason(errResp.issue()),
				Message:           errResp.Message,
			}, nil
		}
		return gateway.Outcome{}, gateway.Unavailable(op, p.Kind(), resp.StatusCode, describeError(resp))
	}

	var captured orderResponse
	if err := json.Unmarshal(resp.Body, &captured); err != nil {
		return gateway.Outcome{}, gateway.Unavailable(op, p.Kind(), resp.StatusCode, fmt.Errorf("malformed capture response: %w", err))
	}
	out := gateway.Outcome{ExternalReference: captured.ID}
	if len(captured.PurchaseUnits) > 0 && len(captured.PurchaseUnits[0].Payments.Captures) > 0 {
		c := captured.PurchaseUnits[0].Payments.Captures[0]
		if amount, err := decimal.NewFromString(c.Amount.Value); err == nil {
			out.Amount = amount
		}
		out.Currency = c.Amount.CurrencyCode
	}
	switch captured.Status {
	case "COMPLETED":
		out.Status = gateway.OutcomeSucceeded
	case "VOIDED", "DECLINED":
		out.Status = gateway.OutcomeDeclined
		out.DeclineReason = gateway.DeclineInstrumentDeclined
	default:
		out.Status = gateway.OutcomePending
	}
	return out, nil
}

func describeError(resp *gateway.Response) error {
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("paypal API error %s: %s", errResp.issue(), errResp.Message)
	}
	return fmt.Errorf("paypal API request failed with HTTP %d: %s", resp.StatusCode, string(resp.Body))
}
