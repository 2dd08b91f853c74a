// Package localpay implements the two regional gateways. Both speak the
// same merchant API; link mode hands the buyer a payment URL to open in a
// new tab, form mode returns markup that auto-submits to the gateway.
// Completion is only ever reported through signed server notifications.
package localpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

// Mode selects how the buyer is handed over.
type Mode string

const (
	ModeLink Mode = "link"
	ModeForm Mode = "form"
)

const SignatureHeader = "X-Signature"

// ErrInvalidSignature is returned for notifications that fail verification.
var ErrInvalidSignature = errors.New("localpay: invalid notification signature")

// Config holds one merchant account.
type Config struct {
	Kind       gateway.Kind
	Mode       Mode
	BaseURL    string
	MerchantID string
	SecretKey  string
}

// Adapter implements gateway.Adapter and gateway.NotificationParser.
type Adapter struct {
	cfg       Config
	transport *gateway.Transport
}

// New creates an Adapter. It panics if the config names no gateway kind or
// no base URL.
func New(cfg Config, client *http.Client) *Adapter {
	if cfg.Kind == "" || cfg.BaseURL == "" {
		panic("localpay: Kind and BaseURL are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLink
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, transport: gateway.NewTransport(client)}
}

// NewLinkGateway returns the local_gateway_a adapter.
func NewLinkGateway(baseURL, merchantID, secret string, client *http.Client) *Adapter {
	return New(Config{Kind: gateway.LocalGatewayA, Mode: ModeLink, BaseURL: baseURL, MerchantID: merchantID, SecretKey: secret}, client)
}

// NewFormGateway returns the local_gateway_b adapter.
func NewFormGateway(baseURL, merchantID, secret string, client *http.Client) *Adapter {
	return New(Config{Kind: gateway.LocalGatewayB, Mode: ModeForm, BaseURL: baseURL, MerchantID: merchantID, SecretKey: secret}, client)
}

// Transport exposes the retry settings for tuning and tests.
func (a *Adapter) Transport() *gateway.Transport { return a.transport }

func (a *Adapter) Kind() gateway.Kind { return a.cfg.Kind }

type createPaymentRequest struct {
	MerchantID    string `json:"merchantId"`
	OrderID       string `json:"orderId"`
	Description   string `json:"description"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Mode          Mode   `json:"mode"`
	ReturnURL     string `json:"returnUrl,omitempty"`
	NotifyURL     string `json:"notifyUrl,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty"`
}

type createPaymentResponse struct {
	PaymentID  string `json:"paymentId"`
	PaymentURL string `json:"paymentUrl"`
	FormMarkup string `json:"formMarkup"`
	Error      string `json:"error"`
}

// Sign computes the hex HMAC-SHA256 of body with the merchant secret.
func (a *Adapter) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.SecretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Initiate registers the payment with the gateway.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.Handle, error) {
	op := string(a.cfg.Kind) + ".Initiate"
	if err := req.Validate(); err != nil {
		return nil, gateway.Unavailable(op, a.Kind(), 0, err)
	}

	description := "Order " + req.OrderID
	if req.OrderNumber != "" {
		description = "Order " + req.OrderNumber
	}
	body, err := json.Marshal(createPaymentRequest{
		MerchantID:    a.cfg.MerchantID,
		OrderID:       req.OrderID,
		Description:   description,
		Amount:        req.Amount.StringFixed(2),
		Currency:      strings.ToUpper(req.Currency),
		Mode:          a.cfg.Mode,
		ReturnURL:     req.ReturnURL,
		NotifyURL:     req.NotifyURL,
		CustomerEmail: req.Customer.Email,
	})
	if err != nil {
		return nil, gateway.Unavailable(op, a.Kind(), 0, err)
	}
	header := http.Header{}
	header.Set("Idempotency-Key", req.OrderID)
	header.Set(SignatureHeader, a.Sign(body))

	resp, err := a.transport.Do(ctx, gateway.JSONRequest(http.MethodPost, a.cfg.BaseURL+"/api/v1/payments", body, header))
	if err != nil {
		return nil, gateway.Unavailable(op, a.Kind(), 0, err)
	}

	var created createPaymentResponse
	decodeErr := json.Unmarshal(resp.Body, &created)
	if !resp.OK() {
		if decodeErr == nil && created.Error != "" {
			return nil, gateway.Unavailable(op, a.Kind(), resp.StatusCode, errors.New(created.Error))
		}
		return nil, gateway.Unavailable(op, a.Kind(), resp.StatusCode, fmt.Errorf("payment registration failed: %s", string(resp.Body)))
	}
	if decodeErr != nil || created.PaymentID == "" {
		return nil, gateway.Unavailable(op, a.Kind(), resp.StatusCode, fmt.Errorf("malformed payment response: %s", string(resp.Body)))
	}

	switch a.cfg.Mode {
	case ModeForm:
		if created.FormMarkup == "" {
			return nil, gateway.Unavailable(op, a.Kind(), resp.StatusCode, fmt.Errorf("payment %s has no form markup", created.PaymentID))
		}
		return gateway.AutoSubmitFormHandle{ExternalReference: created.PaymentID, FormMarkup: created.FormMarkup}, nil
	default:
		if created.PaymentURL == "" {
			return nil, gateway.Unavailable(op, a.Kind(), resp.StatusCode, fmt.Errorf("payment %s has no payment url", created.PaymentID))
		}
		return gateway.RedirectHandle{ExternalReference: created.PaymentID, ApproveURL: created.PaymentURL}, nil
	}
}

type notificationBody struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason"`
}

// ParseNotification verifies and decodes a server notification.
func (a *Adapter) ParseNotification(header map[string][]string, body []byte) (gateway.Notification, error) {
	signature := http.Header(header).Get(SignatureHeader)
	expected := a.Sign(body)
	if signature == "" || !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return gateway.Notification{}, ErrInvalidSignature
	}

	var n notificationBody
	if err := json.Unmarshal(body, &n); err != nil {
		return gateway.Notification{}, fmt.Errorf("localpay: malformed notification: %w", err)
	}
	out := gateway.Notification{
		Gateway:           a.Kind(),
		OrderID:           n.OrderID,
		ExternalReference: n.PaymentID,
		Currency:          strings.ToUpper(n.Currency),
	}
	if n.Amount != "" {
		amount, err := decimal.NewFromString(n.Amount)
		if err != nil {
			return gateway.Notification{}, fmt.Errorf("localpay: invalid amount %q", n.Amount)
		}
		out.Amount = amount
	}

	switch strings.ToLower(n.Status) {
	case "paid", "success", "completed":
		out.Status = gateway.OutcomeSucceeded
	case "failed", "declined", "rejected":
		out.Status = gateway.OutcomeDeclined
		out.DeclineReason = gateway.ParseDeclineReason(n.Reason)
		if n.Reason == "" {
			out.DeclineReason = gateway.DeclineCardDeclined
		}
	case "cancelled", "canceled", "expired":
		out.Status = gateway.OutcomeDeclined
		out.DeclineReason = gateway.DeclineBuyerCancelled
	default:
		out.Status = gateway.OutcomePending
	}
	return out, nil
}
