// Package gateway defines the contract every payment gateway adapter
// implements and the handle shapes returned when a payment is initiated.
// Adapters own everything provider-specific: wire format, credentials,
// transport retries, idempotency headers and the mapping of provider
// errors onto the common taxonomy in errors.go.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/nursery-checkout/internal/order"
)

// Kind names one of the supported gateways.
type Kind string

const (
	WalletRedirect    Kind = "wallet_redirect"
	LocalGatewayA     Kind = "local_gateway_a"
	LocalGatewayB     Kind = "local_gateway_b"
	HostedCardElement Kind = "hosted_card_element"
)

// Kinds lists every gateway kind in display order.
func Kinds() []Kind {
	return []Kind{WalletRedirect, LocalGatewayA, LocalGatewayB, HostedCardElement}
}

// ParseKind validates a gateway name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown gateway %q", ErrUnsupported, s)
}

// InitiateRequest is the generic "start a payment" request.
type InitiateRequest struct {
	OrderID     string
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
	Customer    order.CustomerInfo
	ReturnURL   string
	CancelURL   string
	NotifyURL   string
}

// Validate rejects requests no gateway could accept.
func (r InitiateRequest) Validate() error {
	if r.OrderID == "" {
		return fmt.Errorf("initiate request: order id is required")
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("initiate request: amount must be positive, got %s", r.Amount)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("initiate request: invalid currency %q", r.Currency)
	}
	return nil
}

// Handle is what the caller needs to hand the buyer over to a gateway. It
// is one of RedirectHandle, HostedFormHandle or AutoSubmitFormHandle.
type Handle interface {
	// Reference is the gateway's own id for the payment session.
	Reference() string
	isHandle()
}

// RedirectHandle asks the caller to navigate the buyer to ApproveURL.
// Completion is observed out of band.
type RedirectHandle struct {
	ExternalReference string `json:"reference"`
	ApproveURL        string `json:"approveUrl"`
}

// HostedFormHandle asks the caller to mount the gateway's hosted input
// surface with ClientSecret; completion comes from Confirmer.Confirm.
type HostedFormHandle struct {
	ExternalReference string `json:"reference"`
	ClientSecret      string `json:"clientSecret"`
}

// AutoSubmitFormHandle carries opaque form markup the caller renders and
// submits immediately.
type AutoSubmitFormHandle struct {
	ExternalReference string `json:"reference"`
	FormMarkup        string `json:"formMarkup"`
}

func (h RedirectHandle) Reference() string       { return h.ExternalReference }
func (h HostedFormHandle) Reference() string     { return h.ExternalReference }
func (h AutoSubmitFormHandle) Reference() string { return h.ExternalReference }

func (RedirectHandle) isHandle()       {}
func (HostedFormHandle) isHandle()     {}
func (AutoSubmitFormHandle) isHandle() {}

// HandleType names the variant of h for serialisation.
func HandleType(h Handle) string {
	switch h.(type) {
	case RedirectHandle:
		return "redirect"
	case HostedFormHandle:
		return "hosted_form"
	case AutoSubmitFormHandle:
		return "auto_submit_form"
	default:
		return "unknown"
	}
}

// PaymentMethodDetails is what the hosted card surface produced.
type PaymentMethodDetails struct {
	PaymentMethodID string
}

// Approval is the wallet's buyer-approval callback.
type Approval struct {
	ExternalOrderID string
	PayerID         string
}

// OutcomeStatus is the result of a confirm/capture/notification.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeDeclined  OutcomeStatus = "declined"
	OutcomePending   OutcomeStatus = "pending"
)

// Outcome is a gateway completion signal.
type Outcome struct {
	Status            OutcomeStatus
	ExternalReference string
	DeclineReason     DeclineReason
	Amount            decimal.Decimal
	Currency          string
	Message           string
}

// Adapter starts payment sessions on one gateway.
type Adapter interface {
	Kind() Kind
	Initiate(ctx context.Context, req InitiateRequest) (Handle, error)
}

// Confirmer is implemented by gateways that complete synchronously after
// the buyer fills a hosted form.
type Confirmer interface {
	Confirm(ctx context.Context, h Handle, details PaymentMethodDetails) (Outcome, error)
}

// Capturer is implemented by wallet gateways that need a capture call
// after the buyer approved the payment.
type Capturer interface {
	Capture(ctx context.Context, h Handle, approval Approval) (Outcome, error)
}

// Notification is a server-to-server completion signal for one payment.
type Notification struct {
	Gateway           Kind
	OrderID           string
	ExternalReference string
	Status            OutcomeStatus
	DeclineReason     DeclineReason
	Amount            decimal.Decimal
	Currency          string
}

// NotificationParser is implemented by gateways that report completion
// through webhooks. Implementations verify the payload's authenticity.
type NotificationParser interface {
	ParseNotification(header map[string][]string, body []byte) (Notification, error)
}
