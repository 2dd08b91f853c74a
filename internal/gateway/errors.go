package gateway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means no payment session could be started.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrDeclined means the session started but the payment was rejected.
	ErrDeclined = errors.New("gateway declined")
	// ErrTimeout means no completion signal arrived in time.
	ErrTimeout = errors.New("gateway timeout")
	// ErrUnsupported means the gateway does not support the operation.
	ErrUnsupported = errors.New("operation not supported by gateway")
)

// DeclineReason is the stable, provider-independent decline code.
type DeclineReason string

const (
	DeclineCardDeclined       DeclineReason = "card_declined"
	DeclineInsufficientFunds  DeclineReason = "insufficient_funds"
	DeclineExpiredCard        DeclineReason = "expired_card"
	DeclineIncorrectCVC       DeclineReason = "incorrect_cvc"
	DeclineProcessingError    DeclineReason = "processing_error"
	DeclineFraudulent         DeclineReason = "fraudulent"
	DeclineDoNotHonor         DeclineReason = "do_not_honor"
	DeclineInstrumentDeclined DeclineReason = "instrument_declined"
	DeclineBuyerCancelled     DeclineReason = "buyer_cancelled"
	DeclineUnknown            DeclineReason = "unknown"
)

var declineAliases = map[string]DeclineReason{
	"card_declined":            DeclineCardDeclined,
	"generic_decline":          DeclineCardDeclined,
	"insufficient_funds":       DeclineInsufficientFunds,
	"insufficient_balance":     DeclineInsufficientFunds,
	"not_enough_funds":         DeclineInsufficientFunds,
	"expired_card":             DeclineExpiredCard,
	"card_expired":             DeclineExpiredCard,
	"incorrect_cvc":            DeclineIncorrectCVC,
	"invalid_cvc":              DeclineIncorrectCVC,
	"cvv_failure":              DeclineIncorrectCVC,
	"processing_error":         DeclineProcessingError,
	"fraudulent":               DeclineFraudulent,
	"stolen_card":              DeclineFraudulent,
	"lost_card":                DeclineFraudulent,
	"do_not_honor":             DeclineDoNotHonor,
	"instrument_declined":      DeclineInstrumentDeclined,
	"payer_action_required":    DeclineInstrumentDeclined,
	"buyer_cancelled":          DeclineBuyerCancelled,
	"cancelled":                DeclineBuyerCancelled,
	"canceled":                 DeclineBuyerCancelled,
	"transaction_refused":      DeclineCardDeclined,
	"payer_cannot_pay":         DeclineInstrumentDeclined,
	"payer_account_restricted": DeclineInstrumentDeclined,
	"order_not_approved":       DeclineBuyerCancelled,
}

// ParseDeclineReason maps a provider decline or error code onto the
// stable enum. Unrecognised codes become DeclineUnknown.
func ParseDeclineReason(code string) DeclineReason {
	normalized := strings.ToLower(strings.TrimSpace(code))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	if r, ok := declineAliases[normalized]; ok {
		return r
	}
	return DeclineUnknown
}

// Error is the structured error every adapter returns.
type Error struct {
	Op       string        // e.g. "stripe.Initiate"
	Gateway  Kind          // gateway that failed
	Kind     error         // one of ErrUnavailable, ErrDeclined, ErrTimeout, ErrUnsupported
	Reason   DeclineReason // set for declines
	HTTPCode int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.HTTPCode != 0 {
		fmt.Fprintf(&b, " [HTTP %d]", e.HTTPCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the category sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unavailable builds an ErrUnavailable error.
func Unavailable(op string, gw Kind, httpCode int, err error) *Error {
	return &Error{Op: op, Gateway: gw, Kind: ErrUnavailable, HTTPCode: httpCode, Err: err}
}

// Declined builds an ErrDeclined error.
func Declined(op string, gw Kind, reason DeclineReason, err error) *Error {
	if reason == "" {
		reason = DeclineUnknown
	}
	return &Error{Op: op, Gateway: gw, Kind: ErrDeclined, Reason: reason, Err: err}
}

// IsUnavailable reports whether err is a session-start failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsDeclined reports whether err is a per-attempt rejection.
func IsDeclined(err error) bool { return errors.Is(err, ErrDeclined) }

// IsTimeout reports whether err is a completion timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// DeclineReasonOf extracts the decline reason from err, if any.
func DeclineReasonOf(err error) DeclineReason {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Reason != "" {
		return gwErr.Reason
	}
	if IsDeclined(err) {
		return DeclineUnknown
	}
	return ""
}
