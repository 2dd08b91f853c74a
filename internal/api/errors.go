package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/gateway/localpay"
	"github.com/yourorg/nursery-checkout/internal/order"
	"github.com/yourorg/nursery-checkout/internal/orchestrator"
	"github.com/yourorg/nursery-checkout/internal/payment"
)

// errorBody is the JSON shape of every non-2xx response and of 202
// "accepted, not settled" responses.
type errorBody struct {
	Error    string                 `json:"error"`
	Code     string                 `json:"code"`
	Problems []string               `json:"problems,omitempty"`
	Session  *orchestrator.Snapshot `json:"session,omitempty"`
}

// classify maps an error onto an HTTP status and a stable code. The order
// of the cases matters: a CreationError also wraps the store's error.
func classify(err error) (int, string) {
	switch {
	case order.IsValidation(err):
		return http.StatusUnprocessableEntity, "validation"
	case order.IsCreation(err):
		return http.StatusBadGateway, "order_creation"
	case errors.Is(err, orchestrator.ErrSessionNotFound), order.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, localpay.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, orchestrator.ErrReconciliationGap):
		return http.StatusAccepted, "reconciliation_gap"
	case errors.Is(err, orchestrator.ErrPaymentPending):
		return http.StatusAccepted, "pending"
	case errors.Is(err, order.ErrAmountMismatch):
		return http.StatusConflict, "amount_mismatch"
	case errors.Is(err, order.ErrAlreadyPaid):
		return http.StatusConflict, "already_paid"
	case errors.Is(err, orchestrator.ErrInvalidState),
		errors.Is(err, payment.ErrNoActiveAttempt),
		errors.Is(err, payment.ErrAttemptInFlight),
		errors.Is(err, payment.ErrAttemptTerminal):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, payment.ErrReferenceMismatch):
		return http.StatusUnprocessableEntity, "unknown_reference"
	case gateway.IsDeclined(err):
		return http.StatusPaymentRequired, "declined"
	case gateway.IsTimeout(err):
		return http.StatusRequestTimeout, "timeout"
	case errors.Is(err, gateway.ErrUnsupported):
		return http.StatusUnprocessableEntity, "unsupported"
	case gateway.IsUnavailable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError renders err, attaching the session snapshot when there is one.
func writeError(c *gin.Context, err error, o *orchestrator.Orchestrator) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}
	var verr *order.ValidationError
	if errors.As(err, &verr) {
		body.Problems = verr.Problems
	}
	if o != nil {
		snap := o.Snapshot()
		body.Session = &snap
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: message, Code: "bad_request"})
}
