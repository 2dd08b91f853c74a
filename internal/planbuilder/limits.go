package planbuilder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

// ErrAmountOutOfRange is returned when a plan falls outside what a gateway
// accepts for a single charge.
var ErrAmountOutOfRange = errors.New("amount out of range for gateway")

// Limit bounds a single charge in one currency. A zero Max means unbounded.
type Limit struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Limits holds per-gateway, per-currency charge bounds keyed "gateway:CUR".
type Limits map[string]Limit

// Key builds the Limits key for kind and currency.
func Key(kind gateway.Kind, currency string) string {
	return string(kind) + ":" + strings.ToUpper(currency)
}

// Check rejects plans outside the configured bounds.
func (l Limits) Check(p Plan) error {
	limit, ok := l[Key(p.Gateway, p.Currency)]
	if !ok {
		return nil
	}
	if p.Amount.LessThan(limit.Min) {
		return fmt.Errorf("%w: %s %s is below the minimum %s", ErrAmountOutOfRange, p.Amount.StringFixed(2), p.Currency, limit.Min.StringFixed(2))
	}
	if limit.Max.IsPositive() && p.Amount.GreaterThan(limit.Max) {
		return fmt.Errorf("%w: %s %s is above the maximum %s", ErrAmountOutOfRange, p.Amount.StringFixed(2), p.Currency, limit.Max.StringFixed(2))
	}
	return nil
}
