package planbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/order"
)

var (
	planRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_plan_requests_total",
		Help: "Number of payment plans requested.",
	})
	planBuildDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_plan_build_duration_seconds",
		Help:    "Time spent building payment plans.",
		Buckets: prometheus.DefBuckets,
	})
)

// GetPlanRequestsTotal exposes the plan request counter for tests.
func GetPlanRequestsTotal() prometheus.Counter { return planRequestsTotal }

// GetPlanBuildDurationSeconds exposes the plan duration histogram for tests.
func GetPlanBuildDurationSeconds() prometheus.Histogram { return planBuildDurationSeconds }

// ErrNoRate is returned when no exchange rate is configured for a pair.
var ErrNoRate = errors.New("no exchange rate configured")

// Plan is what one attempt on one gateway will charge and how much of the
// order it covers.
type Plan struct {
	ID            string          `json:"planId"`
	OrderID       string          `json:"orderId"`
	Gateway       gateway.Kind    `json:"gateway"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	OrderAmount   decimal.Decimal `json:"orderAmount"`
	OrderCurrency string          `json:"orderCurrency"`
	Rate          decimal.Decimal `json:"rate"`
}

// RateSource supplies exchange rates: units of `to` per one unit of `from`.
type RateSource interface {
	Rate(from, to string) (decimal.Decimal, error)
}

// StaticRates is a RateSource over a fixed table keyed "FROM:TO". The
// inverse of a configured pair is derived when the pair itself is missing.
type StaticRates map[string]decimal.Decimal

func (s StaticRates) Rate(from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := s[from+":"+to]; ok && r.IsPositive() {
		return r, nil
	}
	if r, ok := s[to+":"+from]; ok && r.IsPositive() {
		return decimal.NewFromInt(1).DivRound(r, 10), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s to %s", ErrNoRate, from, to)
}

// Builder plans attempts. Each gateway charges in its configured currency;
// gateways without one charge in the order currency.
type Builder struct {
	rates      RateSource
	currencies map[gateway.Kind]string
	limits     Limits
}

// NewBuilder creates a Builder. It panics if rates is nil.
func NewBuilder(rates RateSource, currencies map[gateway.Kind]string, limits Limits) *Builder {
	if rates == nil {
		panic("RateSource cannot be nil")
	}
	normalized := make(map[gateway.Kind]string, len(currencies))
	for k, c := range currencies {
		normalized[k] = strings.ToUpper(c)
	}
	return &Builder{rates: rates, currencies: normalized, limits: limits}
}

// Currency returns the currency kind charges in for an order in orderCurrency.
func (b *Builder) Currency(kind gateway.Kind, orderCurrency string) string {
	if c := b.currencies[kind]; c != "" {
		return c
	}
	return strings.ToUpper(orderCurrency)
}

// Build plans one attempt on kind covering the whole order. Conversion
// rounds half-up to two decimal places; same-currency plans carry the order
// total unchanged.
func (b *Builder) Build(ctx context.Context, kind gateway.Kind, o order.Order) (Plan, error) {
	_, span := otel.Tracer("planbuilder").Start(ctx, "PlanBuilder.Build")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", string(kind)), attribute.String("order.id", o.ID))

	start := time.Now()
	planRequestsTotal.Inc()
	defer func() { planBuildDurationSeconds.Observe(time.Since(start).Seconds()) }()

	if !o.TotalAmount.IsPositive() {
		return Plan{}, fmt.Errorf("order %s has no payable amount", o.ID)
	}

	orderCurrency := strings.ToUpper(o.Currency)
	target := b.Currency(kind, orderCurrency)
	plan := Plan{
		ID:            uuid.NewString(),
		OrderID:       o.ID,
		Gateway:       kind,
		Currency:      target,
		OrderAmount:   o.TotalAmount,
		OrderCurrency: orderCurrency,
	}

	if target == orderCurrency {
		plan.Amount = o.TotalAmount
		plan.Rate = decimal.NewFromInt(1)
	} else {
		rate, err := b.rates.Rate(orderCurrency, target)
		if err != nil {
			span.RecordError(err)
			return Plan{}, err
		}
		plan.Rate = rate
		plan.Amount = o.TotalAmount.Mul(rate).Round(2)
	}

	if err := b.limits.Check(plan); err != nil {
		span.RecordError(err)
		return Plan{}, err
	}
	return plan, nil
}
