package policy

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/nursery-checkout/internal/gateway"
)

// Affordance is what the buyer is offered after a failed payment.
type Affordance string

const (
	AffordanceRetry            Affordance = "retry"
	AffordanceTryAnotherMethod Affordance = "try_another_method"
	AffordanceContactSupport   Affordance = "contact_support"
)

// FailureKind classifies a failure for rule evaluation.
type FailureKind string

const (
	FailureDeclined      FailureKind = "declined"
	FailureUnavailable   FailureKind = "unavailable"
	FailureTimedOut      FailureKind = "timed_out"
	FailureOrderCreation FailureKind = "order_creation"
)

// Facts are the inputs a rule expression can reference as failure_kind,
// decline_reason, gateway, attempt_count and order_total.
type Facts struct {
	FailureKind   FailureKind
	DeclineReason gateway.DeclineReason
	Gateway       gateway.Kind
	AttemptCount  int
	OrderTotal    float64
}

func (f Facts) parameters() map[string]interface{} {
	return map[string]interface{}{
		"failure_kind":   string(f.FailureKind),
		"decline_reason": string(f.DeclineReason),
		"gateway":        string(f.Gateway),
		"attempt_count":  float64(f.AttemptCount),
		"order_total":    f.OrderTotal,
	}
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Affordance Affordance `json:"affordance"`
	RuleID     string     `json:"ruleId,omitempty"`
	Message    string     `json:"message"`
}

// PolicyRule maps a govaluate expression to an affordance. Lower Priority
// values are evaluated first.
type PolicyRule struct {
	ID         string     `yaml:"id"`
	Expression string     `yaml:"expression"`
	Priority   int        `yaml:"priority"`
	Affordance Affordance `yaml:"affordance"`
	Message    string     `yaml:"message"`
}

type compiledRule struct {
	PolicyRule
	expr *govaluate.EvaluableExpression
}

// DefaultRules is the stock failure policy.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		{ID: "too_many_attempts", Expression: "attempt_count >= 5", Priority: 1, Affordance: AffordanceContactSupport},
		{ID: "suspected_fraud", Expression: "decline_reason == 'fraudulent'", Priority: 2, Affordance: AffordanceContactSupport},
		{ID: "declined_retry", Expression: "failure_kind == 'declined'", Priority: 10, Affordance: AffordanceRetry},
		{ID: "gateway_down_switch", Expression: "failure_kind == 'unavailable' || failure_kind == 'timed_out'", Priority: 20, Affordance: AffordanceTryAnotherMethod},
		{ID: "order_creation_retry", Expression: "failure_kind == 'order_creation'", Priority: 30, Affordance: AffordanceRetry},
	}
}

// PaymentPolicyEnforcer evaluates failure rules in priority order; the first
// matching rule wins.
type PaymentPolicyEnforcer struct {
	rules []compiledRule
}

// NewPaymentPolicyEnforcer compiles rules.
func NewPaymentPolicyEnforcer(rules []PolicyRule) (*PaymentPolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		switch r.Affordance {
		case AffordanceRetry, AffordanceTryAnotherMethod, AffordanceContactSupport:
		default:
			return nil, fmt.Errorf("policy rule ID '%s' has unknown affordance %q", r.ID, r.Affordance)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{PolicyRule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })
	return &PaymentPolicyEnforcer{rules: compiled}, nil
}

// Evaluate returns the decision for a failure. Rules that fail to evaluate
// or do not yield a boolean are skipped.
func (ppe *PaymentPolicyEnforcer) Evaluate(f Facts) Decision {
	params := f.parameters()
	for _, r := range ppe.rules {
		result, err := r.expr.Evaluate(params)
		if err != nil {
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			return decision(r.Affordance, r.ID, r.Message)
		}
	}
	return decision(fallback(f.FailureKind), "", "")
}

func fallback(kind FailureKind) Affordance {
	switch kind {
	case FailureUnavailable, FailureTimedOut:
		return AffordanceTryAnotherMethod
	default:
		return AffordanceRetry
	}
}

func decision(a Affordance, ruleID, message string) Decision {
	if message == "" {
		switch a {
		case AffordanceRetry:
			message = "The payment did not go through. You can try again."
		case AffordanceTryAnotherMethod:
			message = "This payment method is not available right now. Please choose another one."
		case AffordanceContactSupport:
			message = "We could not complete your payment. Please contact support."
		}
	}
	return Decision{Affordance: a, RuleID: ruleID, Message: message}
}
