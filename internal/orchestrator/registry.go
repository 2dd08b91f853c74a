package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/order"
	"github.com/yourorg/nursery-checkout/internal/payment"
)

// ErrSessionNotFound is returned for unknown checkout session ids.
var ErrSessionNotFound = errors.New("checkout session not found")

var webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "checkout_webhooks_total",
	Help: "Gateway notifications by gateway and how they were applied.",
}, []string{"gateway", "result"})

// GetWebhooksTotal exposes the webhook counter for tests.
func GetWebhooksTotal() *prometheus.CounterVec { return webhooksTotal }

var sessionsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "checkout_sessions_evicted_total",
	Help: "Idle checkout sessions dropped from memory.",
})

// GetSessionsEvictedTotal exposes the eviction counter for tests.
func GetSessionsEvictedTotal() prometheus.Counter { return sessionsEvictedTotal }

// sessionForgetter is implemented by order writers that keep per-session
// memory, such as *order.Service.
type sessionForgetter interface {
	Forget(sessionKey string)
}

// Registry holds the live orchestrators of the process. Sessions share
// nothing but the registry's dependencies. Sessions idle for longer than
// Dependencies.SessionRetention are evicted by Sweep, which Start also runs
// at most once per sweep interval.
type Registry struct {
	deps Dependencies

	mu        sync.RWMutex
	sessions  map[string]*Orchestrator
	byOrder   map[string]string
	lastSweep time.Time
}

// NewRegistry creates a Registry whose sessions use deps. It panics on
// missing collaborators.
func NewRegistry(deps Dependencies) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		deps:      deps,
		sessions:  make(map[string]*Orchestrator),
		byOrder:   make(map[string]string),
		lastSweep: deps.Now(),
	}
}

// Start opens a checkout session for cart.
func (r *Registry) Start(cart order.CartSnapshot, customer order.CustomerInfo) *Orchestrator {
	r.maybeSweep()
	o := NewOrchestrator(uuid.NewString(), cart, customer, r.deps)
	r.mu.Lock()
	r.sessions[o.ID()] = o
	r.mu.Unlock()
	return o
}

// sweepInterval is a quarter of the retention, capped at ten minutes.
func (r *Registry) sweepInterval() time.Duration {
	every := r.deps.SessionRetention / 4
	if every > 10*time.Minute {
		every = 10 * time.Minute
	}
	return every
}

func (r *Registry) maybeSweep() {
	now := r.deps.Now()
	r.mu.Lock()
	due := now.Sub(r.lastSweep) >= r.sweepInterval()
	if due {
		r.lastSweep = now
	}
	r.mu.Unlock()
	if due {
		r.Sweep(now)
	}
}

// Sweep evicts sessions idle for at least the retention and returns how
// many it removed. Due payment timeouts are applied first. A session whose
// payment succeeded but whose order is not confirmed yet is kept.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	candidates := make([]*Orchestrator, 0, len(r.sessions))
	for _, o := range r.sessions {
		candidates = append(candidates, o)
	}
	r.mu.RUnlock()

	var idle []string
	for _, o := range candidates {
		if o.evictable(now) {
			idle = append(idle, o.ID())
		}
	}
	for _, id := range idle {
		r.Remove(id)
	}
	if len(idle) > 0 {
		sessionsEvictedTotal.Add(float64(len(idle)))
		r.deps.Logger.Info("Registry: evicted idle checkout sessions",
			zap.Int("evicted", len(idle)), zap.Int("remaining", r.Len()), zap.Duration("retention", r.deps.SessionRetention))
	}
	return len(idle)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.sweepInterval()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.deps.Now())
		}
	}
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return o, nil
}

// ByOrder returns the session that created orderID.
func (r *Registry) ByOrder(orderID string) (*Orchestrator, error) {
	r.mu.RLock()
	id, ok := r.byOrder[orderID]
	r.mu.RUnlock()
	if ok {
		return r.Get(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.sessions {
		if oid := o.OrderID(); oid != "" {
			r.byOrder[oid] = id
			if oid == orderID {
				return o, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no session for order %s", ErrSessionNotFound, orderID)
}

// Remove forgets session id. Its order is unaffected; notifications for it
// are then confirmed directly by the Reconciler.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	o, ok := r.sessions[id]
	if ok {
		delete(r.byOrder, o.OrderID())
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if f, ok := r.deps.Orders.(sessionForgetter); ok {
		f.Forget(id)
	}
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ReconcileResult reports what a notification changed.
type ReconcileResult struct {
	SessionID string          `json:"sessionId,omitempty"`
	OrderID   string          `json:"orderId"`
	Attempt   payment.Attempt `json:"attempt"`
	Order     *order.Order    `json:"order,omitempty"`
	Applied   bool            `json:"applied"`
}

// Reconciler routes gateway notifications to the session that owns the
// order, or confirms the order directly when that session is gone.
type Reconciler struct {
	registry *Registry
	orders   Orders
	planner  Planner
	logger   *zap.Logger
}

// NewReconciler creates a Reconciler. It panics on nil collaborators.
func NewReconciler(registry *Registry, orders Orders, planner Planner, logger *zap.Logger) *Reconciler {
	if registry == nil {
		panic("Registry cannot be nil")
	}
	if orders == nil {
		panic("Orders cannot be nil")
	}
	if planner == nil {
		panic("Planner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{registry: registry, orders: orders, planner: planner, logger: logger}
}

// Apply applies a verified notification.
func (rc *Reconciler) Apply(ctx context.Context, n gateway.Notification) (ReconcileResult, error) {
	res := ReconcileResult{OrderID: n.OrderID}
	if strings.TrimSpace(n.OrderID) == "" {
		webhooksTotal.WithLabelValues(string(n.Gateway), "rejected").Inc()
		return res, fmt.Errorf("%w: notification carries no order id", payment.ErrReferenceMismatch)
	}

	if o, err := rc.registry.ByOrder(n.OrderID); err == nil {
		a, err := o.Reconcile(ctx, n)
		res.SessionID = o.ID()
		res.Attempt = a
		if err != nil {
			result := "error"
			if errors.Is(err, ErrReconciliationGap) {
				result = "gap"
			}
			webhooksTotal.WithLabelValues(string(n.Gateway), result).Inc()
			return res, err
		}
		res.Applied = true
		if snap := o.Snapshot(); snap.Order != nil {
			res.Order = snap.Order
		}
		webhooksTotal.WithLabelValues(string(n.Gateway), "session").Inc()
		return res, nil
	}

	if n.Status != gateway.OutcomeSucceeded {
		rc.logger.Info("Reconciler: ignoring non-success notification without a live session",
			zap.String("order_id", n.OrderID), zap.String("gateway", string(n.Gateway)), zap.String("status", string(n.Status)))
		webhooksTotal.WithLabelValues(string(n.Gateway), "ignored").Inc()
		return res, nil
	}

	ord, err := rc.orders.Get(ctx, n.OrderID)
	if err != nil {
		webhooksTotal.WithLabelValues(string(n.Gateway), "error").Inc()
		return res, err
	}
	plan, err := rc.planner.Build(ctx, n.Gateway, ord)
	if err != nil {
		webhooksTotal.WithLabelValues(string(n.Gateway), "error").Inc()
		return res, err
	}
	if !n.Amount.Equal(plan.Amount) || !strings.EqualFold(n.Currency, plan.Currency) {
		webhooksTotal.WithLabelValues(string(n.Gateway), "mismatch").Inc()
		rc.logger.Error("Reconciler: notification amount does not match the order",
			zap.String("order_id", n.OrderID), zap.String("reported", n.Amount.StringFixed(2)+" "+n.Currency),
			zap.String("expected", plan.Amount.StringFixed(2)+" "+plan.Currency))
		return res, fmt.Errorf("%w: %s reported %s %s, order %s expects %s %s", order.ErrAmountMismatch,
			n.Gateway, n.Amount.StringFixed(2), n.Currency, n.OrderID, plan.Amount.StringFixed(2), plan.Currency)
	}

	paid, err := rc.orders.ConfirmPayment(ctx, n.OrderID, plan.OrderAmount)
	if err != nil {
		webhooksTotal.WithLabelValues(string(n.Gateway), "error").Inc()
		return res, err
	}
	rc.logger.Info("Reconciler: order confirmed without a live session", zap.String("order_id", n.OrderID), zap.String("gateway", string(n.Gateway)))
	webhooksTotal.WithLabelValues(string(n.Gateway), "direct").Inc()
	res.Order = &paid
	res.Applied = true
	return res, nil
}
