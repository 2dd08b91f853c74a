package order

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists orders. Create must be idempotent on key: a second Create
// with a key that already produced an order returns that order unchanged.
type Store interface {
	Create(ctx context.Context, idempotencyKey string, draft Draft) (Order, error)
	Get(ctx context.Context, orderID string) (Order, error)
	Update(ctx context.Context, orderID string, patch Patch) (Order, error)
}

// MemoryStore is an in-process Store. Order ids are O-1, O-2, ...
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	byKey  map[string]string
	seq    int
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]Order),
		byKey:  make(map[string]string),
		now:    time.Now,
	}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, idempotencyKey string, draft Draft) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[idempotencyKey]; ok {
		return copyOrder(m.orders[id]), nil
	}

	m.seq++
	now := m.now().UTC()
	cart := draft.Cart.Snapshot()
	o := Order{
		ID:             fmt.Sprintf("O-%d", m.seq),
		Number:         fmt.Sprintf("NP-%06d", m.seq),
		IdempotencyKey: idempotencyKey,
		Items:          cart.Items,
		Currency:       cart.Currency,
		TotalAmount:    cart.Total(),
		Shipping:       draft.Shipping,
		Customer:       draft.Customer,
		Status:         StatusAwaitingPayment,
		PaymentStatus:  PaymentUnpaid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.orders[o.ID] = o
	m.byKey[idempotencyKey] = o.ID
	return copyOrder(o), nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return copyOrder(o), nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, orderID string, patch Patch) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	patch.Apply(&o)
	o.UpdatedAt = m.now().UTC()
	m.orders[orderID] = o
	return copyOrder(o), nil
}

// Len returns the number of stored orders.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func copyOrder(o Order) Order {
	items := make([]CartItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}
