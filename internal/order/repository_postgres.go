package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const orderColumns = `id, idempotency_key, items, currency, total_amount, shipping, customer, status, payment_status, created_at, updated_at`

const createOrdersTable = `CREATE TABLE IF NOT EXISTS checkout_orders (
	id BIGSERIAL PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	items JSONB NOT NULL DEFAULT '[]',
	currency TEXT NOT NULL,
	total_amount NUMERIC(14,2) NOT NULL,
	shipping JSONB NOT NULL DEFAULT '{}',
	customer JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	payment_status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps orders in the checkout_orders table. The unique
// idempotency_key column is what makes Create safe to repeat.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore wraps an open database handle (pgx stdlib driver in
// production).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	if db == nil {
		panic("database handle cannot be nil")
	}
	return &PostgresStore{db: db, now: time.Now}
}

// EnsureSchema creates the orders table when missing.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createOrdersTable); err != nil {
		return fmt.Errorf("create checkout_orders table: %w", err)
	}
	return nil
}

// Create implements Store.
func (r *PostgresStore) Create(ctx context.Context, idempotencyKey string, draft Draft) (Order, error) {
	cart := draft.Cart.Snapshot()
	itemsJSON, err := json.Marshal(cart.Items)
	if err != nil {
		return Order{}, err
	}
	shippingJSON, err := json.Marshal(draft.Shipping)
	if err != nil {
		return Order{}, err
	}
	customerJSON, err := json.Marshal(draft.Customer)
	if err != nil {
		return Order{}, err
	}
	now := r.now().UTC()
	total := cart.Total()

	var id int64
	err = r.db.QueryRowContext(ctx, `INSERT INTO checkout_orders (idempotency_key, items, currency, total_amount, shipping, customer, status, payment_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		idempotencyKey, itemsJSON, cart.Currency, total, shippingJSON, customerJSON,
		string(StatusAwaitingPayment), string(PaymentUnpaid), now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// key already used: hand back the original order
		return r.getByKey(ctx, idempotencyKey)
	}
	if err != nil {
		return Order{}, fmt.Errorf("%w: insert order: %v", ErrStoreFailure, err)
	}

	return Order{
		ID:             strconv.FormatInt(id, 10),
		Number:         orderNumber(id),
		IdempotencyKey: idempotencyKey,
		Items:          cart.Items,
		Currency:       cart.Currency,
		TotalAmount:    total,
		Shipping:       draft.Shipping,
		Customer:       draft.Customer,
		Status:         StatusAwaitingPayment,
		PaymentStatus:  PaymentUnpaid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Get implements Store.
func (r *PostgresStore) Get(ctx context.Context, orderID string) (Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM checkout_orders WHERE id = $1`, id)
	return scanOrder(row, orderID)
}

// Update implements Store.
func (r *PostgresStore) Update(ctx context.Context, orderID string, patch Patch) (Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	var status, paymentStatus sql.NullString
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.PaymentStatus != nil {
		paymentStatus = sql.NullString{String: string(*patch.PaymentStatus), Valid: true}
	}
	row := r.db.QueryRowContext(ctx, `UPDATE checkout_orders
		SET status = COALESCE($2, status), payment_status = COALESCE($3, payment_status), updated_at = $4
		WHERE id = $1
		RETURNING `+orderColumns,
		id, status, paymentStatus, r.now().UTC())
	return scanOrder(row, orderID)
}

func (r *PostgresStore) getByKey(ctx context.Context, key string) (Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM checkout_orders WHERE idempotency_key = $1`, key)
	return scanOrder(row, key)
}

func scanOrder(row *sql.Row, ref string) (Order, error) {
	var (
		o                                    Order
		id                                   int64
		itemsJSON, shippingJSON, customerJSON []byte
		status, paymentStatus                string
	)
	err := row.Scan(&id, &o.IdempotencyKey, &itemsJSON, &o.Currency, &o.TotalAmount, &shippingJSON, &customerJSON,
		&status, &paymentStatus, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Order{}, fmt.Errorf("%w: scan order %s: %v", ErrStoreFailure, ref, err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return Order{}, fmt.Errorf("%w: decode items of order %s: %v", ErrStoreFailure, ref, err)
	}
	if err := json.Unmarshal(shippingJSON, &o.Shipping); err != nil {
		return Order{}, fmt.Errorf("%w: decode shipping of order %s: %v", ErrStoreFailure, ref, err)
	}
	if err := json.Unmarshal(customerJSON, &o.Customer); err != nil {
		return Order{}, fmt.Errorf("%w: decode customer of order %s: %v", ErrStoreFailure, ref, err)
	}
	o.ID = strconv.FormatInt(id, 10)
	o.Number = orderNumber(id)
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	return o, nil
}

func orderNumber(id int64) string {
	return fmt.Sprintf("NP-%06d", id)
}
