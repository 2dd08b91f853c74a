package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultDedupPrefix = "checkout:order-key:"
	defaultDedupTTL    = 24 * time.Hour
	pendingMarker      = "pending"
)

// RedisDedupStore reserves idempotency keys in Redis before delegating to
// the wrapped Store, so several service instances sharing one order store
// still create a single order per key.
type RedisDedupStore struct {
	next   Store
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedupStore wraps next. A zero ttl keeps keys for 24h.
func NewRedisDedupStore(next Store, client *redis.Client, prefix string, ttl time.Duration) *RedisDedupStore {
	if next == nil {
		panic("wrapped order store cannot be nil")
	}
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = defaultDedupPrefix
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &RedisDedupStore{next: next, client: client, prefix: prefix, ttl: ttl}
}

// Create implements Store.
func (s *RedisDedupStore) Create(ctx context.Context, idempotencyKey string, draft Draft) (Order, error) {
	key := s.prefix + idempotencyKey

	reserved, err := s.client.SetNX(ctx, key, pendingMarker, s.ttl).Result()
	if err != nil {
		return Order{}, fmt.Errorf("%w: reserve idempotency key: %v", ErrStoreFailure, err)
	}
	if !reserved {
		orderID, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return Order{}, fmt.Errorf("%w: idempotency key %s released concurrently", ErrStoreFailure, idempotencyKey)
		}
		if err != nil {
			return Order{}, fmt.Errorf("%w: read idempotency key: %v", ErrStoreFailure, err)
		}
		if orderID == pendingMarker {
			return Order{}, fmt.Errorf("%w: order for key %s is still being created", ErrStoreFailure, idempotencyKey)
		}
		return s.next.Get(ctx, orderID)
	}

	created, err := s.next.Create(ctx, idempotencyKey, draft)
	if err != nil {
		// let the caller retry with the same key
		s.client.Del(ctx, key)
		return Order{}, err
	}
	// the order exists either way; the wrapped store still dedups on the key
	// if this write is lost
	s.client.Set(ctx, key, created.ID, s.ttl)
	return created, nil
}

// Get implements Store.
func (s *RedisDedupStore) Get(ctx context.Context, orderID string) (Order, error) {
	return s.next.Get(ctx, orderID)
}

// Update implements Store.
func (s *RedisDedupStore) Update(ctx context.Context, orderID string, patch Patch) (Order, error) {
	return s.next.Update(ctx, orderID, patch)
}
