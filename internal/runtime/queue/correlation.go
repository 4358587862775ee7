package queue

import (
	"context"
	"time"
)

// CorrelationStore carries exactly one value per key across a process
// boundary. Keys are single use: pushed once, popped once, then deleted.
type CorrelationStore struct {
	store Store
	ttl   time.Duration
}

// NewCorrelationStore uses store for transport. When the store implements
// Expirer, pushed keys expire after ttl so abandoned replies do not pile up.
func NewCorrelationStore(store Store, ttl time.Duration) *CorrelationStore {
	return &CorrelationStore{store: store, ttl: ttl}
}

// Push stores the single value of key.
func (c *CorrelationStore) Push(ctx context.Context, key string, value []byte) error {
	if err := c.store.Push(ctx, key, value); err != nil {
		return err
	}
	if exp, ok := c.store.(Expirer); ok && c.ttl > 0 {
		return exp.Expire(ctx, key, c.ttl)
	}
	return nil
}

// BlockingPop waits up to timeout for the value of key and deletes the key,
// whatever the outcome.
func (c *CorrelationStore) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	value, err := c.store.BlockingPop(ctx, key, timeout)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_ = c.store.Delete(cleanupCtx, key)

	return value, err
}
