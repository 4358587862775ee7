// Package queue defines the ordered blocking queue the bridge uses to reach
// application processes, and the single-use correlation channel built on it.
//
// Any store with atomic append and pop-front can back the bridge: Redis for
// multi-process deployments, Memory when workers and application share one
// binary.
package queue

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
)

// ErrEmpty is wrapped by the TimeoutError a BlockingPop returns on expiry.
var ErrEmpty = errors.New("natsflow: queue empty")

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("natsflow: queue store closed")

// Store is a set of named FIFO lists.
type Store interface {
	// Push appends value to the tail of key.
	Push(ctx context.Context, key string, value []byte) error
	// BlockingPop removes and returns the head of key, waiting up to timeout
	// for a value. A timeout <= 0 waits until ctx is done.
	BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Len(ctx context.Context, key string) (int64, error)
	Close() error
}

// Expirer is implemented by stores that can expire whole keys.
type Expirer interface {
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

func timeoutError(key string, timeout time.Duration) error {
	return &errspkg.TimeoutError{Subject: key, Timeout: timeout, Err: ErrEmpty}
}

// deadline returns the timer channel for timeout, or nil to wait forever.
func deadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(timeout)
	return timer.C, func() { timer.Stop() }
}
