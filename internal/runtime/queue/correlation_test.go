package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
)

func TestCorrelationStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			corr := NewCorrelationStore(store, time.Minute)
			ctx := context.Background()

			go func() {
				time.Sleep(10 * time.Millisecond)
				_ = corr.Push(ctx, "reply:1", []byte("pong"))
			}()
			v, err := corr.BlockingPop(ctx, "reply:1", time.Second)
			require.NoError(t, err)
			assert.Equal(t, "pong", string(v))

			n, err := store.Len(ctx, "reply:1")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCorrelationStoreTimeoutDeletesKey(t *testing.T) {
	store := NewMemory()
	corr := NewCorrelationStore(store, time.Minute)
	ctx := context.Background()

	_, err := corr.BlockingPop(ctx, "reply:late", 20*time.Millisecond)
	assert.True(t, errspkg.IsTimeout(err))

	// A reply arriving after the deadline never reaches anyone and expires.
	require.NoError(t, corr.Push(ctx, "reply:late", []byte("too late")))
	n, err := store.Len(ctx, "reply:late")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCorrelationStoreSetsTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	corr := NewCorrelationStore(store, 30*time.Second)

	require.NoError(t, corr.Push(context.Background(), "reply:ttl", []byte("x")))
	assert.Equal(t, 30*time.Second, mr.TTL("reply:ttl"))
}
