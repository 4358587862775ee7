package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Each key is a slice guarded by one mutex;
// waiters are woken by closing a per-key broadcast channel.
type Memory struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	signals map[string]chan struct{}
	expiry  map[string]time.Time
	closed  bool
}

var (
	_ Store   = (*Memory)(nil)
	_ Expirer = (*Memory)(nil)
)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		lists:   make(map[string][][]byte),
		signals: make(map[string]chan struct{}),
		expiry:  make(map[string]time.Time),
	}
}

func (m *Memory) Push(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.expireLocked(key)
	m.lists[key] = append(m.lists[key], append([]byte(nil), value...))
	if ch, ok := m.signals[key]; ok {
		close(ch)
		delete(m.signals, key)
	}
	return nil
}

func (m *Memory) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	expired, stop := deadline(timeout)
	defer stop()

	for {
		value, wait, err := m.tryPop(key)
		if err != nil || value != nil {
			return value, err
		}
		select {
		case <-wait:
		case <-expired:
			return nil, timeoutError(key, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryPop returns the head of key, or a channel closed on the next push.
func (m *Memory) tryPop(key string) ([]byte, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	m.expireLocked(key)
	if list := m.lists[key]; len(list) > 0 {
		value := list[0]
		list[0] = nil
		if len(list) == 1 {
			delete(m.lists, key)
		} else {
			m.lists[key] = list[1:]
		}
		return value, nil, nil
	}
	ch, ok := m.signals[key]
	if !ok {
		ch = make(chan struct{})
		m.signals[key] = ch
	}
	return nil, ch, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	delete(m.expiry, key)
	return nil
}

func (m *Memory) Len(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

// Close wakes every waiter. Later calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for key, ch := range m.signals {
		close(ch)
		delete(m.signals, key)
	}
	return nil
}

func (m *Memory) expireLocked(key string) {
	at, ok := m.expiry[key]
	if !ok || time.Now().Before(at) {
		return
	}
	delete(m.lists, key)
	delete(m.expiry, key)
}
