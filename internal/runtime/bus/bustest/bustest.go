// Package bustest holds the behaviour every bus.Conn implementation must
// share. Adapter packages run it from their tests.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsflow/internal/runtime/bus"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/message"
)

// Harness provides two connections to the same bus.
type Harness struct {
	Pub bus.Conn
	Sub bus.Conn
	// Flush makes sure subscriptions made on Sub are visible to Pub.
	Flush func(t *testing.T)
}

// Run executes the shared checks. newHarness is called once per check.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("subject isolation", func(t *testing.T) { testSubjectIsolation(t, newHarness(t)) })
	t.Run("wildcards", func(t *testing.T) { testWildcards(t, newHarness(t)) })
	t.Run("queue group partition", func(t *testing.T) { testQueueGroupPartition(t, newHarness(t)) })
	t.Run("request reply", func(t *testing.T) { testRequestReply(t, newHarness(t)) })
	t.Run("no responders timeout", func(t *testing.T) { testNoRespondersTimeout(t, newHarness(t)) })
	t.Run("unsubscribe", func(t *testing.T) { testUnsubscribe(t, newHarness(t)) })
}

type collector struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (c *collector) handle(m *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Subject)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func publish(t *testing.T, conn bus.Conn, subject, data string) {
	t.Helper()
	require.NoError(t, conn.Publish(context.Background(), message.New(subject, []byte(data))))
}

func testSubjectIsolation(t *testing.T, h Harness) {
	var s1, s2 collector
	_, err := h.Sub.Subscribe("svc.one", "", s1.handle)
	require.NoError(t, err)
	_, err = h.Sub.Subscribe("svc.two", "", s2.handle)
	require.NoError(t, err)
	h.Flush(t)

	for i := 0; i < 5; i++ {
		publish(t, h.Pub, "svc.one", fmt.Sprint(i))
	}

	require.Eventually(t, func() bool { return s1.len() == 5 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s2.len())
}

func testWildcards(t *testing.T, h Harness) {
	var single, full collector
	_, err := h.Sub.Subscribe("foo.*.bar", "", single.handle)
	require.NoError(t, err)
	_, err = h.Sub.Subscribe("foo.>", "", full.handle)
	require.NoError(t, err)
	h.Flush(t)

	publish(t, h.Pub, "foo.some.bar", "1")
	publish(t, h.Pub, "foo.some.other", "2")
	publish(t, h.Pub, "foo.a.b.bar", "3")

	require.Eventually(t, func() bool { return full.len() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return single.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"foo.some.bar"}, single.subjects())
}

func testQueueGroupPartition(t *testing.T, h Harness) {
	const n = 50
	var a, b collector
	_, err := h.Sub.Subscribe("jobs", "workers", a.handle)
	require.NoError(t, err)
	_, err = h.Sub.Subscribe("jobs", "workers", b.handle)
	require.NoError(t, err)
	h.Flush(t)

	for i := 0; i < n; i++ {
		publish(t, h.Pub, "jobs", fmt.Sprint(i))
	}

	require.Eventually(t, func() bool { return a.len()+b.len() == n }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, a.len()+b.len())

	seen := make(map[string]int)
	for _, c := range []*collector{&a, &b} {
		c.mu.Lock()
		for _, m := range c.msgs {
			seen[string(m.Data)]++
		}
		c.mu.Unlock()
	}
	assert.Len(t, seen, n)
	for payload, count := range seen {
		assert.Equal(t, 1, count, "message %s delivered twice", payload)
	}
}

func testRequestReply(t *testing.T, h Harness) {
	_, err := h.Sub.Subscribe("svc.echo", "", func(m *message.Message) {
		reply := message.New(m.Reply, append([]byte("echo:"), m.Data...))
		reply.Header = message.Header{}.With("X-Trace", m.Header.Get("X-Trace"))
		_ = h.Sub.Publish(context.Background(), reply)
	})
	require.NoError(t, err)
	h.Flush(t)

	req := message.New("svc.echo", []byte("hi"))
	req.Header = message.Header{}.With("X-Trace", "abc")
	reply, err := h.Pub.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply.Data))
	assert.Equal(t, "abc", reply.Header.Get("X-Trace"))
}

func testNoRespondersTimeout(t *testing.T, h Harness) {
	const timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := h.Pub.Request(context.Background(), message.New("nobody.home", nil), timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errspkg.IsTimeout(err), "want timeout, got %v", err)
	assert.GreaterOrEqual(t, elapsed, timeout-20*time.Millisecond)
	assert.Less(t, elapsed, timeout+300*time.Millisecond)
}

func testUnsubscribe(t *testing.T, h Harness) {
	var c collector
	sub, err := h.Sub.Subscribe("svc.gone", "", c.handle)
	require.NoError(t, err)
	assert.Equal(t, "svc.gone", sub.Subject())
	require.NoError(t, sub.SetPendingLimits(1000, 1<<20))
	h.Flush(t)

	publish(t, h.Pub, "svc.gone", "1")
	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	h.Flush(t)
	publish(t, h.Pub, "svc.gone", "2")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, c.len())
	assert.Error(t, sub.Unsubscribe())
}
