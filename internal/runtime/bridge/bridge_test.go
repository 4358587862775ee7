package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drblury/natsflow/internal/runtime/bus/membus"
	"github.com/drblury/natsflow/internal/runtime/codec"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/middleware"
	"github.com/drblury/natsflow/internal/runtime/queue"
	"github.com/drblury/natsflow/internal/runtime/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type payload struct {
	Data int `json:"data"`
}

type testBridge struct {
	server   *membus.Server
	external *membus.Conn
	store    queue.Store
	workers  *Workers
	client   *Client
	keys     Keys
	mgr      *middleware.Manager
	cfg      *configpkg.Config
}

func memoryStore(t *testing.T) queue.Store {
	store := queue.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func redisStore(t *testing.T) queue.Store {
	mr := miniredis.RunT(t)
	store := queue.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Millisecond)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestBridge runs workers and a client over store. Every initial route is
// live on the bus when it returns.
func newTestBridge(t *testing.T, store queue.Store, subs *registry.Subscriptions) *testBridge {
	t.Helper()
	cfg := &configpkg.Config{
		ClientID:       "test",
		SenderQueues:   2,
		ReplyTimeout:   time.Second,
		ReplyGrace:     200 * time.Millisecond,
		RequestTimeout: time.Second,
	}
	tb := &testBridge{
		server: membus.NewServer(),
		store:  store,
		cfg:    cfg,
		keys:   Keys{Prefix: "natsflow", ClientID: "test"},
		mgr:    middleware.NewManager(middleware.Env{}),
	}
	tb.external = tb.server.Connect("external")
	workerConn := tb.server.Connect("bridge")

	workers, err := NewWorkers(WorkerOptions{Conn: workerConn, Store: store, Config: cfg, Logger: loggingpkg.NopLogger()})
	require.NoError(t, err)
	tb.workers = workers

	var routes []registry.Route
	if subs != nil {
		for _, e := range subs.Entries() {
			routes = append(routes, e.Route(tb.mgr))
		}
	}
	client, err := NewClient(ClientOptions{Store: store, Config: cfg, Logger: loggingpkg.NopLogger(), Routes: routes})
	require.NoError(t, err)
	tb.client = client

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- workers.Run(ctx) }()
	require.NoError(t, client.Connect(ctx))

	t.Cleanup(func() {
		cancel()
		<-done
		_ = client.Close()
		tb.external.Close()
		workerConn.Close()
		tb.server.Shutdown()
	})

	for _, r := range routes {
		tb.waitSubscribed(t, r.Pattern, r.QueueGroup)
	}
	return tb
}

func (tb *testBridge) waitSubscribed(t *testing.T, pattern, queueGroup string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tb.workers.Listener.Subscribed(pattern, queueGroup)
	}, 2*time.Second, 2*time.Millisecond)
}

func roundTripSubscriptions(t *testing.T) *registry.Subscriptions {
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"foo"},
		Codec:    codec.JSONOf[payload](),
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			return payload{Data: msg.Value.(payload).Data + 1}, nil
		},
	}))
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"foo.*.bar"},
		Codec:    codec.JSON(),
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			in := msg.Value.(map[string]any)
			return map[string]any{"data": fmt.Sprintf("%s%v", msg.Subject, in["data"])}, nil
		},
	}))
	return subs
}

func TestBridgeRoundTrip(t *testing.T) {
	for name, newStore := range map[string]func(*testing.T) queue.Store{"memory": memoryStore, "redis": redisStore} {
		t.Run(name, func(t *testing.T) {
			tb := newTestBridge(t, newStore(t), roundTripSubscriptions(t))
			ctx := context.Background()

			// Request from a process outside the bridge.
			reply, err := tb.external.Request(ctx, message.New("foo", []byte(`{"data":1}`)), time.Second)
			require.NoError(t, err)
			assert.JSONEq(t, `{"data":2}`, string(reply.Data))

			// Request issued by the bridged application itself.
			reply, err = tb.client.Request(ctx, message.New("foo.some.bar", []byte(`{"data":1}`)), time.Second)
			require.NoError(t, err)
			assert.JSONEq(t, `{"data":"foo.some.bar1"}`, string(reply.Data))
		})
	}
}

func TestBridgeRepliesReachTheWaitingClient(t *testing.T) {
	tb := newTestBridge(t, memoryStore(t), roundTripSubscriptions(t))

	// A second process of the same application without any subscriptions.
	other, err := NewClient(ClientOptions{Store: tb.store, Config: tb.cfg, Logger: loggingpkg.NopLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, other.Connect(ctx))
	defer func() { _ = other.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := other.Request(context.Background(), message.New("foo", fmt.Appendf(nil, `{"data":%d}`, i)), time.Second)
			if assert.NoError(t, err) {
				assert.JSONEq(t, fmt.Sprintf(`{"data":%d}`, i+1), string(reply.Data))
			}
		}(i)
	}
	wg.Wait()

	reply, err := tb.client.Request(context.Background(), message.New("foo", []byte(`{"data":41}`)), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":42}`, string(reply.Data))
}

func TestBridgeSubjectAndQueueGroupDoNotShareAQueue(t *testing.T) {
	var colon, grouped atomic.Int32
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"a:b"},
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			colon.Add(1)
			return nil, nil
		},
	}))
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects:   []string{"a"},
		QueueGroup: "b",
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			grouped.Add(1)
			return nil, nil
		},
	}))
	tb := newTestBridge(t, memoryStore(t), subs)
	require.NotEqual(t, tb.keys.Inbound("a:b", ""), tb.keys.Inbound("a", "b"))

	for i := 0; i < 20; i++ {
		require.NoError(t, tb.external.Publish(context.Background(), message.New("a", nil)))
	}
	require.Eventually(t, func() bool { return grouped.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, colon.Load())
}

func TestBridgeKeepsOrderPerSubscription(t *testing.T) {
	var mu sync.Mutex
	var got []int
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"ordered"},
		Codec:    codec.JSONOf[payload](),
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			mu.Lock()
			got = append(got, msg.Value.(payload).Data)
			mu.Unlock()
			return nil, nil
		},
	}))
	tb := newTestBridge(t, memoryStore(t), subs)

	for i := 0; i < 100; i++ {
		require.NoError(t, tb.external.Publish(context.Background(), message.New("ordered", fmt.Appendf(nil, `{"data":%d}`, i))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestBridgeRequestTimeout(t *testing.T) {
	tb := newTestBridge(t, memoryStore(t), nil)

	start := time.Now()
	_, err := tb.client.Request(context.Background(), message.New("nobody.home", nil), 80*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errspkg.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestBridgeEmptyReplyIsNotAnswered(t *testing.T) {
	handled := make(chan struct{}, 1)
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"command"},
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			handled <- struct{}{}
			return nil, nil
		},
	}))
	tb := newTestBridge(t, memoryStore(t), subs)

	_, err := tb.external.Request(context.Background(), message.New("command", nil), 100*time.Millisecond)
	assert.True(t, errspkg.IsTimeout(err))
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestBridgeForwardsReplySubject(t *testing.T) {
	answers := make(chan *message.Message, 1)
	tb := newTestBridge(t, memoryStore(t), nil)

	_, err := tb.external.Subscribe("svc.echo", "", func(msg *message.Message) {
		_ = tb.external.Publish(context.Background(), &message.Message{Subject: msg.Reply, Data: msg.Data})
	})
	require.NoError(t, err)
	_, err = tb.external.Subscribe("answers", "", func(msg *message.Message) { answers <- msg })
	require.NoError(t, err)

	msg := message.New("svc.echo", []byte("ping"))
	msg.Reply = "answers"
	require.NoError(t, tb.client.Publish(context.Background(), msg))

	select {
	case got := <-answers:
		assert.Equal(t, "ping", string(got.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded reply never arrived")
	}
}

func TestBridgeDynamicSubscriptions(t *testing.T) {
	tb := newTestBridge(t, memoryStore(t), nil)

	got := make(chan string, 1)
	entry := registry.NewEntry("dynamic", "workers", registry.Handler{Name: "d", Codec: codec.UTF8(), Fn: func(ctx context.Context, msg *message.Message) (any, error) {
		got <- msg.Value.(string)
		return nil, nil
	}})
	route := entry.Route(tb.mgr)

	require.NoError(t, tb.client.Subscribe(route))
	assert.ErrorIs(t, tb.client.Subscribe(route), errspkg.ErrSubscribe)
	tb.waitSubscribed(t, "dynamic", "workers")

	require.NoError(t, tb.external.Publish(context.Background(), message.New("dynamic", []byte("hello"))))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	require.NoError(t, tb.client.Unsubscribe("dynamic", "workers"))
	require.Eventually(t, func() bool {
		return !tb.workers.Listener.Subscribed("dynamic", "workers")
	}, 2*time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, tb.client.Unsubscribe("dynamic", "workers"), errspkg.ErrUnsubscribe)
}

func TestBridgeSkipsMalformedInboundRecords(t *testing.T) {
	got := make(chan string, 1)
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"sturdy"},
		Codec:    codec.UTF8(),
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			got <- msg.Value.(string)
			return nil, nil
		},
	}))
	tb := newTestBridge(t, memoryStore(t), subs)

	require.NoError(t, tb.store.Push(context.Background(), tb.keys.Inbound("sturdy", ""), []byte("{garbage")))
	require.NoError(t, tb.external.Publish(context.Background(), message.New("sturdy", []byte("fine"))))

	select {
	case v := <-got:
		assert.Equal(t, "fine", v)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer stopped after malformed record")
	}
}

func TestBridgeSenderSkipsMalformedOutboundRecords(t *testing.T) {
	got := make(chan string, 1)
	tb := newTestBridge(t, memoryStore(t), nil)
	_, err := tb.external.Subscribe("out", "", func(msg *message.Message) { got <- string(msg.Data) })
	require.NoError(t, err)

	for n := 0; n < 2; n++ {
		require.NoError(t, tb.store.Push(context.Background(), tb.keys.Outbound(n), []byte(`{"reply":{"kind":"none"}}`)))
	}
	require.NoError(t, tb.client.Publish(context.Background(), message.New("out", []byte("after"))))

	select {
	case v := <-got:
		assert.Equal(t, "after", v)
	case <-time.After(2 * time.Second):
		t.Fatal("sender stopped after malformed record")
	}
}

func TestClientRequiresConnect(t *testing.T) {
	client, err := NewClient(ClientOptions{Store: memoryStore(t), Config: &configpkg.Config{ClientID: "x"}})
	require.NoError(t, err)

	entry := registry.NewEntry("late", "", registry.Handler{Fn: func(ctx context.Context, msg *message.Message) (any, error) { return nil, nil }})
	assert.ErrorIs(t, client.Subscribe(entry.Route(middleware.NewManager(middleware.Env{}))), errspkg.ErrNotStarted)
}

func TestNewWorkersValidatesOptions(t *testing.T) {
	_, err := NewWorkers(WorkerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewWorkers(WorkerOptions{Config: &configpkg.Config{}})
	assert.ErrorIs(t, err, errspkg.ErrConnRequired)

	_, err = NewClient(ClientOptions{Config: &configpkg.Config{}})
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
}
