package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drblury/natsflow/internal/runtime/bus"
	"github.com/drblury/natsflow/internal/runtime/bus/membus"
	"github.com/drblury/natsflow/internal/runtime/codec"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/middleware"
	"github.com/drblury/natsflow/internal/runtime/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	server *membus.Server
	client *InProcess
	conn   *membus.Conn
	exits  atomic.Int32
}

func newTestEnv(t *testing.T, cfg *configpkg.Config, subs *registry.Subscriptions) *testEnv {
	t.Helper()
	env := &testEnv{server: membus.NewServer()}
	mgr := middleware.NewManager(middleware.Env{})

	var routes []registry.Route
	if subs != nil {
		for _, e := range subs.Entries() {
			routes = append(routes, e.Route(mgr))
		}
	}
	if cfg == nil {
		cfg = &configpkg.Config{}
	}

	dial := env.server.Dialer()
	c, err := NewInProcess(Options{
		Config: cfg,
		Logger: loggingpkg.NopLogger(),
		Routes: routes,
		Dialer: func(ctx context.Context, opts bus.DialOptions) (bus.Conn, error) {
			conn, err := dial(ctx, opts)
			if err == nil {
				env.conn = conn.(*membus.Conn)
			}
			return conn, err
		},
		Exit: func(code int) { env.exits.Add(int32(code)) },
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	env.client = c
	t.Cleanup(func() {
		_ = c.Close()
		env.server.Shutdown()
	})
	return env
}

type payload struct {
	Data int `json:"data"`
}

func TestRequestRoundTrip(t *testing.T) {
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
	env := newTestEnv(t, nil, subs)

	reply, err := env.client.Request(context.Background(), message.New("foo", []byte(`{"data":1}`)), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":2}`, string(reply.Data))

	reply, err = env.client.Request(context.Background(), message.New("foo.some.bar", []byte(`{"data":1}`)), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"foo.some.bar1"}`, string(reply.Data))
}

func TestSlowHandlerDoesNotBlockDelivery(t *testing.T) {
	release := make(chan struct{})
	fastDone := make(chan struct{})
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"work"},
		Codec:    codec.UTF8(),
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			if msg.Value.(string) == "slow" {
				<-release
				return nil, nil
			}
			close(fastDone)
			return nil, nil
		},
	}))
	env := newTestEnv(t, nil, subs)

	require.NoError(t, env.client.Publish(context.Background(), message.New("work", []byte("slow"))))
	require.NoError(t, env.client.Publish(context.Background(), message.New("work", []byte("fast"))))

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast message blocked behind slow handler")
	}
	close(release)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	var handled atomic.Int32
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"fragile"},
		Codec:    codec.UTF8(),
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			if msg.Value.(string) == "panic" {
				panic("boom")
			}
			handled.Add(1)
			return nil, nil
		},
	}))
	env := newTestEnv(t, nil, subs)

	require.NoError(t, env.client.Publish(context.Background(), message.New("fragile", []byte("panic"))))
	require.NoError(t, env.client.Publish(context.Background(), message.New("fragile", []byte("ok"))))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNilResultSendsNoReply(t *testing.T) {
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"command"},
		Handler:  func(ctx context.Context, msg *message.Message) (any, error) { return nil, nil },
	}))
	env := newTestEnv(t, nil, subs)

	_, err := env.client.Request(context.Background(), message.New("command", nil), 50*time.Millisecond)
	assert.True(t, errspkg.IsTimeout(err))
}

func TestRequestTimeoutWithoutSubscriber(t *testing.T) {
	env := newTestEnv(t, &configpkg.Config{RequestTimeout: 80 * time.Millisecond}, nil)

	start := time.Now()
	_, err := env.client.Request(context.Background(), message.New("nobody", nil), 0)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errspkg.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestDynamicSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	mgr := middleware.NewManager(middleware.Env{})

	got := make(chan string, 1)
	entry := registry.NewEntry("dynamic", "", registry.Handler{Name: "d", Codec: codec.UTF8(), Fn: func(ctx context.Context, msg *message.Message) (any, error) {
		got <- msg.Value.(string)
		return nil, nil
	}})
	route := entry.Route(mgr)

	require.NoError(t, env.client.Subscribe(route))
	err := env.client.Subscribe(route)
	assert.ErrorIs(t, err, errspkg.ErrSubscribe)

	require.NoError(t, env.client.Publish(context.Background(), message.New("dynamic", []byte("hello"))))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("dynamic subscription not served")
	}

	require.NoError(t, env.client.Unsubscribe("dynamic", ""))
	err = env.client.Unsubscribe("dynamic", "")
	assert.ErrorIs(t, err, errspkg.ErrUnsubscribe)
	assert.Zero(t, env.server.NumSubscriptions("dynamic"))
}

func TestInvalidPublishSubject(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	assert.Error(t, env.client.Publish(context.Background(), message.New("foo.>", nil)))
	_, err := env.client.Request(context.Background(), message.New("", nil), time.Second)
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	c, err := NewInProcess(Options{Config: &configpkg.Config{}, Dialer: membus.NewServer().Dialer()})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(context.Background(), message.New("foo", nil)), errspkg.ErrNotStarted)
	_, err = c.Request(context.Background(), message.New("foo", nil), time.Second)
	assert.ErrorIs(t, err, errspkg.ErrNotStarted)
	assert.ErrorIs(t, c.Subscribe(registry.Route{Pattern: "foo", Handle: func(ctx context.Context, msg *message.Message) (*message.Message, error) { return nil, nil }}), errspkg.ErrNotStarted)

	_, err = NewInProcess(Options{Dialer: membus.NewServer().Dialer()})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = NewInProcess(Options{Config: &configpkg.Config{}})
	assert.ErrorIs(t, err, errspkg.ErrConnRequired)
}

func TestWatcherExitsOnLostConnection(t *testing.T) {
	env := newTestEnv(t, &configpkg.Config{WatchInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.client.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, env.exits.Load(), "healthy connection must not exit")

	env.conn.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrConnection)
	case <-time.After(time.Second):
		t.Fatal("watcher did not notice the lost connection")
	}
	assert.Equal(t, int32(1), env.exits.Load())
}

func TestWatcherIgnoresDisconnectedButOpen(t *testing.T) {
	env := newTestEnv(t, &configpkg.Config{WatchInterval: 5 * time.Millisecond}, nil)
	env.conn.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, env.client.Run(ctx))
	assert.Zero(t, env.exits.Load())
}

func TestCloseWaitsForInflightHandlers(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	subs := registry.NewSubscriptions()
	require.NoError(t, subs.Listen(registry.Listener{
		Subjects: []string{"long"},
		Handler: func(ctx context.Context, msg *message.Message) (any, error) {
			close(started)
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
			return nil, nil
		},
	}))
	env := newTestEnv(t, nil, subs)

	require.NoError(t, env.client.Publish(context.Background(), message.New("long", nil)))
	<-started
	require.NoError(t, env.client.Close())
	assert.True(t, finished.Load())
}
