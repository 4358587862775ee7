// Package client implements the in-process execution strategy: one bus
// connection, and every inbound message handled on its own goroutine.
package client

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/natsflow/internal/runtime/bus"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/registry"
	"github.com/drblury/natsflow/internal/runtime/subject"
)

// drainTimeout bounds how long Close waits for an asynchronous drain.
var drainTimeout = 5 * time.Second

// Options configures an InProcess client.
type Options struct {
	Config *configpkg.Config
	Dialer bus.Dialer
	Logger loggingpkg.ServiceLogger
	Routes []registry.Route
	// Exit is called with status 1 when the watcher finds the connection
	// permanently lost. Defaults to os.Exit.
	Exit func(code int)
}

type subKey struct {
	pattern string
	queue   string
}

// InProcess is the single connection strategy.
type InProcess struct {
	cfg    configpkg.Config
	dial   bus.Dialer
	logger loggingpkg.ServiceLogger
	exit   func(int)
	routes []registry.Route

	ctx     context.Context
	mu      sync.RWMutex
	conn    bus.Conn
	subs    map[subKey]bus.Subscription
	closing bool

	inflight  sync.WaitGroup
	stopped   atomic.Bool
	closeOnce sync.Once
}

// NewInProcess builds a client. Connect must be called before use.
func NewInProcess(opts Options) (*InProcess, error) {
	if opts.Config == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if opts.Dialer == nil {
		return nil, errspkg.ErrConnRequired
	}
	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &InProcess{
		cfg:    opts.Config.WithDefaults(),
		dial:   opts.Dialer,
		logger: loggingpkg.Component(opts.Logger, "inprocess"),
		exit:   exit,
		routes: opts.Routes,
		subs:   make(map[subKey]bus.Subscription),
	}, nil
}

// Connect dials the bus and subscribes every initial route. ctx is also the
// parent context of every handler invocation.
func (c *InProcess) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx, bus.DialOptions{
		Servers:        c.cfg.NATSURL,
		Name:           c.cfg.Name,
		MaxReconnects:  c.cfg.MaxReconnects,
		ReconnectWait:  c.cfg.ReconnectWait,
		ConnectTimeout: c.cfg.ConnectTimeout,
		Logger:         c.logger,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ctx = ctx
	c.conn = conn
	c.mu.Unlock()

	for _, route := range c.routes {
		if err := c.Subscribe(route); err != nil {
			conn.Close()
			return err
		}
	}
	c.logger.Info("Connected", loggingpkg.LogFields{"subscriptions": len(c.routes)})
	return nil
}

// Run watches the connection until ctx is done. When the connection is both
// closed and not connected it logs a ConnectionError and calls Exit(1).
func (c *InProcess) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.checkConnection(); err != nil {
				c.logger.Error("Bus connection lost, exiting", err, nil)
				c.exit(1)
				return err
			}
		}
	}
}

func (c *InProcess) checkConnection() error {
	if c.stopped.Load() {
		return nil
	}
	conn := c.connection()
	if conn == nil || !conn.IsClosed() || conn.IsConnected() {
		return nil
	}
	return &errspkg.ConnectionError{Servers: c.cfg.NATSURL}
}

// Subscribe adds a bus subscription for route at runtime.
func (c *InProcess) Subscribe(route registry.Route) error {
	if err := subject.ValidatePattern(route.Pattern); err != nil {
		return &errspkg.SubscribeError{Subject: route.Pattern, Err: err}
	}
	if route.Handle == nil {
		return &errspkg.SubscribeError{Subject: route.Pattern, Err: errspkg.ErrHandlerRequired}
	}
	key := subKey{pattern: route.Pattern, queue: route.QueueGroup}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errspkg.ErrNotStarted
	}
	if _, ok := c.subs[key]; ok {
		return &errspkg.SubscribeError{Subject: route.Pattern, Reason: "already subscribed"}
	}

	sub, err := c.conn.Subscribe(route.Pattern, route.QueueGroup, func(msg *message.Message) {
		c.dispatch(route, msg)
	})
	if err != nil {
		return err
	}
	if err := c.applyPendingLimits(sub); err != nil {
		_ = sub.Unsubscribe()
		return &errspkg.SubscribeError{Subject: route.Pattern, Reason: "pending limits", Err: err}
	}
	c.subs[key] = sub
	c.logger.Debug("Subscribed", loggingpkg.LogFields{"subject": route.Pattern, "queue": route.QueueGroup})
	return nil
}

func (c *InProcess) applyPendingLimits(sub bus.Subscription) error {
	msgs, bytes := c.cfg.PendingMsgsLimit, c.cfg.PendingBytesLimit
	if msgs == 0 && bytes == 0 {
		return nil
	}
	if msgs == 0 {
		msgs = bus.DefaultPendingMsgsLimit
	}
	if bytes == 0 {
		bytes = bus.DefaultPendingBytesLimit
	}
	return sub.SetPendingLimits(msgs, bytes)
}

// Unsubscribe removes the subscription for (pattern, queue).
func (c *InProcess) Unsubscribe(pattern, queue string) error {
	key := subKey{pattern: pattern, queue: queue}

	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()

	if !ok {
		return &errspkg.UnsubscribeError{Subject: pattern}
	}
	return sub.Unsubscribe()
}

// dispatch runs the route on its own goroutine. Failures are logged and never
// reach other invocations.
func (c *InProcess) dispatch(route registry.Route, msg *message.Message) {
	c.mu.RLock()
	if c.closing {
		c.mu.RUnlock()
		return
	}
	ctx := c.ctx
	c.inflight.Add(1)
	c.mu.RUnlock()

	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Handler panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
					"subject": msg.Subject,
					"stack":   string(debug.Stack()),
				})
			}
		}()

		out, err := route.Handle(ctx, msg)
		if err != nil {
			c.logger.Error("Handler failed", err, loggingpkg.LogFields{"subject": msg.Subject, "pattern": route.Pattern})
		}
		if out == nil || !msg.HasReply() {
			return
		}
		reply := out.Clone()
		reply.Subject = msg.Reply
		reply.Reply = ""
		if err := c.connection().Publish(ctx, reply); err != nil {
			c.logger.Error("Reply failed", err, loggingpkg.LogFields{"subject": msg.Subject})
		}
	}()
}

// Publish sends msg without waiting for a reply.
func (c *InProcess) Publish(ctx context.Context, msg *message.Message) error {
	conn := c.connection()
	if conn == nil {
		return errspkg.ErrNotStarted
	}
	if err := subject.ValidatePublish(msg.Subject); err != nil {
		return err
	}
	return conn.Publish(ctx, msg)
}

// Request sends msg and waits for one reply. A timeout <= 0 uses the
// configured RequestTimeout.
func (c *InProcess) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	conn := c.connection()
	if conn == nil {
		return nil, errspkg.ErrNotStarted
	}
	if err := subject.ValidatePublish(msg.Subject); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	return conn.Request(ctx, msg, timeout)
}

// Close drains the connection and waits for in-flight handlers.
func (c *InProcess) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		conn := c.connection()
		if conn != nil {
			if derr := conn.Drain(); derr != nil {
				err = derr
			}
			deadline := time.Now().Add(drainTimeout)
			for !conn.IsClosed() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			conn.Close()
		}

		c.mu.Lock()
		c.closing = true
		c.subs = make(map[subKey]bus.Subscription)
		c.mu.Unlock()

		c.inflight.Wait()
		c.logger.Info("Closed", nil)
	})
	return err
}

func (c *InProcess) connection() bus.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
