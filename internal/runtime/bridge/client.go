package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/queue"
	"github.com/drblury/natsflow/internal/runtime/registry"
	"github.com/drblury/natsflow/internal/runtime/subject"
)

// ClientOptions configures the application side of the bridge.
type ClientOptions struct {
	Store  queue.Store
	Config *configpkg.Config
	Logger loggingpkg.ServiceLogger
	Routes []registry.Route
}

type consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is the bridge strategy as seen by application code. It never touches
// the bus: sends go to the outbound queues, and every subscribed pattern has
// one consumer goroutine reading its inbound queue in order.
type Client struct {
	store  queue.Store
	corr   *queue.CorrelationStore
	keys   Keys
	cfg    configpkg.Config
	logger loggingpkg.ServiceLogger
	routes []registry.Route

	ctx       context.Context
	mu        sync.Mutex
	consumers map[subKey]*consumer
	next      atomic.Uint64
}

// NewClient builds a Client. Connect must be called before use.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Config == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if opts.Store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	cfg := opts.Config.WithDefaults()
	return &Client{
		store:     opts.Store,
		corr:      queue.NewCorrelationStore(opts.Store, cfg.CorrelationTTL),
		keys:      keysFor(cfg),
		cfg:       cfg,
		logger:    loggingpkg.Component(opts.Logger, "bridge.client"),
		routes:    opts.Routes,
		consumers: make(map[subKey]*consumer),
	}, nil
}

// Connect starts a consumer and announces a subscription for every initial
// route. Consumers stop when ctx is done or on Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	for _, route := range c.routes {
		if err := c.Subscribe(route); err != nil {
			return err
		}
	}
	c.logger.Info("Connected", loggingpkg.LogFields{"subscriptions": len(c.routes), "client_id": c.cfg.ClientID})
	return nil
}

// Run blocks until ctx is done. The bridge has no connection to watch on the
// application side.
func (c *Client) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Subscribe starts a consumer for route and asks the listener to subscribe.
func (c *Client) Subscribe(route registry.Route) error {
	if err := subject.ValidatePattern(route.Pattern); err != nil {
		return &errspkg.SubscribeError{Subject: route.Pattern, Err: err}
	}
	if route.Handle == nil {
		return &errspkg.SubscribeError{Subject: route.Pattern, Err: errspkg.ErrHandlerRequired}
	}
	key := subKey{pattern: route.Pattern, queue: route.QueueGroup}

	c.mu.Lock()
	if c.ctx == nil {
		c.mu.Unlock()
		return errspkg.ErrNotStarted
	}
	if _, ok := c.consumers[key]; ok {
		c.mu.Unlock()
		return &errspkg.SubscribeError{Subject: route.Pattern, Reason: "already subscribed"}
	}
	cctx, cancel := context.WithCancel(c.ctx)
	cons := &consumer{cancel: cancel, done: make(chan struct{})}
	c.consumers[key] = cons
	parent := c.ctx
	c.mu.Unlock()

	go func() {
		defer close(cons.done)
		c.consume(cctx, route)
	}()

	if err := c.control(parent, ControlRecord{Op: OpSubscribe, Subject: route.Pattern, QueueGroup: route.QueueGroup}); err != nil {
		c.stopConsumer(key)
		return &errspkg.SubscribeError{Subject: route.Pattern, Reason: "announce to listener", Err: err}
	}
	return nil
}

// Unsubscribe stops the consumer for (pattern, queue) and asks the listener
// to drop the bus subscription.
func (c *Client) Unsubscribe(pattern, queueGroup string) error {
	key := subKey{pattern: pattern, queue: queueGroup}
	if !c.stopConsumer(key) {
		return &errspkg.UnsubscribeError{Subject: pattern}
	}
	ctx, cancel := detached(context.Background())
	defer cancel()
	if err := c.control(ctx, ControlRecord{Op: OpUnsubscribe, Subject: pattern, QueueGroup: queueGroup}); err != nil {
		return &errspkg.UnsubscribeError{Subject: pattern, Err: err}
	}
	return nil
}

func (c *Client) stopConsumer(key subKey) bool {
	c.mu.Lock()
	cons, ok := c.consumers[key]
	delete(c.consumers, key)
	c.mu.Unlock()
	if !ok {
		return false
	}
	cons.cancel()
	<-cons.done
	return true
}

func (c *Client) control(ctx context.Context, rec ControlRecord) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	return c.store.Push(ctx, c.keys.Control(), raw)
}

func (c *Client) consume(ctx context.Context, route registry.Route) {
	key := c.keys.Inbound(route.Pattern, route.QueueGroup)
	popLoop(ctx, c.store, key, c.logger, func(raw []byte) {
		rec, err := decodeInbound(raw)
		if err != nil {
			c.logger.Error("Skipping inbound record", err, loggingpkg.LogFields{"queue": key})
			return
		}
		c.handle(ctx, route, rec)
	})
}

func (c *Client) handle(ctx context.Context, route registry.Route, rec InboundRecord) {
	msg := &message.Message{Subject: rec.Subject, Data: rec.Data, Header: rec.Header, Reply: rec.ReplyToken}
	out, err := c.invoke(ctx, route, msg)
	if err != nil {
		c.logger.Error("Handler failed", err, loggingpkg.LogFields{"subject": rec.Subject, "pattern": route.Pattern})
	}
	if rec.ReplyToken == "" {
		return
	}

	reply := ReplyRecord{Empty: out == nil}
	if out != nil {
		reply.Data = out.Data
		reply.Header = out.Header
	}
	raw, err := encode(reply)
	if err != nil {
		c.logger.Error("Encoding reply record failed", err, loggingpkg.LogFields{"subject": rec.Subject})
		return
	}
	pushCtx, cancel := detached(ctx)
	defer cancel()
	if err := c.corr.Push(pushCtx, c.keys.Correlation(rec.ReplyToken), raw); err != nil {
		c.logger.Error("Pushing reply record failed", err, loggingpkg.LogFields{"subject": rec.Subject})
	}
}

func (c *Client) invoke(ctx context.Context, route registry.Route, msg *message.Message) (out *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return route.Handle(ctx, msg)
}

// Publish pushes msg onto the next outbound queue. A reply subject on msg is
// forwarded to receivers.
func (c *Client) Publish(ctx context.Context, msg *message.Message) error {
	if err := subject.ValidatePublish(msg.Subject); err != nil {
		return err
	}
	rec := OutboundRecord{Subject: msg.Subject, Data: msg.Data, Header: msg.Header, Reply: NoReply()}
	if msg.Reply != "" {
		rec.Reply = ForwardReply(msg.Reply)
	}
	return c.send(ctx, rec)
}

// Request pushes msg as a correlated record and waits for the reply entry for
// timeout plus the configured grace. A timeout <= 0 uses RequestTimeout.
func (c *Client) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := subject.ValidatePublish(msg.Subject); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	token := ids.NewToken()
	rec := OutboundRecord{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Header:    msg.Header,
		Reply:     CorrelatedReply(token),
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := c.send(ctx, rec); err != nil {
		return nil, err
	}

	raw, err := c.corr.BlockingPop(ctx, c.keys.Correlation(token), timeout+c.cfg.ReplyGrace)
	if err != nil {
		if errspkg.IsTimeout(err) {
			return nil, &errspkg.TimeoutError{Subject: msg.Subject, Timeout: timeout, Err: err}
		}
		return nil, err
	}
	reply, err := decodeReply(raw)
	if err != nil {
		return nil, err
	}
	switch {
	case reply.Timeout:
		return nil, &errspkg.TimeoutError{Subject: msg.Subject, Timeout: timeout}
	case reply.Error != "":
		return nil, fmt.Errorf("natsflow: request to %q failed: %w", msg.Subject, errors.New(reply.Error))
	}
	return &message.Message{Subject: msg.Subject, Data: reply.Data, Header: reply.Header}, nil
}

func (c *Client) send(ctx context.Context, rec OutboundRecord) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	n := int((c.next.Add(1) - 1) % uint64(c.cfg.SenderQueues))
	return c.store.Push(ctx, c.keys.Outbound(n), raw)
}

// Close stops every consumer. The store is left open for its owner.
func (c *Client) Close() error {
	c.mu.Lock()
	keys := make([]subKey, 0, len(c.consumers))
	for key := range c.consumers {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.stopConsumer(key)
	}
	c.logger.Info("Closed", nil)
	return nil
}
