package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/drblury/natsflow/internal/runtime/bus"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/queue"
)

type subKey struct {
	pattern string
	queue   string
}

// Listener owns the inbound side: it subscribes on the bus and turns every
// message into an InboundRecord on the matching inbound queue. For requests it
// waits on the correlation entry and answers on the bus.
type Listener struct {
	conn   bus.Conn
	store  queue.Store
	corr   *queue.CorrelationStore
	keys   Keys
	cfg    configpkg.Config
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	subs    map[subKey]bus.Subscription
	waiters sync.WaitGroup
}

// NewListener builds a Listener.
func NewListener(opts WorkerOptions) (*Listener, error) {
	cfg, err := opts.validate()
	if err != nil {
		return nil, err
	}
	return &Listener{
		conn:   opts.Conn,
		store:  opts.Store,
		corr:   queue.NewCorrelationStore(opts.Store, cfg.CorrelationTTL),
		keys:   keysFor(cfg),
		cfg:    cfg,
		logger: loggingpkg.Component(opts.Logger, "bridge.listener"),
		subs:   make(map[subKey]bus.Subscription),
	}, nil
}

// Run applies control records until ctx is done, then drops every
// subscription and waits for pending replies.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("Listener started", loggingpkg.LogFields{"queue": l.keys.Control()})
	popLoop(ctx, l.store, l.keys.Control(), l.logger, func(raw []byte) {
		rec, err := decodeControl(raw)
		if err != nil {
			l.logger.Error("Skipping control record", err, nil)
			return
		}
		if err := l.apply(ctx, rec); err != nil {
			l.logger.Error("Control record failed", err, loggingpkg.LogFields{"subject": rec.Subject, "op": string(rec.Op)})
		}
	})

	l.mu.Lock()
	for key, sub := range l.subs {
		_ = sub.Unsubscribe()
		delete(l.subs, key)
	}
	l.mu.Unlock()
	l.waiters.Wait()
	l.logger.Info("Listener stopped", nil)
	return nil
}

func (l *Listener) apply(ctx context.Context, rec ControlRecord) error {
	switch rec.Op {
	case OpSubscribe:
		return l.Subscribe(ctx, rec.Subject, rec.QueueGroup)
	case OpUnsubscribe:
		return l.Unsubscribe(rec.Subject, rec.QueueGroup)
	}
	return nil
}

// Subscribe adds a bus subscription. Subscribing an existing pair is a no-op.
func (l *Listener) Subscribe(ctx context.Context, pattern, queueGroup string) error {
	key := subKey{pattern: pattern, queue: queueGroup}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[key]; ok {
		return nil
	}
	inbound := l.keys.Inbound(pattern, queueGroup)
	sub, err := l.conn.Subscribe(pattern, queueGroup, func(msg *message.Message) {
		l.forward(ctx, pattern, queueGroup, inbound, msg)
	})
	if err != nil {
		return err
	}
	if l.cfg.PendingMsgsLimit != 0 || l.cfg.PendingBytesLimit != 0 {
		msgs, bytes := l.cfg.PendingMsgsLimit, l.cfg.PendingBytesLimit
		if msgs == 0 {
			msgs = bus.DefaultPendingMsgsLimit
		}
		if bytes == 0 {
			bytes = bus.DefaultPendingBytesLimit
		}
		if err := sub.SetPendingLimits(msgs, bytes); err != nil {
			l.logger.Error("Setting pending limits failed", err, loggingpkg.LogFields{"subject": pattern})
		}
	}
	l.subs[key] = sub
	l.logger.Debug("Subscribed", loggingpkg.LogFields{"subject": pattern, "queue": queueGroup, "inbound": inbound})
	return nil
}

// Unsubscribe drops a bus subscription. Unknown pairs are an error.
func (l *Listener) Unsubscribe(pattern, queueGroup string) error {
	key := subKey{pattern: pattern, queue: queueGroup}

	l.mu.Lock()
	sub, ok := l.subs[key]
	delete(l.subs, key)
	l.mu.Unlock()

	if !ok {
		return &errspkg.UnsubscribeError{Subject: pattern}
	}
	return sub.Unsubscribe()
}

// Subscribed reports whether (pattern, queueGroup) has a live subscription.
func (l *Listener) Subscribed(pattern, queueGroup string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[subKey{pattern: pattern, queue: queueGroup}]
	return ok
}

// forward runs on the subscription delivery goroutine, so pushes keep bus
// order for each pattern.
func (l *Listener) forward(ctx context.Context, pattern, queueGroup, inbound string, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Listener panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
				"subject": msg.Subject,
				"stack":   string(debug.Stack()),
			})
		}
	}()

	rec := InboundRecord{
		BaseSubject: pattern,
		QueueGroup:  queueGroup,
		Subject:     msg.Subject,
		Data:        msg.Data,
		Header:      msg.Header,
	}
	if msg.HasReply() {
		rec.ReplyToken = ids.NewToken()
	}

	raw, err := encode(rec)
	if err != nil {
		l.logger.Error("Encoding inbound record failed", err, loggingpkg.LogFields{"subject": msg.Subject})
		return
	}
	if err := l.store.Push(ctx, inbound, raw); err != nil {
		l.logger.Error("Pushing inbound record failed", err, loggingpkg.LogFields{"subject": msg.Subject, "queue": inbound})
		return
	}

	if rec.ReplyToken != "" {
		l.waiters.Add(1)
		go func() {
			defer l.waiters.Done()
			l.awaitReply(ctx, rec.ReplyToken, msg)
		}()
	}
}

func (l *Listener) awaitReply(ctx context.Context, token string, msg *message.Message) {
	fields := loggingpkg.LogFields{"subject": msg.Subject, "token": token}
	raw, err := l.corr.BlockingPop(ctx, l.keys.Correlation(token), l.cfg.ReplyTimeout)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("No reply from handlers", err, fields)
		}
		return
	}
	rec, err := decodeReply(raw)
	if err != nil {
		l.logger.Error("Skipping reply record", err, fields)
		return
	}
	if rec.Error != "" {
		l.logger.Error("Handler reply failed", fmt.Errorf("%s", rec.Error), fields)
		return
	}
	if rec.Empty || rec.Timeout {
		return
	}

	reply := &message.Message{Subject: msg.Reply, Data: rec.Data, Header: rec.Header}
	pubCtx, cancel := detached(ctx)
	defer cancel()
	if err := l.conn.Publish(pubCtx, reply); err != nil {
		l.logger.Error("Publishing reply failed", err, fields)
	}
}
