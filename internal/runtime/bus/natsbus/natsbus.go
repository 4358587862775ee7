// Package natsbus adapts nats.go to the bus interfaces.
package natsbus

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drblury/natsflow/internal/runtime/bus"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
)

var _ bus.Dialer = Dial

// Conn wraps a *nats.Conn.
type Conn struct {
	nc     *nats.Conn
	logger loggingpkg.ServiceLogger
}

var _ bus.Conn = (*Conn)(nil)

// Dial connects to opts.Servers (a comma separated list). Failure to reach
// any server is a ConnectionError.
func Dial(ctx context.Context, opts bus.DialOptions) (bus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := loggingpkg.Component(opts.Logger, "natsbus")
	fields := loggingpkg.LogFields{"name": opts.Name}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("Disconnected from NATS", err, fields)
				return
			}
			logger.Info("Disconnected from NATS", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", loggingpkg.LogFields{"name": opts.Name, "url": nc.ConnectedUrlRedacted()})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed", fields)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			f := loggingpkg.LogFields{"name": opts.Name}
			if sub != nil {
				f["subject"] = sub.Subject
			}
			logger.Error("NATS async error", err, f)
		}),
	}
	if opts.ReconnectWait > 0 {
		natsOpts = append(natsOpts, nats.ReconnectWait(opts.ReconnectWait))
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}

	nc, err := nats.Connect(opts.Servers, natsOpts...)
	if err != nil {
		return nil, &errspkg.ConnectionError{Servers: opts.Servers, Err: err}
	}
	logger.Debug("Connected to NATS", loggingpkg.LogFields{"name": opts.Name, "url": nc.ConnectedUrlRedacted()})
	return &Conn{nc: nc, logger: logger}, nil
}

// NewConn wraps an existing connection.
func NewConn(nc *nats.Conn, logger loggingpkg.ServiceLogger) *Conn {
	return &Conn{nc: nc, logger: loggingpkg.Component(logger, "natsbus")}
}

func (c *Conn) Subscribe(subject, queue string, cb bus.MsgHandler) (bus.Subscription, error) {
	handler := func(m *nats.Msg) { cb(fromNATS(m)) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.nc.Subscribe(subject, handler)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return nil, &errspkg.SubscribeError{Subject: subject, Err: err}
	}
	return &subscription{sub: sub}, nil
}

func (c *Conn) Publish(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.nc.PublishMsg(toNATS(msg))
}

// Request waits for a reply until timeout. A "no responders" answer is held
// until the deadline so that a missing subscriber looks the same as a silent
// one.
func (c *Conn) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.nc.RequestMsgWithContext(reqCtx, toNATS(msg))
	if err == nil {
		return fromNATS(reply), nil
	}

	switch {
	case errors.Is(err, nats.ErrNoResponders):
		<-reqCtx.Done()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errspkg.TimeoutError{Subject: msg.Subject, Timeout: timeout, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errspkg.TimeoutError{Subject: msg.Subject, Timeout: timeout, Err: err}
	case errors.Is(err, nats.ErrConnectionClosed):
		return nil, errors.Join(errspkg.ErrConnectionClosed, err)
	default:
		return nil, err
	}
}

func (c *Conn) Drain() error      { return c.nc.Drain() }
func (c *Conn) Close()            { c.nc.Close() }
func (c *Conn) IsClosed() bool    { return c.nc.IsClosed() }
func (c *Conn) IsConnected() bool { return c.nc.IsConnected() }

// NATS returns the underlying connection.
func (c *Conn) NATS() *nats.Conn { return c.nc }

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Subject() string { return s.sub.Subject }
func (s *subscription) Queue() string   { return s.sub.Queue }

func (s *subscription) SetPendingLimits(msgs, bytes int) error {
	return s.sub.SetPendingLimits(msgs, bytes)
}

func (s *subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return &errspkg.UnsubscribeError{Subject: s.sub.Subject, Err: err}
	}
	return nil
}

func toNATS(msg *message.Message) *nats.Msg {
	m := &nats.Msg{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}
	if len(msg.Header) > 0 {
		m.Header = nats.Header(msg.Header.Clone())
	}
	return m
}

func fromNATS(m *nats.Msg) *message.Message {
	msg := &message.Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data}
	if len(m.Header) > 0 {
		msg.Header = message.Header(m.Header)
	}
	return msg
}
