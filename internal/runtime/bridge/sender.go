package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/natsflow/internal/runtime/bus"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/queue"
)

// Sender owns the outbound side: it drains every outbound queue concurrently
// and performs the bus operation each record asks for.
type Sender struct {
	conn   bus.Conn
	store  queue.Store
	corr   *queue.CorrelationStore
	keys   Keys
	cfg    configpkg.Config
	logger loggingpkg.ServiceLogger

	requests sync.WaitGroup
}

// NewSender builds a Sender.
func NewSender(opts WorkerOptions) (*Sender, error) {
	cfg, err := opts.validate()
	if err != nil {
		return nil, err
	}
	return &Sender{
		conn:   opts.Conn,
		store:  opts.Store,
		corr:   queue.NewCorrelationStore(opts.Store, cfg.CorrelationTTL),
		keys:   keysFor(cfg),
		cfg:    cfg,
		logger: loggingpkg.Component(opts.Logger, "bridge.sender"),
	}, nil
}

// Run drains the outbound queues until ctx is done, then waits for requests
// still in flight.
func (s *Sender) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for n := 0; n < s.cfg.SenderQueues; n++ {
		key := s.keys.Outbound(n)
		g.Go(func() error {
			popLoop(gctx, s.store, key, s.logger, func(raw []byte) { s.handle(gctx, key, raw) })
			return nil
		})
	}
	s.logger.Info("Sender started", loggingpkg.LogFields{"queues": s.cfg.SenderQueues})
	err := g.Wait()
	s.requests.Wait()
	s.logger.Info("Sender stopped", nil)
	return err
}

func (s *Sender) handle(ctx context.Context, key string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sender panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
				"queue": key,
				"stack": string(debug.Stack()),
			})
		}
	}()

	rec, err := decodeOutbound(raw)
	if err != nil {
		s.logger.Error("Skipping outbound record", err, loggingpkg.LogFields{"queue": key})
		return
	}
	msg := &message.Message{Subject: rec.Subject, Data: rec.Data, Header: rec.Header}

	switch rec.Reply.Kind {
	case ReplyCorrelated:
		s.requests.Add(1)
		go func() {
			defer s.requests.Done()
			s.request(ctx, rec, msg)
		}()
	case ReplyForward:
		msg.Reply = rec.Reply.Subject
		s.publish(ctx, msg)
	default:
		s.publish(ctx, msg)
	}
}

func (s *Sender) publish(ctx context.Context, msg *message.Message) {
	if err := s.conn.Publish(ctx, msg); err != nil {
		s.logger.Error("Publish failed", err, loggingpkg.LogFields{"subject": msg.Subject})
	}
}

func (s *Sender) request(ctx context.Context, rec OutboundRecord, msg *message.Message) {
	timeout := rec.Timeout()
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	var reply ReplyRecord
	out, err := s.conn.Request(ctx, msg, timeout)
	switch {
	case err == nil:
		reply.Data = out.Data
		reply.Header = out.Header
	case errspkg.IsTimeout(err):
		reply.Timeout = true
	default:
		reply.Error = err.Error()
	}

	raw, err := encode(reply)
	if err != nil {
		s.logger.Error("Encoding reply record failed", err, loggingpkg.LogFields{"subject": msg.Subject})
		return
	}
	pushCtx, cancel := detached(ctx)
	defer cancel()
	if err := s.corr.Push(pushCtx, s.keys.Correlation(rec.Reply.Token), raw); err != nil {
		s.logger.Error("Pushing reply record failed", err, loggingpkg.LogFields{"subject": msg.Subject, "token": rec.Reply.Token})
	}
}
