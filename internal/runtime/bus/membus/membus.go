// Package membus is an in-memory bus with NATS subject semantics: wildcard
// patterns, queue groups balanced round-robin, and request inboxes. Every
// subscription delivers on its own goroutine in publish order.
package membus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/natsflow/internal/runtime/bus"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/ids"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/subject"
)

const inboxPrefix = "_INBOX."

// Server routes messages between the connections created from it.
type Server struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	rr     map[string]int
	closed bool
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{
		subs: make(map[*subscription]struct{}),
		rr:   make(map[string]int),
	}
}

// Connect opens a connection to s.
func (s *Server) Connect(name string) *Conn {
	return &Conn{server: s, name: name, connected: true, subs: make(map[*subscription]struct{})}
}

// Dialer returns a bus.Dialer that connects to s.
func (s *Server) Dialer() bus.Dialer {
	return func(ctx context.Context, opts bus.DialOptions) (bus.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			return nil, &errspkg.ConnectionError{Servers: "membus", Err: errspkg.ErrConnectionClosed}
		}
		return s.Connect(opts.Name), nil
	}
}

// Shutdown closes the server. Later dials fail.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop(false)
	}
}

// NumSubscriptions returns the number of live subscriptions matching pattern
// exactly, across all connections.
func (s *Server) NumSubscriptions(pattern string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for sub := range s.subs {
		if sub.subject == pattern {
			n++
		}
	}
	return n
}

func (s *Server) add(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
}

func (s *Server) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// route delivers msg to every plain subscriber and to one member of every
// queue group whose pattern matches. It returns the number of deliveries.
func (s *Server) route(msg *message.Message) int {
	s.mu.Lock()
	var plain []*subscription
	groups := make(map[string][]*subscription)
	var groupOrder []string
	for sub := range s.subs {
		if !subject.Match(sub.subject, msg.Subject) {
			continue
		}
		if sub.queue == "" {
			plain = append(plain, sub)
			continue
		}
		key := sub.subject + " " + sub.queue
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], sub)
	}

	targets := plain
	for _, key := range groupOrder {
		members := groups[key]
		sortSubs(members)
		idx := s.rr[key] % len(members)
		s.rr[key] = idx + 1
		targets = append(targets, members[idx])
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(msg.Clone())
	}
	return len(targets)
}

// sortSubs orders members by creation so round-robin is stable across calls.
func sortSubs(members []*subscription) {
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j].seq < members[j-1].seq; j-- {
			members[j], members[j-1] = members[j-1], members[j]
		}
	}
}

// Conn is one client connection to a Server.
type Conn struct {
	server *Server
	name   string

	mu        sync.Mutex
	subs      map[*subscription]struct{}
	closed    bool
	connected bool
}

var _ bus.Conn = (*Conn)(nil)

var subSeq struct {
	sync.Mutex
	n uint64
}

func nextSeq() uint64 {
	subSeq.Lock()
	defer subSeq.Unlock()
	subSeq.n++
	return subSeq.n
}

func (c *Conn) Subscribe(subj, queue string, cb bus.MsgHandler) (bus.Subscription, error) {
	if err := subject.ValidatePattern(subj); err != nil {
		return nil, &errspkg.SubscribeError{Subject: subj, Err: err}
	}
	if cb == nil {
		return nil, &errspkg.SubscribeError{Subject: subj, Err: errspkg.ErrHandlerRequired}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &errspkg.SubscribeError{Subject: subj, Err: errspkg.ErrConnectionClosed}
	}
	sub := newSubscription(c, subj, queue, cb)
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	c.server.add(sub)
	go sub.run()
	return sub, nil
}

func (c *Conn) Publish(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := subject.ValidatePublish(msg.Subject); err != nil {
		return err
	}
	c.server.route(msg)
	return nil
}

// Request publishes msg with a fresh inbox as reply destination. With no
// subscriber the call waits for the full timeout, as natsbus does.
func (c *Conn) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan *message.Message, 1)
	inbox := inboxPrefix + ids.NewToken()
	sub, err := c.Subscribe(inbox, "", func(m *message.Message) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	out := msg.Clone()
	out.Reply = inbox
	if err := c.Publish(reqCtx, out); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errspkg.TimeoutError{Subject: msg.Subject, Timeout: timeout, Err: context.DeadlineExceeded}
	}
}

// Drain delivers what is already queued on every subscription, then closes.
func (c *Conn) Drain() error {
	subs := c.snapshot()
	for _, sub := range subs {
		sub.stop(true)
	}
	for _, sub := range subs {
		<-sub.done
	}
	c.Close()
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	for _, sub := range c.snapshot() {
		sub.stop(false)
	}
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect simulates a lost connection without closing it.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Reconnect restores a connection after Disconnect.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.connected = true
	}
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrConnectionClosed
	}
	return nil
}

func (c *Conn) snapshot() []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		out = append(out, sub)
	}
	return out
}

func (c *Conn) forget(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
	c.server.remove(sub)
}

type subscription struct {
	conn    *Conn
	subject string
	queue   string
	cb      bus.MsgHandler
	seq     uint64

	mu           sync.Mutex
	pending      []*message.Message
	pendingBytes int
	msgsLimit    int
	bytesLimit   int
	dropped      int
	wake         chan struct{}
	done         chan struct{}
	stopping     bool
	draining     bool
}

func newSubscription(c *Conn, subj, queue string, cb bus.MsgHandler) *subscription {
	return &subscription{
		conn:    c,
		subject: subj,
		queue:   queue,
		cb:      cb,
		seq:     nextSeq(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) Subject() string { return s.subject }
func (s *subscription) Queue() string   { return s.queue }

// SetPendingLimits bounds the number of queued messages and bytes. Values
// <= 0 disable a limit.
func (s *subscription) SetPendingLimits(msgs, bytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgsLimit = msgs
	s.bytesLimit = bytes
	return nil
}

// Dropped returns the number of messages discarded by pending limits.
func (s *subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	stopped := s.stopping
	s.mu.Unlock()
	if stopped {
		return &errspkg.UnsubscribeError{Subject: s.subject, Err: fmt.Errorf("subscription already closed")}
	}
	s.stop(false)
	return nil
}

func (s *subscription) enqueue(msg *message.Message) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if (s.msgsLimit > 0 && len(s.pending) >= s.msgsLimit) ||
		(s.bytesLimit > 0 && s.pendingBytes+len(msg.Data) > s.bytesLimit) {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	s.pendingBytes += len(msg.Data)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// stop ends delivery. With drain, already queued messages are still
// delivered. It does not wait for the delivery goroutine.
func (s *subscription) stop(drain bool) {
	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		s.draining = drain
		close(s.wake)
	}
	s.mu.Unlock()
	s.conn.forget(s)
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.deliverPending()
		if _, open := <-s.wake; !open {
			s.deliverPending()
			return
		}
	}
}

func (s *subscription) next() (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping && !s.draining {
		return nil, false
	}
	if len(s.pending) == 0 {
		return nil, false
	}
	msg := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.pendingBytes -= len(msg.Data)
	return msg, true
}

func (s *subscription) deliverPending() {
	for {
		msg, ok := s.next()
		if !ok {
			return
		}
		s.cb(msg)
	}
}
