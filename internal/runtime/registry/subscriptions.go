// Package registry collects subscription and task declarations before a
// Service starts. Registries are plain values owned by the composition root;
// nothing here is global.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/natsflow/internal/runtime/codec"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/middleware"
	"github.com/drblury/natsflow/internal/runtime/subject"
)

// HandlerFunc processes one inbound message. msg.Value holds the payload
// decoded with the listener codec. A non-nil result is encoded with the same
// codec and sent back when the message expects a reply.
type HandlerFunc func(ctx context.Context, msg *message.Message) (any, error)

// Validator checks a decoded payload before the handler runs.
type Validator func(value any) error

// Listener declares a handler for one or more subject patterns.
type Listener struct {
	Name       string
	Subjects   []string
	QueueGroup string
	// Codec defaults to codec.Bytes().
	Codec     codec.Codec
	Validator Validator
	Handler   HandlerFunc
}

// Handler is a registered handler bound to its codec and validator.
type Handler struct {
	Name      string
	Codec     codec.Codec
	Validator Validator
	Fn        HandlerFunc
}

// FailureReply is the structured reply sent when a payload cannot be decoded
// or fails validation.
type FailureReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Stats is a snapshot of the counters of one entry.
type Stats struct {
	Processed uint64    `json:"processed"`
	Failed    uint64    `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	LastRunAt time.Time `json:"last_run_at"`
}

type stats struct {
	processed atomic.Uint64
	failed    atomic.Uint64
	mu        sync.Mutex
	lastError string
	lastRunAt time.Time
}

func (s *stats) record(err error) {
	s.processed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRunAt = time.Now()
	if err != nil {
		s.failed.Add(1)
		s.lastError = err.Error()
	}
}

// Entry is one bus subscription: a pattern, an optional queue group and the
// ordered handlers that share it.
type Entry struct {
	Pattern    string
	QueueGroup string

	mu       sync.RWMutex
	handlers []Handler
	stats    stats
}

// NewEntry builds an entry outside of a registry, for runtime subscriptions.
func NewEntry(pattern, queue string, handlers ...Handler) *Entry {
	return &Entry{Pattern: pattern, QueueGroup: queue, handlers: handlers}
}

// Handlers returns the handlers in declaration order.
func (e *Entry) Handlers() []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Handler(nil), e.handlers...)
}

func (e *Entry) add(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Stats returns the current counters.
func (e *Entry) Stats() Stats {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	return Stats{
		Processed: e.stats.processed.Load(),
		Failed:    e.stats.failed.Load(),
		LastError: e.stats.lastError,
		LastRunAt: e.stats.lastRunAt,
	}
}

// Serve runs every handler in order against msg. The first non-nil encoded
// result becomes the reply. Handler errors are joined and returned alongside
// any reply so the caller can log them.
func (e *Entry) Serve(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var (
		reply *message.Message
		errs  []error
	)
	for _, h := range e.Handlers() {
		out, err := h.invoke(ctx, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", h.Name, err))
		}
		if reply == nil && out != nil {
			reply = out
		}
	}
	err := errors.Join(errs...)
	e.stats.record(err)
	return reply, err
}

// Bind wraps Serve with the listen middleware of mgr. Messages that expect a
// reply go through the listen-request chain, the rest through listen-publish.
func (e *Entry) Bind(mgr *middleware.Manager) middleware.Next {
	publish := mgr.Wrap(middleware.ListenPublish, e.Serve)
	request := mgr.Wrap(middleware.ListenRequest, e.Serve)
	return func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		if msg.HasReply() {
			return request(ctx, msg)
		}
		return publish(ctx, msg)
	}
}

// Route is an entry ready to be served by an execution strategy.
type Route struct {
	Pattern    string
	QueueGroup string
	Handle     middleware.Next
}

// Route binds e to mgr.
func (e *Entry) Route(mgr *middleware.Manager) Route {
	return Route{Pattern: e.Pattern, QueueGroup: e.QueueGroup, Handle: e.Bind(mgr)}
}

func (h Handler) invoke(ctx context.Context, msg *message.Message) (*message.Message, error) {
	value, err := h.Codec.Decode(msg.Data)
	if err != nil {
		return failure(msg, err), err
	}
	if h.Validator != nil {
		if verr := h.Validator(value); verr != nil {
			return failure(msg, verr), verr
		}
	}

	in := msg.Clone()
	in.Value = value
	result, err := h.Fn(ctx, in)
	if err != nil {
		return nil, err
	}
	if result == nil || !msg.HasReply() {
		return nil, nil
	}
	data, err := h.Codec.Encode(result)
	if err != nil {
		return nil, err
	}
	return &message.Message{Subject: msg.Reply, Data: data, Value: result}, nil
}

// failure builds the structured failure reply, or nil when nobody waits for one.
func failure(msg *message.Message, cause error) *message.Message {
	if !msg.HasReply() {
		return nil
	}
	data, err := codec.MarshalJSON(FailureReply{Success: false, Error: cause.Error()})
	if err != nil {
		return nil
	}
	return &message.Message{Subject: msg.Reply, Data: data}
}

type entryKey struct {
	pattern string
	queue   string
}

// Subscriptions maps (pattern, queue group) pairs to their handlers.
type Subscriptions struct {
	mu      sync.RWMutex
	entries []*Entry
	index   map[entryKey]*Entry
}

// NewSubscriptions returns an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{index: make(map[entryKey]*Entry)}
}

// Listen validates every subject of l and appends its handler to each one.
// Nothing is registered when any subject is invalid.
func (s *Subscriptions) Listen(l Listener) error {
	if l.Name == "" && len(l.Subjects) > 0 {
		l.Name = fmt.Sprintf("%s#%d", l.Subjects[0], s.Len())
	}
	h, err := NewHandler(l)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subj := range l.Subjects {
		s.entryLocked(subj, l.QueueGroup).add(h)
	}
	return nil
}

// NewHandler checks l and binds its function, codec and validator.
func NewHandler(l Listener) (Handler, error) {
	if l.Handler == nil {
		return Handler{}, errspkg.ErrHandlerRequired
	}
	if len(l.Subjects) == 0 {
		return Handler{}, errspkg.ErrSubjectRequired
	}
	for _, subj := range l.Subjects {
		if err := subject.ValidatePattern(subj); err != nil {
			return Handler{}, &errspkg.SubscribeError{Subject: subj, Err: err}
		}
	}
	name := l.Name
	if name == "" {
		name = l.Subjects[0]
	}
	return Handler{Name: name, Codec: l.Codec, Validator: l.Validator, Fn: l.Handler}, nil
}

func (s *Subscriptions) entryLocked(pattern, queue string) *Entry {
	key := entryKey{pattern: pattern, queue: queue}
	if e, ok := s.index[key]; ok {
		return e
	}
	e := NewEntry(pattern, queue)
	s.index[key] = e
	s.entries = append(s.entries, e)
	return e
}

// Add inserts a ready entry. It fails when the pair is already registered.
func (s *Subscriptions) Add(e *Entry) error {
	if err := subject.ValidatePattern(e.Pattern); err != nil {
		return &errspkg.SubscribeError{Subject: e.Pattern, Err: err}
	}
	key := entryKey{pattern: e.Pattern, queue: e.QueueGroup}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; ok {
		return &errspkg.SubscribeError{Subject: e.Pattern, Reason: "already subscribed with queue group " + quoteQueue(e.QueueGroup)}
	}
	s.index[key] = e
	s.entries = append(s.entries, e)
	return nil
}

// Remove deletes the entry for (pattern, queue) and returns it.
func (s *Subscriptions) Remove(pattern, queue string) (*Entry, bool) {
	key := entryKey{pattern: pattern, queue: queue}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[key]
	if !ok {
		return nil, false
	}
	delete(s.index, key)
	for i, candidate := range s.entries {
		if candidate == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return e, true
}

// Lookup returns the entry for (pattern, queue).
func (s *Subscriptions) Lookup(pattern, queue string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[entryKey{pattern: pattern, queue: queue}]
	return e, ok
}

// Entries returns the entries in declaration order.
func (s *Subscriptions) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Entry(nil), s.entries...)
}

// Len returns the number of entries.
func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Merge appends the handlers of other, keeping declaration order.
func (s *Subscriptions) Merge(other *Subscriptions) {
	if other == nil || other == s {
		return
	}
	for _, e := range other.Entries() {
		handlers := e.Handlers()
		s.mu.Lock()
		target := s.entryLocked(e.Pattern, e.QueueGroup)
		s.mu.Unlock()
		for _, h := range handlers {
			target.add(h)
		}
	}
}

func quoteQueue(queue string) string {
	if queue == "" {
		return "<none>"
	}
	return fmt.Sprintf("%q", queue)
}
