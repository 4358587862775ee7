package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/message"
)

type namedHook struct {
	name string
	fn   HookFunc
}

// Manager keeps one ordered hook list per operation kind.
type Manager struct {
	env   Env
	mu    sync.RWMutex
	slots [numKinds][]namedHook
	names []string
}

// NewManager returns an empty manager. env is handed to registration builders.
func NewManager(env Env) *Manager {
	return &Manager{env: env}
}

// Add instantiates the middleware (calling the Builder once when set), checks
// its declared hooks and appends them to the matching slots.
func (m *Manager) Add(reg Registration) error {
	mw := reg.Middleware
	if mw == nil {
		if reg.Builder == nil {
			return fmt.Errorf("%w: registration %q requires Middleware or Builder", errspkg.ErrMiddlewareInvalid, reg.Name)
		}
		built, err := reg.Builder(m.env)
		if err != nil {
			return fmt.Errorf("build middleware %q: %w", reg.Name, err)
		}
		if built == nil {
			return nil
		}
		mw = built
	}

	name := reg.Name
	if name == "" {
		name = fmt.Sprintf("%T", mw)
	}

	resolved, err := resolve(name, mw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, fn := range resolved {
		if fn != nil {
			m.slots[kind] = append(m.slots[kind], namedHook{name: name, fn: fn})
		}
	}
	m.names = append(m.names, name)
	return nil
}

// Wrap returns terminal wrapped by every hook registered for kind, in
// registration order going in and reverse order coming out. Hooks added after
// Wrap do not affect the returned function.
func (m *Manager) Wrap(kind Kind, terminal Next) Next {
	m.mu.RLock()
	hooks := make([]HookFunc, 0, len(m.slots[kind]))
	for _, h := range m.slots[kind] {
		hooks = append(hooks, h.fn)
	}
	m.mu.RUnlock()

	chained := Chain(terminal, hooks...)
	return func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return chained(withKind(ctx, kind), msg)
	}
}

// Len returns the number of hooks registered for kind.
func (m *Manager) Len(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots[kind])
}

// Names returns the registered middleware names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...)
}

// resolve maps each slot to the hook that serves it, or nil.
func resolve(name string, mw Middleware) ([numKinds]HookFunc, error) {
	var out [numKinds]HookFunc
	declared := mw.Hooks()

	if declared == 0 {
		return out, &HookError{Name: name, Hook: declared, Reason: "declares no hooks"}
	}
	if declared&^allHooks != 0 {
		return out, &HookError{Name: name, Hook: declared, Reason: "declares unknown hooks"}
	}

	var errs []error
	pick := func(kind Kind, specific, catchAll Hook, specificFn, catchAllFn HookFunc) {
		switch {
		case declared&specific != 0:
			if specificFn == nil {
				errs = append(errs, &HookError{Name: name, Hook: specific, Reason: "declared but not implemented"})
				return
			}
			out[kind] = specificFn
		case declared&catchAll != 0:
			if catchAllFn == nil {
				errs = append(errs, &HookError{Name: name, Hook: catchAll, Reason: "declared but not implemented"})
				return
			}
			out[kind] = catchAllFn
		}
	}

	var send, listen HookFunc
	if s, ok := mw.(Sender); ok {
		send = s.Send
	}
	if l, ok := mw.(Listener); ok {
		listen = l.Listen
	}

	var sendPublish, sendRequest, listenPublish, listenRequest HookFunc
	if h, ok := mw.(SendPublisher); ok {
		sendPublish = h.SendPublish
	}
	if h, ok := mw.(SendRequester); ok {
		sendRequest = h.SendRequest
	}
	if h, ok := mw.(ListenPublisher); ok {
		listenPublish = h.ListenPublish
	}
	if h, ok := mw.(ListenRequester); ok {
		listenRequest = h.ListenRequest
	}

	pick(SendPublish, HookSendPublish, HookSend, sendPublish, send)
	pick(SendRequest, HookSendRequest, HookSend, sendRequest, send)
	pick(ListenPublish, HookListenPublish, HookListen, listenPublish, listen)
	pick(ListenRequest, HookListenRequest, HookListen, listenRequest, listen)

	// A declared catch-all must be implemented even when both of its slots are
	// served by specific hooks.
	if declared&HookSend != 0 && send == nil {
		errs = append(errs, &HookError{Name: name, Hook: HookSend, Reason: "declared but not implemented"})
	}
	if declared&HookListen != 0 && listen == nil {
		errs = append(errs, &HookError{Name: name, Hook: HookListen, Reason: "declared but not implemented"})
	}

	return out, errors.Join(dedupe(errs)...)
}

func dedupe(errs []error) []error {
	seen := make(map[string]struct{}, len(errs))
	out := errs[:0]
	for _, err := range errs {
		if _, ok := seen[err.Error()]; ok {
			continue
		}
		seen[err.Error()] = struct{}{}
		out = append(out, err)
	}
	return out
}
