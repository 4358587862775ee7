// Package middleware composes ordered before/after hooks around the four
// operation kinds: send-publish, send-request, listen-publish and
// listen-request.
//
// Every middleware declares the hooks it implements with a Hook bitmask. The
// manager checks the declaration against the implemented method interfaces at
// registration time. A catch-all Send hook fills both send slots and a
// catch-all Listen hook fills both listen slots, unless the middleware also
// declares the specific slot, in which case the specific method wins.
package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
)

// Next continues the chain. The terminal Next performs the operation itself.
type Next func(ctx context.Context, msg *message.Message) (*message.Message, error)

// HookFunc is the shape shared by every hook: inspect or modify msg, call next
// (or not, to short-circuit), inspect or modify the result.
type HookFunc func(ctx context.Context, msg *message.Message, next Next) (*message.Message, error)

// Kind identifies an operation slot.
type Kind int

const (
	SendPublish Kind = iota
	SendRequest
	ListenPublish
	ListenRequest

	numKinds
)

func (k Kind) String() string {
	switch k {
	case SendPublish:
		return "send_publish"
	case SendRequest:
		return "send_request"
	case ListenPublish:
		return "listen_publish"
	case ListenRequest:
		return "listen_request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsSend reports whether k is one of the send slots.
func (k Kind) IsSend() bool { return k == SendPublish || k == SendRequest }

// Hook is the capability bitmask a middleware declares.
type Hook uint8

const (
	HookSendPublish Hook = 1 << iota
	HookSendRequest
	HookListenPublish
	HookListenRequest
	// HookSend is the catch-all for both send slots.
	HookSend
	// HookListen is the catch-all for both listen slots.
	HookListen

	allHooks = HookSendPublish | HookSendRequest | HookListenPublish | HookListenRequest | HookSend | HookListen
)

func (h Hook) String() string {
	if h == 0 {
		return "none"
	}
	names := []string{"send_publish", "send_request", "listen_publish", "listen_request", "send", "listen"}
	var parts []string
	for i, name := range names {
		if h&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Middleware declares which hooks it implements.
type Middleware interface {
	Hooks() Hook
}

type SendPublisher interface {
	SendPublish(ctx context.Context, msg *message.Message, next Next) (*message.Message, error)
}

type SendRequester interface {
	SendRequest(ctx context.Context, msg *message.Message, next Next) (*message.Message, error)
}

type ListenPublisher interface {
	ListenPublish(ctx context.Context, msg *message.Message, next Next) (*message.Message, error)
}

type ListenRequester interface {
	ListenRequest(ctx context.Context, msg *message.Message, next Next) (*message.Message, error)
}

// Sender is the catch-all send hook.
type Sender interface {
	Send(ctx context.Context, msg *message.Message, next Next) (*message.Message, error)
}

// Listener is the catch-all listen hook.
type Listener interface {
	Listen(ctx context.Context, msg *message.Message, next Next) (*message.Message, error)
}

// Env is what a Builder may use to construct its middleware.
type Env struct {
	Logger     loggingpkg.ServiceLogger
	Config     *configpkg.Config
	Registerer prometheus.Registerer
}

// Builder constructs a middleware. It is called exactly once, at registration.
type Builder func(env Env) (Middleware, error)

// Registration captures how a middleware should be added to a Manager.
type Registration struct {
	Name       string
	Middleware Middleware
	Builder    Builder
}

// HookError reports a middleware whose declared hooks do not match what it
// implements.
type HookError struct {
	Name   string
	Hook   Hook
	Reason string
}

func (e *HookError) Error() string {
	return fmt.Sprintf("natsflow: middleware %s: hook %s: %s", e.Name, e.Hook, e.Reason)
}

func (e *HookError) Is(target error) bool { return target == errspkg.ErrMiddlewareInvalid }

type ctxKey int

const kindKey ctxKey = iota

// KindFromContext returns the operation kind of the chain ctx flows through.
func KindFromContext(ctx context.Context) (Kind, bool) {
	k, ok := ctx.Value(kindKey).(Kind)
	return k, ok
}

func withKind(ctx context.Context, k Kind) context.Context {
	return context.WithValue(ctx, kindKey, k)
}

// Chain turns plain hook functions into a Next around terminal. The first
// hook is the outermost one.
func Chain(terminal Next, hooks ...HookFunc) Next {
	next := terminal
	for i := len(hooks) - 1; i >= 0; i-- {
		hook, inner := hooks[i], next
		next = func(ctx context.Context, msg *message.Message) (*message.Message, error) {
			return hook(ctx, msg, inner)
		}
	}
	return next
}
