package middleware

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
)

// HeaderCorrelationID carries the correlation identifier between services.
const HeaderCorrelationID = "Natsflow-Correlation-Id"

type correlationKey struct{}

// ContextWithCorrelationID stores id so outgoing sends reuse it.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation id carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// LoggingMiddleware logs every operation at debug level, and failures at
// error level.
func LoggingMiddleware(logger loggingpkg.ServiceLogger) Registration {
	return Registration{
		Name: "logging",
		Builder: func(env Env) (Middleware, error) {
			l := logger
			if l == nil {
				l = env.Logger
			}
			if l == nil {
				return nil, errors.New("logging middleware requires a logger")
			}
			return &loggingMiddleware{logger: l}, nil
		},
	}
}

type loggingMiddleware struct {
	logger loggingpkg.ServiceLogger
}

func (m *loggingMiddleware) Hooks() Hook { return HookSend | HookListen }

func (m *loggingMiddleware) Send(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.log(ctx, msg, next)
}

func (m *loggingMiddleware) Listen(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.log(ctx, msg, next)
}

func (m *loggingMiddleware) log(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	kind, _ := KindFromContext(ctx)
	fields := loggingpkg.LogFields{
		"kind":    kind.String(),
		"subject": msg.Subject,
		"bytes":   len(msg.Data),
	}
	if msg.Reply != "" {
		fields["reply"] = msg.Reply
	}
	start := time.Now()
	m.logger.Debug("Processing message", fields)

	out, err := next(ctx, msg)
	fields["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		m.logger.Error("Message operation failed", err, fields)
		return out, err
	}
	m.logger.Debug("Message processed", fields)
	return out, nil
}

// CorrelationIDMiddleware makes sure every sent message carries a correlation
// id header, and exposes the inbound id to handlers through the context so
// their own sends inherit it.
func CorrelationIDMiddleware() Registration {
	return Registration{Name: "correlation_id", Middleware: correlationMiddleware{}}
}

type correlationMiddleware struct{}

func (correlationMiddleware) Hooks() Hook { return HookSend | HookListen }

func (correlationMiddleware) Send(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	if msg.Header.Get(HeaderCorrelationID) == "" {
		id := CorrelationIDFromContext(ctx)
		if id == "" {
			id = ids.NewToken()
		}
		if msg.Header == nil {
			msg.Header = message.Header{}
		}
		msg.Header.Set(HeaderCorrelationID, id)
	}
	return next(ctx, msg)
}

func (correlationMiddleware) Listen(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	if id := msg.Header.Get(HeaderCorrelationID); id != "" {
		ctx = ContextWithCorrelationID(ctx, id)
	}
	return next(ctx, msg)
}

// PanicError is returned by the recoverer when a handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("natsflow: handler panic: %v", e.Value)
}

// RecovererMiddleware converts handler panics into errors on the listen path.
func RecovererMiddleware() Registration {
	return Registration{Name: "recoverer", Middleware: recoverer{}}
}

type recoverer struct{}

func (recoverer) Hooks() Hook { return HookListen }

func (recoverer) Listen(ctx context.Context, msg *message.Message, next Next) (out *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return next(ctx, msg)
}

// RetryConfig customises the retry middleware behaviour.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = errspkg.IsTimeout
	}
	return cfg
}

// RetryMiddleware retries send requests with exponential backoff. By default
// only timeouts are retried.
func RetryMiddleware(cfg RetryConfig) Registration {
	return Registration{Name: "retry", Middleware: &retryMiddleware{cfg: cfg.withDefaults()}}
}

type retryMiddleware struct {
	cfg RetryConfig
}

func (m *retryMiddleware) Hooks() Hook { return HookSendRequest }

func (m *retryMiddleware) SendRequest(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	interval := m.cfg.InitialInterval
	for attempt := 0; ; attempt++ {
		out, err := next(ctx, msg.Clone())
		if err == nil || attempt >= m.cfg.MaxRetries || !m.cfg.RetryIf(err) {
			return out, err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		interval *= 2
		if interval > m.cfg.MaxInterval {
			interval = m.cfg.MaxInterval
		}
	}
}
