package middleware

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
)

// JobContext describes one handler invocation to lifecycle hooks.
type JobContext struct {
	Kind      Kind
	Subject   string
	Reply     string
	Header    message.Header
	Context   context.Context
	StartedAt time.Time
	// Duration is only set for OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are callbacks around handler invocations on the listen path.
// Nil hooks are not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainJobErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainJobErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every listen-side operation.
func JobHooksMiddleware(hooks JobHooks) Registration {
	return Registration{Name: "job_hooks", Middleware: jobHooksMiddleware{hooks: hooks}}
}

type jobHooksMiddleware struct {
	hooks JobHooks
}

func (jobHooksMiddleware) Hooks() Hook { return HookListen }

func (m jobHooksMiddleware) Listen(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	kind, _ := KindFromContext(ctx)
	job := JobContext{
		Kind:      kind,
		Subject:   msg.Subject,
		Reply:     msg.Reply,
		Header:    msg.Header,
		Context:   ctx,
		StartedAt: time.Now(),
	}
	if m.hooks.OnJobStart != nil {
		m.hooks.OnJobStart(job)
	}

	out, err := next(ctx, msg)
	job.Duration = time.Since(job.StartedAt)

	if err != nil {
		if m.hooks.OnJobError != nil {
			m.hooks.OnJobError(job, err)
		}
		return out, err
	}
	if m.hooks.OnJobDone != nil {
		m.hooks.OnJobDone(job)
	}
	return out, nil
}

// LoggingHooks returns hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"kind":    ctx.Kind.String(),
				"subject": ctx.Subject,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"kind":        ctx.Kind.String(),
				"subject":     ctx.Subject,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"kind":        ctx.Kind.String(),
				"subject":     ctx.Subject,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}
