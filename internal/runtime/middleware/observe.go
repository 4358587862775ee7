package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/natsflow/internal/runtime/message"
)

const tracerName = "github.com/drblury/natsflow"

// DefaultMiddlewares returns the middleware stack a Service installs unless
// told otherwise.
func DefaultMiddlewares() []Registration {
	return []Registration{
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware counts operations and observes their latency per kind and
// subject. It is skipped when metrics are disabled in the config.
func MetricsMiddleware() Registration {
	return Registration{
		Name: "metrics",
		Builder: func(env Env) (Middleware, error) {
			if env.Config == nil || !env.Config.MetricsEnabled {
				return nil, nil
			}
			reg := env.Registerer
			if reg == nil {
				reg = prometheus.DefaultRegisterer
			}
			return newMetricsMiddleware(reg)
		},
	}
}

type metricsMiddleware struct {
	total    *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetricsMiddleware(reg prometheus.Registerer) (*metricsMiddleware, error) {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natsflow",
		Name:      "messages_total",
		Help:      "Messages processed per operation kind and subject.",
	}, []string{"kind", "subject"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natsflow",
		Name:      "message_failures_total",
		Help:      "Operations that returned an error.",
	}, []string{"kind", "subject"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "natsflow",
		Name:      "message_duration_seconds",
		Help:      "Operation latency including downstream middleware.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	var err error
	if total, err = registerOrReuse(reg, total); err != nil {
		return nil, err
	}
	if failures, err = registerOrReuse(reg, failures); err != nil {
		return nil, err
	}
	if duration, err = registerOrReuse(reg, duration); err != nil {
		return nil, err
	}
	return &metricsMiddleware{total: total, failures: failures, duration: duration}, nil
}

// registerOrReuse registers c, returning the already registered collector when
// a previous Service in the same process got there first.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metricsMiddleware) Hooks() Hook { return HookSend | HookListen }

func (m *metricsMiddleware) Send(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.observe(ctx, msg, next)
}

func (m *metricsMiddleware) Listen(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.observe(ctx, msg, next)
}

func (m *metricsMiddleware) observe(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	kind, _ := KindFromContext(ctx)
	start := time.Now()
	out, err := next(ctx, msg)
	m.duration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	m.total.WithLabelValues(kind.String(), msg.Subject).Inc()
	if err != nil {
		m.failures.WithLabelValues(kind.String(), msg.Subject).Inc()
	}
	return out, err
}

// TracerMiddleware wraps each operation in an OpenTelemetry span named after
// its kind.
func TracerMiddleware() Registration {
	return Registration{
		Name: "tracer",
		Builder: func(Env) (Middleware, error) {
			return &tracerMiddleware{tracer: otel.Tracer(tracerName)}, nil
		},
	}
}

type tracerMiddleware struct {
	tracer trace.Tracer
}

func (m *tracerMiddleware) Hooks() Hook {
	return HookSendPublish | HookSendRequest | HookListenPublish | HookListenRequest
}

func (m *tracerMiddleware) SendPublish(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.span(ctx, "natsflow.publish", trace.SpanKindProducer, msg, next)
}

func (m *tracerMiddleware) SendRequest(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.span(ctx, "natsflow.request", trace.SpanKindClient, msg, next)
}

func (m *tracerMiddleware) ListenPublish(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.span(ctx, "natsflow.handle", trace.SpanKindConsumer, msg, next)
}

func (m *tracerMiddleware) ListenRequest(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return m.span(ctx, "natsflow.respond", trace.SpanKindServer, msg, next)
}

func (m *tracerMiddleware) span(ctx context.Context, name string, kind trace.SpanKind, msg *message.Message, next Next) (*message.Message, error) {
	ctx, span := m.tracer.Start(ctx, name, trace.WithSpanKind(kind))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", msg.Subject),
		attribute.Int("messaging.message.body.size", len(msg.Data)),
	)
	if id := msg.Header.Get(HeaderCorrelationID); id != "" {
		span.SetAttributes(attribute.String("messaging.message.conversation_id", id))
	}

	out, err := next(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}
