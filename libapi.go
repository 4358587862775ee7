package natsflow

import (
	"context"
	"fmt"
	"time"

	runtimepkg "github.com/drblury/natsflow/internal/runtime"
	"github.com/drblury/natsflow/internal/runtime/bridge"
	"github.com/drblury/natsflow/internal/runtime/bus"
	"github.com/drblury/natsflow/internal/runtime/bus/natsbus"
	"github.com/drblury/natsflow/internal/runtime/codec"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/middleware"
	"github.com/drblury/natsflow/internal/runtime/queue"
	"github.com/drblury/natsflow/internal/runtime/registry"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	HandlerInfo         = runtimepkg.HandlerInfo

	Message = message.Message
	Header  = message.Header

	Codec        = codec.Codec
	Listener     = registry.Listener
	HandlerFunc  = registry.HandlerFunc
	Validator    = registry.Validator
	TaskFunc     = registry.TaskFunc
	HandlerStats = registry.Stats
	FailureReply = registry.FailureReply

	Subscriptions = registry.Subscriptions
	Tasks         = registry.Tasks

	Middleware             = middleware.Middleware
	MiddlewareHook         = middleware.Hook
	MiddlewareNext         = middleware.Next
	MiddlewareFuncs        = middleware.Funcs
	MiddlewareBuilder      = middleware.Builder
	MiddlewareEnv          = middleware.Env
	MiddlewareRegistration = middleware.Registration
	RetryMiddlewareConfig  = middleware.RetryConfig

	// Job lifecycle hooks
	JobContext = middleware.JobContext
	JobHooks   = middleware.JobHooks

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Conn        = bus.Conn
	Dialer      = bus.Dialer
	DialOptions = bus.DialOptions

	QueueStore    = queue.Store
	BridgeWorkers = bridge.Workers
	WorkerOptions = bridge.WorkerOptions

	ConnectionError  = errspkg.ConnectionError
	TimeoutError     = errspkg.TimeoutError
	DataTypeError    = errspkg.DataTypeError
	SchemaError      = errspkg.SchemaError
	SubscribeError   = errspkg.SubscribeError
	UnsubscribeError = errspkg.UnsubscribeError
	TaskInitError    = errspkg.TaskInitError
)

const (
	StrategyInProcess = configpkg.StrategyInProcess
	StrategyBridge    = configpkg.StrategyBridge

	HookSendPublish   = middleware.HookSendPublish
	HookSendRequest   = middleware.HookSendRequest
	HookListenPublish = middleware.HookListenPublish
	HookListenRequest = middleware.HookListenRequest
	HookSend          = middleware.HookSend
	HookListen        = middleware.HookListen

	HeaderCorrelationID = middleware.HeaderCorrelationID
)

var (
	NewService     = runtimepkg.NewService
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewMessage       = message.New
	NewSubscriptions = registry.NewSubscriptions
	NewTasks         = registry.NewTasks

	BytesCodec  = codec.Bytes
	UTF8Codec   = codec.UTF8
	JSONCodec   = codec.JSON
	CustomCodec = codec.Custom
	SchemaCodec = codec.Schema

	DefaultMiddlewares       = middleware.DefaultMiddlewares
	LoggingMiddleware        = middleware.LoggingMiddleware
	CorrelationIDMiddleware  = middleware.CorrelationIDMiddleware
	TracerMiddleware         = middleware.TracerMiddleware
	MetricsMiddleware        = middleware.MetricsMiddleware
	RetryMiddleware          = middleware.RetryMiddleware
	RecovererMiddleware      = middleware.RecovererMiddleware
	CorrelationIDFromContext = middleware.CorrelationIDFromContext

	// Job lifecycle hooks
	JobHooksMiddleware = middleware.JobHooksMiddleware
	LoggingHooks       = middleware.LoggingHooks

	DialNATS         = natsbus.Dial
	DialRedis        = queue.DialRedis
	NewMemoryQueue   = queue.NewMemory
	NewBridgeWorkers = bridge.NewWorkers

	ErrServiceRequired = errspkg.ErrServiceRequired
	ErrHandlerRequired = errspkg.ErrHandlerRequired
	ErrSubjectRequired = errspkg.ErrSubjectRequired
	ErrConfigRequired  = errspkg.ErrConfigRequired
	ErrLoggerRequired  = errspkg.ErrLoggerRequired
	ErrStoreRequired   = errspkg.ErrStoreRequired
	ErrAlreadyStarted  = errspkg.ErrAlreadyStarted
	ErrNotStarted      = errspkg.ErrNotStarted
	ErrUnknownStrategy = errspkg.ErrUnknownStrategy

	ErrConnection  = errspkg.ErrConnection
	ErrTimeout     = errspkg.ErrTimeout
	ErrDataType    = errspkg.ErrDataType
	ErrSchema      = errspkg.ErrSchema
	ErrSubscribe   = errspkg.ErrSubscribe
	ErrUnsubscribe = errspkg.ErrUnsubscribe
	ErrTaskInit    = errspkg.ErrTaskInit

	IsTimeout = errspkg.IsTimeout

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger
)

// JSONOf returns a JSON codec that decodes payloads into T.
func JSONOf[T any]() Codec {
	return codec.JSONOf[T]()
}

// JSONHandler handles a decoded T and returns the value to reply with. A zero
// result is still encoded; return an error to skip the reply.
type JSONHandler[T any, O any] func(ctx context.Context, in T, msg *Message) (O, error)

// JSONListener declares a typed JSON handler.
type JSONListener[T any, O any] struct {
	Name       string
	Subjects   []string
	QueueGroup string
	Validator  func(T) error
	Handler    JSONHandler[T, O]
}

// ListenJSON registers a typed JSON handler on svc.
func ListenJSON[T any, O any](svc *Service, l JSONListener[T, O]) error {
	if svc == nil {
		return ErrServiceRequired
	}
	if l.Handler == nil {
		return ErrHandlerRequired
	}
	listener := Listener{
		Name:       l.Name,
		Subjects:   l.Subjects,
		QueueGroup: l.QueueGroup,
		Codec:      codec.JSONOf[T](),
		Handler: func(ctx context.Context, msg *Message) (any, error) {
			return l.Handler(ctx, msg.Value.(T), msg)
		},
	}
	if l.Validator != nil {
		listener.Validator = func(value any) error { return l.Validator(value.(T)) }
	}
	return svc.Listen(listener)
}

// PublishJSON encodes value as JSON and publishes it on subject.
func PublishJSON(ctx context.Context, svc *Service, subject string, value any) error {
	if svc == nil {
		return ErrServiceRequired
	}
	data, err := codec.JSON().Encode(value)
	if err != nil {
		return err
	}
	return svc.Publish(ctx, message.New(subject, data))
}

// RequestJSON encodes value as JSON, sends it as a request and decodes the
// reply into O. A timeout <= 0 uses the configured RequestTimeout.
func RequestJSON[O any](ctx context.Context, svc *Service, subject string, value any, timeout time.Duration) (O, error) {
	var zero O
	if svc == nil {
		return zero, ErrServiceRequired
	}
	data, err := codec.JSON().Encode(value)
	if err != nil {
		return zero, err
	}
	reply, err := svc.Request(ctx, message.New(subject, data), timeout)
	if err != nil {
		return zero, err
	}
	decoded, err := codec.JSONOf[O]().Decode(reply.Data)
	if err != nil {
		return zero, err
	}
	out, ok := decoded.(O)
	if !ok {
		return zero, &DataTypeError{Codec: "json", Want: fmt.Sprintf("%T", zero), Got: fmt.Sprintf("%T", decoded)}
	}
	return out, nil
}
