package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrServiceRequired   = sterrors.New("natsflow: service is required")
	ErrHandlerRequired   = sterrors.New("natsflow: handler function is required")
	ErrSubjectRequired   = sterrors.New("natsflow: subject is required")
	ErrConfigRequired    = sterrors.New("natsflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("natsflow: logger is required")
	ErrStoreRequired     = sterrors.New("natsflow: queue store is required")
	ErrConnRequired      = sterrors.New("natsflow: bus connection is required")
	ErrAlreadyStarted    = sterrors.New("natsflow: service already started")
	ErrNotStarted        = sterrors.New("natsflow: service not started")
	ErrUnknownStrategy   = sterrors.New("natsflow: unknown execution strategy")
	ErrMalformedRecord   = sterrors.New("natsflow: malformed bridge record")
	ErrConnectionClosed  = sterrors.New("natsflow: connection closed")
	ErrMiddlewareInvalid = sterrors.New("natsflow: invalid middleware")
)

// Category sentinels. Every typed error below matches its sentinel with errors.Is.
var (
	ErrConnection  = sterrors.New("natsflow: connection error")
	ErrTimeout     = sterrors.New("natsflow: timeout")
	ErrDataType    = sterrors.New("natsflow: data type error")
	ErrSchema      = sterrors.New("natsflow: schema error")
	ErrSubscribe   = sterrors.New("natsflow: subscribe error")
	ErrUnsubscribe = sterrors.New("natsflow: unsubscribe error")
	ErrTaskInit    = sterrors.New("natsflow: task init error")
)

// ConnectionError reports an unreachable bus or exhausted reconnect attempts.
// It is fatal for the process.
type ConnectionError struct {
	Servers string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("natsflow: connection to %q lost", e.Servers)
	}
	return fmt.Sprintf("natsflow: connection to %q failed: %v", e.Servers, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// TimeoutError is returned to the caller when a request deadline passes.
type TimeoutError struct {
	Subject string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("natsflow: request to %q timed out after %s", e.Subject, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// DataTypeError reports a payload that does not match the declared codec.
type DataTypeError struct {
	Codec string
	Want  string
	Got   string
	Err   error
}

func (e *DataTypeError) Error() string {
	msg := fmt.Sprintf("natsflow: %s codec", e.Codec)
	if e.Want != "" {
		msg += fmt.Sprintf(" expects %s", e.Want)
	}
	if e.Got != "" {
		msg += fmt.Sprintf(", got %s", e.Got)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataTypeError) Unwrap() error { return e.Err }

func (e *DataTypeError) Is(target error) bool { return target == ErrDataType }

// SchemaError reports a payload that failed schema decoding or validation.
type SchemaError struct {
	Schema string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("natsflow: payload does not match schema %s: %v", e.Schema, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// SubscribeError is a subscription bookkeeping inconsistency.
type SubscribeError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *SubscribeError) Error() string {
	msg := fmt.Sprintf("natsflow: cannot subscribe to %q", e.Subject)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubscribeError) Unwrap() error { return e.Err }

func (e *SubscribeError) Is(target error) bool { return target == ErrSubscribe }

// UnsubscribeError is raised when unsubscribing a subject that is not subscribed.
type UnsubscribeError struct {
	Subject string
	Err     error
}

func (e *UnsubscribeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("natsflow: cannot unsubscribe from %q: %v", e.Subject, e.Err)
	}
	return fmt.Sprintf("natsflow: not subscribed to %q", e.Subject)
}

func (e *UnsubscribeError) Unwrap() error { return e.Err }

func (e *UnsubscribeError) Is(target error) bool { return target == ErrUnsubscribe }

// TaskInitError is raised at registration for tasks declared with an invalid
// calling convention.
type TaskInitError struct {
	Task   string
	Reason string
}

func (e *TaskInitError) Error() string {
	return fmt.Sprintf("natsflow: task %q: %s", e.Task, e.Reason)
}

func (e *TaskInitError) Is(target error) bool { return target == ErrTaskInit }

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	return sterrors.Is(err, ErrTimeout)
}
