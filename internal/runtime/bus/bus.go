// Package bus defines the publish/subscribe capability the runtime consumes.
// natsbus implements it over nats.go; membus is an in-memory emulator used by
// tests and single-binary setups.
package bus

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
)

// Pending limits applied when only one of the two limits is configured.
const (
	DefaultPendingMsgsLimit  = 512 * 1024
	DefaultPendingBytesLimit = 64 * 1024 * 1024
)

// MsgHandler receives inbound messages. It runs on the connection's delivery
// goroutine for that subscription and should return quickly.
type MsgHandler func(msg *message.Message)

// Conn is a live bus connection.
type Conn interface {
	// Subscribe registers cb for subject. A non-empty queue joins the queue
	// group, so each message goes to one member only.
	Subscribe(subject, queue string, cb MsgHandler) (Subscription, error)
	Publish(ctx context.Context, msg *message.Message) error
	// Request publishes msg and waits for a single reply. Expiry returns a
	// TimeoutError.
	Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error)
	Drain() error
	Close()
	IsClosed() bool
	IsConnected() bool
}

// Subscription is a live subscription handle.
type Subscription interface {
	Subject() string
	Queue() string
	SetPendingLimits(msgs, bytes int) error
	Unsubscribe() error
}

// DialOptions configures a connection.
type DialOptions struct {
	Servers        string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	Logger         loggingpkg.ServiceLogger
}

// Dialer opens a connection.
type Dialer func(ctx context.Context, opts DialOptions) (Conn, error)
