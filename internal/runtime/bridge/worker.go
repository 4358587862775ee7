package bridge

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/natsflow/internal/runtime/bus"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/queue"
)

// storeErrorBackoff is how long a loop waits after a store failure.
var storeErrorBackoff = 100 * time.Millisecond

// WorkerOptions configures the Listener and Sender workers.
type WorkerOptions struct {
	Conn   bus.Conn
	Store  queue.Store
	Config *configpkg.Config
	Logger loggingpkg.ServiceLogger
}

func (o WorkerOptions) validate() (configpkg.Config, error) {
	if o.Config == nil {
		return configpkg.Config{}, errspkg.ErrConfigRequired
	}
	if o.Conn == nil {
		return configpkg.Config{}, errspkg.ErrConnRequired
	}
	if o.Store == nil {
		return configpkg.Config{}, errspkg.ErrStoreRequired
	}
	return o.Config.WithDefaults(), nil
}

func keysFor(cfg configpkg.Config) Keys {
	return Keys{Prefix: cfg.QueuePrefix, ClientID: cfg.ClientID}
}

// Workers runs a Listener and a Sender sharing one connection.
type Workers struct {
	Listener *Listener
	Sender   *Sender
}

// NewWorkers builds both workers.
func NewWorkers(opts WorkerOptions) (*Workers, error) {
	l, err := NewListener(opts)
	if err != nil {
		return nil, err
	}
	s, err := NewSender(opts)
	if err != nil {
		return nil, err
	}
	return &Workers{Listener: l, Sender: s}, nil
}

// Run blocks until ctx is done or a worker fails to start.
func (w *Workers) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Listener.Run(gctx) })
	g.Go(func() error { return w.Sender.Run(gctx) })
	return g.Wait()
}

// popLoop feeds every value popped from key to fn until ctx is done. Store
// failures are logged and retried after a short pause.
func popLoop(ctx context.Context, store queue.Store, key string, logger loggingpkg.ServiceLogger, fn func(raw []byte)) {
	for {
		raw, err := store.BlockingPop(ctx, key, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errspkg.IsTimeout(err) {
				continue
			}
			logger.Error("Queue pop failed", err, loggingpkg.LogFields{"queue": key})
			if errors.Is(err, queue.ErrClosed) || !pause(ctx, storeErrorBackoff) {
				return
			}
			continue
		}
		fn(raw)
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// detached returns a short-lived context that survives cancellation of ctx,
// for pushes that must still happen during shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
}
