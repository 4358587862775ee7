package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/natsflow/internal/runtime/bridge"
	"github.com/drblury/natsflow/internal/runtime/bus"
	"github.com/drblury/natsflow/internal/runtime/bus/natsbus"
	"github.com/drblury/natsflow/internal/runtime/client"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/message"
	"github.com/drblury/natsflow/internal/runtime/middleware"
	"github.com/drblury/natsflow/internal/runtime/queue"
	"github.com/drblury/natsflow/internal/runtime/registry"
	"github.com/drblury/natsflow/internal/runtime/tasks"
)

var (
	defaultDialer bus.Dialer = natsbus.Dial
	dialStore                = func(ctx context.Context, cfg configpkg.Config) (queue.Store, error) {
		return queue.DialRedis(ctx, cfg.RedisURL, cfg.PollInterval)
	}
	listenAndServe = func(srv *http.Server) error {
		return srv.ListenAndServe()
	}
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the production defaults.
type ServiceDependencies struct {
	// Subscriptions and Tasks are merged into the service registries.
	Subscriptions *registry.Subscriptions
	Tasks         *registry.Tasks

	Middlewares               []middleware.Registration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                      // Skips registering the default middleware chain when true.

	// Dialer opens bus connections. Defaults to natsbus.Dial.
	Dialer bus.Dialer
	// Store is the bridge queue store. Defaults to a Redis store dialed from
	// Config.RedisURL; a supplied store is not closed by the service.
	Store queue.Store
	// Registerer receives the metrics collectors. Defaults to the Prometheus
	// default registry.
	Registerer prometheus.Registerer
	// Exit is called when the bus connection is permanently lost.
	Exit func(code int)
}

// strategy is what both execution models provide to the service.
type strategy interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Publish(ctx context.Context, msg *message.Message) error
	Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error)
	Subscribe(route registry.Route) error
	Unsubscribe(pattern, queue string) error
	Close() error
}

// HandlerInfo describes one subscription and its counters.
type HandlerInfo struct {
	Pattern    string         `json:"pattern"`
	QueueGroup string         `json:"queue_group,omitempty"`
	Handlers   []string       `json:"handlers"`
	Stats      registry.Stats `json:"stats"`
}

// Service merges the registries and the middleware chain with the configured
// execution strategy, connects it, and schedules the tasks.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps  ServiceDependencies
	subs  *registry.Subscriptions
	tasks *registry.Tasks
	mw    *middleware.Manager

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	mu       sync.RWMutex
	started  bool
	strategy strategy
	cancel   context.CancelFunc
	done     chan struct{}
	running  chan struct{}
}

// NewService constructs a Service for the supplied configuration. Declare
// handlers, tasks and middlewares on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	log.Info("Creating service", loggingpkg.LogFields{
		"strategy": conf.Strategy,
		"config":   conf,
	})

	s := &Service{
		Conf:    conf,
		Logger:  log,
		deps:    deps,
		subs:    registry.NewSubscriptions(),
		tasks:   registry.NewTasks(),
		running: make(chan struct{}),
	}
	s.registerer, s.gatherer = metricsRegistry(deps.Registerer)
	s.mw = middleware.NewManager(middleware.Env{Logger: log, Config: conf, Registerer: s.registerer})

	if deps.Subscriptions != nil {
		s.subs.Merge(deps.Subscriptions)
	}
	if deps.Tasks != nil {
		s.tasks.Merge(deps.Tasks)
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

func metricsRegistry(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		return prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		return reg, g
	}
	return reg, prometheus.DefaultGatherer
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []middleware.Registration
	if !deps.DisableDefaultMiddlewares {
		defaults = middleware.DefaultMiddlewares()
	}
	registrations := make([]middleware.Registration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.mw.Add(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("natsflow: register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Listen declares a handler. Before Start it only fills the registry; after
// Start use Subscribe.
func (s *Service) Listen(l registry.Listener) error {
	if s.isStarted() {
		return errspkg.ErrAlreadyStarted
	}
	return s.subs.Listen(l)
}

// Task declares an interval task.
func (s *Service) Task(name string, interval time.Duration, fn registry.TaskFunc) error {
	if s.isStarted() {
		return errspkg.ErrAlreadyStarted
	}
	return s.tasks.Task(registry.Task{Name: name, Interval: interval, Run: fn})
}

// OnStartTask declares a task that runs once after the service connects.
func (s *Service) OnStartTask(name string, fn registry.TaskFunc) error {
	if s.isStarted() {
		return errspkg.ErrAlreadyStarted
	}
	return s.tasks.OnStart(registry.Task{Name: name, Run: fn})
}

// AddMiddleware appends reg to the chain. Entry points are bound at Start, so
// later registrations are rejected.
func (s *Service) AddMiddleware(reg middleware.Registration) error {
	if s.isStarted() {
		return errspkg.ErrAlreadyStarted
	}
	return s.mw.Add(reg)
}

// RegisterHTTPHandler mounts handler on the server for port, started with the
// service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Running is closed once the strategy is connected and the declared
// subscriptions are registered with it.
func (s *Service) Running() <-chan struct{} {
	return s.running
}

// Start connects the configured strategy and blocks until ctx is cancelled,
// Close is called, or a component fails. Start can only be called once.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	defer close(done)
	defer cancel()

	cfg := s.Conf.WithDefaults()
	validate := cfg.Validate
	if s.deps.Store != nil {
		validate = cfg.ValidateWithStore
	}
	if err := validate(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	strat, cleanup, err := s.buildStrategy(gctx, g, &cfg)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer cleanup()

	if err := strat.Connect(gctx); err != nil {
		cancel()
		_ = g.Wait()
		_ = strat.Close()
		return err
	}
	s.mu.Lock()
	s.strategy = strat
	s.mu.Unlock()
	close(s.running)
	s.Logger.Info("Service started", loggingpkg.LogFields{
		"strategy":      cfg.Strategy,
		"subscriptions": s.subs.Len(),
		"middlewares":   s.mw.Names(),
	})

	taskManager := tasks.NewManager(s.tasks, s.Logger)
	g.Go(func() error { return taskManager.Run(gctx) })
	g.Go(func() error { return strat.Run(gctx) })
	s.startHTTPServers(gctx, g, cfg)

	err = g.Wait()
	if cerr := strat.Close(); cerr != nil {
		s.Logger.Error("Closing strategy failed", cerr, nil)
	}
	s.Logger.Info("Service stopped", nil)
	return err
}

// buildStrategy picks the execution model. Embedded bridge workers run in g;
// cleanup releases what the service opened itself.
func (s *Service) buildStrategy(ctx context.Context, g *errgroup.Group, cfg *configpkg.Config) (strategy, func(), error) {
	dialer := s.deps.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}
	routes := s.routes()

	switch strings.ToLower(cfg.Strategy) {
	case configpkg.StrategyInProcess, "":
		c, err := client.NewInProcess(client.Options{
			Config: cfg,
			Dialer: dialer,
			Logger: s.Logger,
			Routes: routes,
			Exit:   s.deps.Exit,
		})
		return c, func() {}, err

	case configpkg.StrategyBridge:
		return s.buildBridge(ctx, g, cfg, dialer, routes)
	}
	return nil, nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownStrategy, cfg.Strategy)
}

func (s *Service) buildBridge(ctx context.Context, g *errgroup.Group, cfg *configpkg.Config, dialer bus.Dialer, routes []registry.Route) (strategy, func(), error) {
	if cfg.ClientID == "" {
		cfg.ClientID = ids.NewClientID()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store := s.deps.Store
	if store == nil {
		dialed, err := dialStore(ctx, *cfg)
		if err != nil {
			return nil, nil, err
		}
		store = dialed
		closers = append(closers, func() { _ = dialed.Close() })
	}

	if cfg.BridgeEmbedWorkers {
		conn, err := dialer(ctx, bus.DialOptions{
			Servers:        cfg.NATSURL,
			Name:           cfg.Name + "-bridge",
			MaxReconnects:  cfg.MaxReconnects,
			ReconnectWait:  cfg.ReconnectWait,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         s.Logger,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := conn.Drain(); err != nil {
				conn.Close()
			}
		})
		workers, err := bridge.NewWorkers(bridge.WorkerOptions{Conn: conn, Store: store, Config: cfg, Logger: s.Logger})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		g.Go(func() error { return workers.Run(ctx) })
	}

	c, err := bridge.NewClient(bridge.ClientOptions{Store: store, Config: cfg, Logger: s.Logger, Routes: routes})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return c, cleanup, nil
}

func (s *Service) routes() []registry.Route {
	entries := s.subs.Entries()
	routes := make([]registry.Route, 0, len(entries))
	for _, e := range entries {
		routes = append(routes, e.Route(s.mw))
	}
	return routes
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group, cfg configpkg.Config) {
	if cfg.MetricsEnabled && cfg.MetricsPort > 0 {
		s.RegisterHTTPHandler(cfg.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.StartWebUIServer(cfg)

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}

func (s *Service) current() (strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.strategy == nil {
		return nil, errspkg.ErrNotStarted
	}
	return s.strategy, nil
}

// Publish sends msg through the send-publish middleware chain.
func (s *Service) Publish(ctx context.Context, msg *message.Message) error {
	strat, err := s.current()
	if err != nil {
		return err
	}
	send := s.mw.Wrap(middleware.SendPublish, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return nil, strat.Publish(ctx, msg)
	})
	_, err = send(ctx, msg)
	return err
}

// Request sends msg through the send-request middleware chain and returns the
// reply. A timeout <= 0 uses the configured RequestTimeout.
func (s *Service) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	strat, err := s.current()
	if err != nil {
		return nil, err
	}
	send := s.mw.Wrap(middleware.SendRequest, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return strat.Request(ctx, msg, timeout)
	})
	return send(ctx, msg)
}

// Subscribe adds a listener at runtime. Before Start it behaves like Listen.
func (s *Service) Subscribe(l registry.Listener) error {
	strat, err := s.current()
	if err != nil {
		return s.subs.Listen(l)
	}
	h, err := registry.NewHandler(l)
	if err != nil {
		return err
	}
	var added []*registry.Entry
	for _, pattern := range l.Subjects {
		entry := registry.NewEntry(pattern, l.QueueGroup, h)
		if err = s.subs.Add(entry); err == nil {
			err = strat.Subscribe(entry.Route(s.mw))
			if err != nil {
				s.subs.Remove(pattern, l.QueueGroup)
			}
		}
		if err != nil {
			for _, e := range added {
				s.subs.Remove(e.Pattern, e.QueueGroup)
				_ = strat.Unsubscribe(e.Pattern, e.QueueGroup)
			}
			return err
		}
		added = append(added, entry)
	}
	return nil
}

// Unsubscribe drops the subscription for (pattern, queueGroup).
// The entry stays registered when the strategy fails to drop it.
func (s *Service) Unsubscribe(pattern, queueGroup string) error {
	if _, ok := s.subs.Lookup(pattern, queueGroup); !ok {
		return &errspkg.UnsubscribeError{Subject: pattern}
	}
	if strat, err := s.current(); err == nil {
		if err := strat.Unsubscribe(pattern, queueGroup); err != nil {
			return err
		}
	}
	s.subs.Remove(pattern, queueGroup)
	return nil
}

// Handlers returns a snapshot of every subscription and its counters.
func (s *Service) Handlers() []HandlerInfo {
	entries := s.subs.Entries()
	infos := make([]HandlerInfo, 0, len(entries))
	for _, e := range entries {
		info := HandlerInfo{Pattern: e.Pattern, QueueGroup: e.QueueGroup, Stats: e.Stats()}
		for _, h := range e.Handlers() {
			info.Handlers = append(info.Handlers, h.Name)
		}
		infos = append(infos, info)
	}
	return infos
}

// Close stops a running service and waits for Start to return.
func (s *Service) Close() error {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
