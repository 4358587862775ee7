// Package tasks runs start-up and interval tasks for a Service.
package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/registry"
)

// Manager runs start-up tasks to completion, in order, and then keeps every
// interval task looping until the context ends. A failing or panicking
// invocation is logged and the loop continues.
type Manager struct {
	logger   loggingpkg.ServiceLogger
	startup  []registry.Task
	interval []registry.Task
}

// NewManager snapshots the tasks of reg.
func NewManager(reg *registry.Tasks, logger loggingpkg.ServiceLogger) *Manager {
	m := &Manager{logger: loggingpkg.Component(logger, "tasks")}
	if reg != nil {
		m.startup = reg.Startup()
		m.interval = reg.Interval()
	}
	return m
}

// RunStartup runs every start-up task sequentially.
func (m *Manager) RunStartup(ctx context.Context) {
	for _, task := range m.startup {
		if ctx.Err() != nil {
			return
		}
		m.invoke(ctx, task)
	}
}

// Run runs the start-up tasks and then blocks while interval tasks loop.
// It returns once ctx is cancelled and every loop has stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.RunStartup(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range m.interval {
		g.Go(func() error {
			m.loop(gctx, task)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) loop(ctx context.Context, task registry.Task) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := time.Now()
		m.invoke(ctx, task)

		wait := task.Interval - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (m *Manager) invoke(ctx context.Context, task registry.Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
				"task":  task.Name,
				"stack": string(debug.Stack()),
			})
		}
	}()

	m.logger.Trace("Running task", loggingpkg.LogFields{"task": task.Name})
	if err := task.Run(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("Task failed", err, loggingpkg.LogFields{"task": task.Name})
	}
}
