package registry

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
)

// TaskFunc is the body of a task.
type TaskFunc func(ctx context.Context) error

// Task is a start-up or interval task.
type Task struct {
	Name string
	// Interval is the period of an interval task. Ignored for start-up tasks.
	Interval time.Duration
	Run      TaskFunc
}

// Tasks collects start-up and interval tasks in declaration order.
type Tasks struct {
	mu       sync.RWMutex
	startup  []Task
	interval []Task
}

// NewTasks returns an empty registry.
func NewTasks() *Tasks {
	return &Tasks{}
}

// Task registers an interval task.
func (t *Tasks) Task(task Task) error {
	if task.Run == nil {
		return &errspkg.TaskInitError{Task: task.Name, Reason: "task function is nil"}
	}
	if task.Interval <= 0 {
		return &errspkg.TaskInitError{Task: task.Name, Reason: "interval must be positive"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = append(t.interval, task)
	return nil
}

// OnStart registers a task that runs once, before any interval task.
func (t *Tasks) OnStart(task Task) error {
	if task.Run == nil {
		return &errspkg.TaskInitError{Task: task.Name, Reason: "task function is nil"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startup = append(t.startup, task)
	return nil
}

// Startup returns the start-up tasks.
func (t *Tasks) Startup() []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Task(nil), t.startup...)
}

// Interval returns the interval tasks.
func (t *Tasks) Interval() []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Task(nil), t.interval...)
}

// Merge appends the tasks of other.
func (t *Tasks) Merge(other *Tasks) {
	if other == nil || other == t {
		return
	}
	startup, interval := other.Startup(), other.Interval()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startup = append(t.startup, startup...)
	t.interval = append(t.interval, interval...)
}
