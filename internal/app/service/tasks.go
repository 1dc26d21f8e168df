package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownTask is returned when no handler is registered under a task name.
var ErrUnknownTask = errors.New("unknown task")

// TaskFunc is a named unit of background work.
type TaskFunc func(ctx context.Context) error

// TaskDispatcher starts a named task and returns without waiting for it.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, name string) error
}

// Tasks is a registry of task handlers shared by every dispatcher.
type Tasks struct {
	mu       sync.RWMutex
	handlers map[string]TaskFunc
}

func NewTasks() *Tasks {
	return &Tasks{handlers: map[string]TaskFunc{}}
}

func (t *Tasks) Register(name string, fn TaskFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = fn
}

// Run executes the named task synchronously.
func (t *Tasks) Run(ctx context.Context, name string) error {
	t.mu.RLock()
	fn, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return fn(ctx)
}

// LocalDispatcher runs tasks on goroutines of the current process. It is the
// fallback when no task broker is configured.
type LocalDispatcher struct {
	tasks  *Tasks
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalDispatcher(tasks *Tasks, logger *zap.Logger) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{tasks: tasks, logger: logger, ctx: ctx, cancel: cancel}
}

// Dispatch runs the task in the background. The caller's context only
// bounds the hand-off, not the task itself.
func (d *LocalDispatcher) Dispatch(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatch %s: %w", name, context.Canceled)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.tasks.Run(d.ctx, name); err != nil {
			d.logger.Error("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return nil
}

// Close cancels running tasks and waits for them to return.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	return nil
}
