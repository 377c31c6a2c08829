package bootstrap

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/smartcab/backend/internal/metrics"
)

const stackTraceBufferSize = 4096

// Task is a handle on a detached background goroutine. The bootstrapper
// never waits on it; the handle exists so a shutdown path can stop it.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// startTask runs fn on its own goroutine with a context that is independent
// of the caller's. Panics are recovered and reported through Err.
func startTask(name string, logger *zap.Logger, m *metrics.Metrics, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if m != nil {
		m.BackgroundTasks.Inc()
	}

	go func() {
		defer close(t.done)
		defer func() {
			if m != nil {
				m.BackgroundTasks.Dec()
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, stackTraceBufferSize)
				n := runtime.Stack(buf, false)
				logger.Error("background task panic recovered",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.String("stack", string(buf[:n])),
				)
				t.setErr(fmt.Errorf("task %s panicked: %v", name, r))
			}
		}()

		err := fn(ctx)
		t.setErr(err)
		if err != nil && ctx.Err() == nil {
			logger.Warn("background task exited", zap.String("task", name), zap.Error(err))
			return
		}
		logger.Info("background task stopped", zap.String("task", name))
	}()

	return t
}

// Name identifies the task in logs.
func (t *Task) Name() string {
	return t.name
}

// Stop cancels the task context. It does not wait for the task to return.
func (t *Task) Stop() {
	t.cancel()
}

// Done is closed once the task function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result. It is nil while the task is still running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}
