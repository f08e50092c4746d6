package mgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"
)

// WorkerCtx provides workers with the necessary environment for flow control
// and logging.
type WorkerCtx struct {
	name string

	ctx       context.Context
	cancelCtx context.CancelFunc

	logger *slog.Logger
}

// Ctx returns the worker context.
// Is automatically canceled after the worker stops/returns, regardless of error.
func (w *WorkerCtx) Ctx() context.Context {
	return w.ctx
}

// Cancel cancels the worker context.
func (w *WorkerCtx) Cancel() {
	w.cancelCtx()
}

// Done returns the context Done channel.
func (w *WorkerCtx) Done() <-chan struct{} {
	return w.ctx.Done()
}

// IsDone checks whether the worker context is done.
func (w *WorkerCtx) IsDone() bool {
	return w.ctx.Err() != nil
}

// Logger returns the logger used by the worker context.
func (w *WorkerCtx) Logger() *slog.Logger {
	return w.logger
}

// Debug logs at LevelDebug.
func (w *WorkerCtx) Debug(msg string, args ...any) {
	w.logger.DebugContext(w.ctx, msg, args...)
}

// Info logs at LevelInfo.
func (w *WorkerCtx) Info(msg string, args ...any) {
	w.logger.InfoContext(w.ctx, msg, args...)
}

// Warn logs at LevelWarn.
func (w *WorkerCtx) Warn(msg string, args ...any) {
	w.logger.WarnContext(w.ctx, msg, args...)
}

// Error logs at LevelError.
func (w *WorkerCtx) Error(msg string, args ...any) {
	w.logger.ErrorContext(w.ctx, msg, args...)
}

func (m *Manager) newWorkerCtx(name string) *WorkerCtx {
	return &WorkerCtx{
		name:   name,
		ctx:    m.Ctx(),
		logger: m.logger.With("worker", name),
	}
}

// Go starts the given function in a goroutine (as a "worker").
// The worker context has
// - A separate context which is canceled when the functions returns.
// - Access to named structure logging.
// - Given function is re-run after failure (with backoff).
// - Panic catching.
func (m *Manager) Go(name string, fn func(w *WorkerCtx) error) {
	m.workerStart()
	go m.manageWorker(name, fn)
}

func (m *Manager) manageWorker(name string, fn func(w *WorkerCtx) error) {
	defer m.workerDone()

	w := m.newWorkerCtx(name)
	backoff := time.Second
	failCnt := 0

	for {
		err := m.runWorker(w, fn)
		switch {
		case err == nil:
			return

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return

		default:
			// If manager is stopping, just log error and return.
			if m.IsDone() {
				w.Error("worker failed", "err", err)
				return
			}

			failCnt++
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			w.Error(
				"worker failed",
				"failCnt", failCnt,
				"backoff", backoff,
				"err", err,
			)
			select {
			case <-time.After(backoff):
			case <-m.Done():
				return
			}
		}
	}
}

// Do directly executes the given function (as a "worker").
// Errors are logged and returned, the function is not retried.
func (m *Manager) Do(name string, fn func(w *WorkerCtx) error) error {
	m.workerStart()
	defer m.workerDone()

	w := m.newWorkerCtx(name)
	err := m.runWorker(w, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		w.Error("worker failed", "err", err)
		return err
	}
}

// Repeat executes the given function every period until the manager is
// canceled. Errors are logged and do not stop the repetition.
func (m *Manager) Repeat(name string, period time.Duration, fn func(w *WorkerCtx) error) {
	m.Go(name, func(w *WorkerCtx) error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.runWorker(m.newWorkerCtx(name), fn); err != nil &&
					!errors.Is(err, context.Canceled) {
					w.Warn("repeated worker failed", "err", err)
				}
			case <-w.Done():
				return nil
			}
		}
	})
}

func (m *Manager) runWorker(w *WorkerCtx, fn func(w *WorkerCtx) error) (err error) {
	// Create worker context that is canceled when worker finished or dies.
	w.ctx, w.cancelCtx = context.WithCancel(m.Ctx())
	defer w.Cancel()

	defer func() {
		if panicVal := recover(); panicVal != nil {
			err = fmt.Errorf("panic: %s", panicVal)
			fmt.Fprintf(
				os.Stderr,
				"===== PANIC =====\n%s\n\n%s=====  END  =====\n",
				panicVal,
				debug.Stack(),
			)
		}
	}()

	return fn(w)
}
