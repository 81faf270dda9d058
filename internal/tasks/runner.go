// Package tasks runs best-effort background work whose failure must never
// affect the request that scheduled it.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/directoryhub/directory-hub/internal/metrics"
)

// DefaultTimeout bounds a single task when the runner is built without one.
const DefaultTimeout = 30 * time.Second

// Runner spawns fire-and-forget tasks and can drain them on shutdown.
type Runner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. Each task gets its own context bounded by timeout.
func NewRunner(logger *slog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger.With("component", "tasks"),
	}
}

// Go runs fn on its own goroutine and returns immediately. Errors and panics
// are logged and counted, never returned to the caller.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		outcome := "ok"
		defer func() {
			if rec := recover(); rec != nil {
				outcome = "panic"
				r.logger.Error("background task panicked", "task", name, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			}
			metrics.BackgroundTasksTotal.WithLabelValues(name, outcome).Inc()
		}()

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			outcome = "error"
			r.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until in-flight tasks finish or ctx is done. When ctx expires
// first the remaining tasks are cancelled and ctx.Err() is returned.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}
