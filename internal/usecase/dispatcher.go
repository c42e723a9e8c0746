package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
)

// TaskRunner executes a grading task to completion.
type TaskRunner interface {
	Run(ctx context.Context, task domain.GradingTask) error
}

// InProcessDispatcher runs tasks on goroutines of the current process.
// Tasks outlive the request that dispatched them and stop only when the base
// context is cancelled.
type InProcessDispatcher struct {
	base   context.Context
	runner TaskRunner
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewInProcessDispatcher binds runner to base.
func NewInProcessDispatcher(base context.Context, runner TaskRunner) *InProcessDispatcher {
	return &InProcessDispatcher{base: base, runner: runner}
}

// Dispatch starts the task and returns immediately.
func (d *InProcessDispatcher) Dispatch(ctx domain.Context, task domain.GradingTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: dispatcher is shutting down", domain.ErrInternal)
	}
	runCtx := obsctx.ContextWithLogger(d.base, obsctx.LoggerFromContext(ctx))
	runCtx = obsctx.ContextWithRequestID(runCtx, obsctx.RequestIDFromContext(ctx))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(runCtx, task); err != nil {
			obsctx.LoggerFromContext(runCtx).Error("grading task failed",
				slog.String("job_id", task.JobID), slog.Any("error", err))
		}
	}()
	return nil
}

// Close rejects new tasks and waits for running ones.
func (d *InProcessDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
