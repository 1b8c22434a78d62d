package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"labqueue/internal/models"
)

// Executor runs a single chunk of a task against its target. It never lets a
// handler fault escape: panics, timeouts and errors all come back inside the
// ExecutionResult.
type Executor struct {
	registry     *Registry
	chunkTimeout time.Duration
}

// NewExecutor ...
func NewExecutor(registry *Registry, chunkTimeout time.Duration) *Executor {
	return &Executor{
		registry:     registry,
		chunkTimeout: chunkTimeout,
	}
}

// Run applies chunk to the task's target through the registered handler,
// bounded by the per-chunk time budget. Remaining always lists the chunk
// items the handler did not apply, in their original order.
func (e *Executor) Run(ctx context.Context, task *models.Task, chunk []string) (result models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"task_id":   task.ID,
				"task_type": task.Name,
			}).Error("Handler panicked while processing chunk")
			result = models.ExecutionResult{
				Remaining: chunk,
				Err:       fmt.Errorf("handler panic: %v", r),
			}
		}
	}()

	handler, ok := e.registry.Handler(task.Name)
	if !ok {
		return models.ExecutionResult{
			Remaining: chunk,
			Err:       fmt.Errorf("%w: %s", models.ErrUnknownTaskType, task.Name),
		}
	}

	chunkCtx, cancel := context.WithTimeout(ctx, e.chunkTimeout)
	defer cancel()

	applied, err := handler.HandleChunk(chunkCtx, task.TargetRef, chunk)

	result.Applied = applied
	result.Remaining = subtract(chunk, applied)

	switch {
	case err == nil && len(result.Remaining) > 0:
		result.Err = fmt.Errorf("handler applied %d of %d items", len(applied), len(chunk))
	case errors.Is(err, context.DeadlineExceeded):
		result.Err = fmt.Errorf("chunk execution exceeded %s budget: %w", e.chunkTimeout, err)
	case err != nil:
		result.Err = fmt.Errorf("chunk execution failed: %w", err)
	}
	return result
}

// subtract returns the items of chunk that are not in applied, preserving
// chunk order.
func subtract(chunk, applied []string) []string {
	if len(applied) == 0 {
		return chunk
	}

	appliedSet := make(map[string]struct{}, len(applied))
	for _, item := range applied {
		appliedSet[item] = struct{}{}
	}

	var remaining []string
	for _, item := range chunk {
		if _, ok := appliedSet[item]; !ok {
			remaining = append(remaining, item)
		}
	}
	return remaining
}
