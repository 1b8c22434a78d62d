package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"labqueue/internal/models"
)

const (
	backoffMultiplier = 2
	maxJitterDivisor  = 2
)

// Policy tunes the retry and shrink schedule of the lifecycle controller.
type Policy struct {
	MaxAttempts uint
	ShrinkAfter uint
	MaxShrinks  uint
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultPolicy returns a conservative schedule: three attempts per chunk and
// a single shrink step before giving up.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		ShrinkAfter: 2,
		MaxShrinks:  1,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}
}

// Lifecycle applies the task state machine. It is the only component that
// writes task records; the per-target lock guarantees a single writer per
// task at any time.
type Lifecycle struct {
	repo     Repository
	registry *Registry
	policy   Policy
}

// NewLifecycle ...
func NewLifecycle(repo Repository, registry *Registry, policy Policy) *Lifecycle {
	return &Lifecycle{
		repo:     repo,
		registry: registry,
		policy:   policy,
	}
}

// Conclude folds the result of one chunk execution back into the task:
// success drains the chunk from the stored payload, failure reinserts the
// unapplied items at its front and schedules a retry, a shrink or the
// terminal failure. The drain happens in-store through CommitChunk against
// the stored payload, never against this worker's snapshot, so items merged
// into the task while the chunk was executing survive the write; the task
// snapshot is refreshed with the committed state. Returns false when the
// write was dropped because the task turned terminal underneath the worker.
// The target lock is released by the repository on terminal transitions.
func (lc *Lifecycle) Conclude(ctx context.Context, task *models.Task, chunk []string, result models.ExecutionResult) (bool, error) {
	if result.Err == nil {
		task.Attempts = 0
		task.Error = ""
		task.NotBefore = nil
		committed, err := lc.repo.CommitChunk(ctx, task, len(chunk), nil)
		if err != nil {
			return false, err
		}
		if committed && task.Status == models.TaskStatusDone {
			log.WithFields(log.Fields{
				"task_id":   task.ID,
				"task_type": task.Name,
			}).Info("Task completed")
		}
		return committed, nil
	}

	retry := result.Remaining
	task.Attempts++
	task.Error = result.Err.Error()

	switch {
	case task.Attempts >= lc.policy.ShrinkAfter && task.Shrinks < lc.policy.MaxShrinks && len(retry) > 1:
		head, _, err := Shrink(retry)
		if err != nil {
			lc.markFailed(task, result.Err)
			break
		}
		task.ChunkSize = len(head)
		task.Shrinks++
		task.Attempts = 0
		lc.scheduleRetry(task, 0)
		log.WithFields(log.Fields{
			"task_id":    task.ID,
			"task_type":  task.Name,
			"chunk_size": task.ChunkSize,
		}).Warn("Chunk shrunk after repeated failures")

	case task.Attempts >= lc.maxAttempts(task):
		lc.markFailed(task, result.Err)

	default:
		lc.scheduleRetry(task, task.Attempts-1)
		log.WithFields(log.Fields{
			"task_id":   task.ID,
			"task_type": task.Name,
			"attempt":   task.Attempts,
			"error":     result.Err,
		}).Error("Chunk failed, scheduling retry")
	}

	return lc.repo.CommitChunk(ctx, task, len(chunk), retry)
}

// Suspend parks a running task back to retry_pending without consuming an
// attempt, e.g. when a worker shuts down between chunks. The task stays due
// immediately and keeps its target lock.
func (lc *Lifecycle) Suspend(ctx context.Context, task *models.Task) error {
	if task.Status != models.TaskStatusRunning {
		return nil
	}
	task.Status = models.TaskStatusRetryPending
	task.NotBefore = nil
	return lc.repo.UpdateTask(ctx, task)
}

// Abort marks a task failed between chunks, e.g. on administrative request.
// Reports whether this call performed the transition, so the caller can
// account for the task leaving the queue exactly once.
func (lc *Lifecycle) Abort(ctx context.Context, id uuid.UUID) (bool, error) {
	task, err := lc.repo.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		return false, nil
	}
	lc.markFailed(task, errors.New("task aborted"))
	if err := lc.repo.UpdateTask(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

// markFailed ...
func (lc *Lifecycle) markFailed(task *models.Task, cause error) {
	task.Status = models.TaskStatusFailed
	task.Error = fmt.Errorf("%w: %s", models.ErrTaskExhausted, cause).Error()
	task.NotBefore = nil
	log.WithFields(log.Fields{
		"task_id":   task.ID,
		"task_type": task.Name,
		"attempts":  task.Attempts,
	}).Error("Task failed permanently")
}

// scheduleRetry ...
func (lc *Lifecycle) scheduleRetry(task *models.Task, attempt uint) {
	task.Status = models.TaskStatusRetryPending
	due := time.Now().Add(lc.backoff(attempt))
	task.NotBefore = &due
}

// maxAttempts resolves the attempt budget, honoring a handler override.
func (lc *Lifecycle) maxAttempts(task *models.Task) uint {
	if handler, ok := lc.registry.Handler(task.Name); ok {
		if withAttempts, ok := handler.(models.TaskHandlerWithAttempts); ok {
			return withAttempts.MaxAttempts()
		}
	}
	return lc.policy.MaxAttempts
}

// backoff ...
func (lc *Lifecycle) backoff(attempt uint) time.Duration {
	backoff := lc.policy.BackoffBase * time.Duration(math.Pow(backoffMultiplier, float64(attempt)))
	if backoff > lc.policy.BackoffMax {
		backoff = lc.policy.BackoffMax
	}

	maxJitter := int64(backoff / maxJitterDivisor)
	if maxJitter <= 0 {
		return backoff
	}
	jitterBig, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		log.WithError(err).Error("Failed to generate jitter, using backoff without jitter")
		return backoff
	}

	return backoff + time.Duration(jitterBig.Int64())
}
