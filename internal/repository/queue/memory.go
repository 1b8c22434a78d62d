package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"labqueue/internal/models"
	engine "labqueue/internal/queue"
)

var _ engine.Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-process implementation of Repository guarded by a
// single mutex, which makes claim plus lock acquisition atomic. It backs
// tests and the embedded single-process mode.
type MemoryRepository struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
	locks map[string]uuid.UUID
	seq   uint64
	order map[uuid.UUID]uint64
}

// NewMemoryRepository ...
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[uuid.UUID]*models.Task),
		locks: make(map[string]uuid.UUID),
		order: make(map[uuid.UUID]uint64),
	}
}

// AddTask ...
func (r *MemoryRepository) AddTask(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, locked := r.locks[task.TargetRef]; locked {
		return fmt.Errorf("%w: %s", models.ErrDuplicateTarget, task.TargetRef)
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	r.locks[task.TargetRef] = task.ID
	r.tasks[task.ID] = cloneTask(task)
	r.seq++
	r.order[task.ID] = r.seq
	return nil
}

// GetTask ...
func (r *MemoryRepository) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return cloneTask(task), nil
}

// ClaimNextTask picks the oldest queued or due retry_pending task and marks
// it running under the repository mutex, mirroring the conditional claim of
// the Postgres implementation.
func (r *MemoryRepository) ClaimNextTask(_ context.Context) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var candidate *models.Task
	for _, task := range r.tasks {
		if task.Status != models.TaskStatusQueued && task.Status != models.TaskStatusRetryPending {
			continue
		}
		if task.NotBefore != nil && task.NotBefore.After(now) {
			continue
		}
		if candidate == nil || r.order[task.ID] < r.order[candidate.ID] {
			candidate = task
		}
	}

	if candidate == nil {
		return nil, models.ErrNoTasks
	}

	candidate.Status = models.TaskStatusRunning
	candidate.UpdatedAt = now
	return cloneTask(candidate), nil
}

// UpdateTask persists a status transition; the stored payload is left alone,
// draining goes through CommitChunk.
func (r *MemoryRepository) UpdateTask(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[task.ID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, task.ID)
	}
	if stored.Status.Terminal() {
		// Terminal statuses are final; drop late writes from a worker that
		// raced an administrative abort.
		return nil
	}

	stored.ChunkSize = task.ChunkSize
	stored.Status = task.Status
	stored.Attempts = task.Attempts
	stored.Shrinks = task.Shrinks
	stored.Error = task.Error
	stored.NotBefore = cloneTime(task.NotBefore)
	stored.UpdatedAt = time.Now()
	task.UpdatedAt = stored.UpdatedAt

	if stored.Status.Terminal() {
		if r.locks[stored.TargetRef] == task.ID {
			delete(r.locks, stored.TargetRef)
		}
	}
	return nil
}

// CommitChunk replaces the first consumed items of the stored payload with
// the retried remainder and persists the transition in the same critical
// section, so a merge that appended items mid-chunk survives the write. A
// running task drained to an empty payload is promoted to done. The caller's
// task is refreshed with the committed state.
func (r *MemoryRepository) CommitChunk(_ context.Context, task *models.Task, consumed int, retry []string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[task.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrTaskNotFound, task.ID)
	}
	if stored.Status.Terminal() {
		return false, nil
	}

	if consumed > len(stored.Payload) {
		consumed = len(stored.Payload)
	}
	payload := make([]string, 0, len(retry)+len(stored.Payload)-consumed)
	payload = append(payload, retry...)
	payload = append(payload, stored.Payload[consumed:]...)

	stored.Payload = payload
	stored.ChunkSize = task.ChunkSize
	stored.Status = task.Status
	stored.Attempts = task.Attempts
	stored.Shrinks = task.Shrinks
	stored.Error = task.Error
	stored.NotBefore = cloneTime(task.NotBefore)
	stored.UpdatedAt = time.Now()

	if stored.Status == models.TaskStatusRunning && len(stored.Payload) == 0 {
		stored.Status = models.TaskStatusDone
	}
	if stored.Status.Terminal() {
		if r.locks[stored.TargetRef] == task.ID {
			delete(r.locks, stored.TargetRef)
		}
	}

	*task = *cloneTask(stored)
	return true, nil
}

// MergePayload ...
func (r *MemoryRepository) MergePayload(_ context.Context, targetRef string, items []string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taskID, ok := r.locks[targetRef]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", models.ErrNoActiveTask, targetRef)
	}

	task := r.tasks[taskID]
	task.Payload = append(task.Payload, items...)
	task.UpdatedAt = time.Now()
	return taskID, nil
}

// ActiveTaskID ...
func (r *MemoryRepository) ActiveTaskID(_ context.Context, targetRef string) (uuid.UUID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taskID, ok := r.locks[targetRef]
	if !ok {
		return uuid.Nil, false, nil
	}
	return taskID, true, nil
}

// cloneTask ...
func cloneTask(task *models.Task) *models.Task {
	clone := *task
	clone.Payload = append([]string(nil), task.Payload...)
	clone.NotBefore = cloneTime(task.NotBefore)
	return &clone
}

// cloneTime ...
func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
