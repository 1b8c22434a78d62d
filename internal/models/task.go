package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a task.
type TaskStatus string

// const ...
const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusDone         TaskStatus = "done"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusRetryPending TaskStatus = "retry_pending"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// Active reports whether a task in this status still holds its target lock.
func (s TaskStatus) Active() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning || s == TaskStatusRetryPending
}

// Task represents a chunked unit of background work against a single target.
// Payload holds the remaining item references in submission order; it only
// shrinks as chunks complete, except for an explicit merge of a duplicate
// submission against the same target.
type Task struct {
	UpdatedAt time.Time  `json:"updated_at"`
	CreatedAt time.Time  `json:"created_at"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	Status    TaskStatus `json:"status"`
	Name      string     `json:"name"`
	TargetRef string     `json:"target_ref"`
	Error     string     `json:"error,omitempty"`
	Payload   []string   `json:"payload"`
	ID        uuid.UUID  `json:"id"`
	ChunkSize int        `json:"chunk_size"`
	Attempts  uint       `json:"attempts"`
	Shrinks   uint       `json:"shrinks"`
}

// ExecutionResult reports the outcome of running one chunk. Applied lists the
// items the handler actually applied, Remaining the items of the chunk it did
// not; a partial application carries both a non-empty Applied and Remaining.
type ExecutionResult struct {
	Applied   []string
	Remaining []string
	Err       error
}

// TaskHandler defines the interface for applying a chunk of items to a target.
// Implementations must be idempotent per item and report exactly which items
// they applied, even when returning an error.
type TaskHandler interface {
	HandleChunk(ctx context.Context, targetRef string, chunk []string) (applied []string, err error)
}

// TaskHandlerWithAttempts ...
type TaskHandlerWithAttempts interface {
	TaskHandler
	MaxAttempts() uint
}
