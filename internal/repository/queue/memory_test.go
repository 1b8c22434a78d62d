package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labqueue/internal/models"
)

func newQueuedTask(targetRef string, payload ...string) *models.Task {
	return &models.Task{
		ID:        uuid.New(),
		Name:      "assign_items",
		TargetRef: targetRef,
		Payload:   payload,
		ChunkSize: 2,
		Status:    models.TaskStatusQueued,
	}
}

func TestMemoryRepository_AddTaskLocksTarget(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a", "b")
	require.NoError(t, repo.AddTask(ctx, task))
	assert.False(t, task.CreatedAt.IsZero())
	assert.False(t, task.UpdatedAt.IsZero())

	err := repo.AddTask(ctx, newQueuedTask("worksheet-1", "c"))
	assert.ErrorIs(t, err, models.ErrDuplicateTarget)

	require.NoError(t, repo.AddTask(ctx, newQueuedTask("worksheet-2", "c")))

	id, locked, err := repo.ActiveTaskID(ctx, "worksheet-1")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, task.ID, id)
}

func TestMemoryRepository_GetTaskReturnsCopy(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a", "b")
	require.NoError(t, repo.AddTask(ctx, task))

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	got.Payload[0] = "mutated"

	again, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, again.Payload, "callers must not reach stored state")

	_, err = repo.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestMemoryRepository_ClaimNextTaskIsFIFO(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := newQueuedTask("worksheet-1", "a")
	second := newQueuedTask("worksheet-2", "b")
	require.NoError(t, repo.AddTask(ctx, first))
	require.NoError(t, repo.AddTask(ctx, second))

	claimed, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.TaskStatusRunning, claimed.Status)

	claimed, err = repo.ClaimNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed.ID)

	_, err = repo.ClaimNextTask(ctx)
	assert.ErrorIs(t, err, models.ErrNoTasks, "running tasks are not claimable")
}

func TestMemoryRepository_ClaimHonorsNotBefore(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a")
	require.NoError(t, repo.AddTask(ctx, task))

	claimed, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)

	// Schedule a retry in the future: it must stay invisible to claims.
	future := time.Now().Add(time.Hour)
	claimed.Status = models.TaskStatusRetryPending
	claimed.NotBefore = &future
	require.NoError(t, repo.UpdateTask(ctx, claimed))

	_, err = repo.ClaimNextTask(ctx)
	assert.ErrorIs(t, err, models.ErrNoTasks)

	past := time.Now().Add(-time.Second)
	claimed.NotBefore = &past
	require.NoError(t, repo.UpdateTask(ctx, claimed))

	due, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, due.ID)
}

func TestMemoryRepository_TerminalUpdateReleasesLock(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a")
	require.NoError(t, repo.AddTask(ctx, task))

	claimed, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)

	claimed.Status = models.TaskStatusDone
	require.NoError(t, repo.UpdateTask(ctx, claimed))

	_, locked, err := repo.ActiveTaskID(ctx, "worksheet-1")
	require.NoError(t, err)
	assert.False(t, locked)

	// The record itself stays for auditing.
	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, got.Status)
}

func TestMemoryRepository_TerminalStatusIsFinal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a")
	require.NoError(t, repo.AddTask(ctx, task))

	claimed, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)

	aborted := *claimed
	aborted.Status = models.TaskStatusFailed
	aborted.Error = "task aborted"
	require.NoError(t, repo.UpdateTask(ctx, &aborted))

	// A worker finishing its chunk after the abort must not resurrect the task.
	late := *claimed
	late.Status = models.TaskStatusRetryPending
	require.NoError(t, repo.UpdateTask(ctx, &late))

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "task aborted", got.Error)
}

func TestMemoryRepository_CommitChunkDrainsStoredPayload(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a", "b")
	require.NoError(t, repo.AddTask(ctx, task))

	claimed, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)

	// Items merged after the claim live only in the stored payload; draining
	// the chunk must not lose them.
	_, err = repo.MergePayload(ctx, "worksheet-1", []string{"c"})
	require.NoError(t, err)

	committed, err := repo.CommitChunk(ctx, claimed, 2, nil)
	require.NoError(t, err)
	require.True(t, committed)

	assert.Equal(t, []string{"c"}, claimed.Payload, "caller is refreshed with the merged remainder")
	assert.Equal(t, models.TaskStatusRunning, claimed.Status, "merged items keep the task alive")

	committed, err = repo.CommitChunk(ctx, claimed, 1, nil)
	require.NoError(t, err)
	require.True(t, committed)
	assert.Equal(t, models.TaskStatusDone, claimed.Status, "empty payload promotes a running task to done")

	_, locked, err := repo.ActiveTaskID(ctx, "worksheet-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestMemoryRepository_CommitChunkPrependsRetry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a", "b", "c")
	require.NoError(t, repo.AddTask(ctx, task))

	claimed, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)

	claimed.Status = models.TaskStatusRetryPending
	claimed.Attempts = 1
	committed, err := repo.CommitChunk(ctx, claimed, 2, []string{"b"})
	require.NoError(t, err)
	require.True(t, committed)

	assert.Equal(t, []string{"b", "c"}, claimed.Payload, "unapplied items lead the payload")
	assert.Equal(t, uint(1), claimed.Attempts)
}

func TestMemoryRepository_CommitChunkDroppedOnTerminalTask(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a", "b")
	require.NoError(t, repo.AddTask(ctx, task))

	claimed, err := repo.ClaimNextTask(ctx)
	require.NoError(t, err)

	aborted := *claimed
	aborted.Status = models.TaskStatusFailed
	require.NoError(t, repo.UpdateTask(ctx, &aborted))

	committed, err := repo.CommitChunk(ctx, claimed, 2, nil)
	require.NoError(t, err)
	assert.False(t, committed, "a chunk finishing after an abort is dropped")

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.Payload, "the aborted task keeps its remaining payload")
}

func TestMemoryRepository_MergePayload(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := newQueuedTask("worksheet-1", "a", "b")
	require.NoError(t, repo.AddTask(ctx, task))

	id, err := repo.MergePayload(ctx, "worksheet-1", []string{"c", "d"})
	require.NoError(t, err)
	assert.Equal(t, task.ID, id)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got.Payload)

	_, err = repo.MergePayload(ctx, "worksheet-2", []string{"x"})
	assert.ErrorIs(t, err, models.ErrNoActiveTask)
}
