package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"labqueue/internal/models"
	engine "labqueue/internal/queue"
)

const uniqueViolation = "23505"

// Repository defines the interface for task storage with a per-target dedup
// index. AddTask acquires the target lock in the same transaction as the task
// insert; terminal transitions release it. CommitChunk is the only operation
// that drains the payload, and it does so against the stored row so a
// concurrent MergePayload is never lost; UpdateTask persists a status
// transition without touching the payload.
// @gtg mp-metrics
type Repository interface {
	AddTask(ctx context.Context, task *models.Task) (err error)
	GetTask(ctx context.Context, id uuid.UUID) (task *models.Task, err error)
	ClaimNextTask(ctx context.Context) (task *models.Task, err error)
	UpdateTask(ctx context.Context, task *models.Task) (err error)
	CommitChunk(ctx context.Context, task *models.Task, consumed int, retry []string) (committed bool, err error)
	MergePayload(ctx context.Context, targetRef string, items []string) (id uuid.UUID, err error)
	ActiveTaskID(ctx context.Context, targetRef string) (id uuid.UUID, ok bool, err error)
}

var _ engine.Repository = (*repository)(nil)

type repository struct {
	db *pgxpool.Pool
}

const taskColumns = `id, name, target_ref, payload, chunk_size, status, attempts, shrinks, error, not_before, created_at, updated_at`

// EnsureSchema creates the queue tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	ddl := `
        CREATE SCHEMA IF NOT EXISTS queue;
        CREATE TABLE IF NOT EXISTS queue.tasks (
            id         uuid PRIMARY KEY,
            name       text NOT NULL,
            target_ref text NOT NULL,
            payload    text[] NOT NULL,
            chunk_size int NOT NULL,
            status     text NOT NULL,
            attempts   int NOT NULL DEFAULT 0,
            shrinks    int NOT NULL DEFAULT 0,
            error      text NOT NULL DEFAULT '',
            not_before timestamptz,
            created_at timestamptz NOT NULL DEFAULT NOW(),
            updated_at timestamptz NOT NULL DEFAULT NOW()
        );
        CREATE INDEX IF NOT EXISTS tasks_runnable_idx
            ON queue.tasks (created_at) WHERE status IN ('queued', 'retry_pending');
        CREATE TABLE IF NOT EXISTS queue.target_locks (
            target_ref text PRIMARY KEY,
            task_id    uuid NOT NULL REFERENCES queue.tasks (id) DEFERRABLE INITIALLY DEFERRED
        );
    `
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure queue schema: %w", err)
	}
	return nil
}

// AddTask inserts the task and its target lock in one transaction. A target
// that is already locked by an active task fails with ErrDuplicateTarget.
func (r *repository) AddTask(ctx context.Context, task *models.Task) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	insertTask := `
        INSERT INTO queue.tasks
        (id, name, target_ref, payload, chunk_size, status, attempts, shrinks, error, not_before)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING created_at, updated_at
    `
	err = tx.QueryRow(ctx, insertTask,
		task.ID, task.Name, task.TargetRef, task.Payload, task.ChunkSize,
		task.Status, task.Attempts, task.Shrinks, task.Error, task.NotBefore,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to add task: %w", err)
	}

	insertLock := `INSERT INTO queue.target_locks (target_ref, task_id) VALUES ($1, $2)`
	if _, err = tx.Exec(ctx, insertLock, task.TargetRef, task.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", models.ErrDuplicateTarget, task.TargetRef)
		}
		return fmt.Errorf("failed to acquire target lock: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask ...
func (r *repository) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM queue.tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ClaimNextTask atomically claims the oldest runnable task: queued, or
// retry_pending whose backoff is due. The conditional update plus
// FOR UPDATE SKIP LOCKED keeps concurrent dispatcher loops off each other's
// targets.
func (r *repository) ClaimNextTask(ctx context.Context) (*models.Task, error) {
	query := `
        UPDATE queue.tasks
        SET status = $1, updated_at = NOW()
        WHERE id = (
            SELECT id FROM queue.tasks
            WHERE status = ANY($2)
            AND (not_before IS NULL OR not_before <= NOW())
            ORDER BY created_at ASC
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        RETURNING ` + taskColumns

	runnable := []string{string(models.TaskStatusQueued), string(models.TaskStatusRetryPending)}
	task, err := scanTask(r.db.QueryRow(ctx, query, models.TaskStatusRunning, runnable))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNoTasks
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim next task: %w", err)
	}
	return task, nil
}

// UpdateTask persists a lifecycle transition without touching the payload;
// draining goes through CommitChunk. Terminal statuses release the target
// lock in the same transaction.
func (r *repository) UpdateTask(ctx context.Context, task *models.Task) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			log.Errorf("failed to rollback transaction %v", rollbackErr)
		}
	}()

	query := `
        UPDATE queue.tasks
        SET chunk_size = $2, status = $3, attempts = $4,
            shrinks = $5, error = $6, not_before = $7, updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('done', 'failed')
        RETURNING updated_at
    `
	err = tx.QueryRow(ctx, query,
		task.ID, task.ChunkSize, task.Status,
		task.Attempts, task.Shrinks, task.Error, task.NotBefore,
	).Scan(&task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either an unknown task or a late write racing an administrative
		// abort; terminal statuses are final.
		var stored models.TaskStatus
		lookupErr := tx.QueryRow(ctx, `SELECT status FROM queue.tasks WHERE id = $1`, task.ID).Scan(&stored)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrTaskNotFound, task.ID)
		}
		if lookupErr != nil {
			return fmt.Errorf("failed to update task: %w", lookupErr)
		}
		return tx.Commit(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	if task.Status.Terminal() {
		if _, err = tx.Exec(ctx, `DELETE FROM queue.target_locks WHERE task_id = $1`, task.ID); err != nil {
			return fmt.Errorf("failed to release target lock: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CommitChunk folds the outcome of one executed chunk into the stored row in
// a single statement: the first consumed items of the stored payload are
// replaced by the retried remainder, so items a concurrent merge appended
// behind them are preserved. A running task whose drained payload came out
// empty is promoted to done. The caller's task is refreshed with the
// committed row; a write that raced a terminal transition is dropped and
// reported as not committed.
func (r *repository) CommitChunk(ctx context.Context, task *models.Task, consumed int, retry []string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			log.Errorf("failed to rollback transaction %v", rollbackErr)
		}
	}()

	if retry == nil {
		retry = []string{}
	}

	query := `
        UPDATE queue.tasks
        SET payload = $2::text[] || payload[$3+1:],
            status = CASE
                WHEN $4::text = 'running' AND cardinality($2::text[] || payload[$3+1:]) = 0
                THEN 'done' ELSE $4::text
            END,
            chunk_size = $5, attempts = $6, shrinks = $7, error = $8,
            not_before = $9, updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('done', 'failed')
        RETURNING ` + taskColumns

	refreshed, err := scanTask(tx.QueryRow(ctx, query,
		task.ID, retry, consumed, task.Status, task.ChunkSize,
		task.Attempts, task.Shrinks, task.Error, task.NotBefore,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var stored models.TaskStatus
		lookupErr := tx.QueryRow(ctx, `SELECT status FROM queue.tasks WHERE id = $1`, task.ID).Scan(&stored)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", models.ErrTaskNotFound, task.ID)
		}
		if lookupErr != nil {
			return false, fmt.Errorf("failed to commit chunk: %w", lookupErr)
		}
		return false, tx.Commit(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("failed to commit chunk: %w", err)
	}
	*task = *refreshed

	if task.Status.Terminal() {
		if _, err = tx.Exec(ctx, `DELETE FROM queue.target_locks WHERE task_id = $1`, task.ID); err != nil {
			return false, fmt.Errorf("failed to release target lock: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// MergePayload appends items to the payload of the active task holding the
// target lock. The lock row is selected FOR UPDATE so the merge cannot race
// a terminal transition of the same task.
func (r *repository) MergePayload(ctx context.Context, targetRef string, items []string) (uuid.UUID, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var taskID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT task_id FROM queue.target_locks WHERE target_ref = $1 FOR UPDATE`, targetRef,
	).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: %s", models.ErrNoActiveTask, targetRef)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up target lock: %w", err)
	}

	appendQuery := `
        UPDATE queue.tasks
        SET payload = payload || $2::text[], updated_at = NOW()
        WHERE id = $1
    `
	if _, err = tx.Exec(ctx, appendQuery, taskID, items); err != nil {
		return uuid.Nil, fmt.Errorf("failed to merge payload: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return taskID, nil
}

// ActiveTaskID ...
func (r *repository) ActiveTaskID(ctx context.Context, targetRef string) (uuid.UUID, bool, error) {
	var taskID uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT task_id FROM queue.target_locks WHERE target_ref = $1`, targetRef,
	).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to query target lock: %w", err)
	}
	return taskID, true, nil
}

// scanTask ...
func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	var notBefore sql.NullTime

	err := row.Scan(
		&task.ID, &task.Name, &task.TargetRef, &task.Payload, &task.ChunkSize,
		&task.Status, &task.Attempts, &task.Shrinks, &task.Error,
		&notBefore, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if notBefore.Valid {
		task.NotBefore = &notBefore.Time
	}
	return &task, nil
}

// NewRepository creates a new instance of the task repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}
