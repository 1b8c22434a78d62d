package models

import "errors"

// Sentinel errors shared between the queue engine and its repositories.
var (
	// ErrDuplicateTarget is returned by a submission against a target that is
	// already locked by an active task, when the duplicate policy is reject.
	ErrDuplicateTarget = errors.New("target is locked by an active task")

	// ErrUnknownTaskType is returned by a submission whose task name has no
	// registered handler.
	ErrUnknownTaskType = errors.New("no handler registered for task type")

	// ErrNoTasks signals an empty claim: no queued or due task is runnable.
	ErrNoTasks = errors.New("no tasks available")

	// ErrNoActiveTask signals a merge attempt against a target that holds no
	// active lock.
	ErrNoActiveTask = errors.New("no active task for target")

	// ErrTaskExhausted marks a task that spent its attempt and shrink budget.
	ErrTaskExhausted = errors.New("task exhausted attempts and shrink budget")

	// ErrCannotShrink is returned when a single-item chunk is asked to shrink.
	ErrCannotShrink = errors.New("chunk of one item cannot shrink")

	// ErrTaskNotFound is returned by the audit surface for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)
