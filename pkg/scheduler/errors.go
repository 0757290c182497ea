package scheduler

import "errors"

var (
	ErrStorageNil       = errors.New("scheduler: storage cannot be nil")
	ErrInvalidTask      = errors.New("scheduler: task needs a user id and a type")
	ErrTaskNotFound     = errors.New("scheduler: task not found")
	ErrTaskNotExecuting = errors.New("scheduler: task is not executing")
	ErrUnknownTaskType  = errors.New("scheduler: no handler registered for task type")
	ErrSweepInProgress  = errors.New("scheduler: sweep already in progress")

	// ErrTaskCanceled is returned by Storage.Complete and Storage.Fail when
	// the task was destroyed or replaced while it ran. The transition is
	// still recorded; no successor or retry is scheduled.
	ErrTaskCanceled = errors.New("scheduler: task canceled while executing")

	// ErrSkipTask is returned by a handler when the task no longer applies,
	// for example because its user was deleted. The task is completed
	// without running again and without a successor.
	ErrSkipTask = errors.New("scheduler: skip task")
)
