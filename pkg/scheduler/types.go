package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task:
// pending -> executing -> completed, or back to pending on a retryable
// failure, or failed once attempts are exhausted. An executing task that is
// destroyed or replaced becomes canceled and ends without a successor.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusCanceled  TaskStatus = "canceled"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskResetTokens zeroes a user's token counter at the start of a billing cycle.
const TaskResetTokens = "reset-tokens"

// Task is a single deferred unit of work for one user.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Type        string     `json:"type"`
	ExecuteAt   time.Time  `json:"execute_at"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsExecuted reports whether the task has completed. It flips to true once.
func (t Task) IsExecuted() bool {
	return t.Status == TaskStatusCompleted
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Claimed   int
	Completed int
	Skipped   int
	Retried   int
	Failed    int
}
