package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage persists tasks. Implementations must make ClaimDue atomic across
// processes, so two sweeps never receive the same task.
type Storage interface {
	CreateTask(ctx context.Context, task *Task) error

	// ReplacePending deletes pending tasks of task.UserID and task.Type,
	// cancels executing ones and inserts task, in one transaction. It returns
	// how many were deleted or canceled.
	ReplacePending(ctx context.Context, task *Task) (int, error)

	// DeletePending deletes pending tasks for the user and type and cancels
	// executing ones, so their completion schedules nothing.
	DeletePending(ctx context.Context, userID uuid.UUID, taskType string) (int, error)

	// ClaimDue moves pending tasks with ExecuteAt <= now, and executing tasks
	// whose lock expired, to executing with a lock until now+lockFor.
	// It returns the claimed snapshot ordered by ExecuteAt.
	ClaimDue(ctx context.Context, now time.Time, lockFor time.Duration) ([]Task, error)

	// Complete marks an executing task completed and inserts successor, if
	// any, in the same transaction. A canceled task is completed without its
	// successor and ErrTaskCanceled is returned.
	Complete(ctx context.Context, taskID uuid.UUID, executedAt time.Time, successor *Task) error

	// Fail records reason and increments attempts. A nil retryAt marks the
	// task failed for good; otherwise it returns to pending at retryAt.
	// A canceled task always fails for good and ErrTaskCanceled is returned.
	Fail(ctx context.Context, taskID uuid.UUID, reason string, retryAt *time.Time) error

	// ListByUser returns every task of the user regardless of status.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Task, error)
}
