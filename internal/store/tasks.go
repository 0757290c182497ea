package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/pg"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
)

const taskColumns = `id, user_id, task_type, execute_at, status, attempts,
	locked_until, executed_at, last_error, created_at`

// TaskStore implements scheduler.Storage. ClaimDue locks rows with
// FOR UPDATE SKIP LOCKED, so several processes can sweep the same table.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanTask(row rowScanner) (scheduler.Task, error) {
	var (
		t                       scheduler.Task
		lockedUntil, executedAt sql.NullTime
		lastError               sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.ExecuteAt, &t.Status, &t.Attempts,
		&lockedUntil, &executedAt, &lastError, &t.CreatedAt)
	if err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.LockedUntil = timePtr(lockedUntil)
	t.ExecutedAt = timePtr(executedAt)
	if lastError.Valid {
		t.Error = &lastError.String
	}
	return t, nil
}

func insertTask(ctx context.Context, db execer, t *scheduler.Task) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, user_id, task_type, execute_at, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.Type, t.ExecuteAt, string(t.Status), t.Attempts, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// deletePending removes pending tasks and cancels executing ones of the user
// and type.
func deletePending(ctx context.Context, tx *sql.Tx, userID uuid.UUID, taskType string) (int, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE user_id = $1 AND task_type = $2 AND status = 'pending'`,
		userID, taskType)
	if err != nil {
		return 0, fmt.Errorf("delete pending tasks: %w", err)
	}
	deleted, err := affected(res)
	if err != nil {
		return 0, err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = 'canceled'
		 WHERE user_id = $1 AND task_type = $2 AND status = 'executing'`,
		userID, taskType)
	if err != nil {
		return 0, fmt.Errorf("cancel executing tasks: %w", err)
	}
	canceled, err := affected(res)
	if err != nil {
		return 0, err
	}
	return int(deleted + canceled), nil
}

func (s *TaskStore) CreateTask(ctx context.Context, task *scheduler.Task) error {
	if task == nil {
		return scheduler.ErrInvalidTask
	}
	return insertTask(ctx, s.db, task)
}

func (s *TaskStore) ReplacePending(ctx context.Context, task *scheduler.Task) (int, error) {
	if task == nil {
		return 0, scheduler.ErrInvalidTask
	}
	var removed int
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := deletePending(ctx, tx, task.UserID, task.Type)
		if err != nil {
			return err
		}
		removed = n
		return insertTask(ctx, tx, task)
	})
	return removed, err
}

func (s *TaskStore) DeletePending(ctx context.Context, userID uuid.UUID, taskType string) (int, error) {
	var n int
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		n, err = deletePending(ctx, tx, userID, taskType)
		return err
	})
	return n, err
}

func (s *TaskStore) ClaimDue(ctx context.Context, now time.Time, lockFor time.Duration) ([]scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE scheduled_tasks SET status = 'executing', locked_until = $2
		 WHERE id IN (
		     SELECT id FROM scheduled_tasks
		     WHERE (status = 'pending' AND execute_at <= $1)
		        OR (status = 'executing' AND locked_until <= $1)
		     ORDER BY execute_at
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		now, now.Add(lockFor))
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scheduler.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	slices.SortFunc(tasks, func(a, b scheduler.Task) int { return a.ExecuteAt.Compare(b.ExecuteAt) })
	return tasks, nil
}

func (s *TaskStore) Complete(ctx context.Context, taskID uuid.UUID, executedAt time.Time, successor *scheduler.Task) error {
	var canceled bool
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		status, err := lockRunning(ctx, tx, taskID)
		if err != nil {
			return err
		}
		canceled = status == scheduler.TaskStatusCanceled

		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = 'completed', executed_at = $2, locked_until = NULL
			 WHERE id = $1`,
			taskID, executedAt); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if successor == nil || canceled {
			return nil
		}
		return insertTask(ctx, tx, successor)
	})
	if err == nil && canceled {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskCanceled, taskID)
	}
	return err
}

func (s *TaskStore) Fail(ctx context.Context, taskID uuid.UUID, reason string, retryAt *time.Time) error {
	var canceled bool
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		status, err := lockRunning(ctx, tx, taskID)
		if err != nil {
			return err
		}
		canceled = status == scheduler.TaskStatusCanceled

		var next any
		if retryAt != nil && !canceled {
			next = *retryAt
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_tasks
			 SET attempts = attempts + 1, last_error = $2, locked_until = NULL,
			     status = CASE WHEN $3::timestamptz IS NULL THEN 'failed' ELSE 'pending' END,
			     execute_at = COALESCE($3::timestamptz, execute_at)
			 WHERE id = $1`,
			taskID, reason, next); err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		return nil
	})
	if err == nil && canceled {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskCanceled, taskID)
	}
	return err
}

func (s *TaskStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE user_id = $1 ORDER BY execute_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scheduler.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// lockRunning locks the task row and returns its status, which is either
// executing or canceled. Anything else is ErrTaskNotFound or
// ErrTaskNotExecuting.
func lockRunning(ctx context.Context, tx *sql.Tx, taskID uuid.UUID) (scheduler.TaskStatus, error) {
	var status scheduler.TaskStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM scheduled_tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status)
	switch {
	case pg.IsNotFoundError(err):
		return "", fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	case err != nil:
		return "", fmt.Errorf("read task: %w", err)
	}
	if status != scheduler.TaskStatusExecuting && status != scheduler.TaskStatusCanceled {
		return "", fmt.Errorf("%w: %s is %s", scheduler.ErrTaskNotExecuting, taskID, status)
	}
	return status, nil
}
