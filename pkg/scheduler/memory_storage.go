package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage keeps tasks in process memory. Used in tests and single-node
// development runs.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tasks: make(map[uuid.UUID]*Task)}
}

func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return ErrInvalidTask
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.insert(task)
}

func (ms *MemoryStorage) ReplacePending(_ context.Context, task *Task) (int, error) {
	if task == nil {
		return 0, ErrInvalidTask
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := ms.deletePending(task.UserID, task.Type)
	if err := ms.insert(task); err != nil {
		return 0, err
	}
	return removed, nil
}

func (ms *MemoryStorage) DeletePending(_ context.Context, userID uuid.UUID, taskType string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.deletePending(userID, taskType), nil
}

func (ms *MemoryStorage) ClaimDue(_ context.Context, now time.Time, lockFor time.Duration) ([]Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	lockedUntil := now.Add(lockFor)
	var claimed []Task
	for _, t := range ms.tasks {
		due := t.Status == TaskStatusPending && !t.ExecuteAt.After(now)
		stale := t.Status == TaskStatusExecuting && t.LockedUntil != nil && !t.LockedUntil.After(now)
		if !due && !stale {
			continue
		}
		t.Status = TaskStatusExecuting
		lu := lockedUntil
		t.LockedUntil = &lu
		claimed = append(claimed, *t)
	}

	slices.SortFunc(claimed, func(a, b Task) int { return a.ExecuteAt.Compare(b.ExecuteAt) })
	return claimed, nil
}

func (ms *MemoryStorage) Complete(_ context.Context, taskID uuid.UUID, executedAt time.Time, successor *Task) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, err := ms.running(taskID)
	if err != nil {
		return err
	}
	canceled := t.Status == TaskStatusCanceled
	if successor != nil && !canceled {
		if err := ms.insert(successor); err != nil {
			return err
		}
	}

	t.Status = TaskStatusCompleted
	t.ExecutedAt = &executedAt
	t.LockedUntil = nil
	if canceled {
		return fmt.Errorf("%w: %s", ErrTaskCanceled, taskID)
	}
	return nil
}

func (ms *MemoryStorage) Fail(_ context.Context, taskID uuid.UUID, reason string, retryAt *time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	t, err := ms.running(taskID)
	if err != nil {
		return err
	}

	t.Attempts++
	t.Error = &reason
	t.LockedUntil = nil
	if t.Status == TaskStatusCanceled {
		t.Status = TaskStatusFailed
		return fmt.Errorf("%w: %s", ErrTaskCanceled, taskID)
	}
	if retryAt == nil {
		t.Status = TaskStatusFailed
		return nil
	}
	t.Status = TaskStatusPending
	t.ExecuteAt = *retryAt
	return nil
}

func (ms *MemoryStorage) ListByUser(_ context.Context, userID uuid.UUID) ([]Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Task
	for _, t := range ms.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return a.ExecuteAt.Compare(b.ExecuteAt) })
	return out, nil
}

// Must be called with lock held.
func (ms *MemoryStorage) insert(task *Task) error {
	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("scheduler: task %s already exists", task.ID)
	}
	cp := *task
	ms.tasks[task.ID] = &cp
	return nil
}

// Must be called with lock held.
func (ms *MemoryStorage) running(taskID uuid.UUID) (*Task, error) {
	t, ok := ms.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != TaskStatusExecuting && t.Status != TaskStatusCanceled {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotExecuting, taskID, t.Status)
	}
	return t, nil
}

// Must be called with lock held.
func (ms *MemoryStorage) deletePending(userID uuid.UUID, taskType string) int {
	n := 0
	for id, t := range ms.tasks {
		if t.UserID != userID || t.Type != taskType {
			continue
		}
		switch t.Status {
		case TaskStatusPending:
			delete(ms.tasks, id)
			n++
		case TaskStatusExecuting:
			t.Status = TaskStatusCanceled
			n++
		}
	}
	return n
}
