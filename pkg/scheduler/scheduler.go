package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/retry"
)

// HandlerFunc executes one task. Returning ErrSkipTask completes it without
// a successor; any other error is retried up to the attempt limit.
type HandlerFunc func(ctx context.Context, task Task) error

// Observer receives sweep telemetry.
type Observer interface {
	TaskFinished(taskType, outcome string)
	SweepFinished(d time.Duration, res SweepResult)
}

const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

type registration struct {
	handler HandlerFunc
	every   time.Duration
}

type Scheduler struct {
	store    Storage
	handlers map[string]registration
	mu       sync.RWMutex
	sweepMu  sync.Mutex

	spec        string
	lockTimeout time.Duration
	maxAttempts int
	backoff     retry.Backoff
	now         func() time.Time
	logger      *slog.Logger
	observer    Observer
}

func New(store Storage, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, ErrStorageNil
	}
	s := &Scheduler{
		store:       store,
		handlers:    make(map[string]registration),
		spec:        "@every 1m",
		lockTimeout: 5 * time.Minute,
		maxAttempts: 5,
		backoff:     retry.Exponential{InitialInterval: time.Minute, MaxInterval: time.Hour, Multiplier: 2},
		now:         time.Now,
		logger:      slog.Default(),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("scheduler"))
	return s, nil
}

// Register binds a handler to a task type, replacing any earlier one.
func (s *Scheduler) Register(taskType string, h HandlerFunc, opts ...RegisterOption) {
	if taskType == "" || h == nil {
		return
	}
	r := registration{handler: h}
	for _, opt := range opts {
		opt(&r)
	}
	s.mu.Lock()
	s.handlers[taskType] = r
	s.mu.Unlock()
}

// ScheduleTask inserts a pending task.
func (s *Scheduler) ScheduleTask(ctx context.Context, userID uuid.UUID, taskType string, executeAt time.Time) (*Task, error) {
	task, err := s.newTask(userID, taskType, executeAt)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("schedule %s task: %w", taskType, err)
	}
	s.logger.DebugContext(ctx, "task scheduled",
		logger.TaskID(task.ID), logger.TaskType(taskType), logger.UserID(userID),
		slog.Time("execute_at", executeAt))
	return task, nil
}

// ReplaceTask atomically swaps every pending task of the user and type for a
// new one at executeAt. A task of that type already executing is canceled,
// so the new task is the only one left in the chain.
func (s *Scheduler) ReplaceTask(ctx context.Context, userID uuid.UUID, taskType string, executeAt time.Time) (*Task, error) {
	task, err := s.newTask(userID, taskType, executeAt)
	if err != nil {
		return nil, err
	}
	removed, err := s.store.ReplacePending(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("replace %s task: %w", taskType, err)
	}
	s.logger.InfoContext(ctx, "task rescheduled",
		logger.TaskID(task.ID), logger.TaskType(taskType), logger.UserID(userID),
		slog.Time("execute_at", executeAt), slog.Int("replaced", removed))
	return task, nil
}

// DestroyTask deletes the user's pending tasks of the given type and cancels
// any that are executing right now, so they finish without a successor.
// Finding none is not an error.
func (s *Scheduler) DestroyTask(ctx context.Context, userID uuid.UUID, taskType string) (int, error) {
	n, err := s.store.DeletePending(ctx, userID, taskType)
	if err != nil {
		return 0, fmt.Errorf("destroy %s tasks: %w", taskType, err)
	}
	if n == 0 {
		s.logger.InfoContext(ctx, "no pending tasks to destroy",
			logger.TaskType(taskType), logger.UserID(userID))
		return 0, nil
	}
	s.logger.InfoContext(ctx, "pending tasks destroyed",
		logger.TaskType(taskType), logger.UserID(userID), slog.Int("count", n))
	return n, nil
}

// Tasks lists the user's tasks.
func (s *Scheduler) Tasks(ctx context.Context, userID uuid.UUID) ([]Task, error) {
	return s.store.ListByUser(ctx, userID)
}

// Sweep claims every due task and runs it. A failure in one task never stops
// the rest; the returned error only reports a failed claim.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.sweepMu.TryLock() {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.sweepMu.Unlock()

	start := s.now()
	var res SweepResult

	tasks, err := s.store.ClaimDue(ctx, start, s.lockTimeout)
	if err != nil {
		return res, fmt.Errorf("claim due tasks: %w", err)
	}
	res.Claimed = len(tasks)

	for _, task := range tasks {
		outcome := s.execute(ctx, task)
		switch outcome {
		case OutcomeCompleted:
			res.Completed++
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeRetried:
			res.Retried++
		default:
			res.Failed++
		}
		s.observer.TaskFinished(task.Type, outcome)
	}

	elapsed := s.now().Sub(start)
	s.observer.SweepFinished(elapsed, res)
	if res.Claimed > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			slog.Int("claimed", res.Claimed),
			slog.Int("completed", res.Completed),
			slog.Int("skipped", res.Skipped),
			slog.Int("retried", res.Retried),
			slog.Int("failed", res.Failed),
			logger.Duration(elapsed))
	}
	return res, nil
}

func (s *Scheduler) execute(ctx context.Context, task Task) (outcome string) {
	log := s.logger.With(logger.TaskID(task.ID), logger.TaskType(task.Type), logger.UserID(task.UserID))

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "task handler panicked", slog.Any("panic", r))
			outcome = s.fail(ctx, log, task, fmt.Errorf("panic in handler: %v", r), false)
		}
	}()

	s.mu.RLock()
	reg, ok := s.handlers[task.Type]
	s.mu.RUnlock()
	if !ok {
		return s.fail(ctx, log, task, fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type), true)
	}

	// Handlers finish even if the sweep's context is cancelled mid-run, but
	// never outlive their lock.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lockTimeout)
	err := reg.handler(hctx, task)
	cancel()

	executedAt := s.now()
	switch {
	case errors.Is(err, ErrSkipTask):
		if cerr := s.store.Complete(ctx, task.ID, executedAt, nil); cerr != nil && !errors.Is(cerr, ErrTaskCanceled) {
			log.ErrorContext(ctx, "failed to complete skipped task", logger.Error(cerr))
			return OutcomeFailed
		}
		log.WarnContext(ctx, "task skipped", logger.Error(err))
		return OutcomeSkipped

	case err != nil:
		return s.fail(ctx, log, task, err, false)
	}

	var successor *Task
	if reg.every > 0 {
		successor = &Task{
			ID:        uuid.New(),
			UserID:    task.UserID,
			Type:      task.Type,
			ExecuteAt: task.ExecuteAt.Add(reg.every),
			Status:    TaskStatusPending,
			CreatedAt: executedAt,
		}
	}
	cerr := s.store.Complete(ctx, task.ID, executedAt, successor)
	switch {
	case errors.Is(cerr, ErrTaskCanceled):
		log.InfoContext(ctx, "task canceled while executing, no successor scheduled")
		return OutcomeCompleted
	case cerr != nil:
		// The lock expires and the task is claimed again by a later sweep.
		log.ErrorContext(ctx, "failed to complete task", logger.Error(cerr))
		return OutcomeFailed
	}

	attrs := []any{}
	if successor != nil {
		attrs = append(attrs, slog.Time("next_run", successor.ExecuteAt))
	}
	log.InfoContext(ctx, "task completed", attrs...)
	return OutcomeCompleted
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, task Task, cause error, terminal bool) string {
	attempt := task.Attempts + 1
	var retryAt *time.Time
	if !terminal && attempt < s.maxAttempts {
		at := s.now().Add(s.backoff.NextInterval(attempt))
		retryAt = &at
	}

	err := s.store.Fail(ctx, task.ID, cause.Error(), retryAt)
	switch {
	case errors.Is(err, ErrTaskCanceled):
		log.WarnContext(ctx, "canceled task failed, not retrying", logger.Error(cause), slog.Int("attempt", attempt))
		return OutcomeFailed
	case err != nil:
		log.ErrorContext(ctx, "failed to record task failure", logger.Error(err), slog.String("cause", cause.Error()))
		return OutcomeFailed
	}

	if retryAt != nil {
		log.WarnContext(ctx, "task failed, will retry",
			logger.Error(cause), slog.Int("attempt", attempt), slog.Time("retry_at", *retryAt))
		return OutcomeRetried
	}
	log.ErrorContext(ctx, "task failed permanently", logger.Error(cause), slog.Int("attempt", attempt))
	return OutcomeFailed
}

func (s *Scheduler) newTask(userID uuid.UUID, taskType string, executeAt time.Time) (*Task, error) {
	if userID == uuid.Nil || taskType == "" {
		return nil, ErrInvalidTask
	}
	return &Task{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      taskType,
		ExecuteAt: executeAt,
		Status:    TaskStatusPending,
		CreatedAt: s.now(),
	}, nil
}

type nopObserver struct{}

func (nopObserver) TaskFinished(string, string)              {}
func (nopObserver) SweepFinished(time.Duration, SweepResult) {}
