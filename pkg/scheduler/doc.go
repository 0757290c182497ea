// Package scheduler stores per-user deferred tasks and executes them from a
// periodic sweep.
//
// A sweep claims every due task in one storage call, then runs the handler
// registered for each task type in isolation. Recurring types insert their
// successor in the same transaction that completes the task, so the chain is
// never broken or duplicated by a crash between the two writes. Only one
// sweep runs at a time per process; storage claims keep concurrent processes
// apart.
//
// # Lifecycle
//
// A task moves pending -> executing -> completed. A failing handler returns
// the task to pending with backoff until the attempt limit, after which it is
// failed. A handler that returns ErrSkipTask completes the task without a
// successor. A task whose lock expires while executing is claimed again by a
// later sweep.
//
// DestroyTask and ReplaceTask delete pending tasks and cancel executing ones.
// A canceled task still finishes its current run, but its completion inserts
// no successor and its failure schedules no retry.
//
// # Usage
//
//	sched, err := scheduler.New(store.NewTaskStore(db),
//		scheduler.WithConfig(cfg),
//		scheduler.WithLogger(log),
//	)
//	if err != nil {
//		return err
//	}
//	sched.Register(scheduler.TaskResetTokens, resetTokens, scheduler.Every(30*24*time.Hour))
//
//	_, err = sched.ScheduleTask(ctx, userID, scheduler.TaskResetTokens, periodEnd)
//
//	g.Go(sched.Run(ctx))
//
// MemoryStorage serves tests and single-node development; the Postgres
// storage claims with FOR UPDATE SKIP LOCKED so several processes can sweep
// the same table.
package scheduler
