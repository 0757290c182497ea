package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/meterkit/pkg/logger"
)

// Start runs Sweep on the configured cron spec until ctx is cancelled, then
// waits for a running sweep to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{log: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(s.spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			if errors.Is(err, ErrSweepInProgress) {
				s.logger.DebugContext(ctx, "sweep skipped, previous still running")
				return
			}
			s.logger.ErrorContext(ctx, "sweep failed", logger.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.spec, err)
	}

	c.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.String("spec", s.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Run returns a function suitable for errgroup.Group.Go.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		return s.Start(ctx)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{logger.Error(err)}, keysAndValues...)...)
}
