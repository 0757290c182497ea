package scheduler

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/meterkit/pkg/retry"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfig applies every non-zero field of cfg.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		if cfg.SweepSpec != "" {
			s.spec = cfg.SweepSpec
		}
		if cfg.LockTimeout > 0 {
			s.lockTimeout = cfg.LockTimeout
		}
		if cfg.MaxAttempts > 0 {
			s.maxAttempts = cfg.MaxAttempts
		}
		if cfg.RetryDelay > 0 {
			s.backoff = retry.Exponential{InitialInterval: cfg.RetryDelay, MaxInterval: time.Hour, Multiplier: 2}
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver receives task outcomes and sweep durations.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// RegisterOption configures a task type registration.
type RegisterOption func(*registration)

// Every makes a task type recurring: on completion a successor is inserted
// at the completed task's ExecuteAt plus d.
func Every(d time.Duration) RegisterOption {
	return func(r *registration) {
		if d > 0 {
			r.every = d
		}
	}
}
