package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/cache"
	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
)

// TaskScheduler is the part of the scheduler billing drives.
type TaskScheduler interface {
	ReplaceTask(ctx context.Context, userID uuid.UUID, taskType string, executeAt time.Time) (*scheduler.Task, error)
	DestroyTask(ctx context.Context, userID uuid.UUID, taskType string) (int, error)
}

// CacheInvalidator drops cached user snapshots.
type CacheInvalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

// Option configures a Gateway or WebhookProcessor.
type Option func(*deps)

type deps struct {
	tasks    TaskScheduler
	cache    CacheInvalidator
	now      func() time.Time
	logger   *slog.Logger
	cfg      Config
	observer WebhookObserver
}

func WithTaskScheduler(s TaskScheduler) Option {
	return func(d *deps) { d.tasks = s }
}

func WithCache(c CacheInvalidator) Option {
	return func(d *deps) { d.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithConfig replaces the billing config. A zero EventClaimTTL keeps the default.
func WithConfig(cfg Config) Option {
	return func(d *deps) {
		if cfg.EventClaimTTL <= 0 {
			cfg.EventClaimTTL = d.cfg.EventClaimTTL
		}
		d.cfg = cfg
	}
}

// WithObserver receives webhook outcomes. Only used by WebhookProcessor.
func WithObserver(o WebhookObserver) Option {
	return func(d *deps) {
		if o != nil {
			d.observer = o
		}
	}
}

func newDeps(component string, opts []Option) deps {
	d := deps{
		now:      time.Now,
		logger:   slog.Default(),
		cfg:      Config{EventClaimTTL: 2 * time.Minute},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	d.logger = d.logger.With(logger.Component(component))
	return d
}

// invalidateUser drops the user's cached snapshot. Failures only affect read
// freshness and are logged.
func (d deps) invalidateUser(ctx context.Context, userID uuid.UUID) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, cache.CurrentUserKey(userID)); err != nil {
		d.logger.WarnContext(ctx, "failed to invalidate user cache", logger.UserID(userID), logger.Error(err))
	}
}

func (d deps) destroyResetTasks(ctx context.Context, userID uuid.UUID) {
	if d.tasks == nil {
		return
	}
	if _, err := d.tasks.DestroyTask(ctx, userID, scheduler.TaskResetTokens); err != nil {
		d.logger.ErrorContext(ctx, "failed to destroy reset tasks", logger.UserID(userID), logger.Error(err))
	}
}
