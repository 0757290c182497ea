// Package account serves the current-user snapshot and deletes accounts.
//
// The snapshot is read through the cache under cache.CurrentUserKey, so
// every component that mutates user or subscription state invalidates the
// same key.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/cache"
	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
)

// Store is the user side of the ledger.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*billing.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
}

// Billing is the gateway surface the account service depends on.
type Billing interface {
	GetUserSubscriptionData(ctx context.Context, userID uuid.UUID) (*billing.SubscriptionData, error)
	CancelSubscription(ctx context.Context, userID uuid.UUID) (*billing.CancellationResult, error)
}

// TaskDestroyer removes pending scheduler tasks.
type TaskDestroyer interface {
	DestroyTask(ctx context.Context, userID uuid.UUID, taskType string) (int, error)
}

// Snapshot is the cached view of the current user.
type Snapshot struct {
	User         billing.User             `json:"user"`
	Subscription billing.SubscriptionData `json:"subscription"`
}

type Service struct {
	store   Store
	billing Billing
	cache   cache.Cache
	tasks   TaskDestroyer
	ttl     time.Duration
	logger  *slog.Logger
}

type Option func(*Service)

// WithTTL sets how long snapshots stay cached.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithTasks(t TaskDestroyer) Option {
	return func(s *Service) { s.tasks = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService panics when store, billing or cache is nil.
func NewService(store Store, b Billing, c cache.Cache, opts ...Option) *Service {
	if store == nil {
		panic("account: Store is required")
	}
	if b == nil {
		panic("account: Billing is required")
	}
	if c == nil {
		panic("account: Cache is required")
	}
	s := &Service{
		store:   store,
		billing: b,
		cache:   c,
		ttl:     5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("account"))
	return s
}

// Current returns the user's snapshot, from cache when possible. Cache
// failures degrade to a direct load.
func (s *Service) Current(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	key := cache.CurrentUserKey(userID)

	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var snap Snapshot
		uerr := json.Unmarshal(raw, &snap)
		if uerr == nil {
			return &snap, nil
		}
		s.logger.WarnContext(ctx, "discarding corrupt user snapshot", logger.UserID(userID), logger.Error(uerr))
	case !errors.Is(err, cache.ErrMiss):
		s.logger.WarnContext(ctx, "user cache read failed", logger.UserID(userID), logger.Error(err))
	}

	snap, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(snap); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.WarnContext(ctx, "user cache write failed", logger.UserID(userID), logger.Error(err))
		}
	}
	return snap, nil
}

func (s *Service) load(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.billing.GetUserSubscriptionData(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return &Snapshot{User: *user, Subscription: *sub}, nil
}

// Delete cancels the user's subscription, removes pending tasks and deletes
// the user. A missing or already canceled subscription does not block
// deletion; any other cancellation failure does.
func (s *Service) Delete(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return err
	}

	_, err := s.billing.CancelSubscription(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, billing.ErrSubscriptionNotActive):
		s.logger.InfoContext(ctx, "no subscription to cancel", logger.UserID(userID), logger.Error(err))
	default:
		return fmt.Errorf("cancel subscription: %w", err)
	}

	if s.tasks != nil {
		if _, err := s.tasks.DestroyTask(ctx, userID, scheduler.TaskResetTokens); err != nil {
			return fmt.Errorf("destroy tasks: %w", err)
		}
	}

	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if err := s.cache.Delete(ctx, cache.CurrentUserKey(userID)); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate user cache", logger.UserID(userID), logger.Error(err))
	}

	s.logger.InfoContext(ctx, "account deleted", logger.UserID(userID))
	return nil
}
