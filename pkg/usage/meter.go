package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/cache"
	"github.com/dmitrymomot/meterkit/pkg/logger"
)

// Store is the part of the ledger the meter reads and writes.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*billing.User, error)
	GetSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error)
	// AddTokens increments the counter only if the result stays within limit,
	// and returns billing.ErrQuotaExceeded otherwise.
	AddTokens(ctx context.Context, id uuid.UUID, amount, limit int64) (int64, error)
	ResetTokens(ctx context.Context, id uuid.UUID) error
}

// Observer receives one decision per UseTokens call that reached the quota check.
type Observer interface {
	QuotaChecked(plan string, allowed bool)
}

// Usage is the per-user quota projection.
type Usage struct {
	PlanName  string `json:"plan_name"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

type Meter struct {
	store    Store
	cfg      Config
	cache    billing.CacheInvalidator
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

type Option func(*Meter)

func WithConfig(cfg Config) Option {
	return func(m *Meter) { m.cfg = cfg }
}

func WithCache(c billing.CacheInvalidator) Option {
	return func(m *Meter) { m.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Meter) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewMeter panics when store is nil.
func NewMeter(store Store, opts ...Option) *Meter {
	if store == nil {
		panic("usage: Store is required")
	}
	m := &Meter{
		store:    store,
		cfg:      DefaultConfig(),
		now:      time.Now,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(logger.Component("usage"))
	return m
}

// UseTokens consumes amount tokens from the user's quota. It returns true on
// success; a request that would exceed the limit returns false with
// billing.ErrQuotaExceeded and leaves the counter untouched.
func (m *Meter) UseTokens(ctx context.Context, userID uuid.UUID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return false, err
	}

	limit, plan, err := m.limit(ctx, userID)
	if err != nil {
		return false, err
	}

	var used int64
	if amount > limit {
		err = fmt.Errorf("%w: %d requested, limit %d", billing.ErrQuotaExceeded, amount, limit)
	} else {
		used, err = m.store.AddTokens(ctx, userID, amount, limit)
	}
	if errors.Is(err, billing.ErrQuotaExceeded) {
		m.observer.QuotaChecked(plan, false)
		m.logger.InfoContext(ctx, "token quota exceeded",
			logger.UserID(userID), slog.Int64("requested", amount), slog.Int64("limit", limit))
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("consume tokens: %w", err)
	}
	m.observer.QuotaChecked(plan, true)

	m.invalidate(ctx, userID)
	m.logger.DebugContext(ctx, "tokens consumed",
		logger.UserID(userID), slog.Int64("amount", amount), slog.Int64("used", used), slog.Int64("limit", limit))
	return true, nil
}

// ResetTokens sets the user's counter back to zero.
func (m *Meter) ResetTokens(ctx context.Context, userID uuid.UUID) error {
	if err := m.store.ResetTokens(ctx, userID); err != nil {
		return err
	}
	m.invalidate(ctx, userID)
	m.logger.InfoContext(ctx, "tokens reset", logger.UserID(userID))
	return nil
}

// Usage reports the user's consumption against the current limit.
func (m *Meter) Usage(ctx context.Context, userID uuid.UUID) (*Usage, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	limit, plan, err := m.limit(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Usage{
		PlanName:  plan,
		Used:      user.TokensUsed,
		Limit:     limit,
		Remaining: max(limit-user.TokensUsed, 0),
	}, nil
}

// limit resolves the quota that applies to the user right now.
func (m *Meter) limit(ctx context.Context, userID uuid.UUID) (int64, string, error) {
	sub, err := m.store.GetSubscription(ctx, userID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return m.cfg.FreeTierTokens, billing.FreePlanName, nil
	case err != nil:
		return 0, "", fmt.Errorf("load subscription: %w", err)
	}
	if sub.Plan == nil || !sub.EntitledAt(m.now(), m.cfg.PastDueKeepsPlan) {
		return m.cfg.FreeTierTokens, billing.FreePlanName, nil
	}
	return sub.Plan.TokenAllowance, sub.Plan.Name, nil
}

func (m *Meter) invalidate(ctx context.Context, userID uuid.UUID) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, cache.CurrentUserKey(userID)); err != nil {
		m.logger.WarnContext(ctx, "failed to invalidate user cache", logger.UserID(userID), logger.Error(err))
	}
}

type nopObserver struct{}

func (nopObserver) QuotaChecked(string, bool) {}
