package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/pg"
)

const subscriptionSelect = `SELECT s.user_id, s.plan_id, s.external_id, s.status,
	s.current_period_end, s.last_event_at, s.created_at, s.updated_at,
	p.id, p.name, p.billing_interval, p.token_allowance, p.price_id
	FROM subscriptions s JOIN plans p ON p.id = s.plan_id`

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		sub       billing.Subscription
		plan      billing.Plan
		periodEnd sql.NullTime
	)
	err := row.Scan(&sub.UserID, &sub.PlanID, &sub.ExternalID, &sub.Status,
		&periodEnd, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
		&plan.ID, &plan.Name, &plan.Interval, &plan.TokenAllowance, &plan.PriceID)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = periodEnd.Time
	}
	sub.Plan = &plan
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, subscriptionSelect+` WHERE s.user_id = $1`, userID))
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	if externalID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return scanSubscription(s.db.QueryRowContext(ctx, subscriptionSelect+` WHERE s.external_id = $1`, externalID))
}

// UpsertSubscription writes the user's row unless the stored row was set by
// a newer event. It reports whether the write was applied.
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, plan_id, external_id, status, current_period_end,
		                            last_event_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		     plan_id = EXCLUDED.plan_id,
		     external_id = EXCLUDED.external_id,
		     status = EXCLUDED.status,
		     current_period_end = EXCLUDED.current_period_end,
		     last_event_at = EXCLUDED.last_event_at,
		     updated_at = EXCLUDED.updated_at
		 WHERE subscriptions.last_event_at <= EXCLUDED.last_event_at`,
		sub.UserID, sub.PlanID, sub.ExternalID, string(sub.Status),
		nullTime(sub.CurrentPeriodEnd), sub.LastEventAt, s.now())
	switch {
	case pg.IsForeignKeyViolationError(err):
		return false, fmt.Errorf("%w: %w", billing.ErrNotFound, err)
	case pg.IsDuplicateKeyError(err):
		return false, fmt.Errorf("%w: subscription %s belongs to another user", billing.ErrConflict, sub.ExternalID)
	case err != nil:
		return false, fmt.Errorf("upsert subscription: %w", err)
	}
	n, err := affected(res)
	return n > 0, err
}

// UpdateSubscriptionStatus applies an event-driven status change unless the
// row already reflects a newer event. A nil periodEnd keeps the stored one.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, externalID string, status billing.Status, periodEnd *time.Time, eventAt time.Time) (bool, error) {
	var end any
	if periodEnd != nil {
		end = *periodEnd
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = $2, current_period_end = COALESCE($3::timestamptz, current_period_end),
		     last_event_at = $4, updated_at = $5
		 WHERE external_id = $1 AND last_event_at <= $4`,
		externalID, string(status), end, eventAt, s.now())
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	return s.appliedOrMissing(ctx, res, externalID)
}

// SetSubscriptionStatus records a locally initiated change. last_event_at is
// left alone so the provider's confirming event still applies.
func (s *Store) SetSubscriptionStatus(ctx context.Context, userID uuid.UUID, status billing.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = $2, updated_at = $3 WHERE user_id = $1`,
		userID, string(status), s.now())
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return requireRow(res, billing.ErrSubscriptionNotFound)
}

func (s *Store) SetSubscriptionPlan(ctx context.Context, userID uuid.UUID, planID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET plan_id = $2, updated_at = $3 WHERE user_id = $1`,
		userID, planID, s.now())
	if pg.IsForeignKeyViolationError(err) {
		return billing.ErrPlanNotFound
	}
	if err != nil {
		return fmt.Errorf("set subscription plan: %w", err)
	}
	return requireRow(res, billing.ErrSubscriptionNotFound)
}

func (s *Store) DeleteSubscriptionByExternalID(ctx context.Context, externalID string, eventAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE external_id = $1 AND last_event_at <= $2`,
		externalID, eventAt)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return s.appliedOrMissing(ctx, res, externalID)
}

// appliedOrMissing tells a stale event (row exists, nothing written) from a
// missing row.
func (s *Store) appliedOrMissing(ctx context.Context, res sql.Result, externalID string) (bool, error) {
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE external_id = $1)`, externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	if !exists {
		return false, billing.ErrSubscriptionNotFound
	}
	return false, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
