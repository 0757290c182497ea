package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore persists users and their token counters.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error

	// AddTokens adds amount to the user's counter only if the result stays
	// within limit, as a single conditional write. It returns the new counter,
	// ErrUserNotFound, or an error matching ErrConflict when the quota would
	// be exceeded.
	AddTokens(ctx context.Context, id uuid.UUID, amount, limit int64) (int64, error)
	ResetTokens(ctx context.Context, id uuid.UUID) error
}

// PlanStore is the plan catalog.
type PlanStore interface {
	GetPlan(ctx context.Context, name string, interval Interval) (*Plan, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	// SyncPlans upserts the catalog by (name, interval).
	SyncPlans(ctx context.Context, plans []Plan) error
}

// SubscriptionStore persists at most one subscription per user. Writes that
// carry a provider event time are applied only when that time is not older
// than the row's LastEventAt; the returned bool reports whether they were.
type SubscriptionStore interface {
	// GetSubscription returns the user's row with Plan populated.
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, s *Subscription) (bool, error)
	UpdateSubscriptionStatus(ctx context.Context, externalID string, status Status, periodEnd *time.Time, eventAt time.Time) (bool, error)
	// SetSubscriptionStatus and SetSubscriptionPlan record local changes. They
	// never move LastEventAt, which only tracks provider event time.
	SetSubscriptionStatus(ctx context.Context, userID uuid.UUID, status Status) error
	SetSubscriptionPlan(ctx context.Context, userID uuid.UUID, planID int64) error
	DeleteSubscriptionByExternalID(ctx context.Context, externalID string, eventAt time.Time) (bool, error)
}

// EventStore records processed webhook event ids.
type EventStore interface {
	// ClaimEvent marks the event as being processed. It returns false when the
	// event was already processed, and ErrEventInFlight while another delivery
	// holds a claim younger than staleAfter.
	ClaimEvent(ctx context.Context, eventID, eventType string, now time.Time, staleAfter time.Duration) (bool, error)
	CompleteEvent(ctx context.Context, eventID string, at time.Time) error
	// ReleaseEvent drops a claim so a redelivery can run again.
	ReleaseEvent(ctx context.Context, eventID string) error
}

// Ledger is the internal system of record.
type Ledger interface {
	UserStore
	PlanStore
	SubscriptionStore
	EventStore
}
