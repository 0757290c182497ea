package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Interval is a plan's billing cadence.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

func ParseInterval(s string) (Interval, error) {
	switch i := Interval(strings.ToLower(strings.TrimSpace(s))); i {
	case IntervalMonthly, IntervalYearly:
		return i, nil
	default:
		return "", fmt.Errorf("%w: unknown interval %q", ErrPlanNotFound, s)
	}
}

func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Duration is the length of one billing period.
func (i Interval) Duration() time.Duration {
	if i == IntervalYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Status of a subscription row.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusPastDue  Status = "past_due"
)

// FreePlanName is reported for users without a subscription row.
const FreePlanName = "Free"

type User struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	TokensUsed int64     `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Plan is an immutable catalog entry keyed by name and interval.
type Plan struct {
	ID             int64    `json:"id" yaml:"-"`
	Name           string   `json:"name" yaml:"name"`
	Interval       Interval `json:"interval" yaml:"interval"`
	TokenAllowance int64    `json:"token_allowance" yaml:"token_allowance"`
	PriceID        string   `json:"price_id" yaml:"price_id"`
}

// Purchasable reports whether the plan can be sold through the provider.
func (p Plan) Purchasable() bool {
	return p.PriceID != ""
}

// Subscription links a user to a plan and a provider subscription.
// A user has at most one row.
type Subscription struct {
	UserID           uuid.UUID `json:"user_id"`
	PlanID           int64     `json:"plan_id"`
	Plan             *Plan     `json:"plan,omitempty"`
	ExternalID       string    `json:"external_id"`
	Status           Status    `json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
	// LastEventAt is the provider timestamp of the newest event applied to the row.
	LastEventAt time.Time `json:"last_event_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsActiveAt reports whether the subscription is active and its period has
// not ended at now.
func (s Subscription) IsActiveAt(now time.Time) bool {
	return s.Status == StatusActive && s.CurrentPeriodEnd.After(now)
}

// EntitledAt reports whether the plan's quota applies at now. A past_due
// subscription keeps its plan until the period ends when pastDueKeepsPlan is set.
func (s Subscription) EntitledAt(now time.Time, pastDueKeepsPlan bool) bool {
	if !s.CurrentPeriodEnd.After(now) {
		return false
	}
	switch s.Status {
	case StatusActive:
		return true
	case StatusPastDue:
		return pastDueKeepsPlan
	default:
		return false
	}
}

// SubscriptionData is the read-only projection returned to clients.
type SubscriptionData struct {
	PlanName         string     `json:"plan_name"`
	Interval         Interval   `json:"interval,omitempty"`
	Status           string     `json:"status"`
	TokenAllowance   int64      `json:"token_allowance,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	ExternalID       string     `json:"external_id,omitempty"`
}

// CancellationResult is what the provider reports after a cancel.
type CancellationResult struct {
	ExternalID string    `json:"external_id"`
	Status     string    `json:"status"`
	CanceledAt time.Time `json:"canceled_at"`
}
