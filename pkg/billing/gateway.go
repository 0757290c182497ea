package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/logger"
)

// Gateway exposes the user-facing billing operations. It never activates a
// subscription on its own: activation happens only from a verified
// checkout webhook.
type Gateway struct {
	ledger   Ledger
	provider BillingProvider
	deps
}

// NewGateway panics when ledger or provider is nil.
func NewGateway(ledger Ledger, provider BillingProvider, opts ...Option) *Gateway {
	if ledger == nil {
		panic("billing: Ledger is required")
	}
	if provider == nil {
		panic("billing: BillingProvider is required")
	}
	return &Gateway{ledger: ledger, provider: provider, deps: newDeps("billing.gateway", opts)}
}

// CreateCheckoutSession returns the provider's hosted checkout URL for the
// plan. Users with an active, unexpired subscription get ErrActiveSubscriptionExists.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, userEmail, planName string, interval Interval) (string, error) {
	user, err := g.ledger.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return "", err
	}

	sub, err := g.ledger.GetSubscription(ctx, user.ID)
	switch {
	case err == nil && sub.IsActiveAt(g.now()):
		return "", ErrActiveSubscriptionExists
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", err
	}

	plan, err := g.purchasablePlan(ctx, planName, interval)
	if err != nil {
		return "", err
	}

	sess, err := g.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		PriceID:       plan.PriceID,
		CustomerEmail: user.Email,
		SuccessURL:    g.cfg.CheckoutSuccessURL,
		CancelURL:     g.cfg.CheckoutCancelURL,
		Metadata: map[string]string{
			MetaUserID:       user.ID.String(),
			MetaPlanName:     plan.Name,
			MetaPlanInterval: string(plan.Interval),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	g.logger.InfoContext(ctx, "checkout session created",
		logger.UserID(user.ID), logger.Plan(plan.Name, string(plan.Interval)))
	return sess.URL, nil
}

// CancelSubscription cancels the user's subscription at the provider and
// marks the internal row canceled. If the provider no longer knows the
// subscription the internal row is left untouched. A row that is already
// canceled returns ErrSubscriptionNotActive without calling the provider.
func (g *Gateway) CancelSubscription(ctx context.Context, userID uuid.UUID) (*CancellationResult, error) {
	sub, err := g.ledger.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, ErrSubscriptionNotActive
	}

	if _, err := g.provider.GetSubscription(ctx, sub.ExternalID); err != nil {
		return nil, fmt.Errorf("retrieve provider subscription: %w", err)
	}

	res, err := g.provider.CancelSubscription(ctx, sub.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("cancel provider subscription: %w", err)
	}

	if err := g.ledger.SetSubscriptionStatus(ctx, userID, StatusCanceled); err != nil {
		return nil, fmt.Errorf("mark subscription canceled: %w", err)
	}
	g.destroyResetTasks(ctx, userID)
	g.invalidateUser(ctx, userID)

	g.logger.InfoContext(ctx, "subscription canceled",
		logger.UserID(userID), logger.SubscriptionID(sub.ExternalID))
	return res, nil
}

// UpdateSubscriptionPlan moves an active subscription to another plan with
// proration.
func (g *Gateway) UpdateSubscriptionPlan(ctx context.Context, userID uuid.UUID, planName string, interval Interval) error {
	sub, err := g.ledger.GetSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub.Status != StatusActive {
		return ErrSubscriptionNotActive
	}

	plan, err := g.purchasablePlan(ctx, planName, interval)
	if err != nil {
		return err
	}
	if plan.ID == sub.PlanID {
		return ErrSamePlan
	}

	if _, err := g.provider.UpdateSubscriptionPrice(ctx, sub.ExternalID, plan.PriceID); err != nil {
		return fmt.Errorf("update provider subscription: %w", err)
	}
	if err := g.ledger.SetSubscriptionPlan(ctx, userID, plan.ID); err != nil {
		return fmt.Errorf("update subscription plan: %w", err)
	}
	g.invalidateUser(ctx, userID)

	g.logger.InfoContext(ctx, "subscription plan changed",
		logger.UserID(userID), logger.SubscriptionID(sub.ExternalID),
		logger.Plan(plan.Name, string(plan.Interval)))
	return nil
}

// GetUserSubscriptionData projects the user's subscription. Users without a
// row get the Free projection.
func (g *Gateway) GetUserSubscriptionData(ctx context.Context, userID uuid.UUID) (*SubscriptionData, error) {
	sub, err := g.ledger.GetSubscription(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &SubscriptionData{PlanName: FreePlanName, Status: FreePlanName}, nil
	}
	if err != nil {
		return nil, err
	}

	data := &SubscriptionData{
		Status:     string(sub.Status),
		ExternalID: sub.ExternalID,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		data.CurrentPeriodEnd = &end
	}
	if sub.Plan != nil {
		data.PlanName = sub.Plan.Name
		data.Interval = sub.Plan.Interval
		data.TokenAllowance = sub.Plan.TokenAllowance
	}
	return data, nil
}

// GetSubscriptionStatus returns the row's status, or "Free" without a row.
func (g *Gateway) GetSubscriptionStatus(ctx context.Context, userID uuid.UUID) (string, error) {
	sub, err := g.ledger.GetSubscription(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return FreePlanName, nil
	}
	if err != nil {
		return "", err
	}
	return string(sub.Status), nil
}

// Plans lists the catalog.
func (g *Gateway) Plans(ctx context.Context) ([]Plan, error) {
	return g.ledger.ListPlans(ctx)
}

func (g *Gateway) purchasablePlan(ctx context.Context, name string, interval Interval) (*Plan, error) {
	if !interval.Valid() {
		return nil, ErrPlanNotFound
	}
	plan, err := g.ledger.GetPlan(ctx, name, interval)
	if err != nil {
		return nil, err
	}
	if !plan.Purchasable() {
		return nil, fmt.Errorf("%w: %s/%s has no price", ErrPlanNotFound, name, interval)
	}
	return plan, nil
}
