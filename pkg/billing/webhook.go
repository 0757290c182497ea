package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
)

// WebhookObserver receives one outcome per processed delivery.
type WebhookObserver interface {
	EventProcessed(eventType, outcome string)
}

// Webhook delivery outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeRetry     = "retry"
)

// errStale marks an update dropped by the ordering guard.
var errStale = errors.New("stale event")

// WebhookProcessor verifies provider notifications and applies them to the
// ledger. Each event id is applied at most once: Process claims the id
// before dispatch and keeps it only when dispatch reaches a final result.
type WebhookProcessor struct {
	ledger   Ledger
	provider BillingProvider
	deps
}

// NewWebhookProcessor panics when ledger or provider is nil.
func NewWebhookProcessor(ledger Ledger, provider BillingProvider, opts ...Option) *WebhookProcessor {
	if ledger == nil {
		panic("billing: Ledger is required")
	}
	if provider == nil {
		panic("billing: BillingProvider is required")
	}
	return &WebhookProcessor{ledger: ledger, provider: provider, deps: newDeps("billing.webhook", opts)}
}

// VerifySignature authenticates the raw payload and returns the normalised event.
func (p *WebhookProcessor) VerifySignature(ctx context.Context, payload []byte, signature string) (*Event, error) {
	ev, err := p.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrInvalidEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	return ev, nil
}

// Process verifies, deduplicates and dispatches one delivery. Use
// IsRetryable on the returned error to choose the response status.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) error {
	ev, err := p.VerifySignature(ctx, payload, signature)
	if err != nil {
		p.observer.EventProcessed("unknown", OutcomeRejected)
		p.logger.WarnContext(ctx, "webhook rejected", logger.Error(err))
		return err
	}
	if ev.ID == "" {
		p.observer.EventProcessed(string(ev.Type), OutcomeRejected)
		return ErrMissingEventID
	}

	log := p.logger.With(logger.EventID(ev.ID), logger.EventType(ev.ProviderType))

	acquired, err := p.ledger.ClaimEvent(ctx, ev.ID, string(ev.Type), p.now(), p.cfg.EventClaimTTL)
	if err != nil {
		p.observer.EventProcessed(string(ev.Type), OutcomeRetry)
		if errors.Is(err, ErrEventInFlight) {
			log.InfoContext(ctx, "event is being processed by another delivery")
			return err
		}
		return fmt.Errorf("claim event: %w", err)
	}
	if !acquired {
		p.observer.EventProcessed(string(ev.Type), OutcomeDuplicate)
		log.InfoContext(ctx, "duplicate event ignored")
		return nil
	}

	dispatchErr := p.Dispatch(ctx, ev)

	if IsRetryable(dispatchErr) {
		if err := p.ledger.ReleaseEvent(ctx, ev.ID); err != nil {
			log.ErrorContext(ctx, "failed to release event claim", logger.Error(err))
		}
		p.observer.EventProcessed(string(ev.Type), OutcomeRetry)
		log.ErrorContext(ctx, "event failed, provider will retry", logger.Error(dispatchErr))
		return dispatchErr
	}

	if err := p.ledger.CompleteEvent(ctx, ev.ID, p.now()); err != nil {
		// The claim goes stale and a redelivery runs the handlers again;
		// they tolerate that.
		log.ErrorContext(ctx, "failed to record processed event", logger.Error(err))
	}

	switch {
	case dispatchErr == nil:
		p.observer.EventProcessed(string(ev.Type), OutcomeProcessed)
	case errors.Is(dispatchErr, ErrUnhandledEvent):
		p.observer.EventProcessed(string(ev.Type), OutcomeIgnored)
		log.InfoContext(ctx, "unhandled event type acknowledged")
	default:
		p.observer.EventProcessed(string(ev.Type), OutcomeRejected)
		log.WarnContext(ctx, "event dropped", logger.Error(dispatchErr))
	}
	return dispatchErr
}

// Dispatch applies a verified event to the ledger.
func (p *WebhookProcessor) Dispatch(ctx context.Context, ev *Event) error {
	var err error
	switch ev.Type {
	case EventCheckoutCompleted:
		err = p.checkoutCompleted(ctx, ev)
	case EventSubscriptionDeleted:
		err = p.subscriptionDeleted(ctx, ev)
	case EventInvoicePaid:
		err = p.invoiceStatus(ctx, ev, StatusActive)
	case EventInvoicePaymentFailed:
		err = p.invoiceStatus(ctx, ev, StatusPastDue)
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.ProviderType)
	}

	if errors.Is(err, errStale) {
		p.logger.WarnContext(ctx, "stale event dropped",
			logger.EventID(ev.ID), logger.EventType(ev.ProviderType), slog.Time("event_at", ev.CreatedAt))
		return nil
	}
	return err
}

func (p *WebhookProcessor) checkoutCompleted(ctx context.Context, ev *Event) error {
	if ev.CustomerEmail == "" {
		return ErrMissingCustomerEmail
	}
	if ev.SubscriptionID == "" {
		return ErrMissingSubscriptionID
	}

	user, err := p.ledger.GetUserByEmail(ctx, ev.CustomerEmail)
	if err != nil {
		return err
	}
	plan, err := p.resolvePlan(ctx, ev)
	if err != nil {
		return err
	}

	ps, err := p.provider.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return fmt.Errorf("retrieve provider subscription: %w", err)
	}

	applied, err := p.ledger.UpsertSubscription(ctx, &Subscription{
		UserID:           user.ID,
		PlanID:           plan.ID,
		ExternalID:       ev.SubscriptionID,
		Status:           StatusActive,
		CurrentPeriodEnd: ps.CurrentPeriodEnd,
		LastEventAt:      ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if !applied {
		return errStale
	}

	if p.tasks != nil {
		next := p.now().Add(plan.Interval.Duration())
		if _, err := p.tasks.ReplaceTask(ctx, user.ID, scheduler.TaskResetTokens, next); err != nil {
			return fmt.Errorf("schedule token reset: %w", err)
		}
	}
	p.invalidateUser(ctx, user.ID)

	p.logger.InfoContext(ctx, "subscription activated",
		logger.EventID(ev.ID), logger.UserID(user.ID), logger.SubscriptionID(ev.SubscriptionID),
		logger.Plan(plan.Name, string(plan.Interval)))
	return nil
}

// resolvePlan prefers the plan named in the checkout metadata and falls back
// to the price id.
func (p *WebhookProcessor) resolvePlan(ctx context.Context, ev *Event) (*Plan, error) {
	name := ev.Metadata[MetaPlanName]
	if interval, err := ParseInterval(ev.Metadata[MetaPlanInterval]); err == nil && name != "" {
		plan, err := p.ledger.GetPlan(ctx, name, interval)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return plan, err
		}
	}
	return p.ledger.GetPlanByPriceID(ctx, ev.PriceID)
}

func (p *WebhookProcessor) subscriptionDeleted(ctx context.Context, ev *Event) error {
	if ev.SubscriptionID == "" {
		return ErrMissingSubscriptionID
	}
	sub, err := p.ledger.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	applied, err := p.ledger.DeleteSubscriptionByExternalID(ctx, ev.SubscriptionID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if !applied {
		return errStale
	}
	p.destroyResetTasks(ctx, sub.UserID)
	p.invalidateUser(ctx, sub.UserID)

	p.logger.InfoContext(ctx, "subscription deleted",
		logger.EventID(ev.ID), logger.UserID(sub.UserID), logger.SubscriptionID(ev.SubscriptionID))
	return nil
}

func (p *WebhookProcessor) invoiceStatus(ctx context.Context, ev *Event, status Status) error {
	if ev.SubscriptionID == "" {
		return ErrMissingSubscriptionID
	}
	sub, err := p.ledger.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	var periodEnd *time.Time
	if status == StatusActive && !ev.PeriodEnd.IsZero() {
		periodEnd = &ev.PeriodEnd
	}
	applied, err := p.ledger.UpdateSubscriptionStatus(ctx, ev.SubscriptionID, status, periodEnd, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	if !applied {
		return errStale
	}
	p.invalidateUser(ctx, sub.UserID)

	p.logger.InfoContext(ctx, "subscription status updated",
		logger.EventID(ev.ID), logger.UserID(sub.UserID), logger.SubscriptionID(ev.SubscriptionID),
		slog.String("status", string(status)))
	return nil
}

type nopObserver struct{}

func (nopObserver) EventProcessed(string, string) {}
