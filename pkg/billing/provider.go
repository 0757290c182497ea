package billing

import (
	"context"
	"time"
)

// BillingProvider is the boundary to the external payment provider.
// Implementations translate provider failures into ErrProviderSubscriptionNotFound,
// ErrProviderUnavailable (transient) or ErrProviderRejected (terminal).
type BillingProvider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, externalID string) (*ProviderSubscription, error)
	// UpdateSubscriptionPrice swaps the subscription's item to priceID with proration.
	UpdateSubscriptionPrice(ctx context.Context, externalID, priceID string) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, externalID string) (*CancellationResult, error)
	// ParseWebhook verifies the signature and normalises the event.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// Checkout session metadata keys.
const (
	MetaUserID       = "user_id"
	MetaPlanName     = "plan_name"
	MetaPlanInterval = "plan_interval"
)

type CheckoutRequest struct {
	PriceID       string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type ProviderSubscription struct {
	ID               string
	Status           string
	CurrentPeriodEnd time.Time
	ItemID           string
	PriceID          string
}

// EventType is the provider-neutral name of a webhook event.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.completed"
	EventSubscriptionDeleted  EventType = "subscription.deleted"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
)

// Event is a verified, normalised webhook event. Fields not carried by a
// given event type are left empty.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string
	CreatedAt    time.Time

	CustomerEmail  string
	SubscriptionID string
	PriceID        string
	PeriodEnd      time.Time
	Metadata       map[string]string
}
