package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds Stripe credentials and transport settings.
type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	Timeout       time.Duration `env:"STRIPE_TIMEOUT" envDefault:"10s"`
	// BaseURL overrides the API endpoint, for stripe-mock or tests.
	BaseURL string `env:"STRIPE_API_BASE"`
}

// StripeProvider implements BillingProvider on stripe-go. It keeps one
// client for its lifetime and never touches the package-level stripe.Key.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider builds a provider with its own HTTP backend. Retries are
// left to the caller (see NewResilientProvider), so the SDK's own retries
// are disabled.
func NewStripeProvider(cfg StripeConfig, log *slog.Logger) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("billing: stripe secret key is required")
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		LeveledLogger:     stripeLogger{log: log.With(slog.String("component", "stripe"))},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &StripeProvider{api: api, webhookSecret: cfg.WebhookSecret}, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrPlanNotFound
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		CustomerEmail: stripe.String(req.CustomerEmail),
		SuccessURL:    stripe.String(req.SuccessURL),
		CancelURL:     stripe.String(req.CancelURL),
	}
	params.Context = ctx
	setIdempotencyKey(ctx, &params.Params)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if uid, ok := req.Metadata[MetaUserID]; ok {
		params.ClientReferenceID = stripe.String(uid)
	}

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classifyStripeError("create checkout session", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, externalID string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(externalID, params)
	if err != nil {
		return nil, classifyStripeError("get subscription", err)
	}
	return toProviderSubscription(sub), nil
}

func (p *StripeProvider) UpdateSubscriptionPrice(ctx context.Context, externalID, priceID string) (*ProviderSubscription, error) {
	current, err := p.GetSubscription(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if current.ItemID == "" {
		return nil, fmt.Errorf("%w: subscription %s has no items", ErrProviderRejected, externalID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.ItemID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	setIdempotencyKey(ctx, &params.Params)
	sub, err := p.api.Subscriptions.Update(externalID, params)
	if err != nil {
		return nil, classifyStripeError("update subscription", err)
	}
	return toProviderSubscription(sub), nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, externalID string) (*CancellationResult, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	setIdempotencyKey(ctx, &params.Params)
	sub, err := p.api.Subscriptions.Cancel(externalID, params)
	if err != nil {
		return nil, classifyStripeError("cancel subscription", err)
	}
	res := &CancellationResult{ExternalID: sub.ID, Status: string(sub.Status)}
	if sub.CanceledAt > 0 {
		res.CanceledAt = time.Unix(sub.CanceledAt, 0).UTC()
	}
	return res, nil
}

func (p *StripeProvider) ParseWebhook(_ context.Context, payload []byte, signature string) (*Event, error) {
	if p.webhookSecret == "" {
		return nil, ErrWebhookSecretMissing
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return normalizeStripeEvent(ev)
}

func normalizeStripeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:           ev.ID,
		ProviderType: string(ev.Type),
		Type:         EventType(ev.Type),
		CreatedAt:    time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil {
		return out, nil
	}

	switch ev.Type {
	case "checkout.session.completed":
		out.Type = EventCheckoutCompleted
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrInvalidEvent, err)
		}
		out.CustomerEmail = sess.CustomerEmail
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			out.CustomerEmail = sess.CustomerDetails.Email
		}
		if sess.Subscription != nil {
			out.SubscriptionID = sess.Subscription.ID
		}
		out.Metadata = sess.Metadata

	case "customer.subscription.deleted":
		out.Type = EventSubscriptionDeleted
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", ErrInvalidEvent, err)
		}
		out.SubscriptionID = sub.ID
		if sub.CurrentPeriodEnd > 0 {
			out.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		}

	case "invoice.paid", "invoice.payment_failed":
		out.Type = EventInvoicePaid
		if ev.Type == "invoice.payment_failed" {
			out.Type = EventInvoicePaymentFailed
		}
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", ErrInvalidEvent, err)
		}
		out.CustomerEmail = inv.CustomerEmail
		if inv.Lines != nil && len(inv.Lines.Data) > 0 {
			line := inv.Lines.Data[0]
			if line.Subscription != nil {
				out.SubscriptionID = line.Subscription.ID
			}
			if line.Period != nil && line.Period.End > 0 {
				out.PeriodEnd = time.Unix(line.Period.End, 0).UTC()
			}
			if line.Price != nil {
				out.PriceID = line.Price.ID
			}
		}
		if out.SubscriptionID == "" && inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
	}

	return out, nil
}

func toProviderSubscription(sub *stripe.Subscription) *ProviderSubscription {
	ps := &ProviderSubscription{ID: sub.ID, Status: string(sub.Status)}
	if sub.CurrentPeriodEnd > 0 {
		ps.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		ps.ItemID = item.ID
		if item.Price != nil {
			ps.PriceID = item.Price.ID
		}
	}
	return ps
}

// setIdempotencyKey sends the key carried by ctx, or a fresh one for a
// single unwrapped call.
func setIdempotencyKey(ctx context.Context, params *stripe.Params) {
	key, ok := IdempotencyKey(ctx)
	if !ok {
		key = uuid.NewString()
	}
	params.SetIdempotencyKey(key)
}

// classifyStripeError maps SDK errors onto the provider error kinds.
func classifyStripeError(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failures and deadlines.
		return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%s: %w: %w", op, ErrProviderSubscriptionNotFound, err)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
		return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrProviderRejected, err)
	}
}

// stripeLogger adapts slog to stripe.LeveledLoggerInterface.
type stripeLogger struct {
	log *slog.Logger
}

func (l stripeLogger) Debugf(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l stripeLogger) Infof(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l stripeLogger) Warnf(format string, v ...any)  { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l stripeLogger) Errorf(format string, v ...any) { l.log.Error(fmt.Sprintf(format, v...)) }
