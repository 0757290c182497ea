package billing

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/meterkit/pkg/retry"
)

// ResilienceConfig bounds provider calls.
type ResilienceConfig struct {
	Timeout          time.Duration `env:"STRIPE_TIMEOUT" envDefault:"10s"`
	MaxAttempts      int           `env:"STRIPE_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff   time.Duration `env:"STRIPE_INITIAL_BACKOFF" envDefault:"200ms"`
	MaxBackoff       time.Duration `env:"STRIPE_MAX_BACKOFF" envDefault:"2s"`
	BreakerThreshold int           `env:"STRIPE_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"STRIPE_BREAKER_COOLDOWN" envDefault:"30s"`
}

// ResilientProvider wraps a BillingProvider with a per-call timeout, bounded
// retries of transient failures and a circuit breaker. Terminal 4xx errors
// are returned on the first attempt. Every attempt of one write shares an
// idempotency key.
type ResilientProvider struct {
	next   BillingProvider
	policy retry.Policy
}

func NewResilientProvider(next BillingProvider, cfg ResilienceConfig) *ResilientProvider {
	return &ResilientProvider{
		next: next,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.Timeout,
			Backoff: retry.Exponential{
				InitialInterval: cfg.InitialBackoff,
				MaxInterval:     cfg.MaxBackoff,
				Multiplier:      2,
				JitterFactor:    0.1,
			},
			Retryable: isTransient,
			Breaker:   retry.NewBreaker(cfg.BreakerThreshold, 1, cfg.BreakerCooldown),
		},
	}
}

func isTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

func (p *ResilientProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	return call(ensureIdempotencyKey(ctx), p.policy, func(ctx context.Context) (*CheckoutSession, error) {
		return p.next.CreateCheckoutSession(ctx, req)
	})
}

func (p *ResilientProvider) GetSubscription(ctx context.Context, externalID string) (*ProviderSubscription, error) {
	return call(ctx, p.policy, func(ctx context.Context) (*ProviderSubscription, error) {
		return p.next.GetSubscription(ctx, externalID)
	})
}

func (p *ResilientProvider) UpdateSubscriptionPrice(ctx context.Context, externalID, priceID string) (*ProviderSubscription, error) {
	return call(ensureIdempotencyKey(ctx), p.policy, func(ctx context.Context) (*ProviderSubscription, error) {
		return p.next.UpdateSubscriptionPrice(ctx, externalID, priceID)
	})
}

func (p *ResilientProvider) CancelSubscription(ctx context.Context, externalID string) (*CancellationResult, error) {
	return call(ensureIdempotencyKey(ctx), p.policy, func(ctx context.Context) (*CancellationResult, error) {
		return p.next.CancelSubscription(ctx, externalID)
	})
}

// ParseWebhook is local work and is not retried.
func (p *ResilientProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	return p.next.ParseWebhook(ctx, payload, signature)
}

func call[T any](ctx context.Context, policy retry.Policy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if errors.Is(err, retry.ErrCircuitOpen) && !errors.Is(err, ErrProviderUnavailable) {
		err = errors.Join(ErrProviderUnavailable, err)
	}
	return out, err
}
