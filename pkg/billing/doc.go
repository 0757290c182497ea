// Package billing keeps a user's subscription in step with the payment
// provider and exposes the read and write operations around it.
//
// Two services share one Ledger (the persistence boundary) and one
// BillingProvider (the payment provider boundary):
//
//   - Gateway: user-initiated operations. It creates checkout sessions,
//     cancels subscriptions, changes plans with proration and projects the
//     user's subscription for reads.
//   - WebhookProcessor: provider-initiated changes. It verifies and
//     normalises webhook deliveries and applies them to the ledger.
//
// # Webhooks
//
// Every delivery is claimed by event ID before it is applied, so a redelivery
// is a no-op and two concurrent deliveries of one event never both apply.
// Provider event time orders the changes: a subscription row remembers the
// newest event it has seen, and an older event is dropped with a warning.
// Local writes made by the Gateway never move that mark, so a provider event
// that follows a local cancel in the same second still applies.
//
// Process returns nil for applied, duplicate and stale events. Use IsRetryable
// to decide whether a failure should be answered with a status the provider
// retries:
//
//	if err := processor.Process(ctx, payload, r.Header.Get("Stripe-Signature")); err != nil {
//		if billing.IsRetryable(err) {
//			w.WriteHeader(http.StatusServiceUnavailable)
//			return
//		}
//	}
//	w.WriteHeader(http.StatusOK)
//
// # Providers
//
// StripeProvider talks to Stripe through stripe-go with SDK retries turned
// off. Wrap it in a ResilientProvider for per-call timeouts, bounded retries
// of transient failures and a circuit breaker:
//
//	stripe, err := billing.NewStripeProvider(stripeCfg, log)
//	if err != nil {
//		return err
//	}
//	provider := billing.NewResilientProvider(stripe, resilienceCfg)
//	gateway := billing.NewGateway(ledger, provider,
//		billing.WithTaskScheduler(sched),
//		billing.WithCache(c),
//		billing.WithLogger(log),
//	)
//
// Writes to the provider carry an idempotency key. ResilientProvider creates
// one per logical call and reuses it for every attempt; callers can pin their
// own with WithIdempotencyKey.
//
// # Errors
//
// Errors are built with NewError on top of a few kinds (ErrNotFound,
// ErrConflict, ErrProviderUnavailable and others) and are matched with
// errors.Is against either the specific error or its kind.
//
// # Plans
//
// Plans are declared in YAML and loaded with LoadPlansFile, then synced into
// the ledger at startup. A plan without a price ID is kept for existing
// subscribers but cannot be purchased.
package billing
