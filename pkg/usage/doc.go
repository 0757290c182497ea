// Package usage meters token consumption against the quota of a user's plan.
//
// A user's limit is the token allowance of their subscribed plan while the
// subscription is entitled, and the free tier otherwise. Consumption is one
// conditional write at the storage layer, so concurrent requests can never
// push a user past the limit:
//
//	meter := usage.NewMeter(ledger, usage.WithConfig(cfg), usage.WithCache(c))
//	ok, err := meter.UseTokens(ctx, userID, 5)
//	if errors.Is(err, billing.ErrQuotaExceeded) {
//	    // reject the request
//	}
//
// Tokens are reset by the scheduler's reset-tokens task, see ResetTask.
package usage
