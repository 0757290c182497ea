// Package retry runs calls against remote services with bounded retries,
// exponential backoff and a circuit breaker.
//
// A Policy describes one kind of call: how many attempts, how long each may
// take, how to back off between them and which errors are worth retrying.
// Do runs fn under the policy:
//
//	policy := retry.Policy{
//		MaxAttempts: 3,
//		Timeout:     5 * time.Second,
//		Backoff:     retry.Exponential{InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 2},
//		Retryable:   isTransient,
//		Breaker:     retry.NewBreaker(5, 1, 30*time.Second),
//	}
//	err := retry.Do(ctx, policy, func(ctx context.Context) error {
//		return client.Call(ctx)
//	})
//
// # Circuit breaker
//
// A Breaker opens after a run of retryable failures and rejects calls with
// ErrCircuitOpen until its recovery timeout passes. It then lets a trial call
// through in the half-open state and closes again once enough calls succeed.
// Terminal errors count as successes.
//
// A nil Retryable retries every error. A nil Backoff uses Exponential
// defaults.
package retry
