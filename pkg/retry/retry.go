package retry

import (
	"context"
	"errors"
	"time"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open.
var ErrCircuitOpen = errors.New("retry: circuit breaker is open")

// Policy configures Do. The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// Retryable decides whether a failed attempt should be retried.
	// Nil treats every error as retryable.
	Retryable func(error) bool
	// Breaker is optional. Only retryable failures count against it.
	Breaker *Breaker
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	backoff := p.Backoff
	if backoff == nil {
		backoff = Exponential{}
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Breaker != nil && !p.Breaker.Allow() {
			if err != nil {
				return errors.Join(ErrCircuitOpen, err)
			}
			return ErrCircuitOpen
		}

		err = call(ctx, p.Timeout, fn)
		if err == nil {
			if p.Breaker != nil {
				p.Breaker.RecordSuccess()
			}
			return nil
		}

		retryable := p.Retryable == nil || p.Retryable(err)
		if p.Breaker != nil {
			if retryable {
				p.Breaker.RecordFailure()
			} else {
				p.Breaker.RecordSuccess()
			}
		}
		if !retryable || attempt == attempts {
			return err
		}

		t := time.NewTimer(backoff.NextInterval(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
