package retry

import "time"

func SetBreakerClock(b *Breaker, now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}
