package cache

import "time"

// SetClock replaces the time source used for per-entry expiry.
func SetClock(c *MemoryCache, now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
