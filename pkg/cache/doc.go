// Package cache stores short-lived snapshots keyed by string.
//
// Two drivers implement Cache:
//
//   - RedisCache: shared between instances. Keys are prefixed and expire
//     with the ttl passed to Set.
//   - MemoryCache: an in-process expirable LRU for single-instance runs and
//     tests. Entries live at most the cache TTL, and a shorter ttl passed to
//     Set is honoured on read.
//
// New picks the driver from Config:
//
//	c, err := cache.New(cfg, redisClient)
//	if err != nil {
//		return err
//	}
//	_ = c.Set(ctx, cache.CurrentUserKey(userID), payload, cfg.UserTTL)
//
// Get returns ErrMiss for absent and expired keys. Callers treat the cache as
// optional: a failed read falls back to the source of truth and a failed
// invalidation is logged, not returned.
package cache
