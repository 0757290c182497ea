package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrMiss is returned by Get when the key is absent or expired.
	ErrMiss          = errors.New("cache: miss")
	ErrUnknownDriver = errors.New("cache: unknown driver")
)

// Cache is a byte-oriented key/value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type Config struct {
	Driver         string        `env:"CACHE_DRIVER" envDefault:"redis"`
	UserTTL        time.Duration `env:"CACHE_USER_TTL" envDefault:"300s"`
	MemoryCapacity int           `env:"CACHE_MEMORY_CAPACITY" envDefault:"10000"`
	KeyPrefix      string        `env:"CACHE_KEY_PREFIX" envDefault:""`
}

// New builds the driver selected by cfg.Driver. client is only used by the
// redis driver and may be nil otherwise.
func New(cfg Config, client redis.UniversalClient) (Cache, error) {
	switch cfg.Driver {
	case DriverRedis, "":
		if client == nil {
			return nil, fmt.Errorf("%w: redis driver needs a client", ErrUnknownDriver)
		}
		return NewRedis(client, cfg.KeyPrefix), nil
	case DriverMemory:
		return NewMemory(max(cfg.MemoryCapacity, 1), cfg.UserTTL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// CurrentUserKey is the key of a user's cached profile and quota snapshot.
// Anything that changes tokens, subscription status or profile fields must
// delete it.
func CurrentUserKey(userID fmt.Stringer) string {
	return "current-user:" + userID.String()
}
