package scheduler

import "time"

type Config struct {
	SweepSpec     string        `env:"SCHEDULER_SWEEP_SPEC" envDefault:"@every 1m"`
	ResetInterval time.Duration `env:"SCHEDULER_RESET_INTERVAL" envDefault:"720h"`
	LockTimeout   time.Duration `env:"SCHEDULER_LOCK_TIMEOUT" envDefault:"5m"`
	MaxAttempts   int           `env:"SCHEDULER_MAX_ATTEMPTS" envDefault:"5"`
	RetryDelay    time.Duration `env:"SCHEDULER_RETRY_DELAY" envDefault:"1m"`
}
