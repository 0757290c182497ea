package usage

type Config struct {
	FreeTierTokens int64 `env:"FREE_TIER_TOKENS" envDefault:"12"`
	// PastDueKeepsPlan keeps the plan quota for past_due subscriptions until
	// the period ends.
	PastDueKeepsPlan bool `env:"PAST_DUE_KEEPS_PLAN" envDefault:"true"`
}

// DefaultConfig matches the env defaults.
func DefaultConfig() Config {
	return Config{FreeTierTokens: 12, PastDueKeepsPlan: true}
}
