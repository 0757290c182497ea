package billing

import "time"

type Config struct {
	CheckoutSuccessURL string        `env:"BILLING_SUCCESS_URL" envDefault:"http://localhost:8080/billing/success"`
	CheckoutCancelURL  string        `env:"BILLING_CANCEL_URL" envDefault:"http://localhost:8080/billing/cancel"`
	PlansFile          string        `env:"BILLING_PLANS_FILE" envDefault:"plans.yaml"`
	EventClaimTTL      time.Duration `env:"BILLING_EVENT_CLAIM_TTL" envDefault:"2m"`
}
