// Package server exposes the billing, webhook and usage operations over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/meterkit/pkg/account"
	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/httpserver"
	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/usage"
)

// Billing is the subset of billing.Gateway served over HTTP.
type Billing interface {
	CreateCheckoutSession(ctx context.Context, userEmail, planName string, interval billing.Interval) (string, error)
	CancelSubscription(ctx context.Context, userID uuid.UUID) (*billing.CancellationResult, error)
	UpdateSubscriptionPlan(ctx context.Context, userID uuid.UUID, planName string, interval billing.Interval) error
	GetUserSubscriptionData(ctx context.Context, userID uuid.UUID) (*billing.SubscriptionData, error)
	Plans(ctx context.Context) ([]billing.Plan, error)
}

// Webhooks processes signed provider deliveries.
type Webhooks interface {
	Process(ctx context.Context, payload []byte, signature string) error
}

type Usage interface {
	UseTokens(ctx context.Context, userID uuid.UUID, amount int64) (bool, error)
	Usage(ctx context.Context, userID uuid.UUID) (*usage.Usage, error)
}

type Accounts interface {
	Current(ctx context.Context, userID uuid.UUID) (*account.Snapshot, error)
	Delete(ctx context.Context, userID uuid.UUID) error
}

// HTTPObserver receives one call per served request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Deps are the services behind the routes. All of them are required.
type Deps struct {
	Billing  Billing
	Webhooks Webhooks
	Usage    Usage
	Accounts Accounts
}

type Config struct {
	// SignatureHeader carries the provider's webhook signature.
	SignatureHeader string `env:"WEBHOOK_SIGNATURE_HEADER" envDefault:"Stripe-Signature"`
	// MaxWebhookBytes caps webhook payloads; the provider's events are far smaller.
	MaxWebhookBytes int64 `env:"WEBHOOK_MAX_BYTES" envDefault:"65536"`
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
	HealthTimeout time.Duration `env:"HTTP_HEALTH_TIMEOUT" envDefault:"2s"`
}

func DefaultConfig() Config {
	return Config{
		SignatureHeader: "Stripe-Signature",
		MaxWebhookBytes: 64 << 10,
		MaxBodyBytes:    1 << 20,
		HealthTimeout:   2 * time.Second,
	}
}

type Option func(*Server)

func WithConfig(cfg Config) Option {
	return func(s *Server) {
		def := DefaultConfig()
		if cfg.SignatureHeader == "" {
			cfg.SignatureHeader = def.SignatureHeader
		}
		if cfg.MaxWebhookBytes <= 0 {
			cfg.MaxWebhookBytes = def.MaxWebhookBytes
		}
		if cfg.MaxBodyBytes <= 0 {
			cfg.MaxBodyBytes = def.MaxBodyBytes
		}
		if cfg.HealthTimeout <= 0 {
			cfg.HealthTimeout = def.HealthTimeout
		}
		s.cfg = cfg
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUserResolver replaces the X-User-ID header resolver.
func WithUserResolver(r UserResolver) Option {
	return func(s *Server) {
		if r != nil {
			s.resolveUser = r
		}
	}
}

// WithMetrics records every request and serves h on GET /metrics.
func WithMetrics(o HTTPObserver, h http.Handler) Option {
	return func(s *Server) {
		s.observer = o
		s.metrics = h
	}
}

// WithHealthChecks adds named dependency checks to GET /healthz.
func WithHealthChecks(checks map[string]httpserver.Check) Option {
	return func(s *Server) {
		s.checks = checks
	}
}

type Server struct {
	deps        Deps
	cfg         Config
	logger      *slog.Logger
	resolveUser UserResolver
	observer    HTTPObserver
	metrics     http.Handler
	checks      map[string]httpserver.Check
}

// New builds the router. It panics when a dependency is missing.
func New(deps Deps, opts ...Option) http.Handler {
	switch {
	case deps.Billing == nil:
		panic("server: Billing is required")
	case deps.Webhooks == nil:
		panic("server: Webhooks is required")
	case deps.Usage == nil:
		panic("server: Usage is required")
	case deps.Accounts == nil:
		panic("server: Accounts is required")
	}

	s := &Server{
		deps:        deps,
		cfg:         DefaultConfig(),
		logger:      slog.Default(),
		resolveUser: HeaderUserResolver(UserIDHeader),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("http"))

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/livez", httpserver.HealthCheckHandler(s.logger, s.cfg.HealthTimeout, nil))
	r.Get("/healthz", httpserver.HealthCheckHandler(s.logger, s.cfg.HealthTimeout, s.checks))
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Post("/webhooks/billing", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/billing/plans", s.handlePlans)
		r.Get("/billing/subscription", s.handleSubscription)
		r.Post("/billing/checkout", s.handleCheckout)
		r.Post("/billing/cancel", s.handleCancel)
		r.Post("/billing/plan", s.handleChangePlan)

		r.Get("/usage", s.handleUsage)
		r.Post("/usage/consume", s.handleConsume)

		r.Get("/account", s.handleAccount)
		r.Delete("/account", s.handleDeleteAccount)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", http.StatusText(http.StatusMethodNotAllowed))
	})
	return r
}
