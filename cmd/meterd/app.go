package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/meterkit/internal/metrics"
	"github.com/dmitrymomot/meterkit/internal/server"
	"github.com/dmitrymomot/meterkit/internal/store"
	"github.com/dmitrymomot/meterkit/pkg/account"
	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/cache"
	"github.com/dmitrymomot/meterkit/pkg/config"
	"github.com/dmitrymomot/meterkit/pkg/httpserver"
	"github.com/dmitrymomot/meterkit/pkg/logger"
	"github.com/dmitrymomot/meterkit/pkg/pg"
	"github.com/dmitrymomot/meterkit/pkg/redis"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
	"github.com/dmitrymomot/meterkit/pkg/usage"
)

type configs struct {
	pg         pg.Config
	redis      redis.Config
	cache      cache.Config
	billing    billing.Config
	stripe     billing.StripeConfig
	resilience billing.ResilienceConfig
	usage      usage.Config
	scheduler  scheduler.Config
	server     server.Config
	http       httpserver.Config
}

func loadConfigs() (configs, error) {
	var c configs
	for name, load := range map[string]func() error{
		"pg":         func() error { return config.Load(&c.pg) },
		"redis":      func() error { return config.Load(&c.redis) },
		"cache":      func() error { return config.Load(&c.cache) },
		"billing":    func() error { return config.Load(&c.billing) },
		"stripe":     func() error { return config.Load(&c.stripe) },
		"resilience": func() error { return config.Load(&c.resilience) },
		"usage":      func() error { return config.Load(&c.usage) },
		"scheduler":  func() error { return config.Load(&c.scheduler) },
		"server":     func() error { return config.Load(&c.server) },
		"http":       func() error { return config.Load(&c.http) },
	} {
		if err := load(); err != nil {
			return c, fmt.Errorf("load %s config: %w", name, err)
		}
	}
	return c, nil
}

type app struct {
	log       *slog.Logger
	pool      *pgxpool.Pool
	db        *sql.DB
	rdb       *goredis.Client
	scheduler *scheduler.Scheduler
	http      *httpserver.Server
	handler   http.Handler
}

// newApp connects to the backing services, migrates the schema, syncs the
// plan catalog and wires every component.
func newApp(ctx context.Context, log *slog.Logger) (*app, error) {
	cfg, err := loadConfigs()
	if err != nil {
		return nil, err
	}

	a := &app{log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.pool, err = pg.Connect(ctx, cfg.pg); err != nil {
		return nil, err
	}
	a.db = pg.DB(a.pool)
	if err := pg.Migrate(ctx, a.db, store.Migrations, store.MigrationsDir, cfg.pg, log); err != nil {
		return nil, err
	}

	ledger := store.New(a.db)
	plans, err := billing.LoadPlansFile(cfg.billing.PlansFile)
	if err != nil {
		return nil, err
	}
	if err := ledger.SyncPlans(ctx, plans); err != nil {
		return nil, fmt.Errorf("sync plans: %w", err)
	}
	log.Info("plan catalog synced", slog.Int("plans", len(plans)))

	checks := map[string]httpserver.Check{"postgres": pg.Healthcheck(a.pool)}
	if cfg.cache.Driver != cache.DriverMemory {
		if a.rdb, err = redis.Connect(ctx, cfg.redis); err != nil {
			return nil, err
		}
		checks["redis"] = redis.Healthcheck(a.rdb)
	}
	var rdb goredis.UniversalClient
	if a.rdb != nil {
		rdb = a.rdb
	}
	userCache, err := cache.New(cfg.cache, rdb)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	a.scheduler, err = scheduler.New(store.NewTaskStore(a.db),
		scheduler.WithConfig(cfg.scheduler),
		scheduler.WithLogger(log),
		scheduler.WithObserver(m),
	)
	if err != nil {
		return nil, err
	}

	stripeProvider, err := billing.NewStripeProvider(cfg.stripe, log)
	if err != nil {
		return nil, err
	}
	provider := billing.NewResilientProvider(stripeProvider, cfg.resilience)

	billingOpts := []billing.Option{
		billing.WithConfig(cfg.billing),
		billing.WithTaskScheduler(a.scheduler),
		billing.WithCache(userCache),
		billing.WithLogger(log),
		billing.WithObserver(m),
	}
	gateway := billing.NewGateway(ledger, provider, billingOpts...)
	processor := billing.NewWebhookProcessor(ledger, provider, billingOpts...)

	meter := usage.NewMeter(ledger,
		usage.WithConfig(cfg.usage),
		usage.WithCache(userCache),
		usage.WithLogger(log),
		usage.WithObserver(m),
	)
	a.scheduler.Register(scheduler.TaskResetTokens, meter.ResetTask(), scheduler.Every(cfg.scheduler.ResetInterval))

	accounts := account.NewService(ledger, gateway, userCache,
		account.WithTTL(cfg.cache.UserTTL),
		account.WithTasks(a.scheduler),
		account.WithLogger(log),
	)

	a.handler = server.New(server.Deps{
		Billing:  gateway,
		Webhooks: processor,
		Usage:    meter,
		Accounts: accounts,
	},
		server.WithConfig(cfg.server),
		server.WithLogger(log),
		server.WithMetrics(m, m.Handler()),
		server.WithHealthChecks(checks),
	)
	a.http = httpserver.New(cfg.http, httpserver.WithLogger(log))

	ok = true
	return a, nil
}

// Run serves HTTP and runs the scheduler until ctx is cancelled or either
// of them fails.
func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.http.Run(ctx, a.handler) })
	g.Go(a.scheduler.Run(ctx))
	return g.Wait()
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("close redis", logger.Error(err))
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
