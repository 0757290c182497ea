// Command meterd serves the billing API, consumes provider webhooks and runs
// the token reset scheduler.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrymomot/meterkit/internal/server"
	"github.com/dmitrymomot/meterkit/pkg/config"
	"github.com/dmitrymomot/meterkit/pkg/logger"
)

type appConfig struct {
	Env  string `env:"APP_ENV" envDefault:"development"`
	Name string `env:"APP_NAME" envDefault:"meterd"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.Env, cfg.Name),
		logger.WithContextExtractors(server.RequestIDExtractor()),
	)
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, log)
	if err != nil {
		log.Error("failed to initialize", logger.Error(err))
		os.Exit(1)
	}
	defer app.Close()

	log.Info("starting", slog.String("env", cfg.Env))
	if err := app.Run(ctx); err != nil {
		log.Error("stopped with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("stopped gracefully")
}
