package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"portraitforge/internal/engine"
	"portraitforge/internal/infra"
	"portraitforge/internal/infra/credentials"
	"portraitforge/internal/ledger"
	"portraitforge/internal/notify"
	"portraitforge/internal/provider"
	"portraitforge/internal/registry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	creds := credentials.NewStore(runner)

	providerKey, err := credentials.Resolve(ctx, cfg.ProviderAPIKey, creds.ProviderAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: load provider api key")
	}

	client := provider.NewHTTPClient(cfg.ProviderBaseURL, providerKey, cfg.ProviderTimeout, logger)
	reg := registry.New(runner, logger)
	led := ledger.New(runner, cfg.WeeklyCreditCap, cfg.CreditOrder, logger)
	sink := notify.MultiSink{
		&notify.LogSink{Logger: logger},
		&notify.EventSink{SQL: runner, Logger: logger},
	}
	eng := engine.New(runner, reg, led, client, sink, cfg, logger)

	c := cron.New()
	if _, err := c.AddFunc(cfg.PollSweepSchedule, func() {
		if err := eng.PollSweep(ctx); err != nil {
			logger.Warn().Err(err).Msg("worker: poll sweep")
		}
		if err := eng.PromoteSweep(ctx); err != nil {
			logger.Warn().Err(err).Msg("worker: promote sweep")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("worker: bad poll sweep schedule")
	}
	if _, err := c.AddFunc(cfg.ReconcileSchedule, func() {
		if err := eng.ReconcileSweep(ctx); err != nil {
			logger.Warn().Err(err).Msg("worker: reconcile sweep")
		}
		if err := eng.StuckSweep(ctx); err != nil {
			logger.Warn().Err(err).Msg("worker: stuck sweep")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("worker: bad reconcile schedule")
	}

	c.Start()
	logger.Info().
		Str("poll_schedule", cfg.PollSweepSchedule).
		Str("reconcile_schedule", cfg.ReconcileSchedule).
		Msg("worker: sweeps scheduled")

	<-ctx.Done()

	cronCtx := c.Stop()
	<-cronCtx.Done()
	logger.Info().Msg("worker stopped")
}
