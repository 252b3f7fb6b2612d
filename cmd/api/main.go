package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"portraitforge/internal/engine"
	"portraitforge/internal/http/handlers"
	"portraitforge/internal/http/httpapi"
	"portraitforge/internal/infra"
	"portraitforge/internal/infra/credentials"
	"portraitforge/internal/ledger"
	"portraitforge/internal/migrate"
	"portraitforge/internal/notify"
	"portraitforge/internal/provider"
	"portraitforge/internal/registry"
	"portraitforge/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if err := migrate.Run(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	creds := credentials.NewStore(runner)

	webhookSecret, err := credentials.Resolve(ctx, cfg.WebhookSecret, creds.WebhookSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("load webhook secret")
	}
	providerKey, err := credentials.Resolve(ctx, cfg.ProviderAPIKey, creds.ProviderAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("load provider api key")
	}

	var replay webhook.ReplayCache = webhook.NopReplayCache{}
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		replay = webhook.NewRedisReplayCache(redisClient, logger)
	}

	verifier := webhook.NewVerifier(webhookSecret, logger)
	if !verifier.Enabled() {
		logger.Warn().Msg("webhook signing secret not configured, inbound deliveries are unauthenticated")
	}

	client := provider.NewHTTPClient(cfg.ProviderBaseURL, providerKey, cfg.ProviderTimeout, logger)
	reg := registry.New(runner, logger)
	led := ledger.New(runner, cfg.WeeklyCreditCap, cfg.CreditOrder, logger)
	sink := notify.MultiSink{
		&notify.LogSink{Logger: logger},
		&notify.EventSink{SQL: runner, Logger: logger},
	}
	eng := engine.New(runner, reg, led, client, sink, cfg, logger)

	app := &handlers.App{
		Config:   cfg,
		Logger:   logger,
		Engine:   eng,
		Ledger:   led,
		Jobs:     reg,
		Verifier: verifier,
		Replay:   replay,
		Validate: validator.New(),
		DB:       pool,
		Redis:    redisClient,
	}

	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
