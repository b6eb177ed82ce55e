package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/mealpass/internal/app"
	"github.com/noah-isme/mealpass/internal/config"
	"github.com/noah-isme/mealpass/internal/obs"
	"github.com/noah-isme/mealpass/internal/resilience"
	"github.com/noah-isme/mealpass/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "mealpass"), nil)
	if err := resilience.RegisterMetrics(nil); err != nil {
		logger.Fatal().Err(err).Msg("register breaker metrics")
	}

	if !cfg.RedisEnabled() {
		logger.Fatal().Msg("REDIS_URL is required to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := app.New(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	handlers := tasks.Handlers{Issuer: deps.Issuer, Logger: &logger}
	if cfg.NotifyEmailEnabled {
		handlers.Mail = deps.EmailDeliverer()
	}
	dispatcher, err := deps.WebhookDispatcher()
	if err != nil {
		logger.Fatal().Err(err).Msg("configure webhooks")
	}
	if dispatcher != nil {
		handlers.Webhooks = dispatcher
	}

	mux := asynq.NewServeMux()
	handlers.Register(mux)

	srv := tasks.NewServer(deps.RedisConnOpt(), tasks.ServerConfig{
		Concurrency: cfg.TaskConcurrency,
		Queue:       cfg.TaskQueue,
	}, logger)
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Int("concurrency", cfg.TaskConcurrency).Str("queue", cfg.TaskQueue).Msg("worker started")

	<-ctx.Done()
	logger.Info().Msg("worker stopping")
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
