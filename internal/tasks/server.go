package tasks

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/obs"
)

// ServerConfig tunes the worker.
type ServerConfig struct {
	Concurrency int
	Queue       string
}

// NewServer builds an asynq server that logs through logger.
func NewServer(redis asynq.RedisConnOpt, cfg ServerConfig, logger zerolog.Logger) *asynq.Server {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      zerologAdapter{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn().
				Err(err).
				Str("task_type", task.Type()).
				Int("retried", retried).
				Int("max_retry", maxRetry).
				Str("trace_id", obs.TraceIDFromContext(ctx)).
				Msg("task_failed")
		}),
	})
}

// zerologAdapter satisfies asynq.Logger.
type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Debug(args ...any) { z.logger.Debug().Msg(fmt.Sprint(args...)) }
func (z zerologAdapter) Info(args ...any)  { z.logger.Info().Msg(fmt.Sprint(args...)) }
func (z zerologAdapter) Warn(args ...any)  { z.logger.Warn().Msg(fmt.Sprint(args...)) }
func (z zerologAdapter) Error(args ...any) { z.logger.Error().Msg(fmt.Sprint(args...)) }
func (z zerologAdapter) Fatal(args ...any) { z.logger.Fatal().Msg(fmt.Sprint(args...)) }
