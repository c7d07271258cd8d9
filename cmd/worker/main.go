package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/parcel-tracker/internal/app"
	"github.com/noah-isme/parcel-tracker/internal/config"
	"github.com/noah-isme/parcel-tracker/internal/jobs"
	"github.com/noah-isme/parcel-tracker/internal/lock"
	"github.com/noah-isme/parcel-tracker/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterTrackingMetrics(cfg.Obs.MetricsNamespace, nil)

	if cfg.RedisURL == "" {
		logger.Fatal().Msg("REDIS_URL is required for the refresh worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.New(initCtx, cfg, logger, app.Options{SkipTaskClient: true})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	srv := asynq.NewServer(deps.RedisConnOpt, asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{cfg.QueueName: 1},
		ShutdownTimeout: 30 * time.Second,
		Logger:          taskLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task_type", task.Type()).Msg("task_failed")
		}),
	})
	mux := jobs.NewServeMux(jobs.RefreshHandler{
		Tracker: deps.Orchestrator,
		Store:   deps.Cache,
		Guard:   lock.Locker{R: deps.Redis},
		Logger:  logger,
	})

	logger.Info().Str("queue", cfg.QueueName).Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// taskLogger adapts zerolog to asynq.Logger.
type taskLogger struct {
	logger zerolog.Logger
}

func (l taskLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l taskLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
