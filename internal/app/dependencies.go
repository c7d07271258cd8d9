// Package app wires configuration into the services shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/parcel-tracker/internal/config"
	"github.com/noah-isme/parcel-tracker/internal/ratelimit"
	"github.com/noah-isme/parcel-tracker/internal/resilience"
	"github.com/noah-isme/parcel-tracker/internal/ship24"
	"github.com/noah-isme/parcel-tracker/internal/singpost"
	"github.com/noah-isme/parcel-tracker/internal/trackcache"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

// Dependencies enumerates the services shared by the API, the worker and the
// CLI. Redis-backed members are nil or disabled when REDIS_URL is unset.
type Dependencies struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Redis        *redis.Client
	RedisConnOpt asynq.RedisConnOpt
	Limiter      *ratelimit.Limiter
	Breaker      *resilience.Breaker
	SingPost     *singpost.Client
	Ship24       *ship24.Client
	Orchestrator *tracking.Orchestrator
	Cache        *trackcache.Cache
	TaskClient   *asynq.Client
}

// Options tunes New.
type Options struct {
	// RedisMetrics enables redisotel metrics instrumentation.
	RedisMetrics bool
	// SkipTaskClient avoids opening an asynq client, e.g. in the worker.
	SkipTaskClient bool
}

// New builds the shared dependencies. The Redis connection is verified with a
// ping when configured.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	d := &Dependencies{Config: cfg, Logger: logger}

	if cfg.RedisURL != "" {
		rdb, err := NewRedis(ctx, cfg.RedisURL, opts.RedisMetrics, logger)
		if err != nil {
			return nil, err
		}
		d.Redis = rdb
		connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("app: parse redis uri for tasks: %w", err)
		}
		d.RedisConnOpt = connOpt
		if !opts.SkipTaskClient {
			d.TaskClient = asynq.NewClient(connOpt)
		}
	}

	orchestrator, err := d.buildTracking()
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Orchestrator = orchestrator
	d.Cache = trackcache.New(d.Redis, cfg.TrackingCacheTTL)
	return d, nil
}

func (d *Dependencies) buildTracking() (*tracking.Orchestrator, error) {
	cfg := d.Config
	d.Limiter = ratelimit.NewLimiter(cfg.RateLimitKeyInterval, cfg.RateLimitGlobalInterval)
	d.Breaker = resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget(string(tracking.ProviderSingPost)).
		WithLogger(d.Logger)

	sp, err := singpost.New(singpost.Config{
		APIKey:      cfg.SingPost.APIKey,
		SystemID:    cfg.SingPost.SystemID,
		Production:  cfg.SingPost.Production,
		BaseURL:     cfg.SingPost.BaseURL,
		Timeout:     cfg.SingPost.Timeout,
		RetryBase:   cfg.SingPost.RetryBase,
		MaxAttempts: cfg.SingPost.MaxAttempts,
		BatchSize:   cfg.SingPost.BatchSize,
	}, d.Limiter,
		singpost.WithBreaker(d.Breaker),
		singpost.WithLogger(d.Logger.With().Str("component", "singpost").Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("app: singpost client: %w", err)
	}
	if !sp.Configured() {
		d.Logger.Warn().Msg("SINGPOST_API_KEY not set; structured tracking will report not_configured")
	}
	d.SingPost = sp

	d.Ship24 = ship24.New(ship24.ChromeLauncher{
		ExecPath:   cfg.ChromePath,
		Headless:   cfg.ChromeHeadless,
		LandingURL: cfg.Ship24URL,
		SettleWait: cfg.Ship24SettleWait,
	},
		ship24.WithLogger(d.Logger.With().Str("component", "ship24").Logger()),
		ship24.WithConcurrency(cfg.TrackingConcurrency),
	)

	return &tracking.Orchestrator{
		Structured:      d.SingPost,
		Scraper:         d.Ship24,
		DefaultProvider: tracking.ParseProvider(cfg.TrackingDefaultProvider),
		MaxBatch:        cfg.TrackingMaxBatch,
		CallTimeout:     cfg.TrackingCallTimeout,
		Logger:          d.Logger.With().Str("component", "tracking").Logger(),
	}, nil
}

// NewRedis connects to url with otel instrumentation and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, url string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	return client, nil
}

// Close releases the Redis connection and the task client.
func (d *Dependencies) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close task client: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
