package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/parcel-tracker/internal/api"
	"github.com/noah-isme/parcel-tracker/internal/app"
	"github.com/noah-isme/parcel-tracker/internal/common"
	"github.com/noah-isme/parcel-tracker/internal/config"
	"github.com/noah-isme/parcel-tracker/internal/health"
	"github.com/noah-isme/parcel-tracker/internal/jobs"
	"github.com/noah-isme/parcel-tracker/internal/obs"
	"github.com/noah-isme/parcel-tracker/internal/ratelimit"
	"github.com/noah-isme/parcel-tracker/internal/security"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsEnabled := cfg.Obs.EnablePrometheus
	obs.MustRegisterTrackingMetrics(cfg.Obs.MetricsNamespace, nil)

	tracingEnabled := cfg.Obs.EnableTracing
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "parcel-tracker-api",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.New(initCtx, cfg, logger, app.Options{RedisMetrics: metricsEnabled})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	apiLimiter, err := ratelimit.NewHTTPLimiter(cfg.APIRateLimit, deps.Redis, "parcel-tracker:ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise api rate limiter")
	}
	rateLimit := ratelimit.Handler{
		Limiter: apiLimiter,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limit_store_failed") },
	}
	idem := common.Idem{R: deps.Redis}

	handlerLogger := logger.With().Str("component", "api").Logger()
	handlerCfg := api.HandlerConfig{
		Tracker: deps.Orchestrator,
		Logger:  &handlerLogger,
	}
	if deps.Cache.Enabled() {
		handlerCfg.Cache = deps.Cache
	}
	if deps.TaskClient != nil {
		handlerCfg.Refresher = jobs.Enqueuer{Client: deps.TaskClient, Queue: cfg.QueueName}
	}
	trackingHandler := api.NewHandler(handlerCfg)

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTSMaxAge: hstsMaxAge(cfg)}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"X-Cache", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.EnablePprof {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.Handler{
		RedisTimeout: 300 * time.Millisecond,
		Info: func() map[string]string {
			singpost := "not_configured"
			if deps.SingPost.Configured() {
				singpost = deps.Breaker.State().String()
			}
			return map[string]string{
				"singpost": singpost,
				"cache":    enabledString(deps.Cache.Enabled()),
				"queue":    enabledString(deps.TaskClient != nil),
			}
		},
	}
	if deps.Redis != nil {
		healthHandler.Checker = readinessChecker{redis: deps.Redis}
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/v1", func(v chi.Router) {
		v.Use(rateLimit.Middleware)
		v.Use(security.BodyLimit{Max: security.DefaultMaxBody}.Middleware)
		trackingHandler.Routes(v, idem.Middleware)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).
			Bool("singpost_configured", deps.SingPost.Configured()).
			Bool("cache_enabled", deps.Cache.Enabled()).
			Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
		return
	case <-ctx.Done():
	}

	health.SetReady(false)
	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func enabledString(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func hstsMaxAge(cfg *config.Config) int {
	if cfg.AppEnv == "production" {
		return 31536000
	}
	return 0
}

type readinessChecker struct {
	redis *redis.Client
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
