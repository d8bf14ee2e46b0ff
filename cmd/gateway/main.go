package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/arvhq/llmgateway/internal/api"
	"github.com/arvhq/llmgateway/internal/circuitbreaker"
	"github.com/arvhq/llmgateway/internal/config"
	"github.com/arvhq/llmgateway/internal/harvester"
	"github.com/arvhq/llmgateway/internal/metrics"
	"github.com/arvhq/llmgateway/internal/middleware"
	"github.com/arvhq/llmgateway/internal/provider/anthropicbridge"
	"github.com/arvhq/llmgateway/internal/provider/openaiweb"
	"github.com/arvhq/llmgateway/internal/provider/vertex"
	"github.com/arvhq/llmgateway/internal/ratelimit"
	"github.com/arvhq/llmgateway/internal/router"
	"github.com/arvhq/llmgateway/internal/telemetry"
	"github.com/arvhq/llmgateway/internal/tokenmanager"
)

const serviceVersion = "1.0.0"

// gauge is satisfied by both rate limiter backends, letting GET /metrics
// report the live token count without caring which one is active.
type gauge interface {
	Tokens() float64
	Capacity() float64
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log.Level, cfg.Log.Format)

	slog.Info("starting llmgateway", "version", serviceVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "llmgateway", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer shutdownTelemetry(ctx)

	metrics.InitInstanceMetrics(os.Getenv("POD_NAME"), serviceVersion)

	tokens, err := buildTokenManager(cfg)
	if err != nil {
		slog.Error("failed to configure google token manager", "error", err)
		os.Exit(1)
	}

	vertexProvider := vertex.New(tokens, cfg.Vertex.APIKeyBaseURL, cfg.Vertex.OAuthBaseURL, cfg.Vertex.Region)
	anthropicProvider := anthropicbridge.New(cfg.Anthropic.BridgeURL)
	openaiWebProvider := openaiweb.New(harvester.New(cfg.OpenAI.HarvesterURL), cfg.OpenAI.TLSFingerprintEnabled)

	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.CircuitBreaker.TimeoutSecs) * time.Second,
	}
	var breakerOpts []circuitbreaker.ManagerOption
	if cfg.CircuitBreaker.RedisURL != "" {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(cfg.CircuitBreaker.RedisURL))
		slog.Info("using redis-backed circuit breakers", "url", cfg.CircuitBreaker.RedisURL)
	}
	breakers := circuitbreaker.NewManager(breakerCfg, breakerOpts...)

	gatewayRouter := router.New(vertexProvider, anthropicProvider, openaiWebProvider, breakers)

	limiterGauge, rateLimiterMW, closeLimiter := buildRateLimiter(cfg)
	defer closeLimiter()

	handler := api.NewHandler(gatewayRouter, limiterGauge)

	chained := middleware.Chain(handler, middleware.Config{
		MaxRequestBytes: cfg.Server.MaxRequestSize,
		RequireAuth:     cfg.Auth.RequireAuth,
		MasterKey:       cfg.Auth.MasterKey,
	}, rateLimiterMW)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      chained,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// buildTokenManager picks API-key mode over OAuth service-account mode when
// both are configured: a deployment with an API key never needs the heavier
// self-signed-JWT flow.
func buildTokenManager(cfg config.Config) (*tokenmanager.Manager, error) {
	if cfg.Vertex.APIKey != "" {
		return tokenmanager.NewAPIKey(cfg.Vertex.APIKey), nil
	}
	return tokenmanager.NewServiceAccount(cfg.Vertex.CredentialsPath)
}

// buildRateLimiter selects the Redis-backed bucket when rate_limit.redis_url
// is configured, falling back to the in-memory one otherwise. Both satisfy
// gauge and middleware.RateLimiter (the Redis variant via an adapter, since
// its TryAdmit takes a context this pipeline has no per-call slot for).
func buildRateLimiter(cfg config.Config) (gauge, middleware.RateLimiter, func()) {
	if cfg.RateLimit.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedis(cfg.RateLimit.RedisURL, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
		if err != nil {
			slog.Warn("failed to connect to redis for rate limiting, using in-memory", "error", err)
		} else {
			slog.Info("using redis-backed rate limiter", "url", cfg.RateLimit.RedisURL)
			return redisLimiter, middleware.RateLimiterFunc(redisLimiter.TryAdmitNow), func() { redisLimiter.Close() }
		}
	}

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	return limiter, limiter, func() {}
}

func setupLogger(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if format == "pretty" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
