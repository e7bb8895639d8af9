// Command worker runs the stage worker pools and the recovery manager.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/factline/internal/adapter/agent"
	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/adapter/registry"
	"github.com/fairyhunter13/factline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/factline/internal/adapter/search/brave"
	"github.com/fairyhunter13/factline/internal/config"
	"github.com/fairyhunter13/factline/internal/domain"
	"github.com/fairyhunter13/factline/internal/pipeline"
	"github.com/fairyhunter13/factline/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema ensure failed", slog.Any("error", err))
		os.Exit(1)
	}

	items := postgres.NewItemRepo(pool)
	endpoints := postgres.NewEndpointRepo(pool)
	settings := postgres.NewSettingRepo(pool)
	fallbacks := postgres.NewFallbackRepo(pool)
	reg := registry.New(endpoints)

	// Shared search budget. Without Redis the limiter passes everything
	// through and the Brave subscription is the only cap.
	var limiter ratelimiter.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		limiter = ratelimiter.NewRedisLuaLimiter(redis.NewClient(opts), map[string]ratelimiter.BucketConfig{
			brave.BudgetKey: ratelimiter.NewBucketConfigFromPerMinute(cfg.SearchRatePerMin),
		})
	}
	searcher := brave.New(cfg.BraveBaseURL, cfg.BraveAPIKey, cfg.BraveTimeout, limiter)

	chat := agent.NewChatClient(cfg)
	llm := agent.NewHandler(chat, cfg.ToolCallCap)
	handlers := pipeline.NewRegistry()
	for _, stage := range domain.AgentStages() {
		handlers.Register(stage, llm)
	}

	deps := pipeline.Deps{
		Items:        items,
		Endpoints:    reg,
		Settings:     settings,
		Fallbacks:    fallbacks,
		Registry:     handlers,
		Searcher:     searcher,
		HandlerGrace: cfg.HandlerGrace,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics endpoint for Prometheus scraping.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	var wg sync.WaitGroup
	for _, stage := range domain.AgentStages() {
		worker := pipeline.NewStageWorker(stage, deps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(runCtx, cfg.ShutdownDrainTimeout)
		}()
	}

	recovery := pipeline.NewRecoveryManager(items, settings, cfg.RecoveryInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		recovery.Run(runCtx)
	}()

	slog.Info("worker pools running", slog.Int("stages", len(domain.AgentStages())))
	<-runCtx.Done()
	slog.Info("worker shutting down")
	wg.Wait()
}
