// Command server starts the factline control and ingestion API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/factline/internal/adapter/httpserver"
	"github.com/fairyhunter13/factline/internal/adapter/ingest/redpanda"
	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/adapter/registry"
	"github.com/fairyhunter13/factline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/factline/internal/app"
	"github.com/fairyhunter13/factline/internal/config"
	"github.com/fairyhunter13/factline/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
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
	control := usecase.NewControlService(items, endpoints, settings, fallbacks, reg)

	// Seed stage bindings; stored rows always win over the seed.
	seeds := config.DefaultBindings()
	if cfg.EndpointsFile != "" {
		loaded, err := config.LoadBindingsFile(cfg.EndpointsFile)
		if err != nil {
			slog.Error("endpoints file invalid", slog.String("path", cfg.EndpointsFile), slog.Any("error", err))
			os.Exit(1)
		}
		seeds = loaded
	}
	if applied, err := control.SeedBindings(ctx, seeds); err != nil {
		slog.Error("binding seed failed", slog.Any("error", err))
		os.Exit(1)
	} else if applied > 0 {
		slog.Info("stage bindings seeded", slog.Int("applied", applied))
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IngestEnabled() {
		consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.IngestGroup, cfg.IngestTopic, items)
		if err != nil {
			slog.Error("ingest consumer setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		go consumer.Run(runCtx)
	}

	srv := httpserver.NewServer(cfg, control)
	handler := app.BuildRouter(cfg, srv, app.BuildReadinessCheck(pool))
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-runCtx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.Any("error", err))
	}
}
