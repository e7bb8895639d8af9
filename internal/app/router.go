// Package app assembles the HTTP surface and process-level plumbing.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/factline/internal/adapter/httpserver"
	"github.com/fairyhunter13/factline/internal/adapter/observability"
	"github.com/fairyhunter13/factline/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// Mutating control routes sit behind the rate limiter and the admin guard;
// read-only queue views stay open.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating control surface.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(httpserver.AdminGuard(cfg))
		wr.Post("/v1/items", srv.IngestItem)
		wr.Post("/v1/stages/{stage}/pause", srv.PauseStage)
		wr.Post("/v1/stages/{stage}/resume", srv.ResumeStage)
		wr.Put("/v1/settings/{key}", srv.UpdateSetting)
		wr.Put("/v1/endpoints/{stage}", srv.UpsertEndpoint)
		wr.Post("/v1/endpoints/{stage}/probe", srv.ProbeEndpoint)
		wr.Post("/v1/stuck/reset", srv.ResetStuck)
		wr.Post("/v1/registry/reload", srv.ReloadRegistry)
		wr.Post("/v1/items/{id}/resubmit", srv.ResubmitItem)
		wr.Post("/v1/ready/{id}/complete", srv.CompleteReady)
	})

	// Read-only queue views.
	r.Get("/v1/queue/status", srv.QueueStatus)
	r.Get("/v1/queue/stats", srv.QueueStats)
	r.Get("/v1/queue/pending/{stage}", srv.ListPending)
	r.Get("/v1/queue/rejected", srv.ListRejected)
	r.Get("/v1/queue/fallbacks", srv.ListFallbacks)
	r.Get("/v1/items/{id}/history", srv.ItemHistory)
	r.Get("/v1/settings", srv.GetSettings)
	r.Get("/v1/endpoints", srv.ListEndpoints)
	r.Get("/v1/stuck", srv.StuckReport)
	r.Get("/v1/ready", srv.ListReady)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ReadyzHandler(ready))

	return httpserver.SecurityHeaders(r)
}

// ReadyzHandler runs the readiness check with a short deadline.
func ReadyzHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
