package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ItemsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_claimed_total",
			Help: "Total number of items claimed by stage workers",
		},
		[]string{"stage"},
	)
	ItemsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_items_in_flight",
			Help: "Handler invocations currently running per stage",
		},
		[]string{"stage"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handler_duration_seconds",
			Help:    "Stage handler invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)
	StageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_stage_transitions_total",
			Help: "Item transitions applied by directive kind",
		},
		[]string{"stage", "directive"},
	)
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool invocations bridged to handlers",
		},
		[]string{"tool", "outcome"},
	)
	EndpointRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_requests_total",
			Help: "Chat-completion requests per stage endpoint",
		},
		[]string{"stage", "provider"},
	)
	EndpointRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "endpoint_request_duration_seconds",
			Help:    "Chat-completion request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage", "provider"},
	)
	StuckRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_stuck_recovered_total",
			Help: "Items returned to pending by the recovery sweep",
		},
		[]string{"stage"},
	)
	FallbackEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_fallback_events_total",
			Help: "Fallback records appended by reason",
		},
		[]string{"stage", "reason"},
	)
	ItemsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "items_ingested_total",
			Help: "Items accepted into the triage queue by source",
		},
		[]string{"source", "outcome"},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ItemsClaimedTotal)
	prometheus.MustRegister(ItemsInFlight)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(StageTransitionsTotal)
	prometheus.MustRegister(ToolCallsTotal)
	prometheus.MustRegister(EndpointRequestsTotal)
	prometheus.MustRegister(EndpointRequestDuration)
	prometheus.MustRegister(StuckRecoveredTotal)
	prometheus.MustRegister(FallbackEventsTotal)
	prometheus.MustRegister(ItemsIngestedTotal)
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
