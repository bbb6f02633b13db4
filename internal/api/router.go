// Package api provides the HTTP exposition server of airparif-influx.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/breatheroute/airparif-influx/internal/api/handler"
	"github.com/breatheroute/airparif-influx/internal/api/middleware"
	"github.com/breatheroute/airparif-influx/internal/api/response"
	"github.com/breatheroute/airparif-influx/internal/exporter"
)

// DefaultMetricsRateLimit is the per-IP budget of GET /metrics when
// RouterConfig.MetricsRateLimit is unset.
const DefaultMetricsRateLimit = 60

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// Runner produces the line protocol served on /metrics.
	Runner handler.Runner
	// Defaults are the export options of requests without query parameters.
	Defaults exporter.Options
	// Upstreams backs /v1/ops/status. May be nil.
	Upstreams handler.HealthReporter
	// MetricsRateLimit is the number of /metrics requests per minute per IP.
	MetricsRateLimit int
}

// NewRouter creates a new chi router with all routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "airparif-influx"
	}
	metricsLimit := cfg.MetricsRateLimit
	if metricsLimit <= 0 {
		metricsLimit = DefaultMetricsRateLimit
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, r, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.MethodNotAllowed(w, r, r.Method+" is not supported on "+r.URL.Path)
	})

	metricsHandler := handler.NewMetricsHandler(cfg.Runner, cfg.Defaults, cfg.Logger)
	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Upstreams)

	// Every scrape costs upstream calls, so /metrics has its own budget.
	r.With(middleware.RateLimitByIP(middleware.PerMinute(metricsLimit))).
		Get("/metrics", metricsHandler.Export)

	r.Route("/v1/ops", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(middleware.OpsRateLimit))
		r.Get("/health", opsHandler.HealthCheck)
		r.Get("/status", opsHandler.SystemStatus)
	})

	return r
}
