package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/ojs-campaigns/internal/api"
	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/metrics"
)

// NewRouter creates and configures the HTTP router with all campaign routes.
// store names the durable store in the manifest.
func NewRouter(backend core.Backend, events core.EventSubscriber, store string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(api.OJSHeaders)
	r.Use(api.RequestLogger(logger))
	r.Use(api.ValidateContentType)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Create handlers
	campaignHandler := api.NewCampaignHandler(backend)
	controlHandler := api.NewControlHandler(backend)
	deliveryHandler := api.NewDeliveryHandler(backend)
	systemHandler := api.NewSystemHandler(backend, store)

	// System endpoints
	r.Get("/v1/manifest", systemHandler.Manifest)
	r.Get("/v1/health", systemHandler.Health)

	// Campaign endpoints
	r.Post("/v1/campaigns", campaignHandler.Start)
	r.Get("/v1/campaigns", campaignHandler.List)
	r.Get("/v1/campaigns/{key}", campaignHandler.Get)
	r.Post("/v1/campaigns/{key}/await", campaignHandler.Await)

	// Control switches
	r.Get("/v1/controls", controlHandler.State)
	r.Get("/v1/controls/gate", controlHandler.GetGate)
	r.Put("/v1/controls/gate", controlHandler.SetGate)
	r.Get("/v1/controls/retry-level", controlHandler.GetRetryLevel)
	r.Put("/v1/controls/retry-level", controlHandler.SetRetryLevel)

	// Remote delivery gateway
	r.Post("/v1/deliveries", deliveryHandler.Submit)

	// Event stream
	if events != nil {
		r.Get("/v1/events", api.NewSSEHandler(events).Stream)
	}

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()
		path := metricRoutePattern(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, fmt.Sprintf("%d", ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, fmt.Sprintf("%d", ww.Status())).Observe(duration)
	})
}

// metricRoutePattern keeps path parameters out of metric labels.
func metricRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
