// Package api assembles the public HTTP gateway: routes, middleware and the
// Prometheus endpoint.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/api/handlers"
	"github.com/gometeo/weathergw/internal/metrics"
)

// NewRouter registers the gateway routes on a fresh mux.Router. gatherer backs
// GET /metrics and may be nil to leave the endpoint out.
func NewRouter(h *handlers.WeatherHandler, logger *zap.SugaredLogger, m *metrics.Metrics, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/weather", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/forecast", h.GetForecast).Methods(http.MethodGet)
	api.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/ready", h.ReadinessCheck).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware(m))
	router.Use(contentTypeMiddleware)

	return router
}
