package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterMetrics mounts the Prometheus exposition endpoint.
func RegisterMetrics(r chi.Router) {
	r.Handle("/metrics", promhttp.Handler())
}
