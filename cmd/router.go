package main

import (
	"net/http"

	"github.com/angeloszaimis/edgeproxy/internal/metrics"
)

// adminRouter serves operational endpoints on a listener separate from the
// proxy, so the proxy path whitelist stays the only public surface.
func adminRouter(metricsCollector *metrics.Collector, strategy string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metricsCollector.PrometheusHandler())
	mux.HandleFunc("GET /stats", metricsCollector.Handler(strategy))

	return mux
}
