package cli

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transferd/transferd/pkg/handler"
	"github.com/transferd/transferd/pkg/prometheuscollector"
)

// SetupMetrics registers the handler's metrics with the default
// Prometheus registry and mounts the exposition endpoint.
func SetupMetrics(mux *http.ServeMux, h *handler.Handler) {
	prometheus.MustRegister(prometheuscollector.New(h.Metrics))

	mux.Handle(Flags.MetricsPath, promhttp.Handler())
}
