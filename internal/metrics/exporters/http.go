// Package exporters provides HTTP and SSE exporters for metrics.
package exporters

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/hwdecode/internal/logging"
)

type handlerConfig struct {
	gatherer    prometheus.Gatherer
	maxInFlight int
}

// HandlerOption configures HTTPHandler.
type HandlerOption func(*handlerConfig)

// WithGatherer serves g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) HandlerOption {
	return func(c *handlerConfig) { c.gatherer = g }
}

// WithMaxRequestsInFlight caps concurrent scrapes; extra requests get 503.
func WithMaxRequestsInFlight(n int) HandlerOption {
	return func(c *handlerConfig) { c.maxInFlight = n }
}

// HTTPHandler serves decoder and engine metrics in the Prometheus text
// format. Collection errors are logged and the remaining metrics are still
// served.
func HTTPHandler(opts ...HandlerOption) http.Handler {
	cfg := handlerConfig{gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := logging.GetLogger("http")
	return promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{
		ErrorLog:            slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: cfg.maxInFlight,
	})
}
