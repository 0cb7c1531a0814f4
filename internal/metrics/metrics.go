// Package metrics provides Prometheus instrumentation for the pricing
// engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CalculationsTotal counts price calculations, partitioned by
	// direction (BUY/SELL) and outcome (ok, validation_error, no_data).
	CalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waxvault_calculations_total",
		Help: "Total price calculations",
	}, []string{"direction", "outcome"})

	// PolicyVersionsSaved counts policy transitions by scope and change type.
	PolicyVersionsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waxvault_policy_versions_total",
		Help: "Policy versions created (saves and rollbacks)",
	}, []string{"scope", "change_type"})

	// PolicyCacheHits counts policy cache reads by result.
	PolicyCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waxvault_policy_cache_reads_total",
		Help: "Policy cache reads",
	}, []string{"result"})

	// MarketResolutions counts market statistic resolutions by source
	// (snapshot, DISCOGS, EBAY) and outcome (hit, empty, error).
	MarketResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waxvault_market_resolutions_total",
		Help: "Market statistic resolution attempts",
	}, []string{"source", "outcome"})

	// MarkdownsTotal counts markdown computations.
	MarkdownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waxvault_markdowns_total",
		Help: "Markdown computations",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waxvault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waxvault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// WebSocketClients tracks connected admin dashboard clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waxvault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is low.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so WebSocket upgrades
// work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
