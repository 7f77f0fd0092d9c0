// Package metrics provides Prometheus instrumentation for the simulation
// core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts settled orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simcore_orders_total",
		Help: "Total number of orders settled",
	}, []string{"side"})

	// OrderRejections counts orders rejected at validation, by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simcore_order_rejections_total",
		Help: "Orders rejected before settlement",
	}, []string{"reason"})

	// OrderLatency tracks submit-to-settle latency by side.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simcore_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// StorageWriteFailures counts dropped key-value writes (capacity or
	// backend failure). A non-zero value means the degraded persistence
	// mode was entered.
	StorageWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simcore_storage_write_failures_total",
		Help: "Key-value writes dropped instead of persisted",
	})

	// SessionsActive is 1 while a session is signed in, 0 otherwise.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simcore_sessions_active",
		Help: "Whether this context currently holds a signed-in session",
	})

	// WebSocketClients tracks connected streaming clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simcore_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// PriceTicks counts live price points emitted, by asset.
	PriceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simcore_price_ticks_total",
		Help: "Live price points emitted by the feed simulator",
	}, []string{"asset"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simcore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simcore_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		// Use the raw path for the label; the route surface is small
		// enough that cardinality stays bounded.
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
