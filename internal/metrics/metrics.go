// Package metrics provides Prometheus instrumentation for the prediction engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pme_trades_total",
		Help: "Total number of trades committed",
	}, []string{"side"})

	// TradeRejections counts rejected trades by rejection kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pme_trade_rejections_total",
		Help: "Trades rejected during validation",
	}, []string{"reason"})

	// TradeLatency tracks trade execution latency by side.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pme_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ActiveMarkets tracks the number of markets in the registry.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pme_active_markets",
		Help: "Number of markets in the registry",
	})

	// WebSocketClients tracks connected WebSocket subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pme_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// FeedDrops counts updates dropped by the feed hub under backpressure.
	FeedDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pme_feed_drops_total",
		Help: "Market updates dropped by the feed hub",
	})

	// ArchiveErrors counts failed archive writes to Postgres or Redis.
	ArchiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pme_archive_errors_total",
		Help: "Failed archive sink writes",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pme_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pme_http_request_duration_seconds",
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

		// Use the raw path for the label; route count is small and fixed.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
