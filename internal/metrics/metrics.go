// Package metrics provides Prometheus instrumentation for the simulator.
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
	// TicksTotal counts price simulation ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_price_ticks_total",
		Help: "Total number of price simulation ticks",
	})

	// QuoteSubscribers tracks registered price subscribers.
	QuoteSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_quote_subscribers",
		Help: "Number of registered price subscribers",
	})

	// SubscriberPanics counts recovered panics in subscriber callbacks.
	SubscriberPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_subscriber_panics_total",
		Help: "Subscriber callbacks that panicked and were isolated",
	})

	// TradesTotal counts ledger records, partitioned by side and status.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_trades_total",
		Help: "Total number of trades recorded in the ledger",
	}, []string{"side", "status"})

	// TradeRejections counts execution requests rejected before settlement.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_trade_rejections_total",
		Help: "Trade requests rejected before reaching the ledger",
	}, []string{"reason"})

	// TradeLatency measures trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OrdersTriggered counts limit orders that crossed their trigger,
	// partitioned by outcome.
	OrdersTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_orders_triggered_total",
		Help: "Limit orders whose trigger condition fired",
	}, []string{"outcome"})

	// ActiveOrders tracks pending plus triggered limit orders.
	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_active_orders",
		Help: "Number of active (pending or triggered) limit orders",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_http_request_duration_seconds",
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
