// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktrader_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts trades refused by the ledger, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktrader_trade_rejections_total",
		Help: "Trades rejected by the ledger",
	}, []string{"side", "reason"})

	// TradeLatency tracks ledger execution time.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocktrader_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SimulationTicks counts simulator ticks by outcome ("ok" or "error").
	SimulationTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktrader_simulation_ticks_total",
		Help: "Price simulation ticks by outcome",
	}, []string{"outcome"})

	// SimulationTickDuration tracks how long one tick takes end to end.
	SimulationTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stocktrader_simulation_tick_seconds",
		Help:    "Price simulation tick duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// SimulationRunning is 1 while the simulator is running.
	SimulationRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocktrader_simulation_running",
		Help: "Whether the price simulator is running",
	})

	// Subscribers tracks sessions subscribed to price updates.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocktrader_price_subscribers",
		Help: "Number of sessions subscribed to price updates",
	})

	// DroppedBatches counts batches discarded from full subscriber queues.
	DroppedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocktrader_dropped_price_batches_total",
		Help: "Price batches dropped because a subscriber queue was full",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktrader_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocktrader_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack passes through to the underlying writer so WebSocket upgrades keep
// working behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
