// Package metrics provides Prometheus instrumentation for the paper engine.
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
	// OptionTradesTotal counts option opens and closes by action, kind and side.
	OptionTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_option_trades_total",
		Help: "Total number of option trades executed",
	}, []string{"action", "kind", "side"})

	// HoldingTradesTotal counts equity/crypto buys and sells.
	HoldingTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_holding_trades_total",
		Help: "Total number of equity and crypto trades executed",
	}, []string{"action", "class"})

	// TradeLatency tracks end-to-end latency of mutating operations.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_trade_latency_seconds",
		Help:    "Mutating operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// RejectedTotal counts operations rejected before mutation, by result code.
	RejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_rejected_operations_total",
		Help: "Operations rejected, by result code",
	}, []string{"operation", "code"})

	// SettlementsTotal counts expiration outcomes.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_settlements_total",
		Help: "Option positions settled at expiration, by outcome",
	}, []string{"outcome"})

	// LiquidationsTotal counts positions force-closed by the margin engine.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_liquidations_total",
		Help: "Option positions closed by the liquidation cascade",
	})

	// MarginCallsTotal counts margin call records created, by reason.
	MarginCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_margin_calls_total",
		Help: "Margin call records created",
	}, []string{"reason"})

	// MarginUtilization observes utilization percentage at every recompute.
	MarginUtilization = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paper_margin_utilization_percent",
		Help:    "Margin utilization percentage observed at recompute",
		Buckets: []float64{10, 25, 50, 70, 80, 90, 95, 100, 150},
	})

	// OracleLatency tracks quote service request latency by endpoint.
	OracleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_oracle_request_duration_seconds",
		Help:    "Quote service request duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	// OracleErrors counts quote service failures by endpoint and reason.
	OracleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_oracle_errors_total",
		Help: "Quote service failures",
	}, []string{"endpoint", "reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts ledger events by sink and type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_events_published_total",
		Help: "Ledger events published",
	}, []string{"sink", "type"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSince records the elapsed time of an operation.
func ObserveSince(operation string, start time.Time) {
	TradeLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

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

		// Route pattern keeps account IDs out of the label set.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
