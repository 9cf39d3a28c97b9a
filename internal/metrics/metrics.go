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
	// OrdersSubmitted counts accepted orders by energy type and side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_orders_submitted_total",
		Help: "Orders accepted into the book",
	}, []string{"energy_type", "side"})

	// OrdersRejected counts orders rejected at submission by reason code.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_orders_rejected_total",
		Help: "Orders rejected at submission",
	}, []string{"reason"})

	// OrdersClosed counts orders leaving the book without a fill.
	OrdersClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_orders_closed_total",
		Help: "Orders cancelled or expired",
	}, []string{"status"})

	// OpenOrders tracks resting orders per book side.
	OpenOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridtx_open_orders",
		Help: "Number of resting orders",
	}, []string{"energy_type", "side"})

	// TradesSettled counts settled trades by energy type.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"energy_type"})

	// TradeVolume tracks cumulative matched energy in base units.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_trade_volume_total",
		Help: "Cumulative matched energy in base units",
	}, []string{"energy_type"})

	// FeesCollected tracks currency routed to the treasury.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtx_fees_collected_total",
		Help: "Currency base units routed to the protocol treasury",
	})

	// SettlementFailures counts aborted settlements by reason code.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_settlement_failures_total",
		Help: "Trade proposals rolled back during settlement",
	}, []string{"reason"})

	// SettlementLatency is the time to settle one trade proposal.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridtx_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ClearingRuns counts clearing passes by result.
	ClearingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_clearing_runs_total",
		Help: "Market clearing passes",
	}, []string{"result"})

	// ClearingDuration is the wall time of one clearing pass.
	ClearingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridtx_clearing_duration_seconds",
		Help:    "Clearing pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Certificates counts certificate lifecycle transitions by target status.
	Certificates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_certificates_total",
		Help: "Certificate transitions by resulting status",
	}, []string{"status"})

	// RiskRejections counts orders rejected by the open-quantity limiter.
	RiskRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtx_risk_limit_rejections_total",
		Help: "Orders rejected by risk limits",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridtx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridtx_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
