// Package metrics provides Prometheus instrumentation for the auction engine.
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
	// AuctionsOpened counts auctions moved from draft to open, by kind.
	AuctionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subasta_auctions_opened_total",
		Help: "Auctions opened for bidding",
	}, []string{"kind"})

	// AuctionTransitions counts auctions reaching a terminal state.
	AuctionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subasta_auction_transitions_total",
		Help: "Auctions reaching a terminal state",
	}, []string{"state"})

	// OffersSubmitted counts offers accepted by intake, by submitter role.
	OffersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subasta_offers_submitted_total",
		Help: "Offers accepted by intake",
	}, []string{"role"})

	// Adjudications counts adjudication attempts by outcome
	// (won, limit_exceeded, conflict, aborted, ...).
	Adjudications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subasta_adjudications_total",
		Help: "Adjudication attempts by outcome",
	}, []string{"outcome"})

	// AdjudicationLatency tracks adjudication duration by execution strategy.
	AdjudicationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subasta_adjudication_latency_seconds",
		Help:    "Adjudication latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	// Compensations counts saga compensation runs by result.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subasta_compensations_total",
		Help: "Saga compensation runs by result",
	}, []string{"result"})

	// LimitRejections counts ledger spends refused for lack of headroom.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subasta_limit_rejections_total",
		Help: "Ledger spends refused for insufficient headroom",
	})

	// CommittedVolume tracks committed amount per currency.
	CommittedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subasta_committed_volume_total",
		Help: "Cumulative committed amount",
	}, []string{"currency"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subasta_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subasta_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subasta_http_request_duration_seconds",
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

		// Route pattern keeps ids out of the label set.
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

// Hijack lets websocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
