// Package metrics provides Prometheus instrumentation for the ledger node,
// the computation cluster and the client orchestrator.
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
	// LedgerInstructions counts executed instructions by kind and result
	// reason ("ok" on success).
	LedgerInstructions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shootperps_ledger_instructions_total",
		Help: "Ledger instructions executed",
	}, []string{"kind", "result"})

	// LedgerCallbacks counts computation callbacks by definition and the
	// resulting computation status.
	LedgerCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shootperps_ledger_callbacks_total",
		Help: "Computation callbacks processed by the ledger",
	}, []string{"definition", "status"})

	// LedgerQueueDepth is the number of requests waiting for the cluster.
	LedgerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shootperps_ledger_queue_depth",
		Help: "Computation requests buffered for the cluster",
	})

	// CustodyUtilization tracks locked/owned per custody in basis points.
	CustodyUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shootperps_custody_utilization_bps",
		Help: "Custody utilization in basis points",
	}, []string{"custody"})

	// ClusterComputeDuration measures circuit evaluation time.
	ClusterComputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shootperps_cluster_compute_seconds",
		Help:    "Circuit evaluation latency in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"definition"})

	// ClusterErrors counts requests the cluster could not deliver.
	ClusterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shootperps_cluster_errors_total",
		Help: "Computation requests the cluster failed to evaluate or deliver",
	}, []string{"definition"})

	// TicketsSubmitted counts client submissions by kind and result.
	TicketsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shootperps_tickets_submitted_total",
		Help: "Computation tickets submitted by the orchestrator",
	}, []string{"kind", "result"})

	// TicketsResolved counts tickets by kind and terminal state.
	TicketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shootperps_tickets_resolved_total",
		Help: "Computation tickets reaching a terminal state",
	}, []string{"kind", "state"})

	// TicketLatency measures submit-to-finalization time.
	TicketLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shootperps_ticket_latency_seconds",
		Help:    "Time from submission to finalization in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// WebSocketClients tracks connected event stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shootperps_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ArchivedEvents counts events written to blob storage.
	ArchivedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shootperps_archived_events_total",
		Help: "Ledger events archived to blob storage",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shootperps_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shootperps_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics. Paths are labelled by the matched
// route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
