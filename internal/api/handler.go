// Package api serves the operational HTTP endpoints: Prometheus metrics and
// liveness and readiness checks.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/heidpi/internal/metrics"
	"github.com/gyaneshwarpardhi/heidpi/internal/stream"
)

// maxQueueUtilization is the readiness threshold for the dispatch queue.
const maxQueueUtilization = 0.8

// ConnState reports the distributor connection state.
type ConnState interface {
	State() stream.State
}

// Queue reports dispatch queue utilisation (0 to 1).
type Queue interface {
	QueueUtilization() float64
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	conn  ConnState
	queue Queue
	mux   *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(conn ConnState, queue Queue, log zerolog.Logger) http.Handler {
	h := &Handler{conn: conn, queue: queue, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(log, h.mux)
}

// NewServer wraps handler in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// GET /healthz: always 200 (liveness).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 unless connected to the distributor and the dispatch
// queue is at most 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	state := h.conn.State()
	util := h.queue.QueueUtilization()
	metrics.QueueUtilization.Set(util)

	body := map[string]interface{}{
		"connection":        state.String(),
		"queue_utilization": util,
	}
	switch {
	case state != stream.Connected:
		body["status"] = "disconnected"
		writeJSON(w, http.StatusServiceUnavailable, body)
	case util > maxQueueUtilization:
		body["status"] = "overloaded"
		writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		body["status"] = "ready"
		writeJSON(w, http.StatusOK, body)
	}
}
