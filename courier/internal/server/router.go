package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/courier/common/middleware"
	"github.com/telhawk-systems/courier/courier/internal/handlers"
)

// NewRouter constructs a ServeMux with the agent API routes registered.
func NewRouter(h *handlers.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Envelope intake
	mux.HandleFunc("POST /v1/envelopes/session", h.SubmitSession)
	mux.HandleFunc("POST /v1/envelopes/log", h.SubmitLogs)
	mux.HandleFunc("POST /v1/envelopes/crash", h.SubmitCrash)

	// Delivery control
	mux.HandleFunc("GET /v1/connectivity", h.GetConnectivity)
	mux.HandleFunc("PUT /v1/connectivity", h.SetConnectivity)
	mux.HandleFunc("PUT /v1/gates/{type}", h.SetGate)
	mux.HandleFunc("POST /v1/delivery/flush", h.Flush)

	// Introspection
	mux.HandleFunc("GET /v1/stats", h.Stats)
	mux.HandleFunc("GET /v1/errors", h.Errors)

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
