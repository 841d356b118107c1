package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dyluth/warren/pkg/canon"
)

// HealthServer provides the engine's HTTP endpoints: /healthz (liveness),
// /readyz (readiness, unavailable until startup recovery finishes) and
// /metrics (Prometheus).
type HealthServer struct {
	client *canon.Client
	logger *zap.Logger
	port   int
	server *http.Server
	ready  atomic.Bool
}

// NewHealthServer creates a new health check server.
func NewHealthServer(client *canon.Client, port int, logger *zap.Logger) *HealthServer {
	return &HealthServer{
		client: client,
		logger: logger,
		port:   port,
	}
}

// Start starts the HTTP server in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthzHandler)
	mux.HandleFunc("/readyz", h.readyzHandler)
	mux.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server failed", zap.Error(err))
		}
	}()

	return nil
}

// SetReady marks startup recovery as finished; /readyz starts returning 200.
func (h *HealthServer) SetReady() {
	h.ready.Store(true)
}

// Shutdown gracefully shuts down the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthzHandler handles GET /healthz.
// Returns 200 OK if Redis is reachable, 503 Service Unavailable otherwise.
func (h *HealthServer) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writePingStatus(w, r)
}

// readyzHandler handles GET /readyz.
// Returns 503 while startup recovery is still replaying the ledger, then
// behaves like /healthz.
func (h *HealthServer) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.ready.Load() {
		writeHealthJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "recovering"})
		return
	}

	h.writePingStatus(w, r)
}

func (h *HealthServer) writePingStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.client.Ping(ctx); err != nil {
		writeHealthJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Redis:  "disconnected",
			Error:  err.Error(),
		})
		return
	}

	writeHealthJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Redis:  "connected",
	})
}

func writeHealthJSON(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}
