package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/meterflow/pkg/engine"
	"github.com/nicktill/meterflow/pkg/export"
	"github.com/nicktill/meterflow/pkg/httpx"
	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/metrics"
	"github.com/nicktill/meterflow/pkg/query"
	"github.com/nicktill/meterflow/pkg/server/monitor"
)

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Uptime   string                 `json:"uptime"`
	Storage  string                 `json:"storage"`
	Eviction monitor.EvictionStatus `json:"eviction"`
}

// RouterOptions wires the router. Engine is required.
type RouterOptions struct {
	Engine *engine.Engine

	// StorageMonitor reports data directory usage. Nil for backends without
	// a local directory.
	StorageMonitor *monitor.StorageMonitor
	Backend        string

	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	Version        string
	AllowedOrigins []string
}

// DefaultOrigins returns the localhost origins allowed to call the API from a
// browser.
func DefaultOrigins(port string) []string {
	return []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
}

// NewRouter builds the HTTP router:
//
//	POST /v1/readings, /v1/readings/backfill
//	GET  /v1/devices, /v1/devices/{id}/{kpi,series,latest,export}
//	POST /v1/import
//	GET  /v1/ws, /v1/health, /v1/storage, /v1/stats
//	GET  /metrics
func NewRouter(opts RouterOptions) *mux.Router {
	logger := logging.OrNop(opts.Logger)
	e := opts.Engine
	cfg := e.Config()

	router := mux.NewRouter()
	router.Use(httpx.Metrics(opts.Metrics))
	router.Use(httpx.CORS(opts.AllowedOrigins))

	api := router.PathPrefix("/v1").Subrouter()

	ingest.NewHandler(e.Coordinator, cfg.Ingest.MaxReadingsPerRequest, logger).Register(api)
	query.NewHandler(e.Query, logger).Register(api)
	export.NewHandler(e.WAL(), e.Coordinator, logger).Register(api)

	api.HandleFunc("/ws", e.Hub.HandleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/health", handleHealth(e.Health, opts.Backend, opts.Version)).Methods(http.MethodGet)
	api.HandleFunc("/storage", handleStorageUsage(opts.StorageMonitor)).Methods(http.MethodGet)
	api.HandleFunc("/stats", handleStats(e, logger)).Methods(http.MethodGet)

	router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)

	// Middleware only runs on matched routes, so preflights need a route of
	// their own. CORS answers them before this handler is reached.
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return router
}

// handleHealth returns service health status. The service is degraded when
// eviction has stopped succeeding.
func handleHealth(health *monitor.EvictionMonitor, backend, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := health.Status()
		overallStatus := "healthy"
		statusCode := http.StatusOK
		if !status.Healthy {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, HealthResponse{
			Status:   overallStatus,
			Version:  version,
			Uptime:   time.Since(startTime).Round(time.Second).String(),
			Storage:  backend,
			Eviction: status,
		})
	}
}

// handleStorageUsage returns current data directory usage.
func handleStorageUsage(sm *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sm == nil {
			httpx.RespondJSON(w, http.StatusOK, monitor.StorageUsage{})
			return
		}
		usage, err := sm.Usage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, usage)
	}
}

// handleStats returns ingest, rollup and storage statistics.
func handleStats(e *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := e.Stats(r.Context())
		if err != nil {
			// The in-memory figures are still worth returning.
			logger.Warn("storage stats unavailable", "error", err)
		}
		httpx.RespondJSON(w, http.StatusOK, stats)
	}
}
