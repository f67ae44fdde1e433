package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"

	"github.com/skypro1111/reuseportd/internal/config"
	"github.com/skypro1111/reuseportd/internal/metrics"
	"github.com/skypro1111/reuseportd/internal/steering"
	"github.com/skypro1111/reuseportd/internal/supervisor"
)

const (
	serviceName    = "reuseportd"
	serviceVersion = "1.0.0"
)

// Pool is the view of the worker pool the API reports on
type Pool interface {
	RunID() string
	CPUCount() int
	Serving() int
	Failures() []error
	Snapshot() []supervisor.WorkerStatus
	Table() steering.Table
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	pool     Pool
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, pool Pool, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		pool:      pool,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed API handler
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/workers", h.withMetrics("/workers", h.handleWorkers))
	mux.HandleFunc("/table", h.withMetrics("/table", h.handleTable))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON encodes v with the given status code
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	serving := h.pool.Serving()
	cpus := h.pool.CPUCount()

	status, code := "healthy", http.StatusOK
	switch {
	case serving == 0:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case serving < cpus:
		status = "degraded"
	}

	failures := h.pool.Failures()
	failed := make([]string, 0, len(failures))
	for _, err := range failures {
		failed = append(failed, err.Error())
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
			"run_id":  h.pool.RunID(),
		},
		"workers": map[string]interface{}{
			"total":    cpus,
			"serving":  serving,
			"failures": failed,
		},
	}

	h.writeJSON(w, code, health)
}

// handleWorkers implements the /workers endpoint
func (h *HTTPServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workers := h.pool.Snapshot()

	var totals struct {
		Received uint64 `json:"received"`
		Replied  uint64 `json:"replied"`
		Bytes    uint64 `json:"bytes"`
	}
	for _, ws := range workers {
		totals.Received += ws.Stats.Received
		totals.Replied += ws.Stats.Replied
		totals.Bytes += ws.Stats.Bytes
	}

	response := map[string]interface{}{
		"run_id":    h.pool.RunID(),
		"timestamp": time.Now().UTC(),
		"total":     len(workers),
		"totals":    totals,
		"workers":   workers,
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleTable implements the /table endpoint
func (h *HTTPServer) handleTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	table := h.pool.Table()
	if table == nil {
		http.Error(w, "Steering table not published", http.StatusServiceUnavailable)
		return
	}

	entries, err := table.Entries()
	if err != nil {
		h.logger.Error("Failed to read steering table", slog.String("error", err.Error()))
		http.Error(w, "Failed to read steering table", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"name":     steering.MapName(h.config.Server.Port),
		"backend":  h.config.Steering.Backend,
		"capacity": table.Capacity(),
		"size":     len(entries),
		"entries":  entries,
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := map[string]interface{}{
		"server": map[string]interface{}{
			"port":          h.config.Server.Port,
			"bind_address":  h.config.Server.BindAddress,
			"read_buffer":   h.config.Server.ReadBuffer,
			"socket_buffer": h.config.Server.SocketBuffer,
		},
		"pool": map[string]interface{}{
			"cpus":            h.pool.CPUCount(),
			"failure_policy":  h.config.Pool.FailurePolicy,
			"startup_timeout": h.config.Pool.StartupTimeout,
		},
		"steering": map[string]interface{}{
			"backend":       h.config.Steering.Backend,
			"pin_path":      h.config.Steering.PinPath,
			"unpin_on_exit": h.config.Steering.UnpinOnExit,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, cfg)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Per-CPU reuseport UDP receiver",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Pool health check",
			"GET /workers": "Per-worker state and counters",
			"GET /table":   "Steering table entries",
			"GET /config":  "Service configuration",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
