package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/simplelife2010/AIM/internal/config"
	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/store"
)

const (
	defaultArtifactLimit = 20
	maxArtifactLimit     = 500
	shutdownTimeout      = 5 * time.Second
)

// StatusProvider is the view of the running recorder served by the API
type StatusProvider interface {
	// Components maps each component name to "running", "stopped" or "failed"
	Components() map[string]string
	Stats() map[string]any
	Config() *config.Config
	RecentArtifacts(limit int) ([]store.Artifact, error)
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	status   StatusProvider
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	version  string

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, status StatusProvider, gatherer prometheus.Gatherer,
	m *metrics.Metrics, version string, logger *slog.Logger) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		status:    status,
		gatherer:  gatherer,
		metrics:   m,
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/artifacts", h.withMetrics("/artifacts", h.handleArtifacts))

	// The metrics endpoint is not instrumented itself
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)
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

// Run serves until ctx is done and then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := h.status.Components()
	status := "healthy"
	code := http.StatusOK
	for _, state := range components {
		if state == "failed" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "aim",
			"version": h.version,
		},
		"components": components,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.status.Stats()
	stats["uptime"] = time.Since(h.startTime).String()
	stats["timestamp"] = time.Now().UTC()

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint. The configuration is served
// as YAML, the format it is written in, with credentials redacted.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	redacted := h.status.Config().Redacted()
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		http.Error(w, "Failed to encode configuration", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// handleArtifacts implements the /artifacts?limit=N endpoint
func (h *HTTPServer) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultArtifactLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxArtifactLimit)
	}

	artifacts, err := h.status.RecentArtifacts(limit)
	if err != nil {
		h.logger.Error("Failed to list artifacts", slog.String("error", err.Error()))
		http.Error(w, "Failed to list artifacts", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(artifacts),
		"timestamp": time.Now().UTC(),
		"artifacts": artifacts,
	})
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

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "AIM audio recorder",
		"version": h.version,
		"endpoints": map[string]any{
			"GET /":                  "API documentation",
			"GET /health":            "Service health check",
			"GET /stats":             "Component statistics",
			"GET /config":            "Effective configuration (YAML)",
			"GET /artifacts?limit=N": "Newest finalized artifacts",
			"GET /metrics":           "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
