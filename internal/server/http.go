package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashb/windows-audio-events/internal/bridge"
	"github.com/ashb/windows-audio-events/internal/config"
	"github.com/ashb/windows-audio-events/internal/endpoint"
	"github.com/ashb/windows-audio-events/internal/fault"
	"github.com/ashb/windows-audio-events/internal/metrics"
	"github.com/ashb/windows-audio-events/internal/notify"
)

const apiPrefix = "/api/v1/endpoints"

// HTTPServer exposes the bridge over a REST and SSE API
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	bridge  *bridge.Bridge
	metrics *metrics.Metrics

	startTime time.Time

	// handles caches one open control per device ID so repeated volume
	// requests reuse a native activation.
	mu      sync.Mutex
	handles map[string]endpoint.Handle
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, b *bridge.Bridge, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		bridge:    b,
		metrics:   m,
		startTime: time.Now(),
		handles:   make(map[string]endpoint.Handle),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// No WriteTimeout: the event stream keeps responses open indefinitely.
	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, used directly by tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Endpoint enumeration and per-device control
	mux.HandleFunc(apiPrefix, h.withMetrics("/api/v1/endpoints", h.handleEndpoints))
	mux.HandleFunc(apiPrefix+"/", h.withMetrics("/api/v1/endpoints/{id}", h.handleEndpointDetail))

	// Event stream (SSE): metrics wrapper deliberately skipped, the
	// response stays open for the life of the subscription.
	mux.HandleFunc("/api/v1/events", h.handleEvents)

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
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

// writeJSON serializes a success payload
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a taxonomy error onto an HTTP status and a structured
// error body
func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	kind := fault.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case fault.KindInvalidArgument:
		status = http.StatusBadRequest
	case fault.KindDeviceNotFound, fault.KindNoDevice:
		status = http.StatusNotFound
	case fault.KindDeviceGone:
		status = http.StatusGone
	case fault.KindApartmentUnavailable:
		status = http.StatusServiceUnavailable
	case fault.KindCallbackRegistration:
		status = http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	h.metrics.RecordHTTPError(r.Method, route, kind.String())
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"kind":    kind.String(),
			"message": err.Error(),
		},
	})
}

// control resolves a device ID to a cached handle, opening a control on
// first use. A device_gone handle is evicted so a re-added device with the
// same ID gets a fresh activation.
func (h *HTTPServer) control(ctx context.Context, deviceID string) (endpoint.Handle, error) {
	h.mu.Lock()
	handle, ok := h.handles[deviceID]
	h.mu.Unlock()
	if ok {
		return handle, nil
	}

	handle, err := h.bridge.Open(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	existing, raced := h.handles[deviceID]
	if !raced {
		h.handles[deviceID] = handle
	}
	h.mu.Unlock()

	if raced {
		// Lost the race: keep the first handle, close the duplicate.
		if err := h.bridge.Release(ctx, handle); err != nil {
			h.logger.Warn("Failed to release duplicate control",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
		}
		return existing, nil
	}
	return handle, nil
}

// evictGone drops a cached handle after a device_gone failure.
func (h *HTTPServer) evictGone(deviceID string, err error) {
	if fault.KindOf(err) != fault.KindDeviceGone {
		return
	}
	h.mu.Lock()
	delete(h.handles, deviceID)
	h.mu.Unlock()
}

// handleEndpoints implements GET /api/v1/endpoints and
// GET /api/v1/endpoints/default
func (h *HTTPServer) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flow, err := endpoint.ParseFlow(r.URL.Query().Get("flow"))
	if err != nil {
		h.writeError(w, r, "/api/v1/endpoints", err)
		return
	}
	mask, err := endpoint.ParseStateMask(r.URL.Query().Get("state"))
	if err != nil {
		h.writeError(w, r, "/api/v1/endpoints", err)
		return
	}

	endpoints, err := h.bridge.ListEndpoints(r.Context(), flow, mask)
	if err != nil {
		h.writeError(w, r, "/api/v1/endpoints", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(endpoints),
		"endpoints": endpoints,
	})
}

// handleEndpointDetail routes /api/v1/endpoints/{id}/... by hand, the way
// device IDs with URL-hostile characters require.
func (h *HTTPServer) handleEndpointDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), apiPrefix+"/")

	if rest == "default" {
		h.handleDefaultEndpoint(w, r)
		return
	}

	idPart, action, _ := strings.Cut(rest, "/")
	deviceID, err := url.PathUnescape(idPart)
	if err != nil || deviceID == "" {
		h.writeError(w, r, "/api/v1/endpoints/{id}", fault.New(fault.KindInvalidArgument, "malformed device id in path"))
		return
	}

	switch action {
	case "volume":
		h.handleVolume(w, r, deviceID)
	case "volume/step":
		h.handleVolumeStep(w, r, deviceID)
	case "mute":
		h.handleMute(w, r, deviceID)
	default:
		http.NotFound(w, r)
	}
}

// handleDefaultEndpoint implements GET /api/v1/endpoints/default
func (h *HTTPServer) handleDefaultEndpoint(w http.ResponseWriter, r *http.Request) {
	const route = "/api/v1/endpoints/default"
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flow, err := endpoint.ParseFlow(r.URL.Query().Get("flow"))
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}
	role, err := endpoint.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	deviceID, err := h.bridge.DefaultEndpoint(r.Context(), flow, role)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"flow":      flow,
		"role":      role,
	})
}

// handleVolume implements GET and PUT /api/v1/endpoints/{id}/volume
func (h *HTTPServer) handleVolume(w http.ResponseWriter, r *http.Request, deviceID string) {
	const route = "/api/v1/endpoints/{id}/volume"

	handle, err := h.control(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, err := h.bridge.VolumeInfo(r.Context(), handle)
		if err != nil {
			h.evictGone(deviceID, err)
			h.writeError(w, r, route, err)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case http.MethodPut:
		var req struct {
			Level float32 `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, route, fault.New(fault.KindInvalidArgument, "malformed body: %v", err))
			return
		}
		if err := h.bridge.SetVolume(r.Context(), handle, req.Level); err != nil {
			h.evictGone(deviceID, err)
			h.writeError(w, r, route, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"level": req.Level})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVolumeStep implements POST /api/v1/endpoints/{id}/volume/step
func (h *HTTPServer) handleVolumeStep(w http.ResponseWriter, r *http.Request, deviceID string) {
	const route = "/api/v1/endpoints/{id}/volume/step"
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Direction string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, route, fault.New(fault.KindInvalidArgument, "malformed body: %v", err))
		return
	}
	dir, err := endpoint.ParseStepDirection(req.Direction)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	handle, err := h.control(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	info, err := h.bridge.StepVolume(r.Context(), handle, dir)
	if err != nil {
		h.evictGone(deviceID, err)
		h.writeError(w, r, route, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleMute implements GET and PUT /api/v1/endpoints/{id}/mute
func (h *HTTPServer) handleMute(w http.ResponseWriter, r *http.Request, deviceID string) {
	const route = "/api/v1/endpoints/{id}/mute"

	handle, err := h.control(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		muted, err := h.bridge.Mute(r.Context(), handle)
		if err != nil {
			h.evictGone(deviceID, err)
			h.writeError(w, r, route, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"muted": muted})

	case http.MethodPut:
		var req struct {
			Muted bool `json:"muted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, route, fault.New(fault.KindInvalidArgument, "malformed body: %v", err))
			return
		}
		if err := h.bridge.SetMute(r.Context(), handle, req.Muted); err != nil {
			h.evictGone(deviceID, err)
			h.writeError(w, r, route, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"muted": req.Muted})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEvents implements GET /api/v1/events as a server-sent event stream.
// Query parameters: categories (comma separated, required) and device_id
// (required for volume/mute categories).
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	const route = "/api/v1/events"
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	var cats []notify.Category
	for _, name := range strings.Split(r.URL.Query().Get("categories"), ",") {
		c, err := notify.ParseCategory(strings.TrimSpace(name))
		if err != nil {
			h.writeError(w, r, route, err)
			return
		}
		cats = append(cats, c)
	}
	deviceID := r.URL.Query().Get("device_id")
	for _, c := range cats {
		if c.EndpointScoped() && deviceID == "" {
			h.writeError(w, r, route, fault.New(fault.KindInvalidArgument, "category %s requires device_id", c))
			return
		}
	}

	sub, err := h.bridge.Subscribe(deviceID, cats)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}
	defer h.bridge.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("Event stream opened",
		slog.String("device_id", deviceID),
		slog.Int("categories", len(cats)),
	)

	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			// Client went away or the subscription was torn down.
			h.logger.Info("Event stream closed",
				slog.String("device_id", deviceID),
				slog.String("reason", err.Error()),
			)
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Category, data)
		flusher.Flush()
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	stats := h.bridge.Stats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]any{
			"name":    "windows-audio-events",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"bridge": map[string]any{
				"status":               "running",
				"pending_operations":   stats.PendingOperations,
				"open_controls":        stats.OpenControls,
				"active_subscriptions": stats.ActiveSubscriptions,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]any{
		"http": map[string]any{
			"port":    h.config.HTTP.Port,
			"address": h.config.HTTP.Address,
			"enabled": h.config.HTTP.Enabled,
		},
		"bridge": map[string]any{
			"queue_size":        h.config.Bridge.QueueSize,
			"operation_timeout": h.config.Bridge.OperationTimeout,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.bridge.Stats()
	uptime := time.Since(h.startTime)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"bridge":    stats,
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

	apiDoc := map[string]any{
		"service": "Windows Audio Endpoint Bridge",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                                   "API documentation",
			"GET /health":                             "Service health check",
			"GET /config":                             "Get service configuration",
			"GET /stats":                              "Get bridge statistics",
			"GET /metrics":                            "Prometheus metrics",
			"GET /api/v1/endpoints":                   "List endpoints (?flow=render|capture&state=active|all|...)",
			"GET /api/v1/endpoints/default":           "Resolve default endpoint (?flow=&role=)",
			"GET /api/v1/endpoints/{id}/volume":       "Get volume, mute and step state",
			"PUT /api/v1/endpoints/{id}/volume":       "Set volume scalar {\"level\": 0..1}",
			"POST /api/v1/endpoints/{id}/volume/step": "Step volume {\"direction\": \"up\"|\"down\"}",
			"GET /api/v1/endpoints/{id}/mute":         "Get mute flag",
			"PUT /api/v1/endpoints/{id}/mute":         "Set mute flag {\"muted\": true|false}",
			"GET /api/v1/events":                      "SSE stream (?categories=volume,mute&device_id=)",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
