package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/metrics"
	"github.com/oriys/partsearch/internal/search"
)

// maxBodyBytes bounds a search request body.
const maxBodyBytes = 8 << 20

// Searcher is the part of the search service the data plane serves.
type Searcher interface {
	Search(ctx context.Context, req domain.Request) (*domain.Response, error)
	Health(ctx context.Context) search.Health
	Stats() search.Stats
	Metrics() *metrics.Metrics
}

// Handler handles data plane HTTP requests (searches and observability).
type Handler struct {
	Service Searcher
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /scopes/{scope}/search", h.Search)

	// Health probes
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)

	// Observability
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("GET /metrics", h.Metrics)
	mux.HandleFunc("GET /metrics/timeseries", h.MetricsTimeSeries)
	mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())
}

// Search handles POST /scopes/{scope}/search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	req.Scope = r.PathValue("scope")

	resp, err := h.Service.Search(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, search.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		logging.Op().Error("search request failed", "error", err)
		return http.StatusInternalServerError
	}
}

// Health handles GET /health - detailed status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	health := h.Service.Health(ctx)
	code := http.StatusOK
	if health.Status == search.HealthDown {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// HealthLive handles GET /health/live - the process is up
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HealthReady handles GET /health/ready - at least one backend answers
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := h.Service.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if health.Status == search.HealthDown {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Service.Stats())
}

// Metrics handles GET /metrics - search counters as JSON
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.Service.Metrics().JSONHandler().ServeHTTP(w, r)
}

// MetricsTimeSeries handles GET /metrics/timeseries - hourly buckets for
// the last 24 hours
func (h *Handler) MetricsTimeSeries(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Service.Metrics().TimeSeries())
}
