// Package controlplane serves the administrative routes: cache
// invalidation, warm-up and row ingestion.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/jobtracker"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/search"
)

// maxRowsBytes bounds an ingestion body.
const maxRowsBytes = 256 << 20

// Admin is the part of the search service the control plane drives.
type Admin interface {
	Invalidate(ctx context.Context, scope string) (int, error)
	WarmUp(scope string, keys []string) string
	WarmTop(scope string) string
	Jobs() *jobtracker.Tracker
	Load(ctx context.Context, scope string, rows []domain.Row) (*search.LoadReport, error)
	Flush(ctx context.Context) error
}

// Handler handles control plane HTTP requests.
type Handler struct {
	Service Admin
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /scopes/{scope}/invalidate", h.Invalidate)
	mux.HandleFunc("POST /scopes/{scope}/warmup", h.WarmUp)
	mux.HandleFunc("GET /warmups", h.ListWarmUps)
	mux.HandleFunc("GET /warmups/{id}", h.GetWarmUp)
	mux.HandleFunc("PUT /scopes/{scope}/rows", h.LoadRows)
	mux.HandleFunc("POST /cache/flush", h.Flush)
}

// Invalidate handles POST /scopes/{scope}/invalidate
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	n, err := h.Service.Invalidate(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scope": scope, "invalidated": n})
}

type warmUpRequest struct {
	Keys []string `json:"keys"`
}

// WarmUp handles POST /scopes/{scope}/warmup. An empty body or key list
// warms the scope's most requested keys.
func (h *Handler) WarmUp(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	if err := domain.ValidateScope(scope); err != nil {
		writeError(w, err)
		return
	}

	var req warmUpRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRowsBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	var id string
	if len(req.Keys) == 0 {
		id = h.Service.WarmTop(scope)
	} else {
		id = h.Service.WarmUp(scope, req.Keys)
	}
	job, _ := h.Service.Jobs().Get(id)
	w.Header().Set("Location", "/warmups/"+id)
	writeJSON(w, http.StatusAccepted, job)
}

// ListWarmUps handles GET /warmups, optionally filtered by ?scope=
func (h *Handler) ListWarmUps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Jobs().List(r.URL.Query().Get("scope")))
}

// GetWarmUp handles GET /warmups/{id}
func (h *Handler) GetWarmUp(w http.ResponseWriter, r *http.Request) {
	job, ok := h.Service.Jobs().Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "warm-up job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type loadRequest struct {
	Rows []domain.Row `json:"rows"`
}

// LoadRows handles PUT /scopes/{scope}/rows
func (h *Handler) LoadRows(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRowsBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	report, err := h.Service.Load(r.Context(), r.PathValue("scope"), req.Rows)
	if err != nil {
		if report != nil {
			// No backend took the rows; report which ones failed
			writeJSON(w, http.StatusBadGateway, report)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Flush handles POST /cache/flush
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Flush(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrInvalidInput) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logging.Op().Error("control plane request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
