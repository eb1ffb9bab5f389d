package domain

import (
	"errors"
	"strings"
)

// ErrInvalidInput rejects a whole request before any backend work.
var ErrInvalidInput = errors.New("invalid input")

// Batch is a bounded, contiguous slice of a deduplicated key set.
type Batch struct {
	ID   int
	Keys KeySet
}

// Query carries the per-request parameters every backend needs.
type Query struct {
	Scope         string
	Mode          Mode
	Limit         int // per-key result cap
	MinSimilarity float64
}

// Request is a bulk search as submitted by a caller.
type Request struct {
	Scope    string   `json:"scope"`
	Keys     []string `json:"keys"`
	Mode     string   `json:"search_mode,omitempty"`
	Page     int      `json:"page,omitempty"`
	PageSize int      `json:"page_size,omitempty"`
	ShowAll  bool     `json:"show_all,omitempty"`
}

// Response is the caller-facing result of a bulk search.
type Response struct {
	RequestID    string                   `json:"request_id"`
	Scope        string                   `json:"scope"`
	Keys         []SearchKey              `json:"keys"`
	Results      map[SearchKey]*KeyResult `json:"results"`
	TotalKeys    int                      `json:"total_keys"`
	TotalMatches int                      `json:"total_matches"`
	LatencyMs    int64                    `json:"latency_ms"`
	EngineUsed   string                   `json:"engine_used"`
	Cached       bool                     `json:"cached"`
	Complete     bool                     `json:"complete"`
}

// EngineCache is reported when a response is served entirely from cache.
const EngineCache = "cache"

// EngineNone is reported when no backend answered any key.
const EngineNone = "none"

// ValidateScope checks the scope identifier shape.
func ValidateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return errors.Join(ErrInvalidInput, errors.New("scope is required"))
	}
	return nil
}
