package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Backend call outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeTimeout     = "timeout"
	OutcomeQueryError  = "query_error"
)

// TimeSeriesBucket stores metrics for a single time bucket
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Searches     int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects search, cache and backend counters. All methods are
// safe for concurrent use.
type Metrics struct {
	// Search metrics
	TotalSearches    atomic.Int64
	CompleteSearches atomic.Int64
	PartialSearches  atomic.Int64
	TotalKeys        atomic.Int64

	// Cache metrics
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Fallback metrics
	Demotions        atomic.Int64
	BatchesExhausted atomic.Int64
	WarmUps          atomic.Int64
	WarmUpFailures   atomic.Int64

	backends sync.Map // name -> *BackendMetrics

	// Time-series data (hourly buckets for last 24 hours)
	timeSeriesMu sync.RWMutex
	timeSeries   []*TimeSeriesBucket

	startTime time.Time
}

// BackendMetrics tracks calls to a single backend.
type BackendMetrics struct {
	Calls       atomic.Int64
	Successes   atomic.Int64
	Unavailable atomic.Int64
	Timeouts    atomic.Int64
	QueryErrors atomic.Int64
	TotalMs     atomic.Int64
	MaxMs       atomic.Int64
}

// New creates an empty collector.
func New() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.MinLatencyMs.Store(maxInt64)
	m.initTimeSeries()
	return m
}

var global = New()

// initTimeSeries initializes time series buckets for the last 24 hours
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)
	m.timeSeries = make([]*TimeSeriesBucket, 24)
	for i := 0; i < 24; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-23) * time.Hour),
		}
	}
}

// Global returns the process-wide collector.
func Global() *Metrics {
	return global
}

// RecordSearch records a finished bulk search.
func (m *Metrics) RecordSearch(keys int, durationMs int64, cached, complete bool) {
	m.TotalSearches.Add(1)
	m.TotalKeys.Add(int64(keys))
	if complete {
		m.CompleteSearches.Add(1)
	} else {
		m.PartialSearches.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	m.recordTimeSeries(durationMs, !complete)

	RecordPrometheusSearch(keys, durationMs, cached, complete)
}

// RecordCacheLookup records a result cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHits.Add(1)
	} else {
		m.CacheMisses.Add(1)
	}
	RecordPrometheusCacheLookup(hit)
}

// RecordBackendCall records one BulkLookup attempt and its outcome.
func (m *Metrics) RecordBackendCall(name, outcome string, durationMs int64) {
	bm := m.getBackendMetrics(name)
	bm.Calls.Add(1)
	switch outcome {
	case OutcomeSuccess:
		bm.Successes.Add(1)
	case OutcomeUnavailable:
		bm.Unavailable.Add(1)
	case OutcomeTimeout:
		bm.Timeouts.Add(1)
	default:
		bm.QueryErrors.Add(1)
	}
	bm.TotalMs.Add(durationMs)
	updateMax(&bm.MaxMs, durationMs)

	RecordPrometheusBackendCall(name, outcome, durationMs)
}

// RecordDemotion records a batch moving past backend after a failure.
func (m *Metrics) RecordDemotion(name, outcome string) {
	m.Demotions.Add(1)
	RecordPrometheusDemotion(name, outcome)
}

// RecordExhausted records a batch that no backend could answer.
func (m *Metrics) RecordExhausted(keys int) {
	m.BatchesExhausted.Add(1)
	RecordPrometheusExhausted(keys)
}

// RecordWarmUp records a background warm-up run.
func (m *Metrics) RecordWarmUp(keys int, ok bool) {
	m.WarmUps.Add(1)
	if !ok {
		m.WarmUpFailures.Add(1)
	}
	RecordPrometheusWarmUp(keys, ok)
}

// recordTimeSeries adds a search to the current time bucket
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(time.Hour)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		hoursDiff := int(now.Sub(lastBucket.Timestamp).Hours())

		if hoursDiff > 0 {
			if hoursDiff >= 24 {
				m.timeSeries = make([]*TimeSeriesBucket, 24)
				for i := 0; i < 24; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-23) * time.Hour),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[hoursDiff:]
				for i := 0; i < hoursDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * time.Hour),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Searches++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getBackendMetrics(name string) *BackendMetrics {
	if v, ok := m.backends.Load(name); ok {
		return v.(*BackendMetrics)
	}
	actual, _ := m.backends.LoadOrStore(name, &BackendMetrics{})
	return actual.(*BackendMetrics)
}

// BackendStats is the read-only view of one backend's counters.
type BackendStats struct {
	Calls       int64   `json:"calls"`
	Successes   int64   `json:"successes"`
	Errors      int64   `json:"errors"`
	Unavailable int64   `json:"unavailable"`
	Timeouts    int64   `json:"timeouts"`
	QueryErrors int64   `json:"query_errors"`
	AvgMs       float64 `json:"avg_ms"`
	MaxMs       int64   `json:"max_ms"`
}

// Stats is a point-in-time snapshot of the service counters.
type Stats struct {
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	Searches         int64                   `json:"searches"`
	PartialSearches  int64                   `json:"partial_searches"`
	Keys             int64                   `json:"keys"`
	CacheHits        int64                   `json:"cache_hits"`
	CacheMisses      int64                   `json:"cache_misses"`
	CacheHitRate     float64                 `json:"cache_hit_rate"`
	AvgLatencyMs     float64                 `json:"avg_latency_ms"`
	MinLatencyMs     int64                   `json:"min_latency_ms"`
	MaxLatencyMs     int64                   `json:"max_latency_ms"`
	Demotions        int64                   `json:"demotions"`
	BatchesExhausted int64                   `json:"batches_exhausted"`
	WarmUps          int64                   `json:"warm_ups"`
	WarmUpFailures   int64                   `json:"warm_up_failures"`
	Backends         map[string]BackendStats `json:"backends"`
}

// Stats returns a snapshot of every counter.
func (m *Metrics) Stats() Stats {
	total := m.TotalSearches.Load()
	s := Stats{
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		Searches:         total,
		PartialSearches:  m.PartialSearches.Load(),
		Keys:             m.TotalKeys.Load(),
		CacheHits:        m.CacheHits.Load(),
		CacheMisses:      m.CacheMisses.Load(),
		MinLatencyMs:     m.MinLatencyMs.Load(),
		MaxLatencyMs:     m.MaxLatencyMs.Load(),
		Demotions:        m.Demotions.Load(),
		BatchesExhausted: m.BatchesExhausted.Load(),
		WarmUps:          m.WarmUps.Load(),
		WarmUpFailures:   m.WarmUpFailures.Load(),
		Backends:         make(map[string]BackendStats),
	}
	if total > 0 {
		s.AvgLatencyMs = float64(m.TotalLatencyMs.Load()) / float64(total)
	}
	if s.MinLatencyMs == maxInt64 {
		s.MinLatencyMs = 0
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}

	m.backends.Range(func(key, value any) bool {
		bm := value.(*BackendMetrics)
		bs := BackendStats{
			Calls:       bm.Calls.Load(),
			Successes:   bm.Successes.Load(),
			Unavailable: bm.Unavailable.Load(),
			Timeouts:    bm.Timeouts.Load(),
			QueryErrors: bm.QueryErrors.Load(),
			MaxMs:       bm.MaxMs.Load(),
		}
		bs.Errors = bs.Unavailable + bs.Timeouts + bs.QueryErrors
		if bs.Calls > 0 {
			bs.AvgMs = float64(bm.TotalMs.Load()) / float64(bs.Calls)
		}
		s.Backends[key.(string)] = bs
		return true
	})
	return s
}

// BackendNames returns the backends seen so far, sorted.
func (m *Metrics) BackendNames() []string {
	var names []string
	m.backends.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	})
}

// TimeSeries returns the time-series data for the last 24 hours
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"searches":     bucket.Searches,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
