package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for partsearch metrics
type PrometheusMetrics struct {
	registry  *prometheus.Registry
	namespace string

	// Counters
	searchesTotal      *prometheus.CounterVec
	cacheLookupsTotal  *prometheus.CounterVec
	backendCallsTotal  *prometheus.CounterVec
	demotionsTotal     *prometheus.CounterVec
	exhaustedBatches   prometheus.Counter
	exhaustedKeys      prometheus.Counter
	warmUpsTotal       *prometheus.CounterVec
	breakerTripsTotal  *prometheus.CounterVec
	invalidationsTotal prometheus.Counter

	// Histograms
	searchDuration  *prometheus.HistogramVec
	searchKeys      prometheus.Histogram
	backendDuration *prometheus.HistogramVec

	// Gauges
	activeSearches  prometheus.Gauge
	backendInflight *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
}

// Default histogram buckets for durations (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var keyBuckets = []float64{1, 10, 50, 100, 500, 1000, 5000, 10000, 50000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry:  registry,
		namespace: namespace,

		searchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Total number of bulk searches",
			},
			[]string{"cached", "complete"},
		),

		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by outcome",
			},
			[]string{"result"},
		),

		backendCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "BulkLookup calls per backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		demotionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_demotions_total",
				Help:      "Batches moved to the next backend, by failing backend and reason",
			},
			[]string{"backend", "reason"},
		),

		exhaustedBatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_exhausted_total",
				Help:      "Batches that no backend could answer",
			},
		),

		exhaustedKeys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_exhausted_total",
				Help:      "Keys answered with all_backends_failed",
			},
		),

		warmUpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warmups_total",
				Help:      "Background cache warm-ups by status",
			},
			[]string{"status"},
		),

		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"backend", "to_state"},
		),

		invalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidated_entries_total",
				Help:      "Cached fingerprints removed by scope invalidation",
			},
		),

		searchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_duration_milliseconds",
				Help:      "Duration of bulk searches in milliseconds",
				Buckets:   buckets,
			},
			[]string{"cached"},
		),

		searchKeys: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_keys",
				Help:      "Distinct keys per bulk search",
				Buckets:   keyBuckets,
			},
		),

		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_milliseconds",
				Help:      "Duration of BulkLookup calls in milliseconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		activeSearches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_searches",
				Help:      "Bulk searches currently executing",
			},
		),

		backendInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_inflight",
				Help:      "Batches currently holding a backend slot",
			},
			[]string{"backend"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		pm.searchesTotal,
		pm.cacheLookupsTotal,
		pm.backendCallsTotal,
		pm.demotionsTotal,
		pm.exhaustedBatches,
		pm.exhaustedKeys,
		pm.warmUpsTotal,
		pm.breakerTripsTotal,
		pm.invalidationsTotal,
		pm.searchDuration,
		pm.searchKeys,
		pm.backendDuration,
		pm.activeSearches,
		pm.backendInflight,
		pm.breakerState,
	)

	promMetrics = pm
}

// RecordPrometheusSearch records a bulk search in Prometheus collectors
func RecordPrometheusSearch(keys int, durationMs int64, cached, complete bool) {
	if promMetrics == nil {
		return
	}
	cachedLabel := strconv.FormatBool(cached)
	promMetrics.searchesTotal.WithLabelValues(cachedLabel, strconv.FormatBool(complete)).Inc()
	promMetrics.searchDuration.WithLabelValues(cachedLabel).Observe(float64(durationMs))
	promMetrics.searchKeys.Observe(float64(keys))
}

// RecordPrometheusCacheLookup records a result cache hit or miss
func RecordPrometheusCacheLookup(hit bool) {
	if promMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	promMetrics.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordPrometheusBackendCall records a BulkLookup call
func RecordPrometheusBackendCall(backend, outcome string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.backendCallsTotal.WithLabelValues(backend, outcome).Inc()
	promMetrics.backendDuration.WithLabelValues(backend).Observe(float64(durationMs))
}

// RecordPrometheusDemotion records a batch leaving a backend
func RecordPrometheusDemotion(backend, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.demotionsTotal.WithLabelValues(backend, reason).Inc()
}

// RecordPrometheusExhausted records a batch no backend could answer
func RecordPrometheusExhausted(keys int) {
	if promMetrics == nil {
		return
	}
	promMetrics.exhaustedBatches.Inc()
	promMetrics.exhaustedKeys.Add(float64(keys))
}

// RecordPrometheusWarmUp records a warm-up run
func RecordPrometheusWarmUp(_ int, ok bool) {
	if promMetrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	promMetrics.warmUpsTotal.WithLabelValues(status).Inc()
}

// RecordInvalidation records how many cached entries a scope invalidation removed
func RecordInvalidation(entries int) {
	if promMetrics == nil {
		return
	}
	promMetrics.invalidationsTotal.Add(float64(entries))
}

// IncActiveSearches increments the active searches gauge
func IncActiveSearches() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeSearches.Inc()
}

// DecActiveSearches decrements the active searches gauge
func DecActiveSearches() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeSearches.Dec()
}

// AddBackendInflight adjusts the in-flight gauge of a backend
func AddBackendInflight(backend string, delta int) {
	if promMetrics == nil {
		return
	}
	promMetrics.backendInflight.WithLabelValues(backend).Add(float64(delta))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a backend.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(backend string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(backend, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(backend, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// RegisterGaugeFunc exposes fn as a gauge sampled at scrape time.
func RegisterGaugeFunc(name, help string, fn func() float64) error {
	reg := PrometheusRegistry()
	if reg == nil {
		return errors.New("prometheus metrics not initialized")
	}
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: promMetrics.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
