package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestRecordSearchStats(t *testing.T) {
	m := New()
	m.RecordSearch(3, 10, false, true)
	m.RecordSearch(5, 30, true, false)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)

	s := m.Stats()
	if s.Searches != 2 || s.PartialSearches != 1 || s.Keys != 8 {
		t.Fatalf("unexpected search counters: %+v", s)
	}
	if s.AvgLatencyMs != 20 || s.MinLatencyMs != 10 || s.MaxLatencyMs != 30 {
		t.Fatalf("unexpected latency: avg=%v min=%d max=%d", s.AvgLatencyMs, s.MinLatencyMs, s.MaxLatencyMs)
	}
	if s.CacheHits != 1 || s.CacheMisses != 3 || s.CacheHitRate != 0.25 {
		t.Fatalf("unexpected cache counters: %+v", s)
	}
}

func TestEmptyStats(t *testing.T) {
	s := New().Stats()
	if s.MinLatencyMs != 0 || s.AvgLatencyMs != 0 || s.CacheHitRate != 0 {
		t.Fatalf("empty collector should report zeros: %+v", s)
	}
}

func TestBackendStats(t *testing.T) {
	m := New()
	m.RecordBackendCall("postgres", OutcomeSuccess, 4)
	m.RecordBackendCall("postgres", OutcomeTimeout, 20)
	m.RecordBackendCall("postgres", OutcomeQueryError, 6)
	m.RecordBackendCall("elasticsearch", OutcomeUnavailable, 0)
	m.RecordDemotion("postgres", OutcomeTimeout)
	m.RecordExhausted(7)
	m.RecordWarmUp(3, false)

	s := m.Stats()
	pg := s.Backends["postgres"]
	if pg.Calls != 3 || pg.Successes != 1 || pg.Errors != 2 || pg.Timeouts != 1 || pg.QueryErrors != 1 {
		t.Fatalf("unexpected postgres stats: %+v", pg)
	}
	if pg.AvgMs != 10 || pg.MaxMs != 20 {
		t.Fatalf("unexpected postgres latency: %+v", pg)
	}
	if s.Backends["elasticsearch"].Unavailable != 1 {
		t.Fatalf("unexpected elasticsearch stats: %+v", s.Backends["elasticsearch"])
	}
	if s.Demotions != 1 || s.BatchesExhausted != 1 || s.WarmUps != 1 || s.WarmUpFailures != 1 {
		t.Fatalf("unexpected fallback counters: %+v", s)
	}
	if names := m.BackendNames(); len(names) != 2 || names[0] != "elasticsearch" {
		t.Fatalf("BackendNames = %v", names)
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordSearch(1, int64(j), false, true)
				m.RecordBackendCall("memory", OutcomeSuccess, 1)
			}
		}()
	}
	wg.Wait()
	if s := m.Stats(); s.Searches != 1000 || s.Backends["memory"].Calls != 1000 {
		t.Fatalf("lost updates: searches=%d calls=%d", s.Searches, s.Backends["memory"].Calls)
	}
}

func TestTimeSeries(t *testing.T) {
	m := New()
	m.RecordSearch(1, 10, false, false)
	ts := m.TimeSeries()
	if len(ts) != 24 {
		t.Fatalf("got %d buckets, want 24", len(ts))
	}
	last := ts[len(ts)-1]
	if last["searches"].(int64) != 1 || last["errors"].(int64) != 1 {
		t.Fatalf("unexpected current bucket: %v", last)
	}
}

func TestJSONHandler(t *testing.T) {
	m := New()
	m.RecordSearch(2, 5, false, true)

	rec := httptest.NewRecorder()
	m.JSONHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	var s Stats
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Searches != 1 || s.Keys != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestPrometheusHandler(t *testing.T) {
	InitPrometheus("partsearch_test", nil)
	m := New()
	m.RecordSearch(4, 12, false, true)
	m.RecordCacheLookup(true)
	m.RecordBackendCall("memory", OutcomeSuccess, 3)
	IncActiveSearches()
	DecActiveSearches()
	RecordInvalidation(2)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"partsearch_test_searches_total", "partsearch_test_cache_lookups_total", "partsearch_test_backend_calls_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("prometheus output missing %s", want)
		}
	}
}

func TestRegisterGaugeFunc(t *testing.T) {
	InitPrometheus("partsearch_gauge", nil)
	if err := RegisterGaugeFunc("cache_hit_ratio", "Result cache hit ratio", func() float64 { return 0.75 }); err != nil {
		t.Fatalf("RegisterGaugeFunc failed: %v", err)
	}
	if err := RegisterGaugeFunc("cache_hit_ratio", "duplicate", func() float64 { return 0 }); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "partsearch_gauge_cache_hit_ratio 0.75") {
		t.Errorf("gauge missing from prometheus output:\n%s", body)
	}
}
