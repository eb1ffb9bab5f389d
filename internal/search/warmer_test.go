package search

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/partsearch/internal/backend"
	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/jobtracker"
)

// guardedStub answers from the sample table until forbid is set; after that
// any call fails the test.
func guardedStub(t *testing.T, forbid *atomic.Bool) *stubBackend {
	answer := fixed("memory", sampleTable())
	return newStub("memory", func(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
		if forbid.Load() {
			t.Errorf("backend called for %v after warm-up", batch.Keys)
		}
		return answer(ctx, batch, q)
	})
}

func TestWarmUpServesLaterRequestFromCache(t *testing.T) {
	var forbid atomic.Bool
	b := guardedStub(t, &forbid)
	s := newTestService(t, []backend.Backend{b}, Config{})

	id := s.WarmUp("S1", []string{"R536446"})
	s.Wait()
	forbid.Store(true)

	job, ok := s.Jobs().Get(id)
	require.True(t, ok)
	assert.Equal(t, jobtracker.StateDone, job.State)
	assert.Equal(t, 1, job.Entries)

	resp, err := s.Search(context.Background(), domain.Request{Scope: "S1", Keys: []string{"R536446"}})
	require.NoError(t, err)
	assert.Equal(t, domain.EngineCache, resp.EngineUsed)
	assert.True(t, resp.Cached)
	assert.Equal(t, 1, resp.TotalMatches)
	assert.Equal(t, 813.54, resp.Results["R536446"].Records[0].UnitPrice)
}

func TestWarmUpStoresSingleKeyEntries(t *testing.T) {
	var forbid atomic.Bool
	b := guardedStub(t, &forbid)
	s := newTestService(t, []backend.Backend{b}, Config{})

	s.WarmUp("S1", []string{"R536446", "r536444", "UNKNOWN1"})
	s.Wait()
	forbid.Store(true)

	for _, keys := range [][]string{{"R536444"}, {"UNKNOWN1"}, {"UNKNOWN1", "R536444", "R536446"}} {
		resp, err := s.Search(context.Background(), domain.Request{Scope: "S1", Keys: keys})
		require.NoError(t, err)
		assert.True(t, resp.Cached, "keys %v", keys)
	}
	assert.Equal(t, int64(1), s.metrics.WarmUps.Load())
}

func TestWarmUpSkipsIncompleteWholeSet(t *testing.T) {
	b := newStub("memory", func(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
		for _, k := range batch.Keys {
			if k == "BAD2" {
				return nil, backend.Unavailable("memory", nil)
			}
		}
		return fixed("memory", sampleTable())(ctx, batch, q)
	})
	s := newTestService(t, []backend.Backend{b}, Config{BatchSize: 1, MaxConcurrency: 1})

	id := s.WarmUp("S1", []string{"R536446", "BAD2"})
	s.Wait()

	job, _ := s.Jobs().Get(id)
	assert.Equal(t, jobtracker.StatePartial, job.State)
	assert.Equal(t, 1, job.Entries, "only the answered key is stored")

	fp := domain.FingerprintOf("S1", keySet("R536446", "BAD2"), domain.ModeHybrid)
	_, ok := s.cache.Get(context.Background(), fp)
	assert.False(t, ok, "partial warm-up must not store the whole set")
	assert.Equal(t, int64(1), s.metrics.WarmUpFailures.Load())
}

func TestWarmUpRecoversFromPanic(t *testing.T) {
	b := newStub("memory", func(context.Context, domain.Batch, domain.Query) (domain.BulkResult, error) {
		panic("backend exploded")
	})
	s := newTestService(t, []backend.Backend{b}, Config{})

	s.WarmUp("S1", []string{"R536446"})
	s.Wait()
}

func TestWarmTopUsesQueryHistory(t *testing.T) {
	freq := NewMemoryFrequency()
	ctx := context.Background()
	require.NoError(t, freq.Record(ctx, "S1", keySet("R536444", "R536446")))
	require.NoError(t, freq.Record(ctx, "S1", keySet("R536446")))

	var forbid atomic.Bool
	b := guardedStub(t, &forbid)
	s := newTestService(t, []backend.Backend{b}, Config{WarmTopN: 1}, WithFrequency(freq))

	s.WarmTop("S1")
	s.Wait()
	forbid.Store(true)

	resp, err := s.Search(ctx, domain.Request{Scope: "S1", Keys: []string{"R536446"}})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, int32(1), b.keys.Load(), "only the top key is warmed")
}

func TestWarmTopWithoutHistoryDoesNothing(t *testing.T) {
	b := newStub("memory", fixed("memory", sampleTable()))
	s := newTestService(t, []backend.Backend{b}, Config{})

	id := s.WarmTop("S9")
	s.Wait()
	assert.Equal(t, int32(0), b.calls.Load())

	job, _ := s.Jobs().Get(id)
	assert.Equal(t, jobtracker.StateSkipped, job.State)
}

func TestWarmUpAfterCloseFails(t *testing.T) {
	b := newStub("memory", fixed("memory", sampleTable()))
	s := newTestService(t, []backend.Backend{b}, Config{})
	s.Close()

	id := s.WarmUp("S1", []string{"R536446"})
	job, ok := s.Jobs().Get(id)
	require.True(t, ok)
	assert.Equal(t, jobtracker.StateFailed, job.State)
	assert.Equal(t, int32(0), b.calls.Load())
}
