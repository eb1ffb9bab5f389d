package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/partsearch/internal/backend"
	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/metrics"
)

var hybrid = domain.Query{Scope: "S1", Mode: domain.ModeHybrid, Limit: 10}

func failing(err error) lookupFunc {
	return func(context.Context, domain.Batch, domain.Query) (domain.BulkResult, error) {
		return nil, err
	}
}

func TestFallbackSkipsUnavailableBackendForRestOfRequest(t *testing.T) {
	a := newStub("a", failing(backend.Unavailable("a", errors.New("connection refused"))))
	b := newStub("b", fixed("b", sampleTable()))
	m := metrics.New()
	o := NewOrchestrator([]backend.Backend{a, b}, m)

	state := newRequestState()
	first := o.Run(context.Background(), domain.Batch{ID: 0, Keys: keySet("R536446")}, hybrid, state)
	second := o.Run(context.Background(), domain.Batch{ID: 1, Keys: keySet("R536444", "UNKNOWN1")}, hybrid, state)

	assert.Equal(t, int32(1), a.calls.Load(), "unavailable backend must not be retried within the request")
	assert.Equal(t, int32(2), b.calls.Load())
	assert.Equal(t, "b", first["R536446"].Engine)
	assert.Equal(t, domain.StatusFound, second["R536444"].Status)
	assert.Equal(t, domain.StatusNotFound, second["UNKNOWN1"].Status)
	assert.Equal(t, "b", second["UNKNOWN1"].Engine)
	assert.Equal(t, int64(1), m.Demotions.Load())

	// A new request starts with a clean slate.
	o.Run(context.Background(), domain.Batch{Keys: keySet("R536446")}, hybrid, nil)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestFallbackQueryErrorDemotesOnlyTheBatch(t *testing.T) {
	a := newStub("a", func(_ context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
		if batch.ID == 0 {
			return nil, backend.QueryFailed("a", errors.New("syntax error"))
		}
		return fixed("a", sampleTable())(context.Background(), batch, q)
	})
	b := newStub("b", fixed("b", sampleTable()))
	o := NewOrchestrator([]backend.Backend{a, b}, metrics.New())

	state := newRequestState()
	first := o.Run(context.Background(), domain.Batch{ID: 0, Keys: keySet("R536446")}, hybrid, state)
	second := o.Run(context.Background(), domain.Batch{ID: 1, Keys: keySet("R536444")}, hybrid, state)

	assert.Equal(t, "b", first["R536446"].Engine)
	assert.Equal(t, "a", second["R536444"].Engine)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestFallbackTimeoutRetriesHalves(t *testing.T) {
	a := newStub("a", func(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
		if len(batch.Keys) > 2 {
			return nil, backend.Timeout("a", context.DeadlineExceeded)
		}
		return fixed("a", sampleTable())(ctx, batch, q)
	})
	b := newStub("b", failing(errors.New("must not be called")))
	o := NewOrchestrator([]backend.Backend{a, b}, metrics.New())

	out := o.Run(context.Background(), domain.Batch{Keys: keySet("R536446", "R536444", "X1", "X2")}, hybrid, nil)

	require.Len(t, out, 4)
	assert.Equal(t, int32(3), a.calls.Load(), "one full attempt and one per half")
	assert.Equal(t, int32(0), b.calls.Load())
	for k, kr := range out {
		assert.False(t, kr.IsError(), "key %s", k)
		assert.Equal(t, "a", kr.Engine)
	}
}

func TestFallbackFailedHalfMovesOn(t *testing.T) {
	a := newStub("a", func(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
		for _, k := range batch.Keys {
			if k == "X2" {
				return nil, backend.Timeout("a", context.DeadlineExceeded)
			}
		}
		return fixed("a", sampleTable())(ctx, batch, q)
	})
	b := newStub("b", fixed("b", sampleTable()))
	o := NewOrchestrator([]backend.Backend{a, b}, metrics.New())

	out := o.Run(context.Background(), domain.Batch{Keys: keySet("R536446", "R536444", "X1", "X2")}, hybrid, nil)

	assert.Equal(t, "a", out["R536446"].Engine)
	assert.Equal(t, "a", out["R536444"].Engine)
	assert.Equal(t, "b", out["X1"].Engine)
	assert.Equal(t, "b", out["X2"].Engine)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestFallbackUnavailableHalfSkipsBackendForSecondHalf(t *testing.T) {
	a := newStub("a", func(_ context.Context, batch domain.Batch, _ domain.Query) (domain.BulkResult, error) {
		if len(batch.Keys) > 2 {
			return nil, backend.Timeout("a", context.DeadlineExceeded)
		}
		return nil, backend.Unavailable("a", errors.New("connection reset"))
	})
	b := newStub("b", fixed("b", sampleTable()))
	o := NewOrchestrator([]backend.Backend{a, b}, metrics.New())

	state := newRequestState()
	out := o.Run(context.Background(), domain.Batch{Keys: keySet("R536446", "R536444", "X1", "X2")}, hybrid, state)

	require.Len(t, out, 4)
	assert.Equal(t, int32(2), a.calls.Load(), "full batch and first half only")
	assert.Equal(t, int32(2), b.calls.Load())
	assert.True(t, state.isDown("a"))
	for k, kr := range out {
		assert.False(t, kr.IsError(), "key %s", k)
		assert.Equal(t, "b", kr.Engine)
	}
}

func TestFallbackExhaustedMarksEveryKey(t *testing.T) {
	a := newStub("a", failing(backend.Unavailable("a", nil)))
	b := newStub("b", failing(errors.New("unclassified")))
	m := metrics.New()
	o := NewOrchestrator([]backend.Backend{a, b}, m)

	out := o.Run(context.Background(), domain.Batch{Keys: keySet("R536446", "R536444")}, hybrid, nil)

	require.Len(t, out, 2)
	for _, kr := range out {
		assert.True(t, kr.IsError())
		assert.Equal(t, domain.ErrorAllBackendsFailed, kr.ErrorKind)
		assert.NotEmpty(t, kr.Message)
	}
	assert.Equal(t, int64(1), m.BatchesExhausted.Load())
}

func TestFallbackCancelledRequestIsTimeout(t *testing.T) {
	a := newStub("a", fixed("a", sampleTable()))
	o := NewOrchestrator([]backend.Backend{a}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := o.Run(ctx, domain.Batch{Keys: keySet("R536446")}, hybrid, nil)

	assert.Equal(t, domain.ErrorTimeout, out["R536446"].ErrorKind)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestOrchestratorString(t *testing.T) {
	o := NewOrchestrator([]backend.Backend{newStub("memory", nil), newStub("postgres", nil)}, nil)
	assert.Equal(t, "orchestrator[memory,postgres]", o.String())
}
