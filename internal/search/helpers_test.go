package search

import (
	"context"
	"sync/atomic"

	"github.com/oriys/partsearch/internal/domain"
)

type lookupFunc func(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error)

// stubBackend answers from a function and counts calls.
type stubBackend struct {
	name  string
	calls atomic.Int32
	keys  atomic.Int32
	fn    lookupFunc
}

func newStub(name string, fn lookupFunc) *stubBackend {
	return &stubBackend{name: name, fn: fn}
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) BulkLookup(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
	s.calls.Add(1)
	s.keys.Add(int32(len(batch.Keys)))
	return s.fn(ctx, batch, q)
}

func (s *stubBackend) Ping(context.Context) error { return nil }
func (s *stubBackend) Close() error               { return nil }

func rec(id int64, part string, price float64, qty int64, mt domain.MatchType, score float64) domain.MatchRecord {
	return domain.MatchRecord{
		Row:        domain.Row{ID: id, PartNumber: part, UnitPrice: price, Quantity: qty},
		Confidence: score,
		MatchType:  mt,
	}
}

// fixed answers every key from a table; keys missing from it match nothing.
func fixed(engine string, table map[domain.SearchKey][]domain.MatchRecord) lookupFunc {
	return func(_ context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
		out := make(domain.BulkResult, len(batch.Keys))
		for _, k := range batch.Keys {
			if recs, ok := table[k]; ok {
				kr := domain.Found(k, append([]domain.MatchRecord(nil), recs...), engine)
				kr.Finalize(q.Limit)
				out[k] = kr
			}
		}
		return out, nil
	}
}

// sampleTable is the S1 dataset used across service tests.
func sampleTable() map[domain.SearchKey][]domain.MatchRecord {
	return map[domain.SearchKey][]domain.MatchRecord{
		"R536446": {rec(1, "R536446", 813.54, 5, domain.MatchExact, domain.ScoreExact)},
		"R536444": {rec(2, "R536444-XL", 120, 2, domain.MatchPrefix, domain.ScorePrefix)},
	}
}

func keySet(keys ...string) domain.KeySet {
	out := make(domain.KeySet, len(keys))
	for i, k := range keys {
		out[i] = domain.SearchKey(k)
	}
	return out
}
