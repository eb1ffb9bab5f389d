package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/partsearch/internal/domain"
)

func TestMergeDisjointIsUnion(t *testing.T) {
	a := domain.BulkResult{"A1": domain.Found("A1", []domain.MatchRecord{rec(1, "A1", 5, 1, domain.MatchExact, 100)}, "memory")}
	b := domain.BulkResult{"B2": domain.NotFound("B2", "postgres")}

	ab := Merge(10, a, b)
	ba := Merge(10, b, a)
	require.Len(t, ab, 2)
	assert.Equal(t, ab, ba)
	assert.Equal(t, domain.StatusFound, ab["A1"].Status)
	assert.Equal(t, domain.StatusNotFound, ab["B2"].Status)
}

func TestMergeIsIdempotent(t *testing.T) {
	a := domain.BulkResult{
		"A1": domain.Found("A1", []domain.MatchRecord{
			rec(1, "A1", 5, 1, domain.MatchExact, 100),
			rec(2, "A1-X", 3, 1, domain.MatchPrefix, 80),
		}, "memory"),
	}
	once := Merge(10, a)
	twice := Merge(10, a, a)
	assert.Equal(t, once["A1"].Records, twice["A1"].Records)
	assert.Equal(t, 2, twice["A1"].TotalMatches)
}

func TestMergeSuccessReplacesError(t *testing.T) {
	failed := domain.BulkResult{"A1": domain.Failed("A1", domain.ErrorAllBackendsFailed, "down")}
	ok := domain.BulkResult{"A1": domain.Found("A1", []domain.MatchRecord{rec(1, "A1", 5, 1, domain.MatchExact, 100)}, "sqlite")}

	for _, got := range []domain.BulkResult{Merge(10, failed, ok), Merge(10, ok, failed)} {
		assert.False(t, got["A1"].IsError())
		assert.Equal(t, "sqlite", got["A1"].Engine)
	}
}

func TestMergeRanksAndCapsCombinedRecords(t *testing.T) {
	a := domain.BulkResult{"A1": domain.Found("A1", []domain.MatchRecord{
		rec(3, "A1ZZ", 1, 1, domain.MatchFuzzy, 50),
		rec(1, "A1", 9, 1, domain.MatchExact, 100),
	}, "memory")}
	b := domain.BulkResult{"A1": domain.Found("A1", []domain.MatchRecord{
		rec(1, "A1", 9, 1, domain.MatchPrefix, 80), // same row, worse match
		rec(2, "A1-B", 2, 1, domain.MatchPrefix, 80),
	}, "memory")}

	got := Merge(2, a, b)["A1"]
	require.Len(t, got.Records, 2)
	assert.Equal(t, int64(1), got.Records[0].ID)
	assert.Equal(t, domain.MatchExact, got.Records[0].MatchType)
	assert.Equal(t, int64(2), got.Records[1].ID)
	assert.Equal(t, 2, got.TotalMatches)
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	a := domain.BulkResult{"A1": domain.Found("A1", []domain.MatchRecord{rec(1, "A1", 5, 1, domain.MatchExact, 100)}, "memory")}
	out := Merge(10, a)
	out["A1"].Records[0].UnitPrice = 99
	assert.Equal(t, 5.0, a["A1"].Records[0].UnitPrice)
}
