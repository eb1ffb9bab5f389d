package search

import (
	"github.com/oriys/partsearch/internal/domain"
)

// Merge unions per-batch results. When the same key appears more than once
// its records are combined, deduplicated by owning row and re-ranked, and a
// successful entry always replaces an error entry. limit caps the records
// per key; limit <= 0 leaves them uncapped.
//
// Inputs are not modified.
func Merge(limit int, parts ...domain.BulkResult) domain.BulkResult {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make(domain.BulkResult, size)
	for _, p := range parts {
		for key, kr := range p {
			if kr == nil {
				continue
			}
			prev, ok := out[key]
			if !ok {
				out[key] = kr.Clone()
				continue
			}
			out[key] = mergeEntry(prev, kr, limit)
		}
	}
	return out
}

func mergeEntry(a, b *domain.KeyResult, limit int) *domain.KeyResult {
	switch {
	case a.IsError() && b.IsError():
		return a
	case a.IsError():
		return b.Clone()
	case b.IsError():
		return a
	}
	records := make([]domain.MatchRecord, 0, len(a.Records)+len(b.Records))
	records = append(records, a.Records...)
	records = append(records, b.Records...)
	engine := a.Engine
	if engine == "" {
		engine = b.Engine
	}
	kr := domain.Found(a.Key, records, engine)
	kr.Finalize(limit)
	return kr
}
