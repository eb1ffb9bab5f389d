// Package search runs bulk part-number searches: it splits the key set into
// batches, walks each batch down the backend priority list, merges the
// answers and keeps the result cache warm.
package search

import (
	"errors"
	"fmt"

	"github.com/oriys/partsearch/internal/domain"
)

// DefaultBatchSize is the largest batch dispatched to a backend.
const DefaultBatchSize = 500

// Split cuts keys into contiguous batches of at most batchSize keys,
// preserving order. Concatenating the batches yields keys again.
func Split(keys domain.KeySet, batchSize int) ([]domain.Batch, error) {
	if batchSize <= 0 {
		return nil, errors.Join(domain.ErrInvalidInput, fmt.Errorf("batch size must be positive, got %d", batchSize))
	}
	batches := make([]domain.Batch, 0, (len(keys)+batchSize-1)/batchSize)
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		batches = append(batches, domain.Batch{
			ID:   len(batches),
			Keys: keys[start:end:end],
		})
	}
	return batches, nil
}

// halve splits a batch into two halves for a timeout retry. Both halves
// keep the parent's id.
func halve(b domain.Batch) []domain.Batch {
	if len(b.Keys) < 2 {
		return []domain.Batch{b}
	}
	mid := (len(b.Keys) + 1) / 2
	return []domain.Batch{
		{ID: b.ID, Keys: b.Keys[:mid:mid]},
		{ID: b.ID, Keys: b.Keys[mid:]},
	}
}
