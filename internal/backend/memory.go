package backend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
)

const (
	// maxPrefixKeys caps how many distinct index keys one prefix probe expands to.
	maxPrefixKeys = 2000
	// maxFuzzyScan caps how many distinct index keys one fuzzy probe compares.
	maxFuzzyScan = 50000
	// ctxCheckEvery is how often (in keys) a lookup checks for cancellation.
	ctxCheckEvery = 64
)

// MemoryIndex is an in-process engine. Each loaded scope keeps postings
// from canonical part number to a roaring bitmap of row positions, a sorted
// key list for prefix scans and keys grouped by length for bounded fuzzy
// scans.
type MemoryIndex struct {
	mu     sync.RWMutex
	scopes map[string]*scopeIndex
	closed bool
}

type scopeIndex struct {
	rows     []domain.Row
	postings map[string]*roaring.Bitmap
	keys     []string         // sorted distinct index keys
	byLen    map[int][]string // index keys by rune length
	loadedAt time.Time
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{scopes: make(map[string]*scopeIndex)}
}

func (m *MemoryIndex) Name() string { return NameMemory }

// Load replaces the scope's rows. The new index is built before the swap,
// so concurrent lookups see either the old or the new rows.
func (m *MemoryIndex) Load(ctx context.Context, scope string, rows []domain.Row) error {
	if len(rows) > math.MaxUint32 {
		return fmt.Errorf("scope %q: too many rows (%d)", scope, len(rows))
	}
	idx := &scopeIndex{
		rows:     append([]domain.Row(nil), rows...),
		postings: make(map[string]*roaring.Bitmap),
		byLen:    make(map[int][]string),
		loadedAt: time.Now(),
	}
	for pos, row := range idx.rows {
		if pos%4096 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		key := domain.Alnum(row.PartNumber)
		if key == "" {
			continue
		}
		bm, ok := idx.postings[key]
		if !ok {
			bm = roaring.New()
			idx.postings[key] = bm
		}
		bm.Add(uint32(pos))
	}
	idx.keys = make([]string, 0, len(idx.postings))
	for k, bm := range idx.postings {
		bm.RunOptimize()
		idx.keys = append(idx.keys, k)
	}
	sort.Strings(idx.keys)
	for _, k := range idx.keys {
		n := len([]rune(k))
		idx.byLen[n] = append(idx.byLen[n], k)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Unavailable(NameMemory, fmt.Errorf("index closed"))
	}
	m.scopes[scope] = idx
	logging.Op().Info("memory index loaded", "scope", scope, "rows", len(rows), "keys", len(idx.keys))
	return nil
}

// Drop forgets a scope.
func (m *MemoryIndex) Drop(scope string) {
	m.mu.Lock()
	delete(m.scopes, scope)
	m.mu.Unlock()
}

// HasScope reports whether the scope is loaded.
func (m *MemoryIndex) HasScope(_ context.Context, scope string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.scopes[scope]
	return ok, nil
}

// Scopes returns the loaded scopes, sorted.
func (m *MemoryIndex) Scopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.scopes))
	for s := range m.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryIndex) BulkLookup(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
	m.mu.RLock()
	idx, ok := m.scopes[q.Scope]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, Unavailable(NameMemory, fmt.Errorf("index closed"))
	}
	if !ok {
		return nil, Unavailable(NameMemory, fmt.Errorf("scope %q not loaded", q.Scope))
	}

	out := make(domain.BulkResult, len(batch.Keys))
	for i, key := range batch.Keys {
		if i%ctxCheckEvery == 0 && ctx.Err() != nil {
			return nil, Timeout(NameMemory, ctx.Err())
		}
		out[key] = idx.lookup(key, q)
	}
	return out, nil
}

func (idx *scopeIndex) lookup(key domain.SearchKey, q domain.Query) *domain.KeyResult {
	kp := key.IndexKey()
	if kp == "" {
		return domain.NotFound(key, NameMemory)
	}

	candidates := roaring.New()
	if bm, ok := idx.postings[kp]; ok {
		candidates.Or(bm)
	}
	if q.Mode == domain.ModeHybrid {
		idx.prefixCandidates(kp, candidates)
	}
	if q.Mode != domain.ModeExact {
		idx.fuzzyCandidates(kp, q.MinSimilarity, candidates)
	}

	records := make([]domain.MatchRecord, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		row := idx.rows[it.Next()]
		if rec, ok := domain.NewMatchRecord(key, row, q.Mode, q.MinSimilarity, NameMemory); ok {
			records = append(records, rec)
		}
	}
	kr := domain.Found(key, records, NameMemory)
	kr.Finalize(q.Limit)
	return kr
}

func (idx *scopeIndex) prefixCandidates(kp string, into *roaring.Bitmap) {
	start := sort.SearchStrings(idx.keys, kp)
	for i, n := start, 0; i < len(idx.keys) && n < maxPrefixKeys; i, n = i+1, n+1 {
		k := idx.keys[i]
		if !strings.HasPrefix(k, kp) {
			return
		}
		into.Or(idx.postings[k])
	}
}

// fuzzyCandidates adds every key within the edit distance that can still
// reach minSimilarity. Only lengths inside that distance are scanned.
func (idx *scopeIndex) fuzzyCandidates(kp string, minSimilarity float64, into *roaring.Bitmap) {
	if minSimilarity <= 0 {
		minSimilarity = domain.DefaultMinSimilarity
	}
	lk := len([]rune(kp))
	scanned := 0
	for d := 0; ; d++ {
		progressed := false
		for _, l := range []int{lk - d, lk + d} {
			if d == 0 && l != lk {
				continue
			}
			if l <= 0 {
				continue
			}
			limit := domain.MaxEditDistance(lk, l, minSimilarity)
			if d > limit {
				continue
			}
			progressed = true
			for _, k := range idx.byLen[l] {
				if scanned >= maxFuzzyScan {
					return
				}
				scanned++
				if domain.Levenshtein(kp, k, limit) <= limit {
					into.Or(idx.postings[k])
				}
			}
			if d == 0 {
				break
			}
		}
		if !progressed {
			return
		}
	}
}

func (m *MemoryIndex) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Unavailable(NameMemory, fmt.Errorf("index closed"))
	}
	return nil
}

func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.scopes = make(map[string]*scopeIndex)
	return nil
}
