package domain

import (
	"sort"
)

// Row is one already-parsed dataset row as supplied by the ingestion
// pipeline. ID is the owning-entity reference and follows input order.
type Row struct {
	ID                    int64   `json:"row_id"`
	PartNumber            string  `json:"part_number"`
	ItemDescription       string  `json:"item_description,omitempty"`
	CompanyName           string  `json:"company_name,omitempty"`
	ContactDetails        string  `json:"contact_details,omitempty"`
	Email                 string  `json:"email,omitempty"`
	UQC                   string  `json:"uqc,omitempty"`
	SecondaryBuyer        string  `json:"secondary_buyer,omitempty"`
	SecondaryBuyerContact string  `json:"secondary_buyer_contact,omitempty"`
	SecondaryBuyerEmail   string  `json:"secondary_buyer_email,omitempty"`
	Quantity              int64   `json:"quantity"`
	UnitPrice             float64 `json:"unit_price"`
}

// MatchRecord is one result row for a key.
type MatchRecord struct {
	Row
	Confidence float64   `json:"confidence"`
	MatchType  MatchType `json:"match_type"`
	Engine     string    `json:"engine,omitempty"`
}

// NewMatchRecord scores row against key and returns a record when it matches.
func NewMatchRecord(key SearchKey, row Row, mode Mode, minSimilarity float64, engine string) (MatchRecord, bool) {
	m, ok := Score(key, row.PartNumber, mode, minSimilarity)
	if !ok {
		return MatchRecord{}, false
	}
	return MatchRecord{Row: row, Confidence: m.Score, MatchType: m.Type, Engine: engine}, true
}

// Status is the outcome for a single key.
type Status string

const (
	StatusFound    Status = "found"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// ErrorKind names the failure embedded in an error entry.
type ErrorKind string

const (
	ErrorAllBackendsFailed ErrorKind = "all_backends_failed"
	ErrorTimeout           ErrorKind = "timeout"
	ErrorInvalidKey        ErrorKind = "invalid_key"
)

// PriceSummary aggregates the records of one key.
type PriceSummary struct {
	MinPrice      float64 `json:"min_price"`
	MaxPrice      float64 `json:"max_price"`
	TotalQuantity int64   `json:"total_quantity"`
}

// KeyResult is the entry for one key. Error entries share the shape of
// successful ones so callers can process a uniform structure.
type KeyResult struct {
	Key          SearchKey     `json:"key"`
	Status       Status        `json:"status"`
	Records      []MatchRecord `json:"records"`
	TotalMatches int           `json:"total_matches"`
	PriceSummary PriceSummary  `json:"price_summary"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	Message      string        `json:"message,omitempty"`
	Engine       string        `json:"engine,omitempty"`
}

// Found builds a successful entry; an empty record list becomes not_found.
func Found(key SearchKey, records []MatchRecord, engine string) *KeyResult {
	kr := &KeyResult{Key: key, Records: records, Engine: engine}
	kr.refresh()
	return kr
}

// NotFound builds an empty entry.
func NotFound(key SearchKey, engine string) *KeyResult {
	return Found(key, nil, engine)
}

// Failed builds an error entry.
func Failed(key SearchKey, kind ErrorKind, msg string) *KeyResult {
	return &KeyResult{Key: key, Status: StatusError, Records: []MatchRecord{}, ErrorKind: kind, Message: msg}
}

// IsError reports whether the entry carries a failure marker.
func (kr *KeyResult) IsError() bool { return kr.Status == StatusError }

// refresh recomputes status, counters and the price summary from Records.
func (kr *KeyResult) refresh() {
	if kr.Records == nil {
		kr.Records = []MatchRecord{}
	}
	kr.TotalMatches = len(kr.Records)
	if kr.Status != StatusError {
		kr.Status = StatusNotFound
		if len(kr.Records) > 0 {
			kr.Status = StatusFound
		}
	}
	kr.PriceSummary = summarize(kr.Records)
}

// Finalize sorts records by rank, removes duplicate rows and applies the
// per-key cap. limit <= 0 leaves the list uncapped.
func (kr *KeyResult) Finalize(limit int) {
	kr.Records = DedupRecords(kr.Records)
	SortRecords(kr.Records)
	if limit > 0 && len(kr.Records) > limit {
		kr.Records = kr.Records[:limit]
	}
	kr.refresh()
}

// Page returns a copy holding only the requested page. TotalMatches keeps the
// unpaged count.
func (kr *KeyResult) Page(page, pageSize int) *KeyResult {
	cp := kr.Clone()
	if pageSize <= 0 {
		return cp
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(cp.Records) {
		cp.Records = []MatchRecord{}
		return cp
	}
	end := min(start+pageSize, len(cp.Records))
	cp.Records = cp.Records[start:end]
	return cp
}

// Clone returns a deep copy.
func (kr *KeyResult) Clone() *KeyResult {
	cp := *kr
	cp.Records = append([]MatchRecord(nil), kr.Records...)
	if cp.Records == nil {
		cp.Records = []MatchRecord{}
	}
	return &cp
}

func summarize(records []MatchRecord) PriceSummary {
	var ps PriceSummary
	first := true
	for _, r := range records {
		if r.Quantity > 0 {
			ps.TotalQuantity += r.Quantity
		}
		if r.UnitPrice <= 0 {
			continue
		}
		if first || r.UnitPrice < ps.MinPrice {
			ps.MinPrice = r.UnitPrice
		}
		if first || r.UnitPrice > ps.MaxPrice {
			ps.MaxPrice = r.UnitPrice
		}
		first = false
	}
	return ps
}

// SortRecords orders records: match class, then score descending, then lower
// unit price, then row id (input order).
func SortRecords(records []MatchRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if ra, rb := a.MatchType.Rank(), b.MatchType.Rank(); ra != rb {
			return ra < rb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.UnitPrice != b.UnitPrice {
			return a.UnitPrice < b.UnitPrice
		}
		return a.ID < b.ID
	})
}

// DedupRecords keeps one record per owning row, preferring the better match.
func DedupRecords(records []MatchRecord) []MatchRecord {
	if len(records) < 2 {
		return records
	}
	best := make(map[int64]int, len(records))
	out := make([]MatchRecord, 0, len(records))
	for _, r := range records {
		idx, ok := best[r.ID]
		if !ok {
			best[r.ID] = len(out)
			out = append(out, r)
			continue
		}
		if better(r, out[idx]) {
			out[idx] = r
		}
	}
	return out
}

func better(a, b MatchRecord) bool {
	if ra, rb := a.MatchType.Rank(), b.MatchType.Rank(); ra != rb {
		return ra < rb
	}
	return a.Confidence > b.Confidence
}

// BulkResult maps every requested key to exactly one entry.
type BulkResult map[SearchKey]*KeyResult

// Clone deep-copies the result so callers can modify it freely.
func (br BulkResult) Clone() BulkResult {
	out := make(BulkResult, len(br))
	for k, v := range br {
		out[k] = v.Clone()
	}
	return out
}

// Complete reports whether no entry carries an error marker.
func (br BulkResult) Complete() bool {
	for _, v := range br {
		if v.IsError() {
			return false
		}
	}
	return true
}

// TotalMatches sums TotalMatches across entries.
func (br BulkResult) TotalMatches() int {
	n := 0
	for _, v := range br {
		n += v.TotalMatches
	}
	return n
}

// Fill adds a not-found entry for every key in keys that has none.
func (br BulkResult) Fill(keys KeySet, engine string) {
	for _, k := range keys {
		if _, ok := br[k]; !ok {
			br[k] = NotFound(k, engine)
		}
	}
}

// FailAll adds an error entry for every key in keys that has none.
func (br BulkResult) FailAll(keys KeySet, kind ErrorKind, msg string) {
	for _, k := range keys {
		if _, ok := br[k]; !ok {
			br[k] = Failed(k, kind, msg)
		}
	}
}
