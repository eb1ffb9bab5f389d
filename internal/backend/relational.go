package backend

import (
	"strings"

	"github.com/oriys/partsearch/internal/domain"
)

// rowColumns is the column order shared by the relational engines.
var rowColumns = []string{
	"row_id", "part_number", "item_description", "company_name", "contact_details", "email",
	"uqc", "secondary_buyer", "secondary_buyer_contact", "secondary_buyer_email",
	"quantity", "unit_price",
}

// selectColumns renders rowColumns, optionally qualified by a table alias.
func selectColumns(alias string) string {
	if alias == "" {
		return strings.Join(rowColumns, ", ")
	}
	cols := make([]string, len(rowColumns))
	for i, c := range rowColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRow reads rowColumns, with any extra leading destinations first.
func scanRow(s scanner, lead ...any) (domain.Row, error) {
	var r domain.Row
	dest := append(lead,
		&r.ID, &r.PartNumber, &r.ItemDescription, &r.CompanyName, &r.ContactDetails, &r.Email,
		&r.UQC, &r.SecondaryBuyer, &r.SecondaryBuyerContact, &r.SecondaryBuyerEmail,
		&r.Quantity, &r.UnitPrice,
	)
	err := s.Scan(dest...)
	return r, err
}

func rowValues(scope string, r domain.Row) []any {
	return []any{
		scope, r.ID, r.PartNumber, domain.Alnum(r.PartNumber), r.ItemDescription, r.CompanyName,
		r.ContactDetails, r.Email, r.UQC, r.SecondaryBuyer, r.SecondaryBuyerContact, r.SecondaryBuyerEmail,
		r.Quantity, r.UnitPrice,
	}
}

// loadColumns is the insert column order matching rowValues.
var loadColumns = []string{
	"scope_id", "row_id", "part_number", "part_key", "item_description", "company_name",
	"contact_details", "email", "uqc", "secondary_buyer", "secondary_buyer_contact", "secondary_buyer_email",
	"quantity", "unit_price",
}

// keyIndex groups batch keys by their canonical lookup form. Several
// spellings of one part number share a lookup key.
type keyIndex struct {
	byIndex map[string][]domain.SearchKey
	lookup  []string // distinct lookup keys, batch order
}

func newKeyIndex(keys domain.KeySet) keyIndex {
	ki := keyIndex{byIndex: make(map[string][]domain.SearchKey, len(keys))}
	for _, k := range keys {
		ik := k.IndexKey()
		if ik == "" {
			continue
		}
		if _, ok := ki.byIndex[ik]; !ok {
			ki.lookup = append(ki.lookup, ik)
		}
		ki.byIndex[ik] = append(ki.byIndex[ik], k)
	}
	return ki
}

// collector accumulates scored candidates per key.
type collector struct {
	q       domain.Query
	engine  string
	records map[domain.SearchKey][]domain.MatchRecord
}

func newCollector(q domain.Query, engine string) *collector {
	return &collector{q: q, engine: engine, records: make(map[domain.SearchKey][]domain.MatchRecord)}
}

// add scores row against every key sharing lookupKey.
func (c *collector) add(ki keyIndex, lookupKey string, row domain.Row) {
	for _, k := range ki.byIndex[lookupKey] {
		if rec, ok := domain.NewMatchRecord(k, row, c.q.Mode, c.q.MinSimilarity, c.engine); ok {
			c.records[k] = append(c.records[k], rec)
		}
	}
}

// result builds one entry per batch key.
func (c *collector) result(keys domain.KeySet) domain.BulkResult {
	out := make(domain.BulkResult, len(keys))
	for _, k := range keys {
		kr := domain.Found(k, c.records[k], c.engine)
		kr.Finalize(c.q.Limit)
		out[k] = kr
	}
	return out
}

// candidateCap bounds prefix and fuzzy candidates fetched per key.
func candidateCap(limit int) int {
	return max(limit*4, 200)
}
