package domain

import (
	"testing"
)

func rec(id int64, typ MatchType, conf, price float64) MatchRecord {
	return MatchRecord{Row: Row{ID: id, UnitPrice: price, Quantity: 1}, MatchType: typ, Confidence: conf}
}

func TestSortRecordsRanking(t *testing.T) {
	records := []MatchRecord{
		rec(1, MatchFuzzy, 60, 1),
		rec(2, MatchPrefix, ScorePrefix, 50),
		rec(3, MatchExact, ScoreExact, 20),
		rec(4, MatchExact, ScoreExact, 10),
		rec(5, MatchExact, ScoreExact, 10),
	}
	SortRecords(records)

	want := []int64{4, 5, 3, 2, 1}
	for i, id := range want {
		if records[i].ID != id {
			t.Fatalf("position %d: got row %d, want %d", i, records[i].ID, id)
		}
	}
}

func TestFinalizeDedupAndCap(t *testing.T) {
	kr := Found("K1", []MatchRecord{
		rec(7, MatchFuzzy, 50, 5),
		rec(7, MatchExact, ScoreExact, 5),
		rec(8, MatchPrefix, ScorePrefix, 3),
		rec(9, MatchPrefix, ScorePrefix, 4),
	}, "memory")
	kr.Finalize(2)

	if kr.TotalMatches != 2 || len(kr.Records) != 2 {
		t.Fatalf("expected 2 records, got %d (total %d)", len(kr.Records), kr.TotalMatches)
	}
	if kr.Records[0].ID != 7 || kr.Records[0].MatchType != MatchExact {
		t.Fatalf("expected exact row 7 first, got %+v", kr.Records[0])
	}
	if kr.Records[1].ID != 8 {
		t.Fatalf("expected cheaper prefix row 8 second, got %d", kr.Records[1].ID)
	}
	if kr.Status != StatusFound {
		t.Fatalf("status = %s", kr.Status)
	}
}

func TestPageKeepsTotal(t *testing.T) {
	kr := Found("K1", []MatchRecord{rec(1, MatchExact, 100, 1), rec(2, MatchExact, 100, 2), rec(3, MatchExact, 100, 3)}, "memory")
	p := kr.Page(2, 2)
	if len(p.Records) != 1 || p.Records[0].ID != 3 {
		t.Fatalf("unexpected page: %+v", p.Records)
	}
	if p.TotalMatches != 3 {
		t.Fatalf("total = %d, want 3", p.TotalMatches)
	}
	if len(kr.Records) != 3 {
		t.Fatal("paging mutated the source entry")
	}
	if empty := kr.Page(5, 2); len(empty.Records) != 0 {
		t.Fatalf("expected empty page, got %d records", len(empty.Records))
	}
}

func TestPriceSummary(t *testing.T) {
	kr := Found("K1", []MatchRecord{rec(1, MatchExact, 100, 813.54), rec(2, MatchExact, 100, 0), rec(3, MatchExact, 100, 12.5)}, "memory")
	if kr.PriceSummary.MinPrice != 12.5 || kr.PriceSummary.MaxPrice != 813.54 {
		t.Fatalf("unexpected summary: %+v", kr.PriceSummary)
	}
	if kr.PriceSummary.TotalQuantity != 3 {
		t.Fatalf("total quantity = %d", kr.PriceSummary.TotalQuantity)
	}
}

func TestBulkResultCloneIsDeep(t *testing.T) {
	br := BulkResult{"K1": Found("K1", []MatchRecord{rec(1, MatchExact, 100, 1)}, "memory")}
	cp := br.Clone()
	cp["K1"].Records[0].UnitPrice = 99
	cp["K1"].Status = StatusError
	if br["K1"].Records[0].UnitPrice != 1 || br["K1"].Status != StatusFound {
		t.Fatal("clone shares state with the original")
	}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := FingerprintOf("S1", KeySet{"B", "A", "C", "A"}, ModeHybrid)
	b := FingerprintOf("S1", KeySet{"C", "B", "A"}, ModeHybrid)
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if a == FingerprintOf("S2", KeySet{"A", "B", "C"}, ModeHybrid) {
		t.Fatal("scope must change the fingerprint")
	}
	if a == FingerprintOf("S1", KeySet{"A", "B", "C"}, ModeExact) {
		t.Fatal("mode must change the fingerprint")
	}
	if len(a) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(a))
	}
}

func TestKeySetDedupPreservesFirstOccurrence(t *testing.T) {
	got := NormalizeKeys([]string{"b", " a", "B", "", "c", "a"}).Dedup()
	want := KeySet{"B", "A", "C"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
