package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/partsearch/internal/domain"
)

func sampleResult() domain.BulkResult {
	return domain.BulkResult{
		"R536446": domain.Found("R536446", []domain.MatchRecord{{
			Row:        domain.Row{ID: 1, PartNumber: "R536446", UnitPrice: 813.54, Quantity: 5},
			Confidence: domain.ScoreExact,
			MatchType:  domain.MatchExact,
			Engine:     "memory",
		}}, "memory"),
		"UNKNOWN1": domain.NotFound("UNKNOWN1", "memory"),
	}
}

func newResultCache(clock *fakeClock) *ResultCache {
	store := NewInMemoryCache(WithClock(clock.Now))
	return NewResultCache(store, NewMemoryScopeIndex(), ResultOptions{Clock: clock.Now})
}

func TestResultCache_RoundTripUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newResultCache(clock)
	defer c.Close()

	ctx := context.Background()
	fp := domain.FingerprintOf("S1", domain.KeySet{"R536446", "UNKNOWN1"}, domain.ModeHybrid)

	if err := c.Put(ctx, fp, "S1", sampleResult(), time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Advance(59 * time.Second)
	entry, ok := c.Get(ctx, fp)
	if !ok {
		t.Fatal("expected hit before TTL")
	}
	if entry.Scope != "S1" || entry.Fingerprint != fp {
		t.Fatalf("unexpected entry header: %+v", entry)
	}
	got := entry.Result["R536446"]
	if got == nil || got.Status != domain.StatusFound || got.Records[0].UnitPrice != 813.54 {
		t.Fatalf("unexpected cached result: %+v", got)
	}
	if entry.Result["UNKNOWN1"].Status != domain.StatusNotFound {
		t.Fatal("not-found entry lost in round trip")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("expired entry must not be returned")
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.HitRate != 0.5 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestResultCache_ReturnsIndependentCopies(t *testing.T) {
	clock := newFakeClock()
	c := newResultCache(clock)
	defer c.Close()

	ctx := context.Background()
	fp := domain.FingerprintOf("S1", domain.KeySet{"R536446"}, domain.ModeExact)
	c.Put(ctx, fp, "S1", sampleResult(), time.Minute)

	first, _ := c.Get(ctx, fp)
	first.Result["R536446"].Records[0].UnitPrice = 1

	second, _ := c.Get(ctx, fp)
	if second.Result["R536446"].Records[0].UnitPrice != 813.54 {
		t.Fatal("mutating a returned entry changed the cache")
	}
}

func TestResultCache_PutAtRejectsStaleGeneration(t *testing.T) {
	c := newResultCache(newFakeClock())
	defer c.Close()

	ctx := context.Background()
	fp := domain.FingerprintOf("S1", domain.KeySet{"R536446"}, domain.ModeHybrid)

	gen := c.Generation("S1")
	if _, err := c.Invalidate(ctx, "S1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := c.PutAt(ctx, fp, "S1", sampleResult(), time.Minute, gen); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale after invalidation, got %v", err)
	}
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("stale result must not be stored")
	}

	fpOther := domain.FingerprintOf("S2", domain.KeySet{"R536446"}, domain.ModeHybrid)
	if err := c.PutAt(ctx, fpOther, "S2", sampleResult(), time.Minute, c.Generation("S2")); err != nil {
		t.Fatalf("other scope must be unaffected: %v", err)
	}

	gen = c.Generation("S2")
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := c.PutAt(ctx, fpOther, "S2", sampleResult(), time.Minute, gen); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale after flush, got %v", err)
	}

	if err := c.PutAt(ctx, fp, "S1", sampleResult(), time.Minute, c.Generation("S1")); err != nil {
		t.Fatalf("PutAt at current generation failed: %v", err)
	}
	if _, ok := c.Get(ctx, fp); !ok {
		t.Fatal("expected hit after a current write")
	}
}

func TestResultCache_InvalidateScope(t *testing.T) {
	clock := newFakeClock()
	c := newResultCache(clock)
	defer c.Close()

	ctx := context.Background()
	fpA := domain.FingerprintOf("S1", domain.KeySet{"A1"}, domain.ModeHybrid)
	fpB := domain.FingerprintOf("S1", domain.KeySet{"B1", "B2"}, domain.ModeHybrid)
	fpOther := domain.FingerprintOf("S2", domain.KeySet{"A1"}, domain.ModeHybrid)
	for fp, scope := range map[domain.Fingerprint]string{fpA: "S1", fpB: "S1", fpOther: "S2"} {
		if err := c.Put(ctx, fp, scope, sampleResult(), time.Minute); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	n, err := c.Invalidate(ctx, "S1")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 invalidated fingerprints, got %d", n)
	}
	if _, ok := c.Get(ctx, fpA); ok {
		t.Fatal("S1 entry survived invalidation")
	}
	if _, ok := c.Get(ctx, fpB); ok {
		t.Fatal("S1 entry survived invalidation")
	}
	if _, ok := c.Get(ctx, fpOther); !ok {
		t.Fatal("S2 entry must survive S1 invalidation")
	}

	if n, _ := c.Invalidate(ctx, "S1"); n != 0 {
		t.Fatalf("second invalidation should be empty, got %d", n)
	}
}

type recordingPublisher struct {
	keys    []string
	flushes int
}

func (p *recordingPublisher) PublishInvalidation(_ context.Context, keys ...string) error {
	p.keys = append(p.keys, keys...)
	return nil
}

func (p *recordingPublisher) PublishFlush(context.Context) error {
	p.flushes++
	return nil
}

func TestResultCache_BroadcastsToPeers(t *testing.T) {
	clock := newFakeClock()
	c := newResultCache(clock)
	defer c.Close()

	pub := &recordingPublisher{}
	c.SetPublisher(pub)

	ctx := context.Background()
	fp := domain.FingerprintOf("S1", domain.KeySet{"A1"}, domain.ModeHybrid)
	c.Put(ctx, fp, "S1", sampleResult(), time.Minute)
	c.Invalidate(ctx, "S1")
	c.Flush(ctx)

	if len(pub.keys) != 1 || pub.keys[0] != string(fp) {
		t.Fatalf("expected fingerprint broadcast, got %v", pub.keys)
	}
	if pub.flushes != 1 {
		t.Fatalf("expected one flush broadcast, got %d", pub.flushes)
	}
}

func TestCodec_CompressesLargePayloads(t *testing.T) {
	codec := NewCodec(1024)

	records := make([]domain.MatchRecord, 200)
	for i := range records {
		records[i] = domain.MatchRecord{
			Row:        domain.Row{ID: int64(i), PartNumber: fmt.Sprintf("R%06d", i), ItemDescription: strings.Repeat("bearing ", 8)},
			Confidence: domain.ScoreExact,
			MatchType:  domain.MatchExact,
		}
	}
	entry := &Entry{Scope: "S1", Result: domain.BulkResult{"R": domain.Found("R", records, "memory")}, TTL: time.Minute}

	data, err := codec.Encode(entry)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if data[0] != formatZstd {
		t.Fatalf("expected compressed payload, got format %d", data[0])
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := decoded.Result["R"].TotalMatches; got != 200 {
		t.Fatalf("expected 200 records after round trip, got %d", got)
	}

	small, _ := codec.Encode(&Entry{Scope: "S1", Result: domain.BulkResult{}})
	if small[0] != formatJSON {
		t.Fatalf("expected plain payload for small entry, got format %d", small[0])
	}
}

func TestCodec_RejectsCorruptPayload(t *testing.T) {
	codec := NewCodec(0)
	for _, data := range [][]byte{nil, {9, '{'}, {formatJSON, 'x'}, {formatZstd, 1, 2, 3}} {
		if _, err := codec.Decode(data); err == nil {
			t.Fatalf("expected error for %v", data)
		}
	}
}

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use a separate DB for tests
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestResultCache_RedisScopeIndex(t *testing.T) {
	client := newTestRedisClient(t)
	ctx := context.Background()

	prefix := fmt.Sprintf("partsearch:test:%d:", time.Now().UnixNano())
	store := NewRedisCacheFromClient(client, prefix+"cache:")
	index := NewRedisScopeIndex(client, prefix+"scope:", time.Hour)
	c := NewResultCache(store, index, ResultOptions{})
	defer func() {
		c.Flush(ctx)
	}()

	fp := domain.FingerprintOf("S1", domain.KeySet{"A1"}, domain.ModeHybrid)
	if err := c.Put(ctx, fp, "S1", sampleResult(), time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := c.Get(ctx, fp); !ok {
		t.Fatal("expected hit from Redis")
	}
	if n, err := c.Invalidate(ctx, "S1"); err != nil || n != 1 {
		t.Fatalf("Invalidate = %d, %v", n, err)
	}
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("entry survived invalidation")
	}
}
