package search

import (
	"context"
	"time"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
)

// WarmUp runs the miss path for keys in the background and stores the
// answers: one entry for the whole set plus one per key, so later single-key
// requests hit as well. It returns the id of the tracked job at once;
// failures are logged and recorded on the job only.
func (s *Service) WarmUp(scope string, keys []string) string {
	normalized := domain.NormalizeKeys(keys)
	id := s.jobs.Start(scope, "keys", len(normalized))
	s.goWarm(id, func(ctx context.Context) {
		s.warm(ctx, id, scope, normalized)
	})
	return id
}

// WarmTop warms the scope's most frequently queried keys.
func (s *Service) WarmTop(scope string) string {
	id := s.jobs.Start(scope, "top", 0)
	s.goWarm(id, func(ctx context.Context) {
		keys, err := s.freq.Top(ctx, scope, s.cfg.WarmTopN)
		if err != nil {
			logging.Op().Warn("warm-up skipped: frequency lookup failed", "scope", scope, "error", err)
			s.jobs.Fail(id, "frequency lookup failed: "+err.Error())
			return
		}
		if len(keys) == 0 {
			logging.Op().Debug("warm-up skipped: no query history", "scope", scope)
			s.jobs.Skip(id, "no query history")
			return
		}
		s.jobs.SetKeys(id, len(keys))
		s.warm(ctx, id, scope, keys)
	})
	return id
}

// goWarm runs f with its own deadline and panic boundary, detached from any
// caller context.
func (s *Service) goWarm(id string, f func(ctx context.Context)) {
	if s.closing.Load() {
		s.jobs.Fail(id, ErrShuttingDown.Error())
		return
	}
	s.warmers.Add(1)
	safeGo(func() {
		defer s.warmers.Done()
		defer func() {
			if r := recover(); r != nil {
				s.jobs.Fail(id, "internal error")
				panic(r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout+5*time.Second)
		defer cancel()
		f(ctx)
	})
}

func (s *Service) warm(ctx context.Context, id, scope string, keys domain.KeySet) {
	if err := domain.ValidateScope(scope); err != nil {
		s.jobs.Fail(id, err.Error())
		return
	}
	var valid domain.KeySet
	for _, k := range keys.Dedup() {
		if k.Valid() {
			valid = append(valid, k)
		}
	}
	if len(valid) == 0 {
		s.jobs.Skip(id, "no valid keys")
		return
	}

	start := time.Now()
	gen := s.cache.Generation(scope)
	mode := domain.ModeHybrid
	q := domain.Query{
		Scope:         scope,
		Mode:          mode,
		Limit:         s.cfg.PerKeyLimit,
		MinSimilarity: s.cfg.MinSimilarity,
	}
	result, _ := s.dispatch(ctx, valid, q)
	ttl := s.cache.TTLs().Warm

	stored := 0
	if result.Complete() {
		if err := s.cache.PutAt(ctx, domain.FingerprintOf(scope, valid, mode), scope, result, ttl, gen); err != nil {
			logging.Op().Warn("warm-up cache write failed", "scope", scope, "error", err)
		} else {
			stored++
		}
	}
	if len(valid) > 1 {
		for _, k := range valid {
			kr := result[k]
			if kr == nil || kr.IsError() {
				continue
			}
			single := domain.BulkResult{k: kr.Clone()}
			if err := s.cache.PutAt(ctx, domain.FingerprintOf(scope, domain.KeySet{k}, mode), scope, single, ttl, gen); err != nil {
				logging.Op().Warn("warm-up cache write failed", "scope", scope, "key", k, "error", err)
				continue
			}
			stored++
		}
	}

	ok := result.Complete()
	s.metrics.RecordWarmUp(len(valid), ok)
	s.jobs.Finish(id, stored, ok)
	logging.Op().Info("cache warm-up finished",
		"job_id", id,
		"scope", scope,
		"keys", len(valid),
		"entries", stored,
		"complete", ok,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
