package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/partsearch/internal/backend"
	"github.com/oriys/partsearch/internal/cache"
	"github.com/oriys/partsearch/internal/circuitbreaker"
	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/jobtracker"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/metrics"
	"github.com/oriys/partsearch/internal/notify"
	"github.com/oriys/partsearch/internal/observability"
)

// ErrShuttingDown is returned once Close has been called.
var ErrShuttingDown = errors.New("search service is shutting down")

// Config holds the tunables of the search path.
type Config struct {
	BatchSize       int           `json:"batch_size" yaml:"batch_size"`
	MaxConcurrency  int           `json:"max_concurrency" yaml:"max_concurrency"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout"`
	PerKeyLimit     int           `json:"per_key_limit" yaml:"per_key_limit"`
	DefaultPageSize int           `json:"default_page_size" yaml:"default_page_size"`
	MinSimilarity   float64       `json:"min_similarity" yaml:"min_similarity"`
	// Priority lists backend names in fallback order.
	Priority []string `json:"priority" yaml:"priority"`
	// WarmTopN is how many of a scope's hottest keys WarmTop pre-loads.
	WarmTopN int `json:"warm_top_n" yaml:"warm_top_n"`
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		MaxConcurrency:  4,
		RequestTimeout:  30 * time.Second,
		PerKeyLimit:     100,
		DefaultPageSize: 50,
		MinSimilarity:   domain.DefaultMinSimilarity,
		Priority: []string{
			backend.NameMemory,
			backend.NameElasticsearch,
			backend.NamePostgres,
			backend.NameSQLite,
		},
		WarmTopN: 100,
	}
}

// Validate rejects settings no request could be served with.
func (c Config) Validate() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", domain.ErrInvalidInput, c.BatchSize)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: max concurrency must be positive, got %d", domain.ErrInvalidInput, c.MaxConcurrency)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: min similarity must be within [0,1], got %v", domain.ErrInvalidInput, c.MinSimilarity)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PerKeyLimit <= 0 {
		c.PerKeyLimit = d.PerKeyLimit
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = d.DefaultPageSize
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = d.MinSimilarity
	}
	if len(c.Priority) == 0 {
		c.Priority = d.Priority
	}
	if c.WarmTopN <= 0 {
		c.WarmTopN = d.WarmTopN
	}
	return c
}

// Service answers bulk searches: cache first, then the fallback walk over
// the configured backends, batch by batch.
type Service struct {
	cfg       Config
	orch      *Orchestrator
	cache     *cache.ResultCache
	freq      FrequencyTracker
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	breakers  *circuitbreaker.Registry
	searchLog *logging.SearchLogger
	jobs      *jobtracker.Tracker

	group   singleflight.Group // coalesces identical misses
	warmers sync.WaitGroup
	closing atomic.Bool
}

// Option configures a Service.
type Option func(*Service)

// WithCache sets the result cache. Without one, a bounded in-memory cache is used.
func WithCache(c *cache.ResultCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithFrequency sets the query frequency tracker used by WarmTop.
func WithFrequency(f FrequencyTracker) Option {
	return func(s *Service) {
		s.freq = f
	}
}

// WithNotifier sets where completion events go.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithBreakers exposes the backends' breaker registry through Stats.
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(s *Service) {
		s.breakers = r
	}
}

// WithSearchLogger sets the per-request search log.
func WithSearchLogger(l *logging.SearchLogger) Option {
	return func(s *Service) {
		s.searchLog = l
	}
}

// WithJobTracker sets where warm-up jobs report their status.
func WithJobTracker(t *jobtracker.Tracker) Option {
	return func(s *Service) {
		s.jobs = t
	}
}

// New builds a service over backends, which must already be in priority
// order (see Order).
func New(backends []backend.Backend, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: at least one backend is required", domain.ErrInvalidInput)
	}
	s := &Service{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.Global()
	}
	if s.cache == nil {
		s.cache = cache.NewResultCache(cache.NewInMemoryCache(), nil, cache.ResultOptions{})
	}
	if s.freq == nil {
		s.freq = NewMemoryFrequency()
	}
	if s.notifier == nil {
		s.notifier = notify.NewNoopNotifier()
	}
	if s.searchLog == nil {
		s.searchLog = logging.Default()
	}
	if s.jobs == nil {
		s.jobs = jobtracker.New(0, 0)
	}
	s.orch = NewOrchestrator(backends, s.metrics)
	return s, nil
}

// Order arranges backends by the priority list. Backends whose name is not
// listed are dropped; listed names with no backend are skipped.
func Order(backends []backend.Backend, priority []string) []backend.Backend {
	byName := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	out := make([]backend.Backend, 0, len(priority))
	for _, name := range priority {
		if b, ok := byName[name]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Cache returns the result cache.
func (s *Service) Cache() *cache.ResultCache { return s.cache }

// Backends returns the backends in priority order.
func (s *Service) Backends() []backend.Backend { return s.orch.Backends() }

// Metrics returns the counters the service records into.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Jobs returns the warm-up job tracker.
func (s *Service) Jobs() *jobtracker.Tracker { return s.jobs }

// Search runs one bulk search. Only malformed requests fail as a whole
// (wrapping domain.ErrInvalidInput); backend failures become per-key
// error entries.
func (s *Service) Search(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	start := time.Now()
	requestID := uuid.NewString()

	ctx, span := observability.StartSpan(ctx, "partsearch.search",
		observability.AttrRequestID.String(requestID),
		observability.AttrScope.String(req.Scope),
		observability.AttrKeys.Int(len(req.Keys)),
	)
	defer span.End()

	p, err := s.prepare(ctx, req)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	metrics.IncActiveSearches()
	defer metrics.DecActiveSearches()

	result, cached, batches := s.resolve(ctx, p)
	for k, kr := range p.invalid {
		result[k] = kr
	}

	resp := s.respond(requestID, p, result, cached, time.Since(start))

	s.metrics.RecordSearch(resp.TotalKeys, resp.LatencyMs, cached, resp.Complete)
	s.record(p)
	s.emit(ctx, resp)
	s.searchLog.Log(&logging.SearchLog{
		RequestID:    requestID,
		TraceID:      observability.GetTraceID(ctx),
		Scope:        p.query.Scope,
		Mode:         string(p.query.Mode),
		Keys:         resp.TotalKeys,
		Batches:      batches,
		TotalMatches: resp.TotalMatches,
		Engine:       resp.EngineUsed,
		DurationMs:   resp.LatencyMs,
		Cached:       cached,
		Complete:     resp.Complete,
	})

	if !resp.Complete {
		logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).Warn("search answered partially",
			"request_id", requestID,
			"scope", p.query.Scope,
			"keys", resp.TotalKeys,
			"engine", resp.EngineUsed,
		)
	}

	span.SetAttributes(
		observability.AttrMode.String(string(p.query.Mode)),
		observability.AttrCached.Bool(cached),
		observability.AttrComplete.Bool(resp.Complete),
		observability.AttrEngineUsed.String(resp.EngineUsed),
		observability.AttrDurationMs.Int64(resp.LatencyMs),
	)
	observability.SetSpanOK(span)
	return resp, nil
}

// prepared is a validated request.
type prepared struct {
	query    domain.Query
	keys     domain.KeySet // normalized, caller order, duplicates kept
	distinct domain.KeySet // deduplicated, every key dispatchable
	invalid  domain.BulkResult
	fp       domain.Fingerprint
	page     int
	pageSize int
}

func (s *Service) prepare(ctx context.Context, req domain.Request) (*prepared, error) {
	if err := domain.ValidateScope(req.Scope); err != nil {
		return nil, err
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	keys := domain.NormalizeKeys(req.Keys)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no search keys", domain.ErrInvalidInput)
	}
	if err := s.checkScope(ctx, req.Scope); err != nil {
		return nil, err
	}

	p := &prepared{
		query: domain.Query{
			Scope:         req.Scope,
			Mode:          mode,
			Limit:         s.cfg.PerKeyLimit,
			MinSimilarity: s.cfg.MinSimilarity,
		},
		keys:    keys,
		invalid: make(domain.BulkResult),
	}
	for _, k := range keys.Dedup() {
		if !k.Valid() {
			kr := domain.NotFound(k, "")
			kr.ErrorKind = domain.ErrorInvalidKey
			kr.Message = fmt.Sprintf("key must be at least %d characters", domain.MinKeyLength)
			p.invalid[k] = kr
			continue
		}
		p.distinct = append(p.distinct, k)
	}
	p.fp = domain.FingerprintOf(req.Scope, p.distinct, mode)

	if !req.ShowAll {
		p.page = max(req.Page, 1)
		p.pageSize = req.PageSize
		if p.pageSize <= 0 {
			p.pageSize = s.cfg.DefaultPageSize
		}
	}
	return p, nil
}

// checkScope rejects a scope that every catalog-keeping backend reports as
// unknown. Catalog errors are logged and the scope is treated as known.
func (s *Service) checkScope(ctx context.Context, scope string) error {
	checked := false
	for _, b := range s.orch.Backends() {
		sc, ok := backend.AsScopeChecker(b)
		if !ok {
			continue
		}
		known, err := sc.HasScope(ctx, scope)
		if err != nil {
			logging.Op().Warn("scope catalog check failed, assuming scope exists",
				"scope", scope, "backend", b.Name(), "error", err)
			return nil
		}
		if known {
			return nil
		}
		checked = true
	}
	if checked {
		return fmt.Errorf("%w: unknown scope %q", domain.ErrInvalidInput, scope)
	}
	return nil
}

// resolve serves the request from cache or runs the miss path. The returned
// result is owned by the caller.
func (s *Service) resolve(ctx context.Context, p *prepared) (domain.BulkResult, bool, int) {
	if len(p.distinct) == 0 {
		return make(domain.BulkResult), false, 0
	}
	gen := s.cache.Generation(p.query.Scope)
	if entry, ok := s.cache.Get(ctx, p.fp); ok {
		s.metrics.RecordCacheLookup(true)
		return entry.Result.Clone(), true, 0
	}
	s.metrics.RecordCacheLookup(false)

	type outcome struct {
		result  domain.BulkResult
		batches int
	}
	// Shared callers must not see each other's ctx cancellation; the
	// request timeout still bounds the work. The generation keeps a request
	// that starts after an invalidation from joining an older miss.
	key := fmt.Sprintf("%s@%d", p.fp, gen)
	v, _, _ := s.group.Do(key, func() (any, error) {
		wctx := context.WithoutCancel(ctx)
		res, n := s.dispatch(wctx, p.distinct, p.query)
		if res.Complete() {
			ttl := s.cache.TTLs().ForKeys(len(p.distinct))
			err := s.cache.PutAt(wctx, p.fp, p.query.Scope, res, ttl, gen)
			switch {
			case errors.Is(err, cache.ErrStale):
				logging.Op().Debug("skipping cache write, scope invalidated during search", "scope", p.query.Scope)
			case err != nil:
				logging.Op().Warn("cache write failed", "scope", p.query.Scope, "error", err)
			}
		}
		return outcome{result: res, batches: n}, nil
	})
	out := v.(outcome)
	return out.result.Clone(), false, out.batches
}

// dispatch splits keys into batches and fans them out through the
// orchestrator. Every key gets exactly one entry.
func (s *Service) dispatch(ctx context.Context, keys domain.KeySet, q domain.Query) (domain.BulkResult, int) {
	batches, err := Split(keys, s.cfg.BatchSize)
	if err != nil {
		out := make(domain.BulkResult, len(keys))
		out.FailAll(keys, domain.ErrorAllBackendsFailed, err.Error())
		return out, 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	state := newRequestState()
	parts := make([]domain.BulkResult, len(batches))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, b := range batches {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logging.ForBatch(q.Scope, b.ID, "").Error("recovered panic in batch", "panic", r)
					failed := make(domain.BulkResult, len(b.Keys))
					failed.FailAll(b.Keys, domain.ErrorAllBackendsFailed, "internal error")
					parts[i] = failed
				}
			}()
			parts[i] = s.orch.Run(ctx, b, q, state)
			return nil
		})
	}
	_ = g.Wait()

	merged := Merge(q.Limit, parts...)
	merged.FailAll(keys, domain.ErrorTimeout, "request deadline exceeded")
	return merged, len(batches)
}

func (s *Service) respond(requestID string, p *prepared, result domain.BulkResult, cached bool, elapsed time.Duration) *domain.Response {
	resp := &domain.Response{
		RequestID: requestID,
		Scope:     p.query.Scope,
		Keys:      p.keys,
		Results:   make(map[domain.SearchKey]*domain.KeyResult, len(result)),
		TotalKeys: len(result),
		Cached:    cached,
		Complete:  result.Complete(),
		LatencyMs: elapsed.Milliseconds(),
	}
	for k, kr := range result {
		resp.TotalMatches += kr.TotalMatches
		if p.pageSize > 0 {
			kr = kr.Page(p.page, p.pageSize)
		}
		resp.Results[k] = kr
	}
	if cached {
		resp.EngineUsed = domain.EngineCache
	} else {
		resp.EngineUsed = s.enginesUsed(result)
	}
	return resp
}

// enginesUsed joins the distinct engines that answered, in priority order.
func (s *Service) enginesUsed(result domain.BulkResult) string {
	used := make(map[string]bool)
	for _, kr := range result {
		if kr.Engine != "" && !kr.IsError() {
			used[kr.Engine] = true
		}
	}
	var names []string
	for _, b := range s.orch.Backends() {
		if used[b.Name()] {
			names = append(names, b.Name())
			delete(used, b.Name())
		}
	}
	for name := range used {
		names = append(names, name)
	}
	if len(names) == 0 {
		return domain.EngineNone
	}
	return strings.Join(names, ",")
}

// record counts the request's keys for warming, off the request path.
func (s *Service) record(p *prepared) {
	if len(p.distinct) == 0 {
		return
	}
	scope, keys := p.query.Scope, p.distinct
	safeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.freq.Record(ctx, scope, keys); err != nil {
			logging.Op().Warn("failed to record query frequency", "scope", scope, "error", err)
		}
	})
}

func (s *Service) emit(ctx context.Context, resp *domain.Response) {
	ev := notify.NewEvent(ctx, resp.RequestID, resp.Scope, resp.TotalKeys, resp.Complete, resp.Cached)
	if err := s.notifier.Notify(ctx, ev); err != nil {
		logging.Op().Warn("failed to publish search event", "request_id", resp.RequestID, "error", err)
	}
}

// Invalidate drops every cached result derived from scope.
func (s *Service) Invalidate(ctx context.Context, scope string) (int, error) {
	if err := domain.ValidateScope(scope); err != nil {
		return 0, err
	}
	n, err := s.cache.Invalidate(ctx, scope)
	metrics.RecordInvalidation(n)
	if err != nil {
		return n, fmt.Errorf("invalidate scope %s: %w", scope, err)
	}
	logging.Op().Info("scope cache invalidated", "scope", scope, "entries", n)
	return n, nil
}

// LoadReport summarizes an ingestion hook call.
type LoadReport struct {
	Scope       string            `json:"scope"`
	Rows        int               `json:"rows"`
	Loaded      []string          `json:"loaded"`
	Failed      map[string]string `json:"failed,omitempty"`
	Invalidated int               `json:"invalidated"`
	WarmJob     string            `json:"warm_job,omitempty"`
}

// Load replaces the scope's rows in every backend that accepts rows, then
// invalidates the scope and warms its hottest keys in the background. It
// fails only when no backend took the rows.
func (s *Service) Load(ctx context.Context, scope string, rows []domain.Row) (*LoadReport, error) {
	if err := domain.ValidateScope(scope); err != nil {
		return nil, err
	}
	report := &LoadReport{Scope: scope, Rows: len(rows), Loaded: []string{}}
	for _, b := range s.orch.Backends() {
		l, ok := backend.AsLoader(b)
		if !ok {
			continue
		}
		if err := l.Load(ctx, scope, rows); err != nil {
			logging.Op().Error("backend load failed", "scope", scope, "backend", b.Name(), "error", err)
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[b.Name()] = err.Error()
			continue
		}
		report.Loaded = append(report.Loaded, b.Name())
	}
	if len(report.Loaded) == 0 {
		return report, fmt.Errorf("load scope %s: no backend accepted the rows", scope)
	}

	n, err := s.Invalidate(ctx, scope)
	report.Invalidated = n
	if err != nil {
		logging.Op().Warn("invalidate after load failed", "scope", scope, "error", err)
	}
	report.WarmJob = s.WarmTop(scope)
	logging.Op().Info("scope loaded", "scope", scope, "rows", len(rows), "backends", strings.Join(report.Loaded, ","))
	return report, nil
}

// Flush drops every cached result.
func (s *Service) Flush(ctx context.Context) error {
	return s.cache.Flush(ctx)
}

// Stats is a read-only snapshot for dashboards.
type Stats struct {
	Cache    cache.Stats       `json:"cache"`
	Search   metrics.Stats     `json:"search"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Backends []string          `json:"backends"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		Cache:  s.cache.Stats(),
		Search: s.metrics.Stats(),
	}
	if s.breakers != nil {
		st.Breakers = s.breakers.Snapshot()
	}
	for _, b := range s.orch.Backends() {
		st.Backends = append(st.Backends, b.Name())
	}
	return st
}

// Health status values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "unavailable"
)

// Health reports backend reachability and cache connectivity.
type Health struct {
	Status   string         `json:"status"`
	Cache    string         `json:"cache"`
	Backends []backend.Info `json:"backends"`
}

// Health pings every backend and the cache store. The service is degraded
// while at least one backend answers, and unavailable when none does.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:   HealthOK,
		Cache:    HealthOK,
		Backends: backend.Detect(ctx, s.orch.Backends(), 2*time.Second),
	}
	if err := s.cache.Ping(ctx); err != nil {
		h.Cache = err.Error()
		h.Status = HealthDegraded
	}
	up := 0
	for _, info := range h.Backends {
		if info.Available {
			up++
		}
	}
	switch {
	case up == 0:
		h.Status = HealthDown
	case up < len(h.Backends):
		h.Status = HealthDegraded
	}
	return h
}

// Wait blocks until every background warm-up has finished.
func (s *Service) Wait() { s.warmers.Wait() }

// Close rejects new searches and waits for running warm-ups. Injected
// collaborators are closed by their owner.
func (s *Service) Close() {
	s.closing.Store(true)
	s.warmers.Wait()
}

// safeGo runs f in a new goroutine with panic recovery so that a failure
// in fire-and-forget background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
