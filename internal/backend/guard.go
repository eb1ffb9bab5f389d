package backend

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/oriys/partsearch/internal/circuitbreaker"
	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/metrics"
	"github.com/oriys/partsearch/internal/observability"
)

var (
	errCircuitOpen  = errors.New("circuit open")
	errAcquireSlot  = errors.New("no connection slot within acquire timeout")
	errRateExceeded = errors.New("rate limit wait exceeds deadline")
)

// GuardConfig bounds how a single backend is used.
type GuardConfig struct {
	// PoolSize bounds concurrent BulkLookup calls.
	PoolSize int `json:"pool_size" yaml:"pool_size"`
	// AcquireTimeout bounds the wait for a slot and a rate token.
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	// CallTimeout bounds one BulkLookup call; 0 leaves only the request deadline.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
	// RatePerSecond caps calls per second; 0 disables the limiter.
	RatePerSecond float64               `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int                   `json:"burst" yaml:"burst"`
	Breaker       circuitbreaker.Config `json:"breaker" yaml:"breaker"`
}

// DefaultGuardConfig returns the limits used when a backend has none configured.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		PoolSize:       8,
		AcquireTimeout: 2 * time.Second,
		CallTimeout:    10 * time.Second,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// Guarded wraps a Backend with a circuit breaker, a bounded acquisition
// gate, an optional rate limiter and a per-call timeout.
type Guarded struct {
	inner          Backend
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	callTimeout    time.Duration
	limiter        *rate.Limiter
	breaker        *circuitbreaker.Breaker
	metrics        *metrics.Metrics
}

// Guard wraps inner. breakers and m may be nil.
func Guard(inner Backend, cfg GuardConfig, breakers *circuitbreaker.Registry, m *metrics.Metrics) *Guarded {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultGuardConfig().PoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultGuardConfig().AcquireTimeout
	}
	if m == nil {
		m = metrics.Global()
	}
	g := &Guarded{
		inner:          inner,
		sem:            semaphore.NewWeighted(int64(cfg.PoolSize)),
		acquireTimeout: cfg.AcquireTimeout,
		callTimeout:    cfg.CallTimeout,
		metrics:        m,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSecond))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if breakers != nil {
		g.breaker = breakers.Get(inner.Name(), cfg.Breaker)
	}
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Unwrap returns the guarded backend.
func (g *Guarded) Unwrap() Backend { return g.inner }

func (g *Guarded) BulkLookup(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
	name := g.inner.Name()
	start := time.Now()

	// Local congestion is not held against the backend's breaker.
	if err := g.acquire(ctx); err != nil {
		g.record(err, start)
		return nil, err
	}
	defer g.sem.Release(1)

	// The breaker is consulted after the slot is held so a half-open probe
	// always reaches the backend and reports back.
	if g.breaker != nil && !g.breaker.Allow() {
		err := Unavailable(name, errCircuitOpen)
		g.record(err, start)
		return nil, err
	}
	metrics.AddBackendInflight(name, 1)
	defer metrics.AddBackendInflight(name, -1)

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	callCtx, span := observability.StartSpan(callCtx, "backend.bulk_lookup",
		observability.AttrBackend.String(name),
		observability.AttrScope.String(q.Scope),
		observability.AttrBatchID.Int(batch.ID),
		observability.AttrBatchSize.Int(len(batch.Keys)),
	)
	defer span.End()

	res, err := g.inner.BulkLookup(callCtx, batch, q)
	if err != nil {
		err = g.normalize(callCtx, err)
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	g.observe(err)
	g.record(err, start)
	return res, err
}

// acquire waits for a connection slot and a rate token within the
// acquisition timeout. Failing to get either is a timeout.
func (g *Guarded) acquire(ctx context.Context) error {
	name := g.inner.Name()
	actx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()

	if err := g.sem.Acquire(actx, 1); err != nil {
		return Timeout(name, errAcquireSlot)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(actx); err != nil {
			g.sem.Release(1)
			return Timeout(name, errRateExceeded)
		}
	}
	return nil
}

// normalize classifies an unclassified error from the inner backend.
func (g *Guarded) normalize(ctx context.Context, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if terr := classifyContext(ctx, g.inner.Name(), err); terr != nil {
		return terr
	}
	return QueryFailed(g.inner.Name(), err)
}

// observe feeds the breaker. Query errors mean the backend is reachable
// and do not count against it.
func (g *Guarded) observe(err error) {
	if g.breaker == nil {
		return
	}
	before := g.breaker.State()
	if err == nil || KindOf(err) == KindQuery {
		g.breaker.RecordSuccess()
	} else {
		g.breaker.RecordFailure()
	}
	after := g.breaker.State()
	metrics.SetCircuitBreakerState(g.inner.Name(), int(after))
	if after != before {
		metrics.RecordCircuitBreakerTrip(g.inner.Name(), after.String())
	}
}

func (g *Guarded) record(err error, start time.Time) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		switch KindOf(err) {
		case KindUnavailable:
			outcome = metrics.OutcomeUnavailable
		case KindTimeout:
			outcome = metrics.OutcomeTimeout
		default:
			outcome = metrics.OutcomeQueryError
		}
	}
	g.metrics.RecordBackendCall(g.inner.Name(), outcome, time.Since(start).Milliseconds())
}

func (g *Guarded) Ping(ctx context.Context) error { return g.inner.Ping(ctx) }

func (g *Guarded) Close() error { return g.inner.Close() }

// Unwrapper is implemented by backend decorators.
type Unwrapper interface {
	Unwrap() Backend
}

// AsLoader finds a Loader in b or the backends it decorates.
func AsLoader(b Backend) (Loader, bool) {
	for b != nil {
		if l, ok := b.(Loader); ok {
			return l, true
		}
		u, ok := b.(Unwrapper)
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
	return nil, false
}

// AsScopeChecker finds a ScopeChecker in b or the backends it decorates.
func AsScopeChecker(b Backend) (ScopeChecker, bool) {
	for b != nil {
		if c, ok := b.(ScopeChecker); ok {
			return c, true
		}
		u, ok := b.(Unwrapper)
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
	return nil, false
}
