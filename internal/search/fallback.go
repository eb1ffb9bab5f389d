package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oriys/partsearch/internal/backend"
	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/metrics"
)

// Orchestrator walks each batch down an ordered backend list until one
// answers it.
//
//	Pending -> TryingBackend[i] -> Completed
//	                            -> Demoted -> TryingBackend[i+1] ... -> Exhausted
//
// Unavailable and query errors demote at once. A timeout retries the same
// backend once with the batch halved; halves that still fail move on.
type Orchestrator struct {
	backends []backend.Backend
	metrics  *metrics.Metrics
}

// NewOrchestrator builds an orchestrator over backends in priority order.
func NewOrchestrator(backends []backend.Backend, m *metrics.Metrics) *Orchestrator {
	if m == nil {
		m = metrics.Global()
	}
	return &Orchestrator{backends: backends, metrics: m}
}

// Backends returns the priority list.
func (o *Orchestrator) Backends() []backend.Backend { return o.backends }

// requestState is shared by every batch of one request.
type requestState struct {
	mu   sync.Mutex
	down map[string]bool
}

func newRequestState() *requestState {
	return &requestState{down: make(map[string]bool)}
}

func (s *requestState) isDown(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down[name]
}

func (s *requestState) markDown(name string) {
	s.mu.Lock()
	s.down[name] = true
	s.mu.Unlock()
}

// Run answers one batch. The returned result has exactly one entry per
// batch key; it never fails as a whole.
func (o *Orchestrator) Run(ctx context.Context, batch domain.Batch, q domain.Query, state *requestState) domain.BulkResult {
	if state == nil {
		state = newRequestState()
	}
	out := make(domain.BulkResult, len(batch.Keys))
	o.try(ctx, batch, q, 0, state, out)
	return out
}

// try answers batch starting at backend idx, writing entries into out.
func (o *Orchestrator) try(ctx context.Context, batch domain.Batch, q domain.Query, idx int, state *requestState, out domain.BulkResult) {
	if len(batch.Keys) == 0 {
		return
	}
	for ; idx < len(o.backends); idx++ {
		if ctx.Err() != nil {
			out.FailAll(batch.Keys, domain.ErrorTimeout, "request deadline exceeded")
			return
		}
		b := o.backends[idx]
		name := b.Name()
		if state.isDown(name) {
			continue
		}

		res, err := b.BulkLookup(ctx, batch, q)
		if err == nil {
			absorb(out, res, batch.Keys, name)
			return
		}

		log := logging.ForBatch(q.Scope, batch.ID, name)
		switch backend.KindOf(err) {
		case backend.KindUnavailable:
			log.Warn("backend unavailable, skipping for this request", "error", err, "keys", len(batch.Keys))
			state.markDown(name)
			o.metrics.RecordDemotion(name, metrics.OutcomeUnavailable)
			continue

		case backend.KindTimeout:
			if ctx.Err() != nil {
				out.FailAll(batch.Keys, domain.ErrorTimeout, "request deadline exceeded")
				return
			}
			log.Warn("backend timeout, retrying at half batch size", "error", err, "keys", len(batch.Keys))
			o.retryHalves(ctx, batch, q, idx, state, out)
			return

		default:
			log.Error("backend query error", "error", err, "keys", len(batch.Keys))
			o.metrics.RecordDemotion(name, metrics.OutcomeQueryError)
			continue
		}
	}

	if ctx.Err() != nil {
		out.FailAll(batch.Keys, domain.ErrorTimeout, "request deadline exceeded")
		return
	}
	missing := pending(out, batch.Keys)
	if len(missing) == 0 {
		return
	}
	logging.Op().Error("all backends failed for batch",
		"scope", q.Scope, "batch", batch.ID, "keys", len(missing), "backends", o.names())
	o.metrics.RecordExhausted(len(missing))
	out.FailAll(missing, domain.ErrorAllBackendsFailed, "no backend could answer this key")
}

// retryHalves retries the backend at idx once per half. A half that fails
// again continues with the next backend; once the backend is marked down the
// remaining halves go straight to the next one.
func (o *Orchestrator) retryHalves(ctx context.Context, batch domain.Batch, q domain.Query, idx int, state *requestState, out domain.BulkResult) {
	b := o.backends[idx]
	name := b.Name()
	for _, half := range halve(batch) {
		if ctx.Err() != nil {
			out.FailAll(half.Keys, domain.ErrorTimeout, "request deadline exceeded")
			continue
		}
		if state.isDown(name) {
			o.try(ctx, half, q, idx+1, state, out)
			continue
		}
		res, err := b.BulkLookup(ctx, half, q)
		if err == nil {
			absorb(out, res, half.Keys, name)
			continue
		}
		kind := backend.KindOf(err)
		logging.ForBatch(q.Scope, batch.ID, name).Warn("half batch failed, demoting",
			"error", err, "kind", kind.String(), "keys", len(half.Keys))
		if kind == backend.KindUnavailable {
			state.markDown(name)
		}
		o.metrics.RecordDemotion(name, outcomeOf(kind))
		o.try(ctx, half, q, idx+1, state, out)
	}
}

// absorb copies the backend's entries for keys into out and fills keys the
// backend did not mention as not found.
func absorb(out, res domain.BulkResult, keys domain.KeySet, engine string) {
	for _, k := range keys {
		if kr, ok := res[k]; ok && kr != nil {
			if kr.Engine == "" {
				kr.Engine = engine
			}
			out[k] = kr
		}
	}
	out.Fill(keys, engine)
}

func pending(out domain.BulkResult, keys domain.KeySet) domain.KeySet {
	var missing domain.KeySet
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func outcomeOf(k backend.Kind) string {
	switch k {
	case backend.KindUnavailable:
		return metrics.OutcomeUnavailable
	case backend.KindTimeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeQueryError
	}
}

func (o *Orchestrator) names() string {
	names := make([]string, len(o.backends))
	for i, b := range o.backends {
		names[i] = b.Name()
	}
	return strings.Join(names, ",")
}

// String describes the priority list.
func (o *Orchestrator) String() string {
	return fmt.Sprintf("orchestrator[%s]", o.names())
}
