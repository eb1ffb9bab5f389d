// Package circuitbreaker implements the per-backend circuit breaker that
// turns repeated backend failures into immediate unavailability, so the
// fallback walk skips a sick engine instead of waiting on it.
//
// # State machine
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// The error rate is computed over a sliding window of the last
// WindowDuration of calls and is only evaluated once MinRequests calls fall
// inside the window.
//
// # Invariants
//
//   - The successes and failures slices contain only timestamps within the
//     current sliding window; trimWindow is called after every write.
//   - maxWindowEntries caps both slices.
//   - halfOpenProbes counts the probes dispatched in the HalfOpen state; it
//     is reset to 0 on every Open→HalfOpen transition.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateOpen                  // Calls are rejected
	StateHalfOpen              // Limited probe calls are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       `json:"error_pct" yaml:"error_pct"`             // Error percentage that trips the breaker (0-100)
	MinRequests    int           `json:"min_requests" yaml:"min_requests"`       // Calls required in the window before tripping
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"` // Sliding window for the error rate
	OpenDuration   time.Duration `json:"open_duration" yaml:"open_duration"`     // Time spent open before probing
	HalfOpenProbes int           `json:"half_open_probes" yaml:"half_open_probes"`
}

// DefaultConfig trips at 50% errors over 30s once 5 calls were seen.
func DefaultConfig() Config {
	return Config{
		ErrorPct:       50,
		MinRequests:    5,
		WindowDuration: 30 * time.Second,
		OpenDuration:   15 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Enabled reports whether cfg describes a usable breaker.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

// Breaker is a per-backend circuit breaker.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	now            func() time.Time
	state          State
	successes      []time.Time // timestamps of recent successes within window
	failures       []time.Time // timestamps of recent failures within window
	openedAt       time.Time   // when the breaker transitioned to open
	halfOpenProbes int         // number of probes allowed so far in half-open
	halfOpenOK     int         // number of successful probes in half-open
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a breaker that reads time from now.
func NewWithClock(cfg Config, now func() time.Time) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	return &Breaker{cfg: cfg, now: now}
}

// Allow checks whether a call should be let through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.toHalfOpen()
		b.halfOpenProbes++
		return true
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.toHalfOpen()
	}
	return b.state
}

// Must be called under lock.
func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.halfOpenProbes = 0
	b.halfOpenOK = 0
}

const maxWindowEntries = 10000

// trimWindow removes entries outside the sliding window. Must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold trips the breaker if the error rate reaches the threshold. Must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total < b.cfg.MinRequests {
		return
	}
	errorPct := float64(len(b.failures)) / float64(total) * 100
	if errorPct >= b.cfg.ErrorPct {
		b.state = StateOpen
		b.openedAt = now
	}
}

// trimBefore removes timestamps before the cutoff time.
func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds one breaker per backend name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a new breaker registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a backend, creating it on first use.
// Returns nil when cfg does not enable circuit breaking.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	if !cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(cfg)
	r.breakers[name] = b
	return b
}

// Snapshot returns backend name to breaker state for health reporting.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
