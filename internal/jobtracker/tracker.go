// Package jobtracker keeps the status of background cache warm-up jobs so
// callers that triggered one can see how it ended.
package jobtracker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// State is the lifecycle stage of a job.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"    // every key answered
	StatePartial State = "partial" // some keys ended in error entries
	StateSkipped State = "skipped" // nothing to warm
	StateFailed  State = "failed"
)

// Job is the status of one warm-up.
type Job struct {
	ID         string     `json:"job_id"`
	Scope      string     `json:"scope"`
	Kind       string     `json:"kind"` // keys, top
	Keys       int        `json:"keys"`
	Entries    int        `json:"entries"` // cache entries written
	State      State      `json:"state"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the job left the running state.
func (j Job) Finished() bool { return j.State != StateRunning }

// DefaultMaxJobs bounds how many jobs are remembered.
const DefaultMaxJobs = 1000

// Tracker remembers recent jobs. Entries expire ttl after their last
// update; when full the least recently updated job is forgotten.
type Tracker struct {
	mu   sync.Mutex
	jobs *expirable.LRU[string, *Job]
	now  func() time.Time
}

// New creates a tracker.
func New(ttl time.Duration, maxJobs int) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	return &Tracker{
		jobs: expirable.NewLRU[string, *Job](maxJobs, nil, ttl),
		now:  time.Now,
	}
}

// Start records a running job and returns its id.
func (t *Tracker) Start(scope, kind string, keys int) string {
	j := &Job{
		ID:        uuid.New().String(),
		Scope:     scope,
		Kind:      kind,
		Keys:      keys,
		State:     StateRunning,
		StartedAt: t.now().UTC(),
	}
	t.mu.Lock()
	t.jobs.Add(j.ID, j)
	t.mu.Unlock()
	return j.ID
}

// SetKeys updates the key count once it is known.
func (t *Tracker) SetKeys(id string, keys int) {
	t.update(id, func(j *Job) { j.Keys = keys })
}

// Finish closes a job. complete selects done or partial.
func (t *Tracker) Finish(id string, entries int, complete bool) {
	t.finish(id, func(j *Job) {
		j.Entries = entries
		j.State = StatePartial
		if complete {
			j.State = StateDone
		}
	})
}

// Skip closes a job that had nothing to do.
func (t *Tracker) Skip(id, reason string) {
	t.finish(id, func(j *Job) {
		j.State = StateSkipped
		j.Message = reason
	})
}

// Fail closes a job with an error.
func (t *Tracker) Fail(id, reason string) {
	t.finish(id, func(j *Job) {
		j.State = StateFailed
		j.Message = reason
	})
}

func (t *Tracker) finish(id string, f func(j *Job)) {
	t.update(id, func(j *Job) {
		f(j)
		at := t.now().UTC()
		j.FinishedAt = &at
	})
}

func (t *Tracker) update(id string, f func(j *Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs.Get(id)
	if !ok {
		return
	}
	f(j)
	// Re-adding refreshes the expiry
	t.jobs.Add(id, j)
}

// Get returns a copy of the job.
func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs.Peek(id)
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns the remembered jobs of scope, newest first. An empty scope
// lists every job.
func (t *Tracker) List(scope string) []Job {
	t.mu.Lock()
	out := make([]Job, 0, t.jobs.Len())
	for _, id := range t.jobs.Keys() {
		j, ok := t.jobs.Peek(id)
		if !ok || (scope != "" && j.Scope != scope) {
			continue
		}
		out = append(out, *j)
	}
	t.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out
}
