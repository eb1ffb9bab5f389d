package jobtracker

import (
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	tr := New(time.Minute, 10)
	id := tr.Start("S1", "keys", 3)

	j, ok := tr.Get(id)
	if !ok {
		t.Fatal("job not found")
	}
	if j.State != StateRunning || j.Finished() || j.FinishedAt != nil {
		t.Fatalf("unexpected running job: %+v", j)
	}

	tr.Finish(id, 4, true)
	j, _ = tr.Get(id)
	if j.State != StateDone || j.Entries != 4 || j.FinishedAt == nil {
		t.Fatalf("unexpected finished job: %+v", j)
	}
}

func TestFinishStates(t *testing.T) {
	tr := New(time.Minute, 10)

	partial := tr.Start("S1", "keys", 2)
	tr.Finish(partial, 1, false)
	skipped := tr.Start("S1", "top", 0)
	tr.Skip(skipped, "no query history")
	failed := tr.Start("S1", "keys", 1)
	tr.Fail(failed, "shutting down")

	want := map[string]State{partial: StatePartial, skipped: StateSkipped, failed: StateFailed}
	for id, state := range want {
		j, _ := tr.Get(id)
		if j.State != state {
			t.Fatalf("job %s: state %s, want %s", id, j.State, state)
		}
	}
	if j, _ := tr.Get(skipped); j.Message != "no query history" {
		t.Fatalf("skip reason = %q", j.Message)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	tr := New(time.Minute, 10)
	id := tr.Start("S1", "keys", 1)
	j, _ := tr.Get(id)
	j.State = StateFailed
	if got, _ := tr.Get(id); got.State != StateRunning {
		t.Fatal("mutating a returned job changed the tracker")
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	tr := New(time.Minute, 10)
	base := time.Unix(1000, 0)
	step := 0
	tr.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	first := tr.Start("S1", "keys", 1)
	tr.Start("S2", "keys", 1)
	last := tr.Start("S1", "top", 0)

	jobs := tr.List("S1")
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != last || jobs[1].ID != first {
		t.Fatalf("unexpected order: %s, %s", jobs[0].ID, jobs[1].ID)
	}
	if all := tr.List(""); len(all) != 3 {
		t.Fatalf("got %d jobs, want 3", len(all))
	}
}

func TestBounded(t *testing.T) {
	tr := New(time.Minute, 2)
	oldest := tr.Start("S1", "keys", 1)
	tr.Start("S1", "keys", 1)
	tr.Start("S1", "keys", 1)
	if _, ok := tr.Get(oldest); ok {
		t.Fatal("oldest job should have been evicted")
	}
	// Updates to forgotten jobs are ignored
	tr.Finish(oldest, 1, true)
	if len(tr.List("")) != 2 {
		t.Fatal("tracker grew past its bound")
	}
}

func TestUnknownJob(t *testing.T) {
	tr := New(0, 0)
	if _, ok := tr.Get("nope"); ok {
		t.Fatal("unexpected job")
	}
}
