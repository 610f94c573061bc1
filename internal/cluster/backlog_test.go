package cluster

import (
	"bytes"
	"testing"
)

func newTestBacklog() *Backlog {
	settings := &Settings{DefaultPriority: 20, PriorityFloor: -1000, GroupSettings: NoGroupSettings}
	return NewBacklog(settings, YAMLCodec{})
}

func TestEnqueueStableNonDecreasingPriority(t *testing.T) {
	b := newTestBacklog()
	b.Enqueue([]string{"a"}, nil, 20)
	b.Enqueue([]string{"b"}, nil, 10)
	b.Enqueue([]string{"c"}, nil, 20)
	b.Enqueue([]string{"d"}, nil, 10)

	jobs := b.Snapshot(1)
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i-1].Priority > jobs[i].Priority {
			t.Fatalf("priorities not non-decreasing: %+v", jobs)
		}
	}
	// Stable among equals: b then d (both priority 10), a then c (both 20).
	order := []string{jobs[0].Domain, jobs[1].Domain, jobs[2].Domain, jobs[3].Domain}
	want := []string{"b", "d", "a", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestEnqueueDedupesByDomain(t *testing.T) {
	b := newTestBacklog()
	b.Enqueue([]string{"a"}, nil, 20)
	b.Enqueue([]string{"a"}, nil, 20)
	if b.Len() != 1 {
		t.Fatalf("expected 1 job, got %d", b.Len())
	}
}

// P2: schedule(d, p') for a pending d at priority p -> result priority is
// min(p, p'); relocated to the tail of the new priority's equal group iff
// p' < p, else left untouched (including position).
func TestEnqueueRelocatesOnlyOnStrictlyLowerPriority(t *testing.T) {
	b := newTestBacklog()
	b.Enqueue([]string{"x"}, nil, 20)
	b.Enqueue([]string{"y"}, nil, 20)

	// y gets a higher-precedence (lower) priority: should move ahead of x
	// and land after any existing entries at priority 10 (none here).
	b.Enqueue([]string{"y"}, nil, 10)
	jobs := b.Snapshot(1)
	if jobs[0].Domain != "y" || jobs[0].Priority != 10 {
		t.Fatalf("expected y relocated to priority 10 at head, got %+v", jobs)
	}

	// Re-scheduling x at a worse (higher) priority number must be a no-op.
	b.Enqueue([]string{"x"}, nil, 99)
	jobs = b.Snapshot(1)
	for _, j := range jobs {
		if j.Domain == "x" && j.Priority != 20 {
			t.Fatalf("x should not have been relocated to a lower-precedence priority, got %+v", j)
		}
	}
}

func TestEnqueueComposesEffectiveSettings(t *testing.T) {
	settings := &Settings{
		DefaultPriority: 20,
		GlobalSettings:  map[string]any{"retries": 3, "shared": "global"},
		GroupSettings: func(domain string) map[string]any {
			return map[string]any{"shared": "group", "group_only": true}
		},
	}
	b := NewBacklog(settings, YAMLCodec{})
	b.Enqueue([]string{"a"}, map[string]any{"shared": "override"}, 20)

	jobs := b.Snapshot(2)
	got := jobs[0].Settings
	if got["shared"] != "override" {
		t.Fatalf("override should win, got %v", got["shared"])
	}
	if got["retries"] != 3 {
		t.Fatalf("global setting should be present, got %v", got)
	}
	if got["group_only"] != true {
		t.Fatalf("group setting should be present, got %v", got)
	}
}

func TestSnapshotVerbosityStripsSettings(t *testing.T) {
	b := newTestBacklog()
	b.Enqueue([]string{"a"}, map[string]any{"k": "v"}, 20)

	v1 := b.Snapshot(1)
	if v1[0].Settings != nil {
		t.Fatalf("verbosity 1 should omit settings, got %v", v1[0].Settings)
	}
	v2 := b.Snapshot(2)
	if v2[0].Settings["k"] != "v" {
		t.Fatalf("verbosity 2 should include settings verbatim, got %v", v2[0].Settings)
	}
}

// P5: save then load yields a backlog equal in order and content.
func TestSaveLoadRoundTrip(t *testing.T) {
	b := newTestBacklog()
	b.Enqueue([]string{"a"}, map[string]any{"k": "v"}, 10)
	b.Enqueue([]string{"b"}, nil, 10)
	b.Enqueue([]string{"c"}, nil, 20)

	var buf bytes.Buffer
	if err := b.Save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	b2 := newTestBacklog()
	if err := b2.Load(&buf); err != nil {
		t.Fatalf("load: %v", err)
	}

	before := b.Snapshot(2)
	after := b2.Snapshot(2)
	if len(before) != len(after) {
		t.Fatalf("length mismatch: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Domain != after[i].Domain || before[i].Priority != after[i].Priority {
			t.Fatalf("mismatch at %d: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestRemoveIsNoOpWhenAbsent(t *testing.T) {
	b := newTestBacklog()
	b.Remove([]string{"ghost"})
	if b.Len() != 0 {
		t.Fatalf("expected empty backlog")
	}
}

func TestPopHeadReturnsHighestPriorityFirst(t *testing.T) {
	b := newTestBacklog()
	b.Enqueue([]string{"low"}, nil, 20)
	b.Enqueue([]string{"high"}, nil, 1)

	job, ok := b.PopHead()
	if !ok || job.Domain != "high" {
		t.Fatalf("expected high-priority domain first, got %+v", job)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", b.Len())
	}
}

// Reinsert keeps whatever priority the caller sets on the job: lowering it
// to priority-1 after a no-free-slot rejection (and clamping it at the
// floor) is the caller's job, covered by the dispatch tests in master_test.go.
func TestReinsertClampedByCaller(t *testing.T) {
	b := newTestBacklog()
	job := Job{Domain: "y", Priority: 20}
	b.Reinsert(job)
	job2, _ := b.Peek()
	if job2.Priority != 20 {
		t.Fatalf("expected priority 20, got %d", job2.Priority)
	}

	b.Remove([]string{"y"})
	job.Priority = 19
	b.Reinsert(job)
	job3, _ := b.Peek()
	if job3.Priority != 19 {
		t.Fatalf("expected priority 19 after reschedule, got %d", job3.Priority)
	}
}
