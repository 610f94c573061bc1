package cluster

import (
	"context"
	"testing"
)

func TestRefreshDispatchesWhenAvailableAndFreeSlotsExist(t *testing.T) {
	m, backlog := newTestMaster(t)
	ctx := context.Background()
	peer := newFakePeer(1)
	node := m.AddNode(ctx, "node-a", peer)

	backlog.Enqueue([]string{"example.com"}, nil, 20)

	node.Refresh(ctx)

	if backlog.Len() != 0 {
		t.Fatalf("expected job popped from backlog, %d remain", backlog.Len())
	}
	if len(peer.runCalls) != 1 || peer.runCalls[0] != "example.com" {
		t.Fatalf("expected a single run call for example.com, got %v", peer.runCalls)
	}
}

func TestRefreshDoesNotDispatchWhenDisabled(t *testing.T) {
	m, backlog := newTestMaster(t)
	ctx := context.Background()
	peer := newFakePeer(1)
	node := m.AddNode(ctx, "node-a", peer)
	node.setAvailable(false)

	backlog.Enqueue([]string{"example.com"}, nil, 20)
	node.Refresh(ctx)

	if backlog.Len() != 1 {
		t.Fatal("expected job to remain pending while node is disabled")
	}
	if len(peer.runCalls) != 0 {
		t.Fatalf("expected no run call while node disabled, got %v", peer.runCalls)
	}
}

func TestRefreshDoesNotDispatchWhenNoFreeSlots(t *testing.T) {
	m, backlog := newTestMaster(t)
	ctx := context.Background()
	peer := newFakePeer(1)
	node := m.AddNode(ctx, "node-a", peer)
	peer.running = []ProcessInfo{{Domain: "already-running.example"}}

	backlog.Enqueue([]string{"example.com"}, nil, 20)
	node.Refresh(ctx)

	if backlog.Len() != 1 {
		t.Fatal("expected job to remain pending when the node reports zero free slots")
	}
}

func TestRefreshMarksNodeDeadOnStatusFailure(t *testing.T) {
	m, _ := newTestMaster(t)
	ctx := context.Background()
	peer := newFakePeer(1)
	node := m.AddNode(ctx, "node-a", peer)
	peer.unreachable = true

	node.Refresh(ctx)

	if node.Alive() {
		t.Fatal("expected node marked dead after a failed status call")
	}
}

func TestStatusAsDictVerbosityLevels(t *testing.T) {
	m, _ := newTestMaster(t)
	ctx := context.Background()
	peer := newFakePeer(2)
	node := m.AddNode(ctx, "node-a", peer)
	node.applySnapshot(NodeSnapshot{
		Alive:   true,
		Maxproc: 2,
		Running: []ProcessInfo{{Domain: "example.com", Settings: map[string]any{"k": "v"}}},
	})

	if got := node.StatusAsDict(0); got != nil {
		t.Fatalf("verbosity 0 should return nil, got %v", got)
	}

	v1 := node.StatusAsDict(1)
	running1, ok := v1["running"].([]map[string]any)
	if !ok || len(running1) != 1 {
		t.Fatalf("expected one running entry, got %v", v1["running"])
	}
	if _, hasSettings := running1[0]["settings"]; hasSettings {
		t.Fatal("verbosity 1 must omit per-process settings")
	}

	v2 := node.StatusAsDict(2)
	running2 := v2["running"].([]map[string]any)
	if running2[0]["settings"].(map[string]any)["k"] != "v" {
		t.Fatal("verbosity 2 must include per-process settings verbatim")
	}
	if v2["freeslots"] != 1 {
		t.Fatalf("expected 1 free slot (maxproc 2 - 1 running), got %v", v2["freeslots"])
	}
}

func TestHandleRemoteUpdateIgnoresUnknownStatus(t *testing.T) {
	m, _ := newTestMaster(t)
	ctx := context.Background()
	peer := newFakePeer(2)
	node := m.AddNode(ctx, "node-a", peer)

	node.HandleRemoteUpdate(*peer.snapshotLocked(), "example.com", "paused")

	stats := m.Stats()
	if _, ok := stats.Running["example.com"]; ok {
		t.Fatal("an unrecognized status must not mark a domain running")
	}
}
