package cluster

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLifecycleStartLoadsMissingStateFileWithoutError(t *testing.T) {
	dir := t.TempDir()
	settings := &Settings{DefaultPriority: 20, PriorityFloor: -1000, StateFile: filepath.Join(dir, "missing.yaml"), GroupSettings: NoGroupSettings}
	backlog := NewBacklog(settings, YAMLCodec{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMaster(settings, backlog, NewFakeClock(time.Unix(0, 0)), logger, nil, nil)
	lc := NewLifecycle(m, settings, NewFakeClock(time.Unix(0, 0)))

	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("expected missing state file to be tolerated, got %v", err)
	}
	lc.Stop(context.Background())
}

func TestLifecycleStopPersistsBacklogAtomically(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "nested", "state.yaml")
	settings := &Settings{DefaultPriority: 20, PriorityFloor: -1000, StateFile: stateFile, GroupSettings: NoGroupSettings}
	backlog := NewBacklog(settings, YAMLCodec{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMaster(settings, backlog, NewFakeClock(time.Unix(0, 0)), logger, nil, nil)
	lc := NewLifecycle(m, settings, NewFakeClock(time.Unix(0, 0)))

	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	backlog.Enqueue([]string{"example.com"}, nil, 20)
	lc.Stop(context.Background())

	if _, err := os.Stat(stateFile); err != nil {
		t.Fatalf("expected state file written, stat error: %v", err)
	}
	if _, err := os.Stat(stateFile + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file renamed away, not left behind")
	}

	reloaded := NewBacklog(settings, YAMLCodec{})
	f, err := os.Open(stateFile)
	if err != nil {
		t.Fatalf("reopen state file: %v", err)
	}
	defer f.Close()
	if err := reloaded.Load(f); err != nil {
		t.Fatalf("load persisted state: %v", err)
	}
	if !reloaded.Contains("example.com") {
		t.Fatal("expected persisted backlog to contain the scheduled domain")
	}
}

func TestLifecyclePollLoopFiresOnFakeClockAdvance(t *testing.T) {
	dir := t.TempDir()
	settings := &Settings{
		DefaultPriority: 20,
		PriorityFloor:   -1000,
		StateFile:       filepath.Join(dir, "state.yaml"),
		PollInterval:    int64(time.Second),
		GroupSettings:   NoGroupSettings,
	}
	backlog := NewBacklog(settings, YAMLCodec{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fc := NewFakeClock(time.Unix(0, 0))
	m := NewMaster(settings, backlog, fc, logger, nil, nil)
	lc := NewLifecycle(m, settings, fc)

	ctx := context.Background()
	if err := lc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	peer := newFakePeer(2)
	m.AddNode(ctx, "node-a", peer)
	backlog.Enqueue([]string{"example.com"}, nil, 20)

	fc.Advance(time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for backlog.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	lc.Stop(ctx)

	if backlog.Len() != 0 {
		t.Fatal("expected poll tick to dispatch the pending job")
	}
	if len(peer.runCalls) != 1 {
		t.Fatalf("expected exactly one run call from the poll tick, got %v", peer.runCalls)
	}
}
