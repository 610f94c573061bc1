package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/webstalk/clustermaster/internal/types"
)

// crawlState is the persisted form of an interrupted crawl: the frontier
// and the seen-set, enough to resume without re-fetching finished pages.
type crawlState struct {
	SavedAt time.Time      `json:"saved_at"`
	Queued  []queuedRecord `json:"queued"`
	Seen    []string       `json:"seen"`
}

type queuedRecord struct {
	URL      string `json:"url"`
	Depth    int    `json:"depth"`
	Priority int    `json:"priority"`
	Via      string `json:"via,omitempty"`
}

// statePath places the checkpoint next to the crawl's output.
func (e *Engine) statePath() string {
	return filepath.Join(e.cfg.Storage.OutputPath, "crawl_state.json")
}

// saveCheckpoint writes the crawl state with a temp-file-then-rename so a
// crash mid-write leaves the previous checkpoint intact.
func (e *Engine) saveCheckpoint() error {
	state := crawlState{
		SavedAt: time.Now(),
		Seen:    e.seen.Export(),
	}
	for _, req := range e.queue.Snapshot() {
		state.Queued = append(state.Queued, queuedRecord{
			URL:      req.URLString(),
			Depth:    req.Depth,
			Priority: req.Priority,
			Via:      req.Via,
		})
	}

	path := e.statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// RestoreCheckpoint reloads a prior crawl state if one exists. A missing
// file means a fresh crawl and is not an error. Call before Start.
func (e *Engine) RestoreCheckpoint() error {
	data, err := os.ReadFile(e.statePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var state crawlState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	e.seen.Absorb(state.Seen)
	for _, rec := range state.Queued {
		req, err := types.NewRequest(rec.URL)
		if err != nil {
			continue
		}
		req.Depth = rec.Depth
		req.Priority = rec.Priority
		req.Via = rec.Via
		e.queue.Push(req)
	}
	e.logger.Info("resumed from checkpoint", "saved_at", state.SavedAt, "frontier", e.describeQueue())
	return nil
}

// autoCheckpoint saves periodically and once more at shutdown.
func (e *Engine) autoCheckpoint() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.cfg.Engine.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			if err := e.saveCheckpoint(); err != nil {
				e.logger.Error("final checkpoint failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := e.saveCheckpoint(); err != nil {
				e.logger.Error("checkpoint failed", "error", err)
			} else {
				e.logger.Debug("checkpoint saved", "frontier", e.describeQueue())
			}
		}
	}
}
