// Package engine runs a single domain crawl: a priority frontier drained
// by a worker pool, each page fetched, parsed, piped, and stored, with
// per-host politeness and periodic checkpointing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webstalk/clustermaster/internal/config"
	"github.com/webstalk/clustermaster/internal/types"
)

// Fetcher retrieves one request.
type Fetcher interface {
	Fetch(ctx context.Context, req *types.Request) (*types.Response, error)
	Close() error
}

// Parser extracts items and links from a response.
type Parser interface {
	Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error)
}

// Pipeline post-processes one item; a nil result drops it.
type Pipeline interface {
	Process(item *types.Item) (*types.Item, error)
}

// Storage receives item batches.
type Storage interface {
	Store(items []*types.Item) error
	Close() error
}

// Stats aggregates crawl counters, safe for concurrent update.
type Stats struct {
	Fetched   atomic.Int64
	Failed    atomic.Int64
	Retried   atomic.Int64
	Items     atomic.Int64
	Dropped   atomic.Int64
	Enqueued  atomic.Int64
	Filtered  atomic.Int64
	Bytes     atomic.Int64
	StartedAt time.Time
}

// Snapshot renders the counters for logging and status reporting.
func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"fetched":  s.Fetched.Load(),
		"failed":   s.Failed.Load(),
		"retried":  s.Retried.Load(),
		"items":    s.Items.Load(),
		"dropped":  s.Dropped.Load(),
		"enqueued": s.Enqueued.Load(),
		"filtered": s.Filtered.Load(),
		"bytes":    s.Bytes.Load(),
		"elapsed":  time.Since(s.StartedAt).String(),
	}
}

// Engine orchestrates one crawl from seeds to storage.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	queue  *RequestQueue
	seen   *SeenSet
	robots *RobotsGate
	stats  *Stats

	mu       sync.RWMutex
	fetchers map[string]Fetcher
	parser   Parser
	pipeline Pipeline
	storage  Storage

	items    chan *types.Item
	inflight atomic.Int32
	started  atomic.Bool

	hostMu   sync.Mutex
	hostLast map[string]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	sink    sync.WaitGroup
	bg      sync.WaitGroup
}

// New builds an Engine for cfg. Fetcher, parser, pipeline, and storage are
// attached separately before Start.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		queue:    NewRequestQueue(),
		seen:     NewSeenSet(),
		robots:   NewRobotsGate(cfg.Engine.RespectRobotsTxt),
		stats:    &Stats{},
		fetchers: make(map[string]Fetcher),
		items:    make(chan *types.Item, cfg.Engine.Concurrency*8),
		hostLast: make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetFetcher registers a fetcher under a name ("http", "browser").
func (e *Engine) SetFetcher(name string, f Fetcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetchers[name] = f
}

// SetParser attaches the parser.
func (e *Engine) SetParser(p Parser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parser = p
}

// SetPipeline attaches the item pipeline.
func (e *Engine) SetPipeline(p Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipeline = p
}

// SetStorage attaches the storage backend.
func (e *Engine) SetStorage(s Storage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.storage = s
}

// AddSeed queues a starting URL at top priority.
func (e *Engine) AddSeed(rawURL string) error {
	req, err := types.NewRequest(rawURL)
	if err != nil {
		return err
	}
	req.Priority = types.PrioritySeed
	return e.AddRequest(req)
}

// AddRequest admits a request into the frontier after the depth, host,
// dedup, and robots gates.
func (e *Engine) AddRequest(req *types.Request) error {
	if req.Depth > e.cfg.Engine.MaxDepth {
		e.stats.Filtered.Add(1)
		return types.ErrDepthExceeded
	}
	if !e.hostAllowed(req.Host()) {
		e.stats.Filtered.Add(1)
		return types.ErrHostNotAllowed
	}
	if !e.seen.Visit(req.URLString()) {
		e.stats.Filtered.Add(1)
		return types.ErrSeenURL
	}
	if !e.robots.Allowed(req.URL) {
		e.stats.Filtered.Add(1)
		return types.ErrRobotsDenied
	}

	if e.cfg.Engine.MaxRetries > 0 {
		req.MaxAttempts = e.cfg.Engine.MaxRetries
	}
	e.queue.Push(req)
	e.stats.Enqueued.Add(1)
	return nil
}

// Start launches the sink, the worker pool, and the background monitors.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	e.stats.StartedAt = time.Now()
	e.logger.Info("crawl starting",
		"workers", e.cfg.Engine.Concurrency,
		"max_depth", e.cfg.Engine.MaxDepth,
		"queued", e.queue.Len(),
	)

	e.sink.Add(1)
	go e.drainItems()

	for i := 0; i < e.cfg.Engine.Concurrency; i++ {
		e.workers.Add(1)
		go e.worker(i)
	}

	e.bg.Add(1)
	go e.watchIdle()

	if e.cfg.Engine.CheckpointInterval > 0 {
		e.bg.Add(1)
		go e.autoCheckpoint()
	}
	return nil
}

// Wait blocks until the crawl finishes, then flushes and closes everything.
func (e *Engine) Wait() {
	e.workers.Wait()
	e.cancel()
	e.bg.Wait()

	close(e.items)
	e.sink.Wait()

	e.mu.RLock()
	for name, f := range e.fetchers {
		if err := f.Close(); err != nil {
			e.logger.Error("fetcher close failed", "fetcher", name, "error", err)
		}
	}
	e.mu.RUnlock()

	e.logger.Info("crawl finished", "stats", e.stats.Snapshot())
}

// Stop asks the crawl to wind down: the frontier stops accepting work and
// in-flight fetches are cancelled.
func (e *Engine) Stop() {
	e.queue.Close()
	e.cancel()
}

// Stats exposes the live counters.
func (e *Engine) Stats() *Stats { return e.stats }

// hostAllowed applies the allow/deny host lists. An allow list, when set,
// is exhaustive.
func (e *Engine) hostAllowed(host string) bool {
	if allowed := e.cfg.Engine.AllowedDomains; len(allowed) > 0 {
		for _, h := range allowed {
			if h == host {
				return true
			}
		}
		return false
	}
	for _, h := range e.cfg.Engine.DisallowedDomains {
		if h == host {
			return false
		}
	}
	return true
}

// worker drains the frontier until it is closed and empty.
func (e *Engine) worker(id int) {
	defer e.workers.Done()
	logger := e.logger.With("worker", id)

	for {
		e.inflight.Add(1)
		req := e.queue.TryPop()
		if req == nil {
			e.inflight.Add(-1)
			if e.queue.Closed() {
				return
			}
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		e.politeWait(req.Host())
		e.crawlOne(logger, req)
		e.inflight.Add(-1)

		if budget := e.cfg.Engine.MaxRequests; budget > 0 && e.stats.Fetched.Load() >= int64(budget) {
			logger.Info("request budget exhausted, stopping crawl")
			e.Stop()
			return
		}
	}
}

// crawlOne fetches a request and feeds results back into the crawl.
func (e *Engine) crawlOne(logger *slog.Logger, req *types.Request) {
	name := req.Fetcher
	if name == "" {
		name = e.cfg.Fetcher.Type
	}
	e.mu.RLock()
	f, ok := e.fetchers[name]
	parser := e.parser
	e.mu.RUnlock()
	if !ok {
		e.stats.Failed.Add(1)
		logger.Error("no fetcher registered", "fetcher", name)
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Engine.RequestTimeout)
	resp, err := f.Fetch(ctx, req)
	cancel()
	e.stats.Fetched.Add(1)
	if err != nil {
		e.retryOrDrop(logger, req, err)
		return
	}
	e.stats.Bytes.Add(int64(len(resp.Body)))

	if parser == nil {
		return
	}
	items, links, err := parser.Parse(resp, e.cfg.Parser.Rules)
	if err != nil {
		logger.Warn("parse failed", "url", req.URLString(), "error", err)
		return
	}

	for _, item := range items {
		item.Depth = req.Depth
		select {
		case e.items <- item:
		case <-e.ctx.Done():
			return
		}
	}
	for _, link := range links {
		child, err := req.Child(link)
		if err != nil {
			continue
		}
		_ = e.AddRequest(child)
	}
}

// retryOrDrop re-queues transient failures until attempts run out.
func (e *Engine) retryOrDrop(logger *slog.Logger, req *types.Request, err error) {
	var fe *types.FetchError
	if errors.As(err, &fe) && fe.Retryable && req.Attempt < req.MaxAttempts {
		req.Attempt++
		req.Priority = types.PriorityRetry
		e.stats.Retried.Add(1)
		logger.Warn("retrying fetch", "url", req.URLString(), "attempt", req.Attempt, "error", err)

		if fe.RetryAfter > 0 {
			// Server-directed back-off (429): honor it before re-queueing.
			select {
			case <-time.After(fe.RetryAfter):
			case <-e.ctx.Done():
				return
			}
		} else if d := e.cfg.Engine.RetryDelay; d > 0 {
			select {
			case <-time.After(d):
			case <-e.ctx.Done():
				return
			}
		}
		e.queue.Push(req)
		return
	}
	e.stats.Failed.Add(1)
	logger.Error("fetch failed", "url", req.URLString(), "attempts", req.Attempt+1, "error", err)
}

// politeWait spaces out requests to the same host.
func (e *Engine) politeWait(host string) {
	delay := e.cfg.Engine.PolitenessDelay
	if delay <= 0 || host == "" {
		return
	}
	e.hostMu.Lock()
	last := e.hostLast[host]
	now := time.Now()
	wait := delay - now.Sub(last)
	if wait < 0 {
		wait = 0
	}
	e.hostLast[host] = now.Add(wait)
	e.hostMu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

// watchIdle ends the crawl once the frontier stays empty with no fetch in
// flight for a few consecutive checks.
func (e *Engine) watchIdle() {
	defer e.bg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	idleChecks := 0
	for {
		select {
		case <-e.ctx.Done():
			e.queue.Close()
			return
		case <-ticker.C:
			if e.inflight.Load() == 0 && e.queue.Len() == 0 {
				idleChecks++
				if idleChecks >= 3 {
					e.logger.Debug("frontier drained, closing crawl")
					e.queue.Close()
					return
				}
			} else {
				idleChecks = 0
			}
		}
	}
}

// drainItems runs the pipeline and batches survivors into storage.
func (e *Engine) drainItems() {
	defer e.sink.Done()

	batchSize := e.cfg.Storage.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	batch := make([]*types.Item, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.mu.RLock()
		store := e.storage
		e.mu.RUnlock()
		if store != nil {
			if err := store.Store(batch); err != nil {
				e.logger.Error("store failed", "count", len(batch), "error", err)
			}
		}
		batch = batch[:0]
	}

	for item := range e.items {
		e.mu.RLock()
		pipe := e.pipeline
		e.mu.RUnlock()

		if pipe != nil {
			out, err := pipe.Process(item)
			if err != nil {
				e.stats.Dropped.Add(1)
				e.logger.Warn("pipeline rejected item", "source", item.Source, "error", err)
				continue
			}
			if out == nil {
				e.stats.Dropped.Add(1)
				continue
			}
			item = out
		}
		e.stats.Items.Add(1)
		batch = append(batch, item)
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()

	e.mu.RLock()
	store := e.storage
	e.mu.RUnlock()
	if store != nil {
		if err := store.Close(); err != nil {
			e.logger.Error("storage close failed", "error", err)
		}
	}
}

// describeQueue summarizes frontier state for checkpoint logging.
func (e *Engine) describeQueue() string {
	return fmt.Sprintf("%d queued, %d seen", e.queue.Len(), e.seen.Count())
}
