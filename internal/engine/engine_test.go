package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/webstalk/clustermaster/internal/config"
	"github.com/webstalk/clustermaster/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.Concurrency = 2
	cfg.Engine.MaxDepth = 3
	cfg.Engine.PolitenessDelay = 0
	cfg.Engine.RespectRobotsTxt = false
	cfg.Engine.CheckpointInterval = 0
	cfg.Engine.RequestTimeout = 5 * time.Second
	cfg.Storage.OutputPath = t.TempDir()
	cfg.Storage.BatchSize = 2
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// siteFetcher serves a canned site: URL -> (links, item fields).
type siteFetcher struct {
	pages map[string][]string
}

func (f *siteFetcher) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	_, ok := f.pages[req.URLString()]
	if !ok {
		return nil, &types.FetchError{URL: req.URLString(), Status: 404, Err: fmt.Errorf("not found")}
	}
	return &types.Response{
		Status:   200,
		Body:     []byte("page"),
		Request:  req,
		FinalURL: req.URLString(),
		Header:   http.Header{},
	}, nil
}

func (f *siteFetcher) Close() error { return nil }

// siteParser emits one single-field item per page plus the canned links.
type siteParser struct {
	pages map[string][]string
}

func (p *siteParser) Parse(resp *types.Response, _ []config.ParseRule) ([]*types.Item, []string, error) {
	item := types.NewItem(resp.Request.URLString())
	item.Set("page", resp.Request.URLString())
	return []*types.Item{item}, p.pages[resp.Request.URLString()], nil
}

// memStore collects stored items in memory.
type memStore struct {
	mu     sync.Mutex
	items  []*types.Item
	closed bool
}

func (m *memStore) Store(items []*types.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, items...)
	return nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestQueueOrdersByPriorityThenArrival(t *testing.T) {
	q := NewRequestQueue()
	for _, spec := range []struct {
		url string
		pri int
	}{
		{"https://a.example/1", types.PriorityCrawl},
		{"https://a.example/2", types.PrioritySeed},
		{"https://a.example/3", types.PriorityCrawl},
		{"https://a.example/4", types.PriorityRetry},
	} {
		req, err := types.NewRequest(spec.url)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Priority = spec.pri
		q.Push(req)
	}

	want := []string{
		"https://a.example/2",
		"https://a.example/1",
		"https://a.example/3",
		"https://a.example/4",
	}
	for i, expected := range want {
		req := q.TryPop()
		if req == nil || req.URLString() != expected {
			t.Fatalf("pop %d: got %v, want %s", i, req, expected)
		}
	}
	if q.TryPop() != nil {
		t.Fatal("queue should be empty")
	}
}

func TestCanonicalFoldsEquivalentURLs(t *testing.T) {
	pairs := [][2]string{
		{"HTTP://Example.org:80/a/", "http://example.org/a"},
		{"https://example.org:443/", "https://example.org/"},
		{"https://example.org/p?b=2&a=1", "https://example.org/p?a=1&b=2"},
		{"https://example.org/p#frag", "https://example.org/p"},
	}
	for _, pair := range pairs {
		if got, want := Canonical(pair[0]), pair[1]; got != want {
			t.Errorf("Canonical(%q) = %q, want %q", pair[0], got, want)
		}
	}

	seen := NewSeenSet()
	if !seen.Visit("HTTP://Example.org:80/a/") {
		t.Fatal("first visit must be new")
	}
	if seen.Visit("http://example.org/a") {
		t.Fatal("canonically equal URL must not be new")
	}
}

func TestAddRequestGates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MaxDepth = 1
	cfg.Engine.AllowedDomains = []string{"example.org"}
	e := New(cfg, discard())

	if err := e.AddSeed("https://example.org/"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deep, _ := types.NewRequest("https://example.org/deep")
	deep.Depth = 2
	if err := e.AddRequest(deep); err != types.ErrDepthExceeded {
		t.Fatalf("expected depth error, got %v", err)
	}

	foreign, _ := types.NewRequest("https://other.example/")
	if err := e.AddRequest(foreign); err != types.ErrHostNotAllowed {
		t.Fatalf("expected host error, got %v", err)
	}

	dup, _ := types.NewRequest("https://example.org/")
	if err := e.AddRequest(dup); err != types.ErrSeenURL {
		t.Fatalf("expected dedup error, got %v", err)
	}

	if got := e.queue.Len(); got != 1 {
		t.Fatalf("expected only the seed queued, got %d", got)
	}
}

func TestCrawlVisitsSiteOnceAndStoresItems(t *testing.T) {
	pages := map[string][]string{
		"https://example.org/":  {"https://example.org/a", "https://example.org/b"},
		"https://example.org/a": {"https://example.org/b", "https://example.org/"},
		"https://example.org/b": {},
	}

	cfg := testConfig(t)
	e := New(cfg, discard())
	e.SetFetcher("http", &siteFetcher{pages: pages})
	e.SetParser(&siteParser{pages: pages})
	store := &memStore{}
	e.SetStorage(store)

	if err := e.AddSeed("https://example.org/"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Wait()

	if got := e.stats.Fetched.Load(); got != 3 {
		t.Fatalf("expected each page fetched exactly once (3), got %d", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.items) != 3 {
		t.Fatalf("expected 3 stored items, got %d", len(store.items))
	}
	if !store.closed {
		t.Fatal("storage must be closed after Wait")
	}
}

func TestRetryableFailureIsRequeuedThenDropped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MaxRetries = 2
	cfg.Engine.RetryDelay = 0
	e := New(cfg, discard())
	e.SetFetcher("http", &flakyFetcher{})
	e.SetParser(&siteParser{pages: map[string][]string{}})

	if err := e.AddSeed("https://example.org/"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Wait()

	if got := e.stats.Retried.Load(); got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
	if got := e.stats.Failed.Load(); got != 1 {
		t.Fatalf("expected 1 permanent failure, got %d", got)
	}
}

// flakyFetcher always fails with a retryable error.
type flakyFetcher struct{}

func (f *flakyFetcher) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	return nil, &types.FetchError{URL: req.URLString(), Err: fmt.Errorf("connection reset"), Retryable: true}
}

func (f *flakyFetcher) Close() error { return nil }

func TestRobotsGateBlocksDisallowedPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			io.WriteString(w, strings.Join([]string{
				"User-agent: other-bot",
				"Disallow: /",
				"",
				"User-agent: *",
				"Disallow: /private",
				"Disallow: /tmp/",
			}, "\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gate := NewRobotsGate(true)
	allowed, _ := url.Parse(srv.URL + "/public/page")
	blocked, _ := url.Parse(srv.URL + "/private/area")

	if !gate.Allowed(allowed) {
		t.Fatal("public path must be allowed")
	}
	if gate.Allowed(blocked) {
		t.Fatal("disallowed prefix must be blocked")
	}
}

func TestCheckpointRoundTripRestoresFrontierAndSeen(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, discard())
	if err := e.AddSeed("https://example.org/"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	child, _ := types.NewRequest("https://example.org/next")
	child.Depth = 1
	if err := e.AddRequest(child); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.saveCheckpoint(); err != nil {
		t.Fatalf("save: %v", err)
	}

	resumed := New(cfg, discard())
	if err := resumed.RestoreCheckpoint(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := resumed.queue.Len(); got != 2 {
		t.Fatalf("expected 2 requests restored, got %d", got)
	}
	if resumed.seen.Visit("https://example.org/") {
		t.Fatal("restored seen-set must remember the seed")
	}
	// Restored head keeps its priority: the seed should pop first.
	if req := resumed.queue.TryPop(); req == nil || req.URLString() != "https://example.org/" {
		t.Fatalf("expected seed at frontier head, got %v", req)
	}
}
