// Package clusterworker adapts the standalone crawl engine
// (internal/engine) into a cluster worker node: each dispatched domain gets
// its own engine.Engine instance, bounded by the node's configured process
// slot count, reporting status back to the cluster master via
// internal/clusterrpc.
package clusterworker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/webstalk/clustermaster/internal/cluster"
	"github.com/webstalk/clustermaster/internal/config"
	"github.com/webstalk/clustermaster/internal/engine"
	"github.com/webstalk/clustermaster/internal/fetcher"
	"github.com/webstalk/clustermaster/internal/parser"
	"github.com/webstalk/clustermaster/internal/pipeline"
	"github.com/webstalk/clustermaster/internal/storage"
)

// UpdatePublisher delivers an unsolicited status push to the master. The
// NATS-backed implementation is clusterrpc.PublishUpdate; tests can supply
// a no-op or recording stub.
type UpdatePublisher func(nodeName, domain, status string, snap cluster.NodeSnapshot)

// Runner is the worker-side node state: the set of in-flight domain
// crawls and the base engine configuration each one clones.
type Runner struct {
	mu        sync.Mutex
	nodeName  string
	baseCfg   *config.Config
	logger    *slog.Logger
	maxproc   int
	startTime time.Time
	masterID  string
	processes map[string]*process
	publish   UpdatePublisher
}

type process struct {
	domain   string
	settings map[string]any
	eng      *engine.Engine
	cancel   context.CancelFunc
}

// NewRunner builds a Runner bound to baseCfg. maxproc caps concurrently
// running domains on this node; it is independent of baseCfg.Engine.Concurrency,
// which instead bounds per-domain request parallelism.
func NewRunner(nodeName string, baseCfg *config.Config, maxproc int, logger *slog.Logger, publish UpdatePublisher) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(string, string, string, cluster.NodeSnapshot) {}
	}
	return &Runner{
		nodeName:  nodeName,
		baseCfg:   baseCfg,
		maxproc:   maxproc,
		logger:    logger.With("component", "cluster_worker", "node", nodeName),
		startTime: time.Now(),
		processes: make(map[string]*process),
		publish:   publish,
	}
}

// SetMaster implements clusterrpc.Handler.
func (r *Runner) SetMaster(ctx context.Context, masterID string) (cluster.NodeSnapshot, error) {
	r.mu.Lock()
	r.masterID = masterID
	r.mu.Unlock()
	r.logger.Info("registered with cluster master", "master_id", masterID)
	return r.snapshot(), nil
}

// Status implements clusterrpc.Handler.
func (r *Runner) Status(ctx context.Context) (cluster.NodeSnapshot, error) {
	return r.snapshot(), nil
}

// Run implements clusterrpc.Handler: starts domain crawling under its own
// engine instance unless the node is full or the domain is already running.
func (r *Runner) Run(ctx context.Context, domain string, settings map[string]any) (cluster.NodeSnapshot, cluster.CallResponse, error) {
	r.mu.Lock()
	if _, ok := r.processes[domain]; ok {
		snap := r.snapshotLocked()
		r.mu.Unlock()
		return snap, cluster.CallResponse{Code: cluster.RunAlreadyRunning, Detail: "domain already running on this node"}, nil
	}
	if len(r.processes) >= r.maxproc {
		snap := r.snapshotLocked()
		r.mu.Unlock()
		return snap, cluster.CallResponse{Code: cluster.RunNoFreeSlot, Detail: "no free process slot"}, nil
	}

	cfg := mergeSettings(r.baseCfg, settings)
	cfg.Storage.OutputPath = filepath.Join(cfg.Storage.OutputPath, domain)
	eng := engine.New(cfg, r.logger)
	wireEngine(eng, cfg, r.logger)
	if err := eng.RestoreCheckpoint(); err != nil {
		r.logger.Warn("checkpoint restore failed, starting fresh", "domain", domain, "error", err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc := &process{domain: domain, settings: settings, eng: eng, cancel: cancel}
	r.processes[domain] = proc
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if err := eng.AddSeed("https://" + domain + "/"); err != nil {
		r.mu.Lock()
		delete(r.processes, domain)
		r.mu.Unlock()
		cancel()
		return snap, cluster.CallResponse{}, fmt.Errorf("cluster worker: seed %s: %w", domain, err)
	}

	go r.runDomain(procCtx, proc)

	r.publish(r.nodeName, domain, "running", r.snapshot())
	return snap, cluster.CallResponse{Code: cluster.RunAccepted}, nil
}

func (r *Runner) runDomain(ctx context.Context, proc *process) {
	if err := proc.eng.Start(); err != nil {
		r.logger.Error("engine start failed", "domain", proc.domain, "error", err)
	} else {
		go func() {
			<-ctx.Done()
			proc.eng.Stop()
		}()
		proc.eng.Wait()
	}

	r.mu.Lock()
	delete(r.processes, proc.domain)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(r.nodeName, proc.domain, "scraped", snap)
}

// Stop implements clusterrpc.Handler.
func (r *Runner) Stop(ctx context.Context, domain string) (cluster.NodeSnapshot, error) {
	r.mu.Lock()
	proc, ok := r.processes[domain]
	r.mu.Unlock()
	if ok {
		proc.cancel()
	}
	return r.snapshot(), nil
}

func (r *Runner) snapshot() cluster.NodeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Runner) snapshotLocked() cluster.NodeSnapshot {
	running := make([]cluster.ProcessInfo, 0, len(r.processes))
	for domain, proc := range r.processes {
		running = append(running, cluster.ProcessInfo{Domain: domain, Settings: proc.settings})
	}
	return cluster.NodeSnapshot{
		Alive:     true,
		Running:   running,
		Maxproc:   r.maxproc,
		StartTime: r.startTime,
		Timestamp: time.Now(),
		LoadAvg:   loadAverages(),
		LogDir:    r.baseCfg.Storage.OutputPath,
	}
}

// mergeSettings clones baseCfg and applies the subset of per-job overrides
// the cluster master's settings composition can express, keyed the same
// way the configuration file spells them. Numeric values arrive as float64
// when the job crossed the JSON wire, so both forms are accepted.
func mergeSettings(base *config.Config, settings map[string]any) *config.Config {
	cfg := *base
	if settings == nil {
		return &cfg
	}
	if v, ok := settingInt(settings, "max_depth"); ok {
		cfg.Engine.MaxDepth = v
	}
	if v, ok := settingInt(settings, "concurrency"); ok {
		cfg.Engine.Concurrency = v
	}
	if v, ok := settingInt(settings, "max_requests"); ok {
		cfg.Engine.MaxRequests = v
	}
	if v, ok := settings["politeness_delay"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.PolitenessDelay = d
		}
	}
	if hosts, ok := settingStrings(settings, "allowed_domains"); ok {
		cfg.Engine.AllowedDomains = hosts
	}
	return &cfg
}

func settingInt(settings map[string]any, key string) (int, bool) {
	switch v := settings[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func settingStrings(settings map[string]any, key string) ([]string, bool) {
	switch v := settings[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// wireEngine attaches the standard fetcher/parser/pipeline/storage stack
// to a per-domain engine instance.
func wireEngine(eng *engine.Engine, cfg *config.Config, logger *slog.Logger) {
	if httpFetcher, err := fetcher.NewHTTPFetcher(cfg, logger); err == nil {
		eng.SetFetcher("http", httpFetcher)
	} else {
		logger.Error("cluster worker: create http fetcher failed", "error", err)
	}
	if cfg.Fetcher.Type == "browser" {
		if bf, err := fetcher.NewBrowserFetcher(cfg, logger); err == nil {
			eng.SetFetcher("browser", bf)
		} else {
			logger.Error("cluster worker: create browser fetcher failed", "error", err)
		}
	}
	eng.SetParser(parser.NewRuleParser(logger))

	pipe := pipeline.New(logger)
	pipe.Use(pipeline.TrimMiddleware{})
	pipe.Use(pipeline.NewDedupMiddleware())
	eng.SetPipeline(pipe)

	if store, err := storage.Open(&cfg.Storage, logger); err == nil {
		eng.SetStorage(store)
	} else {
		logger.Error("cluster worker: create storage failed", "error", err)
	}
}
