package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Dialer creates a Peer for a configured node address. internal/clusterrpc
// provides a NATS-backed one; the package tests use no Dialer and register
// an in-memory fake Peer through AddNode instead.
type Dialer func(ctx context.Context, name, address string) (Peer, error)

// Master owns every NodeSession, the backlog, the statistics aggregate, and
// the poll loop. It exposes the operator API described by the cluster
// master specification: schedule, stop, remove, discard, enable/disable
// node, and status queries.
type Master struct {
	mu       sync.Mutex
	nodes    map[string]*NodeSession
	loading  map[string]struct{}
	stats    *Statistics
	backlog  *Backlog
	settings *Settings
	clock    Clock
	logger   *slog.Logger
	metrics  *Metrics
	dialer   Dialer
	masterID string
}

// NewMaster constructs a Master. dialer may be nil only if nodes are added
// manually via AddNode (as tests typically do with a fake Peer).
func NewMaster(settings *Settings, backlog *Backlog, clock Clock, logger *slog.Logger, metrics *Metrics, dialer Dialer) *Master {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Master{
		nodes:    make(map[string]*NodeSession),
		loading:  make(map[string]struct{}),
		stats:    NewStatistics(),
		backlog:  backlog,
		settings: settings,
		clock:    clock,
		logger:   logger.With("component", "cluster_master"),
		metrics:  metrics,
		dialer:   dialer,
		masterID: "cluster-master",
	}
}

// Schedule enqueues domains into the backlog at the given priority.
func (m *Master) Schedule(domains []string, override map[string]any, priority int) {
	m.backlog.Enqueue(domains, override, priority)
}

// ScheduleDefault schedules domains at the configured default priority.
func (m *Master) ScheduleDefault(domains []string, override map[string]any) {
	m.Schedule(domains, override, m.settings.DefaultPriority)
}

// Stop issues a stop dispatch to the owning node for each domain currently
// believed running. Domains not currently running are silently skipped.
func (m *Master) Stop(ctx context.Context, domains []string) {
	running := m.running()
	for _, domain := range domains {
		node, ok := running[domain]
		if !ok {
			continue
		}
		go node.Stop(ctx, domain)
	}
}

// Remove drops domains from the backlog only, without affecting running jobs.
func (m *Master) Remove(domains []string) {
	m.backlog.Remove(domains)
}

// Discard removes domains from the backlog and stops any that are running.
func (m *Master) Discard(ctx context.Context, domains []string) {
	m.Remove(domains)
	m.Stop(ctx, domains)
}

// DisableNode toggles a node's availability gate without disconnecting it.
func (m *Master) DisableNode(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	node.setAvailable(false)
	return nil
}

// EnableNode re-enables placement onto a previously disabled node.
func (m *Master) EnableNode(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	node.setAvailable(true)
	return nil
}

// PrintPending proxies to the backlog snapshot.
func (m *Master) PrintPending(verbosity int) []Job {
	return m.backlog.Snapshot(verbosity)
}

// AddNode registers a new NodeSession for an already-dialed Peer and
// performs the initial registration handshake.
func (m *Master) AddNode(ctx context.Context, name string, peer Peer) *NodeSession {
	node := &NodeSession{name: name, master: m, peer: peer, available: true}

	m.mu.Lock()
	m.nodes[name] = node
	m.mu.Unlock()

	snap, err := peer.SetMaster(ctx, m.masterID)
	if err != nil || snap == nil {
		node.markDead()
		m.logger.Error("lost connection to node during registration", "node", name, "error", err)
		return node
	}
	node.applySnapshot(*snap)
	m.logger.Info("added cluster worker", "node", name)
	return node
}

// HandleRemoteUpdate routes an unsolicited worker-pushed status update
// (delivered out-of-band from the poll loop, e.g. over clusterrpc's updates
// subject) to the owning node's session. Updates from an unknown node are
// dropped — it was removed or never registered.
func (m *Master) HandleRemoteUpdate(nodeName, domain, status string, snap NodeSnapshot) {
	m.mu.Lock()
	node, ok := m.nodes[nodeName]
	m.mu.Unlock()
	if !ok {
		return
	}
	node.HandleRemoteUpdate(snap, domain, status)
}

// RemoveNode deletes a node's session entirely (transport connection-lost).
func (m *Master) RemoveNode(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, name)
	m.logger.Info("node removed", "node", name)
}

// LoadNodes connects to every node listed in settings.Nodes that isn't
// already connected and alive, reconnecting any that have gone missing.
func (m *Master) LoadNodes(ctx context.Context) {
	if m.dialer == nil {
		return
	}
	for name, addr := range m.settings.Nodes {
		m.mu.Lock()
		node, ok := m.nodes[name]
		m.mu.Unlock()
		if ok && node.Alive() {
			continue
		}
		peer, err := m.dialer(ctx, name, addr)
		if err != nil {
			m.logger.Error("could not connect to node", "node", name, "address", addr, "error", err)
			continue
		}
		m.AddNode(ctx, name, peer)
	}
}

// running folds node.snapshot.Running across all known nodes into a
// domain -> node mapping. If a domain is reported running by more than one
// node (a transient handoff anomaly), the last node iterated wins; see
// DESIGN.md for the accepted reconciliation policy.
func (m *Master) running() map[string]*NodeSession {
	m.mu.Lock()
	nodes := make([]*NodeSession, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	out := make(map[string]*NodeSession)
	for _, n := range nodes {
		for _, proc := range n.Snapshot().Running {
			out[proc.Domain] = n
		}
	}
	return out
}

// pollOnce refreshes every alive node (or reconnects it) and reconciles lost jobs.
func (m *Master) pollOnce(ctx context.Context) {
	m.LoadNodes(ctx)

	m.mu.Lock()
	nodes := make([]*NodeSession, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		if !n.Alive() {
			continue
		}
		wg.Add(1)
		go func(n *NodeSession) {
			defer wg.Done()
			n.Refresh(ctx)
		}(n)
	}
	wg.Wait()

	realRunning := m.running()
	m.mu.Lock()
	lost := make([]string, 0)
	for domain := range m.stats.Running {
		if _, ok := realRunning[domain]; !ok {
			lost = append(lost, domain)
		}
	}
	for _, domain := range lost {
		m.stats.LostCount[domain]++
		m.stats.Lost[domain] = struct{}{}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Observe(m)
	}
}

// Stats returns the live statistics aggregate. Callers must not mutate the
// returned maps without holding the Master's lock via a dedicated accessor.
func (m *Master) Stats() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// StatusAsDict renders one node's status for the operator query surface.
func (m *Master) StatusAsDict(name string, verbosity int) (map[string]any, error) {
	m.mu.Lock()
	node, ok := m.nodes[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return node.StatusAsDict(verbosity), nil
}

// AllStatus renders every known node's status.
func (m *Master) AllStatus(verbosity int) map[string]map[string]any {
	m.mu.Lock()
	nodes := make([]*NodeSession, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	out := make(map[string]map[string]any, len(nodes))
	for _, n := range nodes {
		out[n.name] = n.StatusAsDict(verbosity)
	}
	return out
}

func (m *Master) clampPriority(p int) int {
	if p < m.settings.PriorityFloor {
		return m.settings.PriorityFloor
	}
	return p
}
