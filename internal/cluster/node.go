package cluster

import (
	"context"
	"sync"
)

// NodeSession is the per-worker control session: it issues remote calls,
// tracks the last-observed snapshot, and mediates scheduling hand-off with
// the Master. A NodeSession is created on successful connect and destroyed
// on connection-lost (Master.RemoveNode); it holds a non-owning back
// reference to its Master for scheduling callbacks, avoiding a true
// ownership cycle (the Master is the only owner, via m.nodes).
type NodeSession struct {
	name   string
	master *Master
	peer   Peer

	mu        sync.Mutex
	available bool
	alive     bool
	snapshot  NodeSnapshot
}

// Name returns the node's configured identifier.
func (n *NodeSession) Name() string { return n.name }

// Alive reports whether the last interaction with this node succeeded.
func (n *NodeSession) Alive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alive
}

// Available reports the operator-controlled placement gate.
func (n *NodeSession) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.available
}

// Snapshot returns a copy of the last-observed NodeSnapshot.
func (n *NodeSession) Snapshot() NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot
}

func (n *NodeSession) setAvailable(v bool) {
	n.mu.Lock()
	n.available = v
	n.mu.Unlock()
}

func (n *NodeSession) applySnapshot(snap NodeSnapshot) {
	n.mu.Lock()
	n.alive = true
	n.snapshot = snap
	n.mu.Unlock()
}

func (n *NodeSession) markDead() {
	n.mu.Lock()
	n.alive = false
	n.mu.Unlock()
	n.master.logger.Error("lost connection to node", "node", n.name)
}

// Refresh requests a status snapshot and, on success, attempts at most one
// placement — this intentional throttle spreads load across nodes one
// refresh at a time.
func (n *NodeSession) Refresh(ctx context.Context) {
	snap, err := n.peer.Status(ctx)
	if err != nil || snap == nil {
		n.markDead()
		return
	}
	n.applySnapshot(*snap)
	n.maybeDispatch(ctx)
}

func (n *NodeSession) maybeDispatch(ctx context.Context) {
	n.mu.Lock()
	available := n.available
	freeSlots := n.snapshot.FreeSlots()
	n.mu.Unlock()

	if !available || freeSlots <= 0 {
		return
	}
	job, ok := n.master.backlog.PopHead()
	if !ok {
		return
	}
	n.dispatch(ctx, job)
}

// dispatch implements the pop-and-place rule of the node session contract.
func (n *NodeSession) dispatch(ctx context.Context, job Job) {
	m := n.master

	m.mu.Lock()
	_, running := m.stats.Running[job.Domain]
	_, loading := m.loading[job.Domain]
	m.mu.Unlock()

	if running || loading {
		// Already running or already in flight elsewhere: reinsert at the
		// same priority so it falls behind new equals and is reconsidered
		// on a later poll.
		m.backlog.Reinsert(job)
		return
	}

	m.mu.Lock()
	m.loading[job.Domain] = struct{}{}
	m.mu.Unlock()

	snap, resp, err := n.peer.Run(ctx, job.Domain, job.Settings)
	if err != nil {
		m.mu.Lock()
		delete(m.loading, job.Domain)
		m.mu.Unlock()
		n.markDead()
		retry := job.Clone()
		retry.Priority = m.clampPriority(job.Priority - 1)
		m.backlog.Reinsert(retry)
		m.logger.Warn("domain rescheduled: lost connection to node", "node", n.name, "domain", job.Domain)
		return
	}
	if snap != nil {
		n.applySnapshot(*snap)
	}

	switch resp.Code {
	case RunAccepted:
		// Stays in loading until a remote_update confirms "running".
	case RunNoFreeSlot:
		m.mu.Lock()
		delete(m.loading, job.Domain)
		m.mu.Unlock()
		retry := job.Clone()
		retry.Priority = m.clampPriority(job.Priority - 1)
		m.backlog.Reinsert(retry)
		m.logger.Warn("domain rescheduled: no free slot in node", "node", n.name, "domain", job.Domain)
	case RunAlreadyRunning:
		m.mu.Lock()
		delete(m.loading, job.Domain)
		m.mu.Unlock()
		retry := job.Clone()
		m.backlog.Reinsert(retry)
		m.logger.Warn("domain rescheduled: already running in node", "node", n.name, "domain", job.Domain)
	}
}

// Stop issues a remote stop call for domain; the response refreshes the snapshot.
func (n *NodeSession) Stop(ctx context.Context, domain string) {
	snap, err := n.peer.Stop(ctx, domain)
	if err != nil || snap == nil {
		n.markDead()
		return
	}
	n.applySnapshot(*snap)
}

// HandleRemoteUpdate applies an unsolicited worker-pushed snapshot and
// domain status transition.
func (n *NodeSession) HandleRemoteUpdate(snap NodeSnapshot, domain, domainStatus string) {
	n.applySnapshot(snap)

	m := n.master
	m.mu.Lock()
	defer m.mu.Unlock()

	switch domainStatus {
	case "running":
		if _, ok := m.loading[domain]; ok {
			delete(m.loading, domain)
			m.stats.Running[domain] = struct{}{}
		}
	case "scraped":
		delete(m.stats.Running, domain)
		m.stats.Scraped[domain]++
		m.stats.ScrapedCount++
		delete(m.stats.Lost, domain)
	default:
		// Other statuses are accepted but ignored at this layer.
	}
}

// StatusAsDict renders this node's status for the operator query surface.
// verbosity 0 returns nil; 1 omits per-process settings; 2 is verbatim.
func (n *NodeSession) StatusAsDict(verbosity int) map[string]any {
	if verbosity == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	status := map[string]any{"alive": n.alive}
	if !n.alive {
		return status
	}

	running := make([]map[string]any, 0, len(n.snapshot.Running))
	for _, proc := range n.snapshot.Running {
		entry := map[string]any{"domain": proc.Domain}
		if verbosity >= 2 {
			entry["settings"] = proc.Settings
		}
		running = append(running, entry)
	}

	status["running"] = running
	status["maxproc"] = n.snapshot.Maxproc
	status["freeslots"] = n.snapshot.FreeSlots()
	status["available"] = n.available
	status["starttime"] = n.snapshot.StartTime
	status["timestamp"] = n.snapshot.Timestamp
	status["loadavg"] = n.snapshot.LoadAvg
	return status
}
