package cluster

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the cluster master updates after
// every poll tick.
type Metrics struct {
	BacklogDepth prometheus.Gauge
	NodesAlive   prometheus.Gauge
	RunningTotal prometheus.Gauge
	LostTotal    prometheus.Gauge
	ScrapedTotal prometheus.Counter
	FreeSlots    *prometheus.GaugeVec

	mu            sync.Mutex
	lastScraped   int64
}

// NewMetrics creates and registers the cluster collectors against reg.
// Passing a fresh prometheus.NewRegistry() keeps cluster metrics isolated
// from the default registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BacklogDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_cluster_backlog_depth",
			Help: "Number of jobs currently pending in the cluster backlog.",
		}),
		NodesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_cluster_nodes_alive",
			Help: "Number of worker nodes currently reachable.",
		}),
		RunningTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_cluster_domains_running",
			Help: "Number of domains the master believes are currently running.",
		}),
		LostTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webstalk_cluster_domains_lost",
			Help: "Number of domains observed missing from worker reports while believed running.",
		}),
		ScrapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webstalk_cluster_domains_scraped_total",
			Help: "Total domain scrape completions observed across the cluster.",
		}),
		FreeSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webstalk_cluster_node_free_slots",
			Help: "Free execution slots per worker node.",
		}, []string{"node"}),
	}
	if reg != nil {
		reg.MustRegister(m.BacklogDepth, m.NodesAlive, m.RunningTotal, m.LostTotal, m.ScrapedTotal, m.FreeSlots)
	}
	return m
}

// Observe refreshes every collector from the master's current state. Called
// once per poll tick; never called with Master.mu held, so it never blocks
// a poller on metrics bookkeeping.
func (me *Metrics) Observe(m *Master) {
	m.mu.Lock()
	nodes := make([]*NodeSession, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	running := len(m.stats.Running)
	lost := len(m.stats.Lost)
	scraped := m.stats.ScrapedCount
	m.mu.Unlock()

	alive := 0
	for _, n := range nodes {
		if n.Alive() {
			alive++
		}
		snap := n.Snapshot()
		me.FreeSlots.WithLabelValues(n.Name()).Set(float64(snap.FreeSlots()))
	}

	me.BacklogDepth.Set(float64(m.backlog.Len()))
	me.NodesAlive.Set(float64(alive))
	me.RunningTotal.Set(float64(running))
	me.LostTotal.Set(float64(lost))

	me.mu.Lock()
	delta := scraped - me.lastScraped
	me.lastScraped = scraped
	me.mu.Unlock()
	if delta > 0 {
		me.ScrapedTotal.Add(float64(delta))
	}
}
