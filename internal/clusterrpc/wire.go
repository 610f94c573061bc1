// Package clusterrpc is the NATS request-reply transport binding the
// cluster master to its worker nodes: Client implements cluster.Peer for
// the master side, Server dispatches inbound requests to a Handler on the
// worker side, and PublishUpdate/SubscribeUpdates carry the unsolicited
// running/scraped pushes a worker sends between polls.
package clusterrpc

import (
	"time"

	"github.com/webstalk/clustermaster/internal/cluster"
)

// request is the envelope sent from master to worker over NATS request-reply.
type request struct {
	Method   string         `json:"method"`
	MasterID string         `json:"master_id,omitempty"`
	Domain   string         `json:"domain,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// response is the envelope returned from worker to master.
type response struct {
	Snapshot *wireSnapshot `json:"snapshot,omitempty"`
	Code     int           `json:"code"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// update is an unsolicited push published by the worker when a domain's
// status changes between polls.
type update struct {
	NodeName string       `json:"node_name"`
	Domain   string       `json:"domain"`
	Status   string       `json:"status"`
	Snapshot wireSnapshot `json:"snapshot"`
}

// wireSnapshot is the JSON-serializable form of cluster.NodeSnapshot.
type wireSnapshot struct {
	Alive     bool              `json:"alive"`
	Running   []wireProcessInfo `json:"running,omitempty"`
	Maxproc   int               `json:"maxproc"`
	StartTime time.Time         `json:"start_time"`
	Timestamp time.Time         `json:"timestamp"`
	LoadAvg   [3]float64        `json:"load_avg"`
	LogDir    string            `json:"log_dir,omitempty"`
}

type wireProcessInfo struct {
	Domain   string         `json:"domain"`
	Settings map[string]any `json:"settings,omitempty"`
}

func toWireSnapshot(s cluster.NodeSnapshot) wireSnapshot {
	running := make([]wireProcessInfo, len(s.Running))
	for i, p := range s.Running {
		running[i] = wireProcessInfo{Domain: p.Domain, Settings: p.Settings}
	}
	return wireSnapshot{
		Alive:     s.Alive,
		Running:   running,
		Maxproc:   s.Maxproc,
		StartTime: s.StartTime,
		Timestamp: s.Timestamp,
		LoadAvg:   s.LoadAvg,
		LogDir:    s.LogDir,
	}
}

func (w wireSnapshot) toCluster() cluster.NodeSnapshot {
	running := make([]cluster.ProcessInfo, len(w.Running))
	for i, p := range w.Running {
		running[i] = cluster.ProcessInfo{Domain: p.Domain, Settings: p.Settings}
	}
	return cluster.NodeSnapshot{
		Alive:     w.Alive,
		Running:   running,
		Maxproc:   w.Maxproc,
		StartTime: w.StartTime,
		Timestamp: w.Timestamp,
		LoadAvg:   w.LoadAvg,
		LogDir:    w.LogDir,
	}
}

const (
	methodSetMaster = "set_master"
	methodStatus    = "status"
	methodRun       = "run"
	methodStop      = "stop"
)

// UpdatesSubject is the subject workers publish unsolicited status pushes
// to; the master subscribes once and fans each update out to the owning
// NodeSession.
const UpdatesSubject = "cluster.master.updates"

// nodeSubject returns the request-reply subject a specific worker node
// listens on, derived from the node's configured name so multiple logical
// workers can share one NATS server.
func nodeSubject(nodeName string) string {
	return "cluster.worker." + nodeName
}
