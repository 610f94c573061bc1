package cluster

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakePeer is an in-memory Peer used by the cluster test suite in place of
// the NATS-backed internal/clusterrpc transport.
type fakePeer struct {
	mu sync.Mutex

	maxproc     int
	running     []ProcessInfo
	unreachable bool

	runCode CallResponse
	runErr  error

	runCalls  []string
	stopCalls []string
}

func newFakePeer(maxproc int) *fakePeer {
	return &fakePeer{maxproc: maxproc, runCode: CallResponse{Code: RunAccepted}}
}

func (p *fakePeer) snapshotLocked() *NodeSnapshot {
	running := make([]ProcessInfo, len(p.running))
	copy(running, p.running)
	return &NodeSnapshot{
		Alive:     true,
		Running:   running,
		Maxproc:   p.maxproc,
		StartTime: time.Unix(0, 0),
		Timestamp: time.Unix(0, 0),
	}
}

func (p *fakePeer) SetMaster(ctx context.Context, masterID string) (*NodeSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return nil, errors.New("fake peer unreachable")
	}
	return p.snapshotLocked(), nil
}

func (p *fakePeer) Status(ctx context.Context) (*NodeSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return nil, errors.New("fake peer unreachable")
	}
	return p.snapshotLocked(), nil
}

func (p *fakePeer) Run(ctx context.Context, domain string, settings map[string]any) (*NodeSnapshot, CallResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runCalls = append(p.runCalls, domain)

	if p.unreachable {
		return nil, CallResponse{}, errors.New("fake peer unreachable")
	}
	if p.runErr != nil {
		return nil, CallResponse{}, p.runErr
	}
	if p.runCode.Code == RunAccepted {
		p.running = append(p.running, ProcessInfo{Domain: domain, Settings: settings})
	}
	return p.snapshotLocked(), p.runCode, nil
}

func (p *fakePeer) Stop(ctx context.Context, domain string) (*NodeSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls = append(p.stopCalls, domain)
	if p.unreachable {
		return nil, errors.New("fake peer unreachable")
	}
	out := p.running[:0]
	for _, proc := range p.running {
		if proc.Domain != domain {
			out = append(out, proc)
		}
	}
	p.running = out
	return p.snapshotLocked(), nil
}

func (p *fakePeer) Close() error { return nil }

// markScraped simulates the worker completing domain by removing it from
// running. It does not notify the master; callers deliver the matching
// "scraped" HandleRemoteUpdate themselves.
func (p *fakePeer) markScraped(domain string) {
	p.mu.Lock()
	out := p.running[:0]
	for _, proc := range p.running {
		if proc.Domain != domain {
			out = append(out, proc)
		}
	}
	p.running = out
	p.mu.Unlock()
}
