package cluster

import "context"

// Peer is the remote-call boundary to a single worker node. Implementations
// are expected to give an async request/response channel with dead-peer
// detection; the transport itself (NATS request-reply in
// internal/clusterrpc, or an in-process fake for tests) is pluggable.
type Peer interface {
	// SetMaster registers this master with the worker. A nil snapshot or
	// error means the peer should be considered not alive.
	SetMaster(ctx context.Context, masterID string) (*NodeSnapshot, error)

	// Status requests a fresh snapshot.
	Status(ctx context.Context) (*NodeSnapshot, error)

	// Run asks the worker to start crawling domain with the given settings.
	Run(ctx context.Context, domain string, settings map[string]any) (*NodeSnapshot, CallResponse, error)

	// Stop asks the worker to stop crawling domain.
	Stop(ctx context.Context, domain string) (*NodeSnapshot, error)

	// Close releases any transport resources held for this peer.
	Close() error
}
