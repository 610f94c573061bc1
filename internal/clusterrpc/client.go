package clusterrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/webstalk/clustermaster/internal/cluster"
)

// DefaultRequestTimeout bounds a single request-reply round trip.
const DefaultRequestTimeout = 10 * time.Second

// Client implements cluster.Peer over a shared NATS connection, one Client
// per worker node. Every call is routed through a per-node gobreaker
// circuit breaker so a hung or dead worker stops accumulating in-flight
// requests after a handful of consecutive failures instead of blocking the
// master's poll loop.
type Client struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// Dial opens a new NATS connection to address and returns a
// cluster.Peer bound to the named node's request subject. It matches the
// cluster.Dialer signature, so it can be passed directly to
// cluster.NewMaster or assigned as Master's dialer.
func Dial(ctx context.Context, name, address string) (cluster.Peer, error) {
	conn, err := nats.Connect(address,
		nats.Name("clustermaster"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("clusterrpc: dial %s (%s): %w", name, address, err)
	}
	return NewClient(conn, name), nil
}

// NewClient wraps an already-established NATS connection for a single node.
func NewClient(conn *nats.Conn, nodeName string) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cluster-node-" + nodeName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		conn:    conn,
		subject: nodeSubject(nodeName),
		timeout: DefaultRequestTimeout,
		breaker: breaker,
	}
}

func (c *Client) call(ctx context.Context, req request) (*response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("clusterrpc: encode request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	result, err := c.breaker.Execute(func() (any, error) {
		msg, err := c.conn.RequestWithContext(ctx, c.subject, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cluster.ErrPeerUnreachable, err)
		}
		var resp response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return nil, fmt.Errorf("clusterrpc: decode response: %w", err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("clusterrpc: worker error: %s", resp.Error)
		}
		return &resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*response), nil
}

// SetMaster implements cluster.Peer.
func (c *Client) SetMaster(ctx context.Context, masterID string) (*cluster.NodeSnapshot, error) {
	resp, err := c.call(ctx, request{Method: methodSetMaster, MasterID: masterID})
	if err != nil {
		return nil, err
	}
	return snapshotOrNil(resp), nil
}

// Status implements cluster.Peer.
func (c *Client) Status(ctx context.Context) (*cluster.NodeSnapshot, error) {
	resp, err := c.call(ctx, request{Method: methodStatus})
	if err != nil {
		return nil, err
	}
	return snapshotOrNil(resp), nil
}

// Run implements cluster.Peer.
func (c *Client) Run(ctx context.Context, domain string, settings map[string]any) (*cluster.NodeSnapshot, cluster.CallResponse, error) {
	resp, err := c.call(ctx, request{Method: methodRun, Domain: domain, Settings: settings})
	if err != nil {
		return nil, cluster.CallResponse{}, err
	}
	return snapshotOrNil(resp), cluster.CallResponse{Code: resp.Code, Detail: resp.Detail}, nil
}

// Stop implements cluster.Peer.
func (c *Client) Stop(ctx context.Context, domain string) (*cluster.NodeSnapshot, error) {
	resp, err := c.call(ctx, request{Method: methodStop, Domain: domain})
	if err != nil {
		return nil, err
	}
	return snapshotOrNil(resp), nil
}

// Close drains and closes the underlying NATS connection.
func (c *Client) Close() error {
	c.conn.Drain()
	return nil
}

func snapshotOrNil(resp *response) *cluster.NodeSnapshot {
	if resp.Snapshot == nil {
		return nil
	}
	snap := resp.Snapshot.toCluster()
	return &snap
}
