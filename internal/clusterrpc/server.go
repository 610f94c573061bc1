package clusterrpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/webstalk/clustermaster/internal/cluster"
)

// Handler is implemented by the worker-side runtime (internal/clusterworker)
// to answer the same four calls cluster.Peer exposes to the master.
type Handler interface {
	SetMaster(ctx context.Context, masterID string) (cluster.NodeSnapshot, error)
	Status(ctx context.Context) (cluster.NodeSnapshot, error)
	Run(ctx context.Context, domain string, settings map[string]any) (cluster.NodeSnapshot, cluster.CallResponse, error)
	Stop(ctx context.Context, domain string) (cluster.NodeSnapshot, error)
}

// Server subscribes to a node's request subject and dispatches each
// incoming request to a Handler.
type Server struct {
	conn     *nats.Conn
	nodeName string
	handler  Handler
	logger   *slog.Logger
	sub      *nats.Subscription
}

// NewServer builds a Server for nodeName bound to conn, not yet subscribed.
func NewServer(conn *nats.Conn, nodeName string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{conn: conn, nodeName: nodeName, handler: handler, logger: logger.With("component", "clusterrpc_server", "node", nodeName)}
}

// Start subscribes to the node's request subject. Call Stop to unsubscribe.
func (s *Server) Start() error {
	sub, err := s.conn.Subscribe(nodeSubject(s.nodeName), s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Stop unsubscribes from the node's request subject.
func (s *Server) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Server) handle(msg *nats.Msg) {
	var req request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, response{Error: "malformed request: " + err.Error()})
		return
	}

	ctx := context.Background()
	switch req.Method {
	case methodSetMaster:
		snap, err := s.handler.SetMaster(ctx, req.MasterID)
		s.replySnapshot(msg, snap, cluster.CallResponse{}, err)
	case methodStatus:
		snap, err := s.handler.Status(ctx)
		s.replySnapshot(msg, snap, cluster.CallResponse{}, err)
	case methodRun:
		snap, cr, err := s.handler.Run(ctx, req.Domain, req.Settings)
		s.replySnapshot(msg, snap, cr, err)
	case methodStop:
		snap, err := s.handler.Stop(ctx, req.Domain)
		s.replySnapshot(msg, snap, cluster.CallResponse{}, err)
	default:
		s.reply(msg, response{Error: "unknown method: " + req.Method})
	}
}

func (s *Server) replySnapshot(msg *nats.Msg, snap cluster.NodeSnapshot, cr cluster.CallResponse, err error) {
	if err != nil {
		s.logger.Error("handler call failed", "error", err)
		s.reply(msg, response{Error: err.Error()})
		return
	}
	wire := toWireSnapshot(snap)
	s.reply(msg, response{Snapshot: &wire, Code: cr.Code, Detail: cr.Detail})
}

func (s *Server) reply(msg *nats.Msg, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("publish response failed", "error", err)
	}
}

// PublishUpdate sends an unsolicited running/scraped push for domain to the
// master's updates subject. Workers call this the moment a domain's status
// changes, instead of waiting for the next poll.
func PublishUpdate(conn *nats.Conn, nodeName, domain, status string, snap cluster.NodeSnapshot) error {
	data, err := json.Marshal(update{NodeName: nodeName, Domain: domain, Status: status, Snapshot: toWireSnapshot(snap)})
	if err != nil {
		return err
	}
	return conn.Publish(UpdatesSubject, data)
}

// SubscribeUpdates subscribes to the shared updates subject on the master
// side, invoking onUpdate for every push a worker publishes.
func SubscribeUpdates(conn *nats.Conn, onUpdate func(nodeName, domain, status string, snap cluster.NodeSnapshot)) (*nats.Subscription, error) {
	return conn.Subscribe(UpdatesSubject, func(msg *nats.Msg) {
		var u update
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			return
		}
		onUpdate(u.NodeName, u.Domain, u.Status, u.Snapshot.toCluster())
	})
}
