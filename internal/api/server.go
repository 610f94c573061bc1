// Package api serves the cluster master's operator surface: pending-queue
// and node-status queries, scheduling operations, and node availability
// toggles, as JSON over HTTP, next to the Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webstalk/clustermaster/internal/cluster"
)

// ClusterController is the subset of *cluster.Master the operator API
// drives.
type ClusterController interface {
	Schedule(domains []string, override map[string]any, priority int)
	ScheduleDefault(domains []string, override map[string]any)
	Stop(ctx context.Context, domains []string)
	Remove(domains []string)
	Discard(ctx context.Context, domains []string)
	EnableNode(name string) error
	DisableNode(name string) error
	PrintPending(verbosity int) []cluster.Job
	AllStatus(verbosity int) map[string]map[string]any
	StatusAsDict(name string, verbosity int) (map[string]any, error)
}

// Server is the operator HTTP server.
type Server struct {
	mux     *http.ServeMux
	port    int
	logger  *slog.Logger
	cluster ClusterController
}

// NewServer builds a Server listening on port once Start is called.
func NewServer(port int, logger *slog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		port:   port,
		logger: logger.With("component", "api_server"),
	}
	s.routes()
	return s
}

// SetCluster attaches the cluster master behind the /api/cluster routes.
func (s *Server) SetCluster(ctrl ClusterController) {
	s.cluster = ctrl
}

// Start serves in the background; listen errors are logged, not returned,
// since the operator API is not load-bearing for the scheduler itself.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("operator API listening", "addr", addr)
	go func() {
		if err := http.ListenAndServe(addr, s.mux); err != nil {
			s.logger.Error("operator API server stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/cluster/pending", s.handlePending)
	s.mux.HandleFunc("GET /api/cluster/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/cluster/status/{node}", s.handleNodeStatus)
	s.mux.HandleFunc("POST /api/cluster/schedule", s.handleSchedule)
	s.mux.HandleFunc("POST /api/cluster/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/cluster/remove", s.handleRemove)
	s.mux.HandleFunc("POST /api/cluster/discard", s.handleDiscard)
	s.mux.HandleFunc("POST /api/cluster/nodes/{node}/enable", s.handleNodeToggle(true))
	s.mux.HandleFunc("POST /api/cluster/nodes/{node}/disable", s.handleNodeToggle(false))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verbosity defaults to 1 (settings stripped) when the query parameter is
// absent or not a number.
func verbosity(r *http.Request) int {
	v, err := strconv.Atoi(r.URL.Query().Get("verbosity"))
	if err != nil {
		return 1
	}
	return v
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	s.respond(w, http.StatusOK, s.cluster.PrintPending(verbosity(r)))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	s.respond(w, http.StatusOK, s.cluster.AllStatus(verbosity(r)))
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	status, err := s.cluster.StatusAsDict(r.PathValue("node"), verbosity(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, status)
}

type domainsBody struct {
	Domains  []string       `json:"domains"`
	Override map[string]any `json:"override,omitempty"`
	Priority *int           `json:"priority,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	body, ok := s.decodeDomains(w, r)
	if !ok {
		return
	}
	if body.Priority != nil {
		s.cluster.Schedule(body.Domains, body.Override, *body.Priority)
	} else {
		s.cluster.ScheduleDefault(body.Domains, body.Override)
	}
	s.respond(w, http.StatusOK, map[string]any{"scheduled": body.Domains})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	body, ok := s.decodeDomains(w, r)
	if !ok {
		return
	}
	// Stop dispatches outlive the HTTP exchange, so they don't run under
	// the request's context.
	s.cluster.Stop(context.Background(), body.Domains)
	s.respond(w, http.StatusOK, map[string]any{"stopping": body.Domains})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	body, ok := s.decodeDomains(w, r)
	if !ok {
		return
	}
	s.cluster.Remove(body.Domains)
	s.respond(w, http.StatusOK, map[string]any{"removed": body.Domains})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	body, ok := s.decodeDomains(w, r)
	if !ok {
		return
	}
	s.cluster.Discard(context.Background(), body.Domains)
	s.respond(w, http.StatusOK, map[string]any{"discarded": body.Domains})
}

func (s *Server) handleNodeToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ready(w) {
			return
		}
		name := r.PathValue("node")
		var err error
		if enable {
			err = s.cluster.EnableNode(name)
		} else {
			err = s.cluster.DisableNode(name)
		}
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"node": name, "available": enable})
	}
}

func (s *Server) decodeDomains(w http.ResponseWriter, r *http.Request) (domainsBody, bool) {
	var body domainsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return body, false
	}
	if len(body.Domains) == 0 {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "domains list is required"})
		return body, false
	}
	return body, true
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.cluster == nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"error": "cluster master not attached"})
		return false
	}
	return true
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, cluster.ErrUnknownNode) {
		status = http.StatusNotFound
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}
