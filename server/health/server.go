// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	NodeID          string
	ShutdownTimeout time.Duration
}

// Engine is the fan-out state reported by the endpoints.
type Engine interface {
	IsPrimary() bool
	Queues() []string
	DumpInternals(ctx context.Context) []string
}

// Cluster is the replication state reported in cluster mode.
type Cluster interface {
	IsLeader() bool
	Leader() (id, addr string)
	AppliedIndex() uint64
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config  Config
	engine  Engine
	cluster Cluster
	logger  *slog.Logger
	server  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. cl is nil on a single node.
func New(cfg Config, e Engine, cl Cluster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:  cfg,
		engine:  e,
		cluster: cl,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/cluster/status", s.handleClusterStatus)
	mux.HandleFunc("/internals", s.handleInternals)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Role    string `json:"role,omitempty"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 OK once the engine runs and, in cluster mode, a
// leader is known.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "engine not initialized",
		})
		return
	}

	if s.cluster != nil {
		if id, _ := s.cluster.Leader(); id == "" {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
				Status:  "not_ready",
				Details: "no raft leader",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Role:   role(s.engine.IsPrimary()),
	})
}

// ClusterStatusResponse represents cluster health information.
type ClusterStatusResponse struct {
	NodeID       string `json:"node_id"`
	ClusterMode  bool   `json:"cluster_mode"`
	IsLeader     bool   `json:"is_leader"`
	Role         string `json:"role"`
	LeaderID     string `json:"leader_id,omitempty"`
	AppliedIndex uint64 `json:"applied_index,omitempty"`
	Queues       int    `json:"queues"`
}

// handleClusterStatus returns the node's role and replication progress.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
		return
	}

	response := ClusterStatusResponse{
		NodeID: s.config.NodeID,
		Role:   role(s.engine.IsPrimary()),
		Queues: len(s.engine.Queues()),
	}
	if response.NodeID == "" {
		response.NodeID = "single-node"
	}

	if s.cluster == nil {
		response.IsLeader = s.engine.IsPrimary()
		writeJSON(w, http.StatusOK, response)
		return
	}

	response.ClusterMode = true
	response.IsLeader = s.cluster.IsLeader()
	response.LeaderID, _ = s.cluster.Leader()
	response.AppliedIndex = s.cluster.AppliedIndex()

	writeJSON(w, http.StatusOK, response)
}

// handleInternals prints the engine's internal state, one line per fact.
func (s *Server) handleInternals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
		return
	}

	lines := s.engine.DumpInternals(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
}

func role(primary bool) string {
	if primary {
		return "primary"
	}
	return "replica"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
