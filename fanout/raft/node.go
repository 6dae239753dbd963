// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package raft replicates the fan-out entry log with hashicorp/raft.
package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fanoutmq/fanout"
	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

var _ fanout.ReplicatedLog = (*Node)(nil)

// Config configures a raft node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Peers maps node IDs to raft addresses, this node included.
	Peers map[string]string
	// Bootstrap forms the cluster from Peers if no raft state exists.
	Bootstrap bool

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration
	SnapshotInterval   time.Duration
	SnapshotThreshold  uint64
	ApplyTimeout       time.Duration
	// CompactEvery compacts the FSM's retained entries after this many
	// applies. Zero uses the default; a negative value disables it.
	CompactEvery int

	// Stores and transport default to Badger in DataDir, a file snapshot
	// store and a TCP transport on BindAddr.
	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	Logger *slog.Logger
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.Transport == nil && c.BindAddr == "" {
		return c, errors.New("bind_addr is required")
	}
	if (c.LogStore == nil || c.StableStore == nil || c.SnapshotStore == nil) && c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 3 * time.Second
	}
	if c.LeaderLeaseTimeout == 0 {
		c.LeaderLeaseTimeout = min(500*time.Millisecond, c.HeartbeatTimeout)
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 8192
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.CompactEvery == 0 {
		c.CompactEvery = 4096
	}
	return c, nil
}

// Node is a fanout.ReplicatedLog backed by a raft group.
type Node struct {
	nodeID       string
	applyTimeout time.Duration

	raft      *raft.Raft
	fsm       *FSM
	transport raft.Transport
	db        *badger.DB

	isLeader atomic.Bool
	notifyCh chan bool
	leaderCh chan bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *slog.Logger
}

// NewNode starts a raft node. Committed entries are buffered by the FSM
// until Bind.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}

	n := &Node{
		nodeID:       cfg.NodeID,
		applyTimeout: cfg.ApplyTimeout,
		fsm:          NewFSM(cfg.CompactEvery, cfg.Logger),
		notifyCh:     make(chan bool, 16),
		leaderCh:     make(chan bool, 16),
		stopCh:       make(chan struct{}),
		logger:       cfg.Logger,
	}

	if err := n.openStores(&cfg); err != nil {
		return nil, err
	}
	n.transport = cfg.Transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	raftCfg.CommitTimeout = cfg.CommitTimeout
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.NotifyCh = n.notifyCh
	raftCfg.Logger = newHCLogger(cfg.NodeID, cfg.Logger)

	r, err := raft.NewRaft(raftCfg, n.fsm, cfg.LogStore, cfg.StableStore, cfg.SnapshotStore, cfg.Transport)
	if err != nil {
		if c, ok := cfg.Transport.(raft.WithClose); ok {
			_ = c.Close()
		}
		n.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r

	if cfg.Bootstrap {
		if err := n.bootstrap(cfg); err != nil {
			_ = r.Shutdown().Error()
			n.closeStores()
			return nil, err
		}
	}

	n.wg.Add(1)
	go n.monitorLeadership()

	n.logger.Info("raft node created",
		slog.String("node_id", cfg.NodeID),
		slog.String("bind_addr", string(cfg.Transport.LocalAddr())))

	return n, nil
}

func (n *Node) openStores(cfg *Config) error {
	if cfg.LogStore == nil || cfg.StableStore == nil {
		dir := filepath.Join(cfg.DataDir, "raft")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create raft directory: %w", err)
		}
		opts := badger.DefaultOptions(dir)
		opts.Logger = nil
		db, err := badger.Open(opts)
		if err != nil {
			return fmt.Errorf("failed to open raft badger db: %w", err)
		}
		n.db = db
		if cfg.LogStore == nil {
			cfg.LogStore = NewLogStore(db, cfg.NodeID)
		}
		if cfg.StableStore == nil {
			cfg.StableStore = NewStableStore(db, cfg.NodeID)
		}
	}

	if cfg.SnapshotStore == nil {
		snapshots, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(cfg.DataDir, "snapshots"), 3, newHCLogger(cfg.NodeID, cfg.Logger))
		if err != nil {
			n.closeStores()
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}
		cfg.SnapshotStore = snapshots
	}

	if cfg.Transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			n.closeStores()
			return fmt.Errorf("failed to resolve bind address: %w", err)
		}
		transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, newHCLogger(cfg.NodeID, cfg.Logger))
		if err != nil {
			n.closeStores()
			return fmt.Errorf("failed to create raft transport: %w", err)
		}
		cfg.Transport = transport
	}
	return nil
}

func (n *Node) closeStores() {
	if n.db == nil {
		return
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("raft db close error", slog.String("error", err.Error()))
	}
	n.db = nil
}

func (n *Node) bootstrap(cfg Config) error {
	hasState, err := raft.HasExistingState(cfg.LogStore, cfg.StableStore, cfg.SnapshotStore)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}
	if hasState {
		n.logger.Info("raft already bootstrapped, skipping", slog.String("node_id", cfg.NodeID))
		return nil
	}

	servers := bootstrapServers(cfg)
	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap raft: %w", err)
	}

	n.logger.Info("raft bootstrapped",
		slog.String("node_id", cfg.NodeID),
		slog.Int("peer_count", len(servers)))
	return nil
}

func bootstrapServers(cfg Config) []raft.Server {
	peers := make(map[string]string, len(cfg.Peers)+1)
	for id, addr := range cfg.Peers {
		peers[id] = addr
	}
	if _, ok := peers[cfg.NodeID]; !ok {
		peers[cfg.NodeID] = string(cfg.Transport.LocalAddr())
	}

	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	servers := make([]raft.Server, 0, len(ids))
	for _, id := range ids {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(id),
			Address:  raft.ServerAddress(peers[id]),
		})
	}
	return servers
}

// Bind attaches a to the FSM and restores it from the entries committed
// so far.
func (n *Node) Bind(ctx context.Context, a fanout.Applier) error {
	return n.fsm.Bind(ctx, a)
}

// Append replicates e and waits until it is applied on this node.
func (n *Node) Append(ctx context.Context, e *types.Entry) (uint64, error) {
	if n.raft.State() != raft.Leader {
		return 0, types.ErrNotPrimary
	}

	data, err := types.EncodeEntry(e)
	if err != nil {
		return 0, &fanout.ApplyError{Err: err}
	}

	timeout, err := n.timeout(ctx)
	if err != nil {
		return 0, err
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return 0, mapRaftError(err)
	}

	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return 0, nil
	}
	if res.Error != nil {
		return 0, &fanout.ApplyError{Err: res.Error}
	}
	return res.Sequence, nil
}

// Replay returns the entries retained by the FSM.
func (n *Node) Replay(context.Context) ([]*types.Entry, error) {
	return n.fsm.Entries(), nil
}

// Barrier waits until every entry committed before the call is applied.
// It only succeeds on the leader.
func (n *Node) Barrier(ctx context.Context) error {
	timeout, err := n.timeout(ctx)
	if err != nil {
		return err
	}
	if err := n.raft.Barrier(timeout).Error(); err != nil {
		return mapRaftError(err)
	}
	return nil
}

func (n *Node) timeout(ctx context.Context) (time.Duration, error) {
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		timeout = min(timeout, remaining)
	}
	return timeout, ctx.Err()
}

func mapRaftError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress), errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: %v", types.ErrNotPrimary, err)
	default:
		return fmt.Errorf("raft apply failed: %w", err)
	}
}

func (n *Node) IsLeader() bool {
	return n.isLeader.Load()
}

// LeaderCh reports leadership changes of this node.
func (n *Node) LeaderCh() <-chan bool {
	return n.leaderCh
}

// AppliedIndex is the last log index applied on this node, including
// barrier, no-op and configuration entries the FSM never sees.
func (n *Node) AppliedIndex() uint64 {
	return max(n.fsm.AppliedIndex(), n.raft.AppliedIndex())
}

// Leader returns the current leader's node ID and address.
func (n *Node) Leader() (string, string) {
	addr, id := n.raft.LeaderWithID()
	return string(id), string(addr)
}

// WaitForLeader blocks until a leader is known.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if id, _ := n.Leader(); id != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stats returns raft stats for monitoring.
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Close shuts raft down and closes the stores the node opened.
func (n *Node) Close() error {
	var err error
	n.stopOnce.Do(func() {
		n.logger.Info("shutting down raft node", slog.String("node_id", n.nodeID))

		err = n.raft.Shutdown().Error()
		close(n.stopCh)
		n.wg.Wait()
		n.isLeader.Store(false)
		n.closeStores()
	})
	return err
}

func (n *Node) monitorLeadership() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopCh:
			return
		case leader := <-n.notifyCh:
			n.isLeader.Store(leader)

			if leader {
				n.logger.Info("became leader", slog.String("node_id", n.nodeID))
			} else {
				n.logger.Info("lost leadership", slog.String("node_id", n.nodeID))
			}

			select {
			case n.leaderCh <- leader:
			default:
				n.logger.Warn("leadership notification dropped",
					slog.String("node_id", n.nodeID),
					slog.Bool("leader", leader))
			}
		}
	}
}

// hclogWriter forwards raft's hclog output to slog.
type hclogWriter struct {
	logger *slog.Logger
}

func (w hclogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	level := slog.LevelInfo
	switch {
	case strings.Contains(line, "[ERROR]"):
		level = slog.LevelError
	case strings.Contains(line, "[WARN]"):
		level = slog.LevelWarn
	case strings.Contains(line, "[DEBUG]"), strings.Contains(line, "[TRACE]"):
		level = slog.LevelDebug
	}
	w.logger.Log(context.Background(), level, line)
	return len(p), nil
}

func newHCLogger(nodeID string, logger *slog.Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:        "raft-" + nodeID,
		Level:       hclog.Warn,
		Output:      hclogWriter{logger: logger.With(slog.String("component", "raft"))},
		DisableTime: true,
	})
}
