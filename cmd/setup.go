// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/absmach/fanoutmq/config"
	"github.com/absmach/fanoutmq/fanout"
	fraft "github.com/absmach/fanoutmq/fanout/raft"
	"github.com/absmach/fanoutmq/fanout/storage"
	badgerstore "github.com/absmach/fanoutmq/fanout/storage/badger"
	"github.com/absmach/fanoutmq/fanout/storage/memory"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// backend is the opened message log and its single-node journal.
type backend struct {
	store   storage.MessageLog
	journal storage.Journal
	close   func() error
}

func openStorage(cfg config.StorageConfig) (*backend, error) {
	switch cfg.Type {
	case "memory":
		return &backend{
			store:   memory.New(),
			journal: memory.NewJournal(),
			close:   func() error { return nil },
		}, nil
	case "badger":
		db, err := badgerstore.Open(badgerstore.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		return &backend{
			store:   badgerstore.New(db),
			journal: badgerstore.NewJournal(db),
			close:   db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// openLog returns the replicated log for the node: a raft node when
// clustering is enabled, the local journal otherwise. node is nil on a
// single node.
func openLog(cfg *config.Config, b *backend, logger *slog.Logger) (fanout.ReplicatedLog, *fraft.Node, error) {
	if !cfg.Cluster.Enabled {
		return fanout.NewLocalLog(b.journal, fanout.LocalLogConfig{
			CompactEvery: cfg.Fanout.CompactEvery,
			Logger:       logger,
		}), nil, nil
	}

	node, err := fraft.NewNode(raftNodeConfig(cfg, logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start raft node: %w", err)
	}
	return node, node, nil
}

func raftNodeConfig(cfg *config.Config, logger *slog.Logger) fraft.Config {
	rc := cfg.Cluster.Raft
	nodeID := strings.TrimSpace(cfg.Cluster.NodeID)
	bindAddr := strings.TrimSpace(rc.BindAddr)

	peers := copyPeers(rc.Peers)
	if _, ok := peers[nodeID]; !ok && nodeID != "" {
		peers[nodeID] = bindAddr
	}

	return fraft.Config{
		NodeID:            nodeID,
		BindAddr:          bindAddr,
		DataDir:           strings.TrimSpace(rc.DataDir),
		Peers:             peers,
		Bootstrap:         rc.Bootstrap,
		HeartbeatTimeout:  rc.HeartbeatTimeout,
		ElectionTimeout:   rc.ElectionTimeout,
		SnapshotInterval:  rc.SnapshotInterval,
		SnapshotThreshold: rc.SnapshotThreshold,
		ApplyTimeout:      rc.ApplyTimeout,
		CompactEvery:      cfg.Fanout.CompactEvery,
		Logger:            logger.With(slog.String("node_id", nodeID)),
	}
}

func copyPeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for id, addr := range in {
		id = strings.TrimSpace(id)
		addr = strings.TrimSpace(addr)
		if id == "" || addr == "" {
			continue
		}
		out[id] = addr
	}
	return out
}

func managerConfig(cfg *config.Config, b *backend, log fanout.ReplicatedLog, metrics fanout.Metrics, logger *slog.Logger) fanout.Config {
	prop := fanout.DefaultPropagatorConfig()
	if cfg.Fanout.UpdateQueueSize > 0 {
		prop.QueueSize = cfg.Fanout.UpdateQueueSize
	}
	if cfg.Fanout.InitialBackoff > 0 {
		prop.InitialBackoff = cfg.Fanout.InitialBackoff
	}
	if cfg.Fanout.MaxBackoff > 0 {
		prop.MaxBackoff = cfg.Fanout.MaxBackoff
	}
	if cfg.Fanout.FailureThreshold > 0 {
		prop.FailureThreshold = cfg.Fanout.FailureThreshold
	}
	if cfg.Fanout.BreakerTimeout > 0 {
		prop.BreakerTimeout = cfg.Fanout.BreakerTimeout
	}
	prop.Logger = logger

	return fanout.Config{
		Storage:        b.store,
		Log:            log,
		Domains:        cfg.EngineDomains(),
		Metrics:        metrics,
		Logger:         logger,
		Propagator:     prop,
		BarrierTimeout: cfg.Fanout.BarrierTimeout,
	}
}

// reloadDomains applies the domains of a freshly loaded configuration.
// Domains missing from the file keep their last configuration.
func reloadDomains(ctx context.Context, m *fanout.Manager, path string, logger *slog.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	var errs []error
	for _, d := range cfg.EngineDomains() {
		if err := m.ConfigureDomain(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("domain %s: %w", d.Name, err))
			continue
		}
		logger.Info("domain configuration reloaded",
			slog.String("domain", d.Name),
			slog.Int("app_ids", len(d.AppIDs)))
	}
	return errors.Join(errs...)
}
