// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fanoutmq/config"
	"github.com/absmach/fanoutmq/fanout"
	"github.com/absmach/fanoutmq/server/health"
	"github.com/absmach/fanoutmq/server/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting fanoutmq", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"cluster_enabled", cfg.Cluster.Enabled,
		"node_id", cfg.Cluster.NodeID,
		"domains", len(cfg.Domains),
		"health_enabled", cfg.Server.HealthEnabled,
		"log_level", cfg.Log.Level)

	if err := run(cfg, *configFile, logger); err != nil {
		slog.Error("fanoutmq stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configFile string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown otel.ShutdownFunc
	var metrics fanout.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, cfg.Cluster.NodeID)
		if err != nil {
			return err
		}
		otelShutdown = shutdown

		m, err := otel.NewMetrics()
		if err != nil {
			return err
		}
		metrics = m
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)
	}

	b, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	log, node, err := openLog(cfg, b, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := log.Close(); err != nil {
			slog.Error("Failed to close replicated log", "error", err)
		}
	}()

	mgr, err := fanout.NewManager(managerConfig(cfg, b, log, metrics, logger))
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Stop(ctx)
		return err
	}

	var wg sync.WaitGroup
	if cfg.Server.HealthEnabled {
		var cl health.Cluster
		if node != nil {
			cl = node
		}
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			NodeID:          cfg.Cluster.NodeID,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, mgr, cl, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health server error", "error", err)
			}
		}()
	}

	if node != nil {
		slog.Info("Running in cluster mode",
			"node_id", cfg.Cluster.NodeID,
			"raft_bind", cfg.Cluster.Raft.BindAddr,
			"raft_data_dir", cfg.Cluster.Raft.DataDir)
	} else {
		slog.Info("Running in single-node mode", "node_id", cfg.Cluster.NodeID)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			slog.Info("Reloading domain configuration", "config", configFile)
			if err := reloadDomains(ctx, mgr, configFile, logger); err != nil {
				slog.Error("Failed to reload configuration", "error", err)
			}
			continue
		}
		slog.Info("Received shutdown signal", "signal", sig)
		break
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := mgr.Flush(shutdownCtx); err != nil {
		slog.Warn("Pending queue updates not flushed", "error", err)
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("fanoutmq stopped")
	return nil
}
