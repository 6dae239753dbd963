// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fanoutmq/fanout/types"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a fanoutmq node.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Log     LogConfig      `yaml:"log"`
	Storage StorageConfig  `yaml:"storage"`
	Cluster ClusterConfig  `yaml:"cluster"`
	Fanout  FanoutConfig   `yaml:"fanout"`
	Domains []DomainConfig `yaml:"domains"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds the message log and journal backend.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// ClusterConfig holds replication configuration. A disabled cluster runs
// a single node over the local journal.
type ClusterConfig struct {
	Enabled bool       `yaml:"enabled"`
	NodeID  string     `yaml:"node_id"`
	Raft    RaftConfig `yaml:"raft"`
}

// RaftConfig holds the raft group settings.
type RaftConfig struct {
	BindAddr  string            `yaml:"bind_addr"`
	DataDir   string            `yaml:"data_dir"`
	Peers     map[string]string `yaml:"peers"` // nodeID -> raft address
	Bootstrap bool              `yaml:"bootstrap"`

	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
}

// FanoutConfig tunes the engine shared by every domain.
type FanoutConfig struct {
	BarrierTimeout   time.Duration `yaml:"barrier_timeout"`
	CompactEvery     int           `yaml:"compact_every"`
	UpdateQueueSize  int           `yaml:"update_queue_size"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// DomainConfig holds the settings shared by all queues of a domain.
type DomainConfig struct {
	Name           string        `yaml:"name"`
	AppIDs         []string      `yaml:"app_ids"`
	MaxMessages    int64         `yaml:"max_messages"`
	MessageTTL     time.Duration `yaml:"message_ttl"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	MaxUnconfirmed int           `yaml:"max_unconfirmed"`
}

// Engine converts the domain settings to the engine's form.
func (d DomainConfig) Engine() types.DomainConfig {
	return types.DomainConfig{
		Name:           d.Name,
		AppIDs:         append([]string(nil), d.AppIDs...),
		MaxMessages:    d.MaxMessages,
		MessageTTL:     d.MessageTTL,
		GCInterval:     d.GCInterval,
		MaxUnconfirmed: d.MaxUnconfirmed,
	}
}

// EngineDomains returns every configured domain in the engine's form.
func (c *Config) EngineDomains() []types.DomainConfig {
	out := make([]types.DomainConfig, 0, len(c.Domains))
	for _, d := range c.Domains {
		out = append(out, d.Engine())
	}
	return out
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "fanoutmq",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/fanoutmq/data",
		},
		Cluster: ClusterConfig{
			Enabled: false,
			NodeID:  "node-1",
			Raft: RaftConfig{
				BindAddr:          "127.0.0.1:7100",
				DataDir:           "/tmp/fanoutmq/raft",
				Bootstrap:         true,
				HeartbeatTimeout:  time.Second,
				ElectionTimeout:   3 * time.Second,
				SnapshotInterval:  5 * time.Minute,
				SnapshotThreshold: 8192,
				ApplyTimeout:      5 * time.Second,
			},
		},
		Fanout: FanoutConfig{
			BarrierTimeout:   10 * time.Second,
			CompactEvery:     4096,
			UpdateQueueSize:  4096,
			InitialBackoff:   50 * time.Millisecond,
			MaxBackoff:       5 * time.Second,
			FailureThreshold: 5,
			BreakerTimeout:   10 * time.Second,
		},
		Domains: []DomainConfig{},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Cluster validation (only if enabled)
	if c.Cluster.Enabled {
		if c.Cluster.NodeID == "" {
			return fmt.Errorf("cluster.node_id required when clustering is enabled")
		}
		if c.Cluster.Raft.BindAddr == "" {
			return fmt.Errorf("cluster.raft.bind_addr required when clustering is enabled")
		}
		if c.Cluster.Raft.DataDir == "" {
			return fmt.Errorf("cluster.raft.data_dir required when clustering is enabled")
		}
		if c.Cluster.Raft.HeartbeatTimeout < 0 || c.Cluster.Raft.ElectionTimeout < 0 {
			return fmt.Errorf("cluster.raft timeouts cannot be negative")
		}
		for id, addr := range c.Cluster.Raft.Peers {
			if id == "" || addr == "" {
				return fmt.Errorf("cluster.raft.peers entries need a node id and an address")
			}
		}
	}

	if c.Fanout.InitialBackoff < 0 || c.Fanout.MaxBackoff < c.Fanout.InitialBackoff {
		return fmt.Errorf("fanout.max_backoff must be at least fanout.initial_backoff")
	}
	if c.Fanout.UpdateQueueSize < 0 {
		return fmt.Errorf("fanout.update_queue_size cannot be negative")
	}

	seen := make(map[string]bool, len(c.Domains))
	for i, d := range c.Domains {
		if err := d.Engine().Validate(); err != nil {
			return fmt.Errorf("domains[%d]: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("domains[%d]: duplicate domain %q", i, d.Name)
		}
		seen[d.Name] = true
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
