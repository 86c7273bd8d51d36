// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads hub configuration with priority env > file >
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSync/services/collab/auth"
)

// Config is the full hub configuration tree.
//
// Thread Safety: safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Server contains the HTTP/websocket listener settings.
	Server ServerConfig `yaml:"server"`

	// Storage contains Badger settings.
	Storage StorageConfig `yaml:"storage"`

	// Persistence contains oplog and snapshot policy.
	Persistence PersistenceConfig `yaml:"persistence"`

	// Rooms contains session registry settings.
	Rooms RoomsConfig `yaml:"rooms"`

	// Observability contains logging and tracing settings.
	Observability ObservabilityConfig `yaml:"observability"`

	// ACL is the optional static access table. Documents absent from
	// it are open to any authenticated user.
	ACL auth.StaticACL `yaml:"acl"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig contains Badger settings.
type StorageConfig struct {
	DataDir        string        `yaml:"data_dir"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
}

// PersistenceConfig contains oplog and snapshot policy.
type PersistenceConfig struct {
	SnapshotInterval    int           `yaml:"snapshot_interval"`
	SnapshotKeep        int           `yaml:"snapshot_keep"`
	Retention           time.Duration `yaml:"retention"`
	RetentionSweepEvery time.Duration `yaml:"retention_sweep_every"`
	IdleEviction        time.Duration `yaml:"idle_eviction"`
}

// RoomsConfig contains session registry settings.
type RoomsConfig struct {
	LivenessSweepEvery time.Duration `yaml:"liveness_sweep_every"`
}

// ObservabilityConfig contains logging and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogDir         string `yaml:"log_dir"`
	LogJSON        bool   `yaml:"log_json"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":12290",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:        "./data",
			SyncWrites:     true,
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Persistence: PersistenceConfig{
			SnapshotInterval:    100,
			SnapshotKeep:        5,
			Retention:           30 * 24 * time.Hour,
			RetentionSweepEvery: 24 * time.Hour,
			IdleEviction:        10 * time.Minute,
		},
		Rooms: RoomsConfig{
			LivenessSweepEvery: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "localhost:4317",
			ServiceName:    "collabhub",
			TracingEnabled: false,
		},
	}
}

// Load merges defaults, an optional YAML file, and environment
// overrides, then validates the result.
//
// Inputs:
//   - path: YAML config file path. Empty or missing file uses defaults.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file is invalid or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // missing file means defaults
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("COLLAB_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("COLLAB_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("COLLAB_IN_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.InMemory = b
		}
	}
	if v := os.Getenv("COLLAB_SNAPSHOT_INTERVAL"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Persistence.SnapshotInterval = i
		}
	}
	if v := os.Getenv("COLLAB_SNAPSHOT_KEEP"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Persistence.SnapshotKeep = i
		}
	}
	if v := os.Getenv("COLLAB_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persistence.Retention = d
		}
	}
	if v := os.Getenv("COLLAB_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("COLLAB_LOG_DIR"); v != "" {
		cfg.Observability.LogDir = v
	}
	if v := os.Getenv("COLLAB_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.TracingEnabled = b
		}
	}
	if v := os.Getenv("COLLAB_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set unless storage.in_memory is true")
	}
	if c.Persistence.SnapshotInterval <= 0 {
		return fmt.Errorf("persistence.snapshot_interval must be positive, got %d", c.Persistence.SnapshotInterval)
	}
	if c.Persistence.SnapshotKeep <= 0 {
		return fmt.Errorf("persistence.snapshot_keep must be positive, got %d", c.Persistence.SnapshotKeep)
	}
	if c.Persistence.Retention < 0 {
		return fmt.Errorf("persistence.retention must not be negative")
	}
	if c.Storage.GCDiscardRatio <= 0 || c.Storage.GCDiscardRatio >= 1 {
		return fmt.Errorf("storage.gc_discard_ratio must be in (0, 1), got %v", c.Storage.GCDiscardRatio)
	}
	return nil
}
