// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/collab/auth"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":12290", cfg.Server.ListenAddr)
	require.Equal(t, 100, cfg.Persistence.SnapshotInterval)
	require.Equal(t, 5, cfg.Persistence.SnapshotKeep)
	require.Equal(t, 30*24*time.Hour, cfg.Persistence.Retention)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":12290", cfg.Server.ListenAddr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9000"
persistence:
  snapshot_interval: 50
  retention: 168h
acl:
  documents:
    design-doc:
      owner_id: alice
      entries:
        - user_id: bob
          role: viewer
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.ListenAddr)
	require.Equal(t, 50, cfg.Persistence.SnapshotInterval)
	require.Equal(t, 7*24*time.Hour, cfg.Persistence.Retention)
	// Untouched sections keep defaults.
	require.Equal(t, 5, cfg.Persistence.SnapshotKeep)

	acl := cfg.ACL.Documents["design-doc"]
	require.Equal(t, "alice", acl.OwnerID)
	require.Len(t, acl.Entries, 1)
	require.Equal(t, auth.RoleViewer, acl.Entries[0].Role)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9000\"\n"), 0o600))

	t.Setenv("COLLAB_LISTEN_ADDR", ":9100")
	t.Setenv("COLLAB_SNAPSHOT_INTERVAL", "25")
	t.Setenv("COLLAB_RETENTION", "48h")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Server.ListenAddr)
	require.Equal(t, 25, cfg.Persistence.SnapshotInterval)
	require.Equal(t, 48*time.Hour, cfg.Persistence.Retention)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"zero snapshot interval", func(c *Config) { c.Persistence.SnapshotInterval = 0 }},
		{"zero snapshot keep", func(c *Config) { c.Persistence.SnapshotKeep = 0 }},
		{"negative retention", func(c *Config) { c.Persistence.Retention = -time.Hour }},
		{"no data dir on disk storage", func(c *Config) { c.Storage.DataDir = "" }},
		{"gc ratio out of range", func(c *Config) { c.Storage.GCDiscardRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
