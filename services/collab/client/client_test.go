// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/collab/auth"
	"github.com/AleutianAI/AleutianSync/services/collab/engine/enginetest"
	"github.com/AleutianAI/AleutianSync/services/collab/hub"
	"github.com/AleutianAI/AleutianSync/services/collab/persist"
	"github.com/AleutianAI/AleutianSync/services/collab/room"
	"github.com/AleutianAI/AleutianSync/services/collab/storage"
	"github.com/AleutianAI/AleutianSync/services/collab/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) (string, *persist.Manager) {
	t.Helper()
	logger := discardLogger()
	metrics := telemetry.New()

	db, err := storage.OpenDB(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	manager := persist.NewManager(persist.Config{Logger: logger},
		storage.NewStore(db, logger), enginetest.Factory{}, metrics, logger)
	t.Cleanup(manager.Close)

	registry := room.NewRegistry(metrics, logger, nil, nil)
	t.Cleanup(registry.Close)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	hub.New(registry, manager, auth.AllowAll{}, metrics, logger).Routes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", manager
}

func newClient(t *testing.T, url, documentID, userID, cacheDir string) *Client {
	t.Helper()
	c, err := New(Config{
		URL:         url,
		DocumentID:  documentID,
		UserID:      userID,
		CacheDir:    cacheDir,
		BackoffBase: 10 * time.Millisecond,
		Logger:      discardLogger(),
	}, enginetest.Factory{})
	require.NoError(t, err)
	return c
}

func replicaValue(t *testing.T, c *Client, key string) (string, bool) {
	t.Helper()
	eng, err := enginetest.Factory{}.Load(c.Snapshot())
	require.NoError(t, err)
	return eng.(*enginetest.Engine).Get(key)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	c := &Client{cfg: Config{BackoffBase: time.Second}}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for i, w := range want {
		require.Equal(t, w, c.backoff(i+1), "attempt %d", i+1)
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	c, err := New(Config{
		URL:         "ws://127.0.0.1:1/ws", // nothing listens here
		DocumentID:  "doc",
		UserID:      "u",
		BackoffBase: time.Millisecond,
		MaxRetries:  3,
		Logger:      discardLogger(),
	}, enginetest.Factory{})
	require.NoError(t, err)

	err = c.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxRetries)
	require.Equal(t, StateDisconnected, c.State())
}

func TestOfflineCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	c := newClient(t, "ws://127.0.0.1:1/ws", "doc-cache", "alice", dir)
	update := enginetest.New("alice").Set("title", "draft")
	require.NoError(t, c.Propose(update)) // offline: cached, not sent

	// A new client over the same cache dir sees the edit.
	restored := newClient(t, "ws://127.0.0.1:1/ws", "doc-cache", "alice", dir)
	v, ok := replicaValue(t, restored, "title")
	require.True(t, ok)
	require.Equal(t, "draft", v)
}

func TestCorruptCacheFallsBackToEmptyReplica(t *testing.T) {
	dir := t.TempDir()
	c := newClient(t, "ws://127.0.0.1:1/ws", "doc-bad", "alice", dir)
	require.NoError(t, c.Propose(enginetest.New("alice").Set("k", "v")))

	// Scribble over the cache file.
	path := c.cachePath()
	require.NoError(t, writeGarbage(path))

	restored := newClient(t, "ws://127.0.0.1:1/ws", "doc-bad", "alice", dir)
	_, ok := replicaValue(t, restored, "k")
	require.False(t, ok)
}

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("not a gob stream"), 0o600)
}

func TestTwoClientsConvergeThroughHub(t *testing.T) {
	url, _ := startHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newClient(t, url, "doc-pair", "alice", "")
	b := newClient(t, url, "doc-pair", "bob", "")
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.State() == StateLive && b.State() == StateLive
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Propose(enginetest.New("alice").Set("title", "shared")))

	require.Eventually(t, func() bool {
		v, ok := replicaValue(t, b, "title")
		return ok && v == "shared"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOfflineEditsReachHubOnReconnect(t *testing.T) {
	url, manager := startHub(t)
	dir := t.TempDir()

	// Edit while nothing is listening for this client yet.
	c := newClient(t, url, "doc-offline", "alice", dir)
	require.NoError(t, c.Propose(enginetest.New("alice").Set("k", "offline-edit")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.State() == StateLive
	}, 5*time.Second, 10*time.Millisecond)

	// The handshake pushed the cached edit; the hub persisted it.
	require.Eventually(t, func() bool {
		v, err := manager.Version(context.Background(), "doc-offline")
		return err == nil && v >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPeerTableTracksDeparturesAndExpiry(t *testing.T) {
	c, err := New(Config{
		URL:        "ws://unused/ws",
		DocumentID: "doc-peers",
		UserID:     "alice",
		Logger:     discardLogger(),
	}, enginetest.Factory{})
	require.NoError(t, err)

	c.observePresence(room.EncodePresence(room.Presence{ClientID: "bob", Name: "Bob"}))
	c.observePresence(room.EncodePresence(room.Presence{ClientID: "carol", Name: "Carol"}))
	c.observePresence([]byte{0xde, 0xad}) // opaque binary blob is never tracked
	require.Len(t, c.Peers(), 2)

	// Departure broadcast removes the peer immediately.
	c.observePresence(room.DeparturePresence("bob"))
	peers := c.Peers()
	require.Len(t, peers, 1)
	require.Contains(t, peers, "carol")

	// A peer that stopped announcing falls out after the TTL.
	c.expirePeers(time.Now().Add(c.cfg.PresenceTTL + time.Second))
	require.Empty(t, c.Peers())
}
