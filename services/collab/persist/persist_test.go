// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/collab/engine"
	"github.com/AleutianAI/AleutianSync/services/collab/engine/enginetest"
	"github.com/AleutianAI/AleutianSync/services/collab/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.OpenDB(storage.InMemoryConfig())
	require.NoError(t, err)
	s := storage.NewStore(db, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestManager(t *testing.T, s *storage.Store, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, s, enginetest.Factory{}, nil, nil)
	t.Cleanup(m.Close)
	return m
}

// countingFactory wraps the test factory to observe load-path fan-in.
type countingFactory struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFactory) New() engine.Engine {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return enginetest.Factory{}.New()
}

func (f *countingFactory) Load(full []byte) (engine.Engine, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return enginetest.Factory{}.Load(full)
}

func TestVersionsAreStrictlyIncreasingUnderConcurrency(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Config{})
	author := enginetest.New("author")

	const workers = 4
	const perWorker = 25

	updates := make([][]byte, 0, workers*perWorker)
	for i := 0; i < workers*perWorker; i++ {
		updates = append(updates, author.Set("k", "v"))
	}

	versions := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(chunk [][]byte) {
			defer wg.Done()
			for _, u := range chunk {
				v, err := m.AcceptUpdate(context.Background(), "d1", u, "c1")
				assert.NoError(t, err)
				versions <- v
			}
		}(updates[w*perWorker : (w+1)*perWorker])
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		seen[v] = true
	}
	require.Len(t, seen, workers*perWorker)
	for v := uint64(1); v <= workers*perWorker; v++ {
		assert.True(t, seen[v], "version %d missing from the sequence", v)
	}

	final, err := m.Version(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*perWorker), final)
}

func TestRecoveryEquivalence(t *testing.T) {
	s := newTestStore(t)
	// Snapshot every 10 so a restart mixes snapshot and log tail.
	m := newTestManager(t, s, Config{SnapshotInterval: 10})

	author := enginetest.New("author")
	expected := enginetest.New("")
	var updates [][]byte
	for i := 0; i < 25; i++ {
		u := author.Set("k", string(rune('a'+i)))
		updates = append(updates, u)
		require.NoError(t, expected.Apply(u))
	}
	for _, u := range updates {
		_, err := m.AcceptUpdate(context.Background(), "d1", u, "c1")
		require.NoError(t, err)
	}

	// Wait for the async compactions to land.
	require.Eventually(t, func() bool {
		versions, err := s.SnapshotVersions(context.Background(), "d1")
		return err == nil && len(versions) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// A fresh manager over the same store loads snapshot + tail and
	// must reproduce what a full replay from empty would give.
	m.Close()
	m2 := newTestManager(t, s, Config{SnapshotInterval: 10})
	state, err := m2.FullState(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, expected.EncodeFull(), state)

	version, err := m2.Version(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(25), version)
}

func TestCompactionTriggersOnceAtInterval(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{SnapshotInterval: 100})
	author := enginetest.New("author")

	for i := 0; i < 101; i++ {
		_, err := m.AcceptUpdate(context.Background(), "d1", author.Set("k", "v"), "c1")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		versions, err := s.SnapshotVersions(context.Background(), "d1")
		return err == nil && len(versions) == 1
	}, 5*time.Second, 10*time.Millisecond)

	versions, err := s.SnapshotVersions(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, versions, 1, "exactly one compaction for 101 updates")
	assert.Equal(t, uint64(100), versions[0])
	assert.LessOrEqual(t, len(versions), 5)
}

func TestSnapshotsLandAtTriggeringVersions(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{SnapshotInterval: 10, SnapshotKeep: 5})
	author := enginetest.New("author")

	// Back-to-back accepts race past the async snapshot writes; each
	// interval must still land a snapshot at exactly its own version.
	for i := 0; i < 30; i++ {
		_, err := m.AcceptUpdate(context.Background(), "d1", author.Set("k", "v"), "c1")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		versions, err := s.SnapshotVersions(context.Background(), "d1")
		return err == nil && len(versions) == 3
	}, 5*time.Second, 10*time.Millisecond)

	versions, err := s.SnapshotVersions(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30}, versions)
}

func TestSnapshotRetentionBound(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{SnapshotInterval: 5, SnapshotKeep: 5})
	author := enginetest.New("author")

	for i := 0; i < 40; i++ {
		_, err := m.AcceptUpdate(context.Background(), "d1", author.Set("k", "v"), "c1")
		require.NoError(t, err)
		// Sequential accepts with a brief settle keep compactions from
		// overlapping, so every interval lands a snapshot.
		if (i+1)%5 == 0 {
			version := uint64(i + 1)
			require.Eventually(t, func() bool {
				snap, err := s.LatestSnapshot(context.Background(), "d1")
				return err == nil && snap.Version == version
			}, 5*time.Second, 5*time.Millisecond)
		}
	}

	versions, err := s.SnapshotVersions(context.Background(), "d1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(versions), 5)
	assert.Equal(t, uint64(40), versions[len(versions)-1])
}

func TestLoadPathRunsOnceUnderConcurrentFirstAccess(t *testing.T) {
	s := newTestStore(t)
	f := &countingFactory{}
	m := NewManager(Config{}, s, f, nil, nil)
	t.Cleanup(m.Close)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.StateVector(context.Background(), "d1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.calls, "load path must execute at most once per document")
}

func TestIdleEvictionAndReload(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{})
	author := enginetest.New("author")

	_, err := m.AcceptUpdate(context.Background(), "d1", author.Set("k", "v"), "c1")
	require.NoError(t, err)
	before, err := m.FullState(context.Background(), "d1")
	require.NoError(t, err)

	m.MarkIdle("d1")
	time.Sleep(20 * time.Millisecond)
	evicted := m.EvictIdle(10 * time.Millisecond)
	assert.Equal(t, 1, evicted)

	// Reload rebuilds an equivalent state from the log.
	after, err := m.FullState(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// An active document never evicts.
	m.MarkActive("d1")
	assert.Zero(t, m.EvictIdle(0))
}

func TestRetentionSweepLeavesFreshEntries(t *testing.T) {
	s := newTestStore(t)
	m := newTestManager(t, s, Config{Retention: time.Hour})
	author := enginetest.New("author")

	// Backdate one entry past the window, behind the manager's back.
	require.NoError(t, s.AppendEntry(context.Background(), storage.LogEntry{
		DocumentID: "stale-doc", Payload: author.Set("k", "v"), ClientID: "c1",
		Version: 1, Timestamp: time.Now().Add(-2 * time.Hour),
	}))
	_, err := m.AcceptUpdate(context.Background(), "d1", author.Set("k", "v2"), "c1")
	require.NoError(t, err)

	deleted, err := m.RetentionSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	entries, _, err := s.EntriesAfter(context.Background(), "d1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
