// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist owns the authoritative engine instance per document
// and everything durable about it.
//
// Layout of responsibilities:
//
//	┌───────────────────────────────────────────────────────────┐
//	│                        Manager                            │
//	│  engine cache (documentId → locked engine + version)      │
//	│  getOrLoad: snapshot + log replay, singleflight-gated     │
//	│  accept: merge → durable append → version++ → compaction  │
//	│  sweeps: retention window, idle cache eviction            │
//	└───────────────────────────────────────────────────────────┘
//
// The cached engine is the only mutable state shared across
// connections. It is mutated exclusively here, under a per-document
// mutex, so version assignment is race-free and totally ordered within
// a document. Nothing is ordered across documents.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianSync/services/collab/engine"
	"github.com/AleutianAI/AleutianSync/services/collab/storage"
	"github.com/AleutianAI/AleutianSync/services/collab/telemetry"
)

var tracer = otel.Tracer("services/collab/persist")

// ErrClosed is returned when operations are called on a closed manager.
var ErrClosed = errors.New("persistence manager is closed")

// Config tunes the persistence engine.
type Config struct {
	// SnapshotInterval is how many accepted updates trigger one
	// asynchronous compaction. Default: 100.
	SnapshotInterval int

	// SnapshotKeep is how many snapshots survive per document.
	// Default: 5.
	SnapshotKeep int

	// Retention is how long operation log entries are kept. Entries
	// older than this are swept regardless of version; snapshots cover
	// state beyond the horizon. Default: 720h (30 days).
	Retention time.Duration

	// RetentionSweepEvery is the period of the retention sweep.
	// Default: 24h.
	RetentionSweepEvery time.Duration

	// IdleEviction is how long a document with no sessions stays
	// cached before its engine is dropped. Default: 10m.
	IdleEviction time.Duration

	// Logger for persistence operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval:    100,
		SnapshotKeep:        5,
		Retention:           720 * time.Hour,
		RetentionSweepEvery: 24 * time.Hour,
		IdleEviction:        10 * time.Minute,
	}
}

// docState is one cached document. All fields behind mu.
type docState struct {
	mu          sync.Mutex
	eng         engine.Engine
	version     uint64
	sinceSnap   int
	idleSince   time.Time // zero while the document has sessions
	loadSkipped int
}

// Manager implements the persistence engine.
//
// Thread Safety: safe for concurrent use from many connection handlers.
type Manager struct {
	cfg     Config
	store   *storage.Store
	factory engine.Factory
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	docs   map[string]*docState
	closed bool

	loadGroup singleflight.Group

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates a persistence engine over a store and a document
// engine factory. Call StartSweeps to enable the periodic retention and
// idle-eviction passes, and Close on shutdown.
func NewManager(cfg Config, store *storage.Store, factory engine.Factory, metrics *telemetry.Metrics, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = def.SnapshotKeep
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.RetentionSweepEvery <= 0 {
		cfg.RetentionSweepEvery = def.RetentionSweepEvery
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = def.IdleEviction
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		factory: factory,
		metrics: metrics,
		logger:  cfg.Logger.With(slog.String("component", "persist")),
		docs:    make(map[string]*docState),
	}
}

// AcceptUpdate merges an update into the authoritative state, durably
// appends it to the operation log, and assigns the next version.
//
// Description:
//
//	The per-document lock is held across merge, append, and version
//	increment, so versions are strictly increasing with no gaps even
//	under concurrent callers. If the append fails the update is not
//	acknowledged: the caller must not broadcast it. Every Nth accepted
//	update schedules an asynchronous compaction.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	documentID - Target document.
//	update - Engine update bytes as received from the wire.
//	clientID - Sender, recorded in the log entry.
//
// Outputs:
//
//	uint64 - The assigned version.
//	error - Non-nil if the merge or the durable append failed.
func (m *Manager) AcceptUpdate(ctx context.Context, documentID string, update []byte, clientID string) (uint64, error) {
	ctx, span := tracer.Start(ctx, "persist.AcceptUpdate")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", documentID),
		attribute.Int("update_bytes", len(update)),
	)
	start := time.Now()

	ds, err := m.getOrLoad(ctx, documentID)
	if err != nil {
		return 0, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.eng.Apply(update); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		m.metrics.Errors.WithLabelValues(telemetry.ErrTypeEngineLoad, documentID).Inc()
		return 0, fmt.Errorf("merge update: %w", err)
	}

	version := ds.version + 1
	entry := storage.LogEntry{
		DocumentID: documentID,
		Payload:    update,
		ClientID:   clientID,
		Version:    version,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.store.AppendEntry(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		m.metrics.Errors.WithLabelValues(telemetry.ErrTypePersistence, documentID).Inc()
		return 0, fmt.Errorf("append log entry: %w", err)
	}
	ds.version = version
	ds.sinceSnap++

	if ds.sinceSnap >= m.cfg.SnapshotInterval {
		ds.sinceSnap = 0
		// Serialize here, under the lock already held for this accept,
		// so the snapshot captures exactly the triggering version even
		// when further accepts race past before the write lands.
		go m.compact(documentID, ds.eng.EncodeFull(), version)
	}

	m.metrics.OpsTotal.WithLabelValues(documentID, "update").Inc()
	m.metrics.OpsLatency.WithLabelValues(documentID, "update").Observe(time.Since(start).Seconds())
	m.logger.Debug("accepted update",
		slog.String("document_id", documentID),
		slog.Uint64("version", version),
		slog.Int("bytes", len(update)))
	return version, nil
}

// StateVector returns the authoritative replica's state vector.
func (m *Manager) StateVector(ctx context.Context, documentID string) ([]byte, error) {
	ds, err := m.getOrLoad(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.eng.StateVector(), nil
}

// Diff returns everything the peer's state vector is missing. An empty
// result means the peer is already converged.
func (m *Manager) Diff(ctx context.Context, documentID string, peerVector []byte) ([]byte, error) {
	ds, err := m.getOrLoad(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.eng.Diff(peerVector)
}

// FullState returns the authoritative state fully serialized. The
// output is itself a valid update for an empty replica.
func (m *Manager) FullState(ctx context.Context, documentID string) ([]byte, error) {
	ds, err := m.getOrLoad(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.eng.EncodeFull(), nil
}

// Version returns the last assigned version for a document.
func (m *Manager) Version(ctx context.Context, documentID string) (uint64, error) {
	ds, err := m.getOrLoad(ctx, documentID)
	if err != nil {
		return 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.version, nil
}

// getOrLoad returns the cached engine for a document, building it from
// the newest snapshot plus newer log entries on first access. The
// singleflight group guarantees at most one load path per document even
// under concurrent first access.
func (m *Manager) getOrLoad(ctx context.Context, documentID string) (*docState, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if ds, ok := m.docs[documentID]; ok {
		m.mu.Unlock()
		return ds, nil
	}
	m.mu.Unlock()

	v, err, _ := m.loadGroup.Do(documentID, func() (any, error) {
		// Re-check: a previous flight may have populated the cache.
		m.mu.Lock()
		if ds, ok := m.docs[documentID]; ok {
			m.mu.Unlock()
			return ds, nil
		}
		m.mu.Unlock()

		ds, err := m.load(ctx, documentID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return nil, ErrClosed
		}
		m.docs[documentID] = ds
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

// load rebuilds a document from durable state. Corrupt snapshots fall
// back to older ones inside the store; an unreplayable log entry is
// skipped loudly rather than failing the whole document.
func (m *Manager) load(ctx context.Context, documentID string) (*docState, error) {
	ctx, span := tracer.Start(ctx, "persist.Load")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	var (
		eng      engine.Engine
		replayAt uint64
	)
	snap, err := m.store.LatestSnapshot(ctx, documentID)
	switch {
	case err == nil:
		eng, err = m.factory.Load(snap.State)
		if err != nil {
			// The snapshot decoded at the store level but the engine
			// rejects it. Start from empty and replay the full log.
			m.logger.Error("snapshot unloadable, replaying full log",
				slog.String("document_id", documentID),
				slog.Uint64("snapshot_version", snap.Version),
				slog.String("error", err.Error()))
			m.metrics.Errors.WithLabelValues(telemetry.ErrTypeEngineLoad, documentID).Inc()
			eng = m.factory.New()
			replayAt = 0
		} else {
			replayAt = snap.Version
		}
	case errors.Is(err, storage.ErrNotFound):
		eng = m.factory.New()
		replayAt = 0
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot read failed")
		return nil, fmt.Errorf("read latest snapshot: %w", err)
	}

	entries, corrupted, err := m.store.EntriesAfter(ctx, documentID, replayAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "log scan failed")
		return nil, fmt.Errorf("scan operation log: %w", err)
	}

	ds := &docState{eng: eng, version: replayAt, loadSkipped: corrupted}
	for _, e := range entries {
		if err := eng.Apply(e.Payload); err != nil {
			ds.loadSkipped++
			m.logger.Error("skipping unreplayable log entry",
				slog.String("document_id", documentID),
				slog.Uint64("version", e.Version),
				slog.String("error", err.Error()))
			m.metrics.Errors.WithLabelValues(telemetry.ErrTypeEngineLoad, documentID).Inc()
			continue
		}
		ds.version = e.Version
	}
	if corrupted > 0 {
		m.metrics.Errors.WithLabelValues(telemetry.ErrTypeEngineLoad, documentID).Add(float64(corrupted))
	}

	// The durable record is the version authority: skipped entries must
	// not roll the counter back and hand out duplicate versions.
	if rec, err := m.store.Document(ctx, documentID); err == nil && rec.Version > ds.version {
		ds.version = rec.Version
	}

	m.logger.Info("document loaded",
		slog.String("document_id", documentID),
		slog.Uint64("version", ds.version),
		slog.Int("replayed", len(entries)),
		slog.Int("skipped", ds.loadSkipped))
	return ds, nil
}

// compact persists a snapshot captured at trigger time and trims old
// ones. The caller serialized state while holding the document lock, so
// concurrent accepts stall for no longer than the encode itself and
// every triggered interval lands its own snapshot at its own version.
// A failed snapshot write is abandoned; the next interval retries.
func (m *Manager) compact(documentID string, state []byte, version uint64) {
	ctx, span := tracer.Start(context.Background(), "persist.Compact")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	snap := storage.Snapshot{
		DocumentID: documentID,
		State:      state,
		Version:    version,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.PutSnapshot(ctx, snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot write failed")
		m.metrics.Errors.WithLabelValues(telemetry.ErrTypePersistence, documentID).Inc()
		m.logger.Error("compaction abandoned, snapshot write failed",
			slog.String("document_id", documentID),
			slog.Uint64("version", version),
			slog.String("error", err.Error()))
		return
	}

	deleted, err := m.store.TrimSnapshots(ctx, documentID, m.cfg.SnapshotKeep)
	if err != nil {
		m.metrics.Errors.WithLabelValues(telemetry.ErrTypePersistence, documentID).Inc()
		m.logger.Warn("snapshot trim failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
	}

	m.metrics.OpsTotal.WithLabelValues(documentID, "snapshot").Inc()
	m.logger.Info("created snapshot",
		slog.String("document_id", documentID),
		slog.Uint64("version", version),
		slog.Int("trimmed", deleted))
}

// MarkIdle records that a document's room just emptied. The cached
// engine survives for the idle-eviction window so a quick reconnect
// skips the load path.
func (m *Manager) MarkIdle(documentID string) {
	m.mu.Lock()
	ds, ok := m.docs[documentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ds.mu.Lock()
	ds.idleSince = time.Now()
	ds.mu.Unlock()
}

// MarkActive clears a document's idle clock when a session joins.
func (m *Manager) MarkActive(documentID string) {
	m.mu.Lock()
	ds, ok := m.docs[documentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ds.mu.Lock()
	ds.idleSince = time.Time{}
	ds.mu.Unlock()
}

// EvictIdle drops cached engines whose rooms have been empty longer
// than the idle window. Durable state is untouched; the next access
// reloads from snapshot plus log.
func (m *Manager) EvictIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, ds := range m.docs {
		ds.mu.Lock()
		idle := !ds.idleSince.IsZero() && ds.idleSince.Before(cutoff)
		ds.mu.Unlock()
		if idle {
			delete(m.docs, id)
			evicted++
			m.logger.Info("evicted idle document", slog.String("document_id", id))
		}
	}
	return evicted
}

// RetentionSweep deletes log entries older than the retention window.
func (m *Manager) RetentionSweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.Retention)
	deleted, err := m.store.DeleteEntriesBefore(ctx, cutoff)
	if err != nil {
		m.metrics.Errors.WithLabelValues(telemetry.ErrTypePersistence, "all").Inc()
		return deleted, err
	}
	if deleted > 0 {
		m.logger.Info("retention sweep complete", slog.Int("deleted", deleted))
	}
	return deleted, nil
}

// StartSweeps launches the periodic retention and idle-eviction loops.
func (m *Manager) StartSweeps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweepStop != nil || m.closed {
		return
	}
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go m.runSweeps(m.sweepStop, m.sweepDone)
}

func (m *Manager) runSweeps(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	retention := time.NewTicker(m.cfg.RetentionSweepEvery)
	defer retention.Stop()
	idle := time.NewTicker(m.cfg.IdleEviction)
	defer idle.Stop()

	for {
		select {
		case <-stop:
			return
		case <-retention.C:
			if _, err := m.RetentionSweep(context.Background()); err != nil {
				m.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		case <-idle.C:
			m.EvictIdle(m.cfg.IdleEviction)
		}
	}
}

// Close stops the sweep loops and drops the cache. The store is owned
// by the caller and stays open.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stop, done := m.sweepStop, m.sweepDone
	m.docs = make(map[string]*docState)
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
