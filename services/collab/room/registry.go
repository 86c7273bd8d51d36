// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package room tracks which live connections belong to which document.
//
// Rooms are ephemeral and in-memory only: created on first join,
// removed immediately on last leave together with the document's
// awareness state. A periodic sweep removes sessions whose underlying
// connection died without a close event.
package room

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/collab/telemetry"
)

// ErrConnClosed is what Conn implementations return from WriteFrame
// once the transport is gone.
var ErrConnClosed = errors.New("connection closed")

// Conn is the transport a session writes to. The hub backs it with a
// gorilla websocket connection; tests use an in-memory pipe.
//
// WriteFrame must be safe for concurrent use: broadcasts and direct
// replies race on the same connection.
type Conn interface {
	WriteFrame(frame []byte) error
	IsOpen() bool
	Close() error
}

// Session is one connection's membership in one room.
type Session struct {
	DocumentID string
	ClientID   string
	UserID     string
	JoinedAt   time.Time

	conn Conn
}

// Send writes a frame to this session's connection.
func (s *Session) Send(frame []byte) error { return s.conn.WriteFrame(frame) }

// Open reports whether the underlying connection is still alive.
func (s *Session) Open() bool { return s.conn.IsOpen() }

// Registry owns session lifetime and fan-out. It never owns document
// or snapshot data.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	metrics *telemetry.Metrics
	logger  *slog.Logger

	// onEmpty is invoked after a room's last session leaves; the hub
	// uses it to start the persistence cache's idle clock.
	onEmpty func(documentID string)
	// onFirst is invoked when a room gains its first session.
	onFirst func(documentID string)

	mu        sync.RWMutex
	rooms     map[string]map[*Session]struct{}
	awareness map[string]map[string][]byte // documentId → clientId → presence blob

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRegistry creates an empty registry. Either hook may be nil.
func NewRegistry(metrics *telemetry.Metrics, logger *slog.Logger, onFirst, onEmpty func(documentID string)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Registry{
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "room")),
		onFirst:   onFirst,
		onEmpty:   onEmpty,
		rooms:     make(map[string]map[*Session]struct{}),
		awareness: make(map[string]map[string][]byte),
	}
}

// Join adds a connection to a document's room and returns its session
// handle. The room is created on first join.
func (r *Registry) Join(documentID string, conn Conn, clientID, userID string) *Session {
	s := &Session{
		DocumentID: documentID,
		ClientID:   clientID,
		UserID:     userID,
		JoinedAt:   time.Now(),
		conn:       conn,
	}

	r.mu.Lock()
	peers, ok := r.rooms[documentID]
	if !ok {
		peers = make(map[*Session]struct{})
		r.rooms[documentID] = peers
	}
	first := len(peers) == 0
	peers[s] = struct{}{}
	size := len(peers)
	r.mu.Unlock()

	if first && r.onFirst != nil {
		r.onFirst(documentID)
	}

	r.metrics.ActiveConnections.WithLabelValues(documentID).Inc()
	r.logger.Info("client joined room",
		slog.String("document_id", documentID),
		slog.String("client_id", clientID),
		slog.String("user_id", userID),
		slog.Int("room_size", size))
	return s
}

// Leave removes a session. When the room empties it is deleted at once,
// its awareness state with it; presence has no recoverable value
// without anyone to show it to.
func (r *Registry) Leave(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	peers, ok := r.rooms[s.DocumentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := peers[s]; !member {
		r.mu.Unlock()
		return
	}
	delete(peers, s)
	r.removeAwarenessLocked(s.DocumentID, s.ClientID)
	empty := len(peers) == 0
	if empty {
		delete(r.rooms, s.DocumentID)
		delete(r.awareness, s.DocumentID)
	}
	r.mu.Unlock()

	r.metrics.ActiveConnections.WithLabelValues(s.DocumentID).Dec()
	if empty {
		r.metrics.PresenceUsers.WithLabelValues(s.DocumentID).Set(0)
		if r.onEmpty != nil {
			r.onEmpty(s.DocumentID)
		}
	}
	r.logger.Info("client left room",
		slog.String("document_id", s.DocumentID),
		slog.String("client_id", s.ClientID))
}

// Broadcast sends a frame to every session in the room except exclude.
//
// Description:
//
//	Best-effort fan-out: a send failure to one peer is counted and
//	logged, and never blocks or fails delivery to the others.
//
// Outputs:
//
//	int - Number of peers the frame was delivered to.
func (r *Registry) Broadcast(documentID string, exclude *Session, frame []byte) int {
	r.mu.RLock()
	peers := make([]*Session, 0, len(r.rooms[documentID]))
	for s := range r.rooms[documentID] {
		if s != exclude {
			peers = append(peers, s)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range peers {
		if err := s.Send(frame); err != nil {
			r.metrics.Errors.WithLabelValues(telemetry.ErrTypeBroadcast, documentID).Inc()
			r.logger.Warn("broadcast send failed",
				slog.String("document_id", documentID),
				slog.String("client_id", s.ClientID),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

// RoomSize returns the number of sessions in a document's room. A room
// with zero sessions does not exist, so absent documents return 0.
func (r *Registry) RoomSize(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[documentID])
}

// Rooms returns the ids of documents that currently have a room.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Sweep removes sessions whose connection is no longer open, as a
// safety net against missed close events. Returns how many were culled.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	var dead []*Session
	for _, peers := range r.rooms {
		for s := range peers {
			if !s.Open() {
				dead = append(dead, s)
			}
		}
	}
	r.mu.RUnlock()

	for _, s := range dead {
		r.Leave(s)
	}
	if len(dead) > 0 {
		r.logger.Info("liveness sweep culled dead sessions", slog.Int("count", len(dead)))
	}
	return len(dead)
}

// StartSweep runs Sweep on a fixed period until Close.
func (r *Registry) StartSweep(every time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepStop != nil {
		return
	}
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}(r.sweepStop, r.sweepDone)
}

// Close stops the sweep loop. Sessions are left to their connections.
func (r *Registry) Close() {
	r.mu.Lock()
	stop, done := r.sweepStop, r.sweepDone
	r.sweepStop = nil
	r.sweepDone = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
