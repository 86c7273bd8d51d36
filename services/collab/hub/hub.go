// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub runs the sync protocol state machine over websocket
// connections.
//
// Each connection walks Unauthenticated → Joined → Syncing → Converged:
//
//	Auth frame        → capability check, room join, server state vector
//	StateVector frame → diff reply (Update, or SyncComplete when empty)
//	Update frame      → merge, durable append, fan-out to room peers
//	Awareness frame   → shadow store, fan-out, never persisted
//
// Per-connection errors are isolated: a malformed frame is dropped and
// counted, never fatal to the connection; one session's failure never
// touches its room peers. Ordering across clients comes solely from the
// version the persistence engine assigns at accept time; the wire
// carries no client clock the server trusts.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianSync/pkg/validation"
	"github.com/AleutianAI/AleutianSync/services/collab/auth"
	"github.com/AleutianAI/AleutianSync/services/collab/persist"
	"github.com/AleutianAI/AleutianSync/services/collab/protocol"
	"github.com/AleutianAI/AleutianSync/services/collab/room"
	"github.com/AleutianAI/AleutianSync/services/collab/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

const closeGraceWindow = 5 * time.Second

// Hub wires the registry, the persistence engine, and the authorizer
// into one websocket endpoint.
type Hub struct {
	registry *room.Registry
	persist  *persist.Manager
	authz    auth.Authorizer
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// New creates a hub. All collaborators are required except the logger.
func New(registry *room.Registry, manager *persist.Manager, authz auth.Authorizer, metrics *telemetry.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Hub{
		registry: registry,
		persist:  manager,
		authz:    authz,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "hub")),
	}
}

// wsConn adapts a gorilla connection to room.Conn. Gorilla permits one
// concurrent writer, so every write goes through the mutex: broadcasts
// from peer sessions race with this session's direct replies.
type wsConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return room.ErrConnClosed
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *wsConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.ws.Close()
}

// closeWithCode sends a close control frame so the peer learns why.
func (c *wsConn) closeWithCode(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeGraceWindow))
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}

// connState is the per-connection protocol state machine.
type connState struct {
	clientID string
	conn     *wsConn
	session  *room.Session // nil while unauthenticated
	canWrite bool
	synced   bool // true once Converged
	logger   *slog.Logger
}

// HandleWS returns the gin handler for the websocket endpoint.
func (h *Hub) HandleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
			return
		}

		clientID := uuid.New().String()
		st := &connState{
			clientID: clientID,
			conn:     &wsConn{ws: ws},
			logger:   h.logger.With(slog.String("client_id", clientID)),
		}
		st.logger.Info("websocket client connected")

		defer h.teardown(st)

		ctx := c.Request.Context()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				st.logger.Info("websocket client disconnected", slog.String("reason", err.Error()))
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if !h.handleFrame(ctx, st, data) {
				return
			}
		}
	}
}

// handleFrame processes one frame. Returns false when the connection
// must terminate (auth denial is the only such case).
func (h *Hub) handleFrame(ctx context.Context, st *connState, data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed frame: drop it, keep the connection.
		doc := "unknown"
		if st.session != nil {
			doc = st.session.DocumentID
		}
		h.metrics.Errors.WithLabelValues(telemetry.ErrTypeProtocol, doc).Inc()
		st.logger.Warn("dropping malformed frame",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()))
		return true
	}

	if st.session == nil {
		// Only Auth is honored before the session exists.
		if msg.Kind != protocol.KindAuth {
			st.logger.Debug("frame before auth ignored", slog.Int("kind", int(msg.Kind)))
			return true
		}
		return h.handleAuth(ctx, st, msg.Auth)
	}

	switch msg.Kind {
	case protocol.KindSync:
		h.handleSync(ctx, st, msg.Sync, data)
	case protocol.KindAwareness:
		h.handleAwareness(st, msg.Awareness, data)
	case protocol.KindAuth:
		st.logger.Debug("duplicate auth frame ignored")
	default:
		// Unknown frame family: forward compatibility says skip.
		st.logger.Debug("unknown frame kind ignored", slog.Int("kind", int(msg.Kind)))
	}
	return true
}

// handleAuth verifies access, joins the room, and opens the handshake
// by sending this side's state vector.
func (h *Hub) handleAuth(ctx context.Context, st *connState, am *protocol.AuthMessage) bool {
	// Identifiers become storage keys and metric labels; reject
	// anything unsafe before it touches either.
	if err := validation.ValidateDocumentID(am.DocumentID); err != nil {
		h.metrics.Errors.WithLabelValues(telemetry.ErrTypeProtocol, "unknown").Inc()
		st.logger.Warn("rejected auth frame", slog.String("error", err.Error()))
		st.conn.closeWithCode(websocket.ClosePolicyViolation, "invalid document id")
		return false
	}
	if err := validation.ValidateUserID(am.UserID); err != nil {
		h.metrics.Errors.WithLabelValues(telemetry.ErrTypeProtocol, am.DocumentID).Inc()
		st.logger.Warn("rejected auth frame", slog.String("error", err.Error()))
		st.conn.closeWithCode(websocket.ClosePolicyViolation, "invalid user id")
		return false
	}

	ok, err := h.authz.CanAccess(ctx, am.UserID, am.DocumentID)
	if err != nil || !ok {
		if err != nil {
			st.logger.Error("authorization check failed",
				slog.String("user_id", am.UserID),
				slog.String("document_id", am.DocumentID),
				slog.String("error", err.Error()))
		}
		h.metrics.Errors.WithLabelValues(telemetry.ErrTypeAuth, am.DocumentID).Inc()
		st.conn.closeWithCode(websocket.ClosePolicyViolation, "unauthorized")
		return false
	}

	st.canWrite, err = h.authz.CanWrite(ctx, am.UserID, am.DocumentID)
	if err != nil {
		st.logger.Warn("write capability check failed, session is read-only",
			slog.String("user_id", am.UserID),
			slog.String("error", err.Error()))
		st.canWrite = false
	}

	st.session = h.registry.Join(am.DocumentID, st.conn, st.clientID, am.UserID)
	st.logger = st.logger.With(slog.String("document_id", am.DocumentID))

	sv, err := h.persist.StateVector(ctx, am.DocumentID)
	if err != nil {
		st.logger.Error("failed to load document for handshake", slog.String("error", err.Error()))
		h.metrics.Errors.WithLabelValues(telemetry.ErrTypePersistence, am.DocumentID).Inc()
		st.conn.closeWithCode(websocket.CloseInternalServerErr, "document unavailable")
		return false
	}
	if err := st.session.Send(protocol.EncodeSync(protocol.SyncStateVector, sv)); err != nil {
		return false
	}

	// Bring the late joiner up to date on who is already here.
	for _, blob := range h.registry.AwarenessStates(am.DocumentID) {
		if err := st.session.Send(protocol.EncodeAwareness(blob)); err != nil {
			return false
		}
	}
	return true
}

func (h *Hub) handleSync(ctx context.Context, st *connState, sm *protocol.SyncMessage, raw []byte) {
	documentID := st.session.DocumentID

	switch sm.Type {
	case protocol.SyncStateVector:
		diff, err := h.persist.Diff(ctx, documentID, sm.Payload)
		if err != nil {
			h.metrics.Errors.WithLabelValues(telemetry.ErrTypeEngineLoad, documentID).Inc()
			st.logger.Warn("diff against peer vector failed", slog.String("error", err.Error()))
			return
		}
		if len(diff) == 0 {
			_ = st.session.Send(protocol.EncodeSync(protocol.SyncComplete, nil))
			return
		}
		_ = st.session.Send(protocol.EncodeSync(protocol.SyncUpdate, diff))

	case protocol.SyncUpdate:
		h.handleUpdate(ctx, st, sm.Payload, raw)

	case protocol.SyncComplete:
		st.synced = true

	default:
		st.logger.Debug("unknown sync sub-type ignored", slog.Int("sub_type", int(sm.Type)))
	}
}

// handleUpdate is both the tail of the handshake and the steady-state
// path: merge, durably append, then relay the raw frame verbatim to
// every room peer except the sender. Durability precedes relay: a
// failed append means no broadcast and no acknowledgement.
func (h *Hub) handleUpdate(ctx context.Context, st *connState, update []byte, raw []byte) {
	documentID := st.session.DocumentID

	if len(update) > 0 {
		if !st.canWrite {
			// Dropped, but the handshake tail below must still run so
			// a viewer that pushed during sync gets our vector back.
			h.metrics.Errors.WithLabelValues(telemetry.ErrTypeAuth, documentID).Inc()
			st.logger.Warn("update from read-only session dropped",
				slog.String("user_id", st.session.UserID))
		} else {
			version, err := h.persist.AcceptUpdate(ctx, documentID, update, st.clientID)
			if err != nil {
				st.logger.Error("update rejected", slog.String("error", err.Error()))
				return
			}
			h.registry.Broadcast(documentID, st.session, raw)
			st.logger.Debug("update relayed", slog.Uint64("version", version))
		}
	}

	if !st.synced {
		// First update while syncing completes our side of the
		// handshake; replying with our vector lets the peer finish
		// symmetrically regardless of who initiated.
		st.synced = true
		sv, err := h.persist.StateVector(ctx, documentID)
		if err != nil {
			st.logger.Warn("state vector reply failed", slog.String("error", err.Error()))
			return
		}
		_ = st.session.Send(protocol.EncodeSync(protocol.SyncStateVector, sv))
	}
}

func (h *Hub) handleAwareness(st *connState, am *protocol.AwarenessMessage, raw []byte) {
	documentID := st.session.DocumentID
	h.registry.SetAwareness(documentID, st.clientID, am.Payload)
	h.registry.Broadcast(documentID, st.session, raw)
}

// teardown runs when the read loop exits for any reason: leave the
// room, then tell the remaining peers this client is gone.
func (h *Hub) teardown(st *connState) {
	_ = st.conn.Close()
	if st.session == nil {
		return
	}
	documentID := st.session.DocumentID

	// Tombstone the id peers actually key presence on: the clientId
	// inside the blob this client announced. The hub-assigned session
	// id is the fallback for clients that never announced, or announced
	// an opaque binary blob.
	departedID := st.clientID
	if blob, ok := h.registry.Awareness(documentID, st.clientID); ok {
		if p, ok := room.DecodePresence(blob); ok && p.ClientID != "" {
			departedID = p.ClientID
		}
	}

	h.registry.Leave(st.session)
	h.registry.Broadcast(documentID, nil,
		protocol.EncodeAwareness(room.DeparturePresence(departedID)))
}

// Routes registers the hub's endpoints on a gin engine: the websocket
// itself, the Prometheus scrape point, and a liveness probe.
func (h *Hub) Routes(r *gin.Engine) {
	r.GET("/ws", h.HandleWS())
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
