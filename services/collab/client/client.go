// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client implements the connection lifecycle for a hub peer.
//
// A client owns one document replica and walks
// Disconnected → Connecting → Authenticating → Syncing → Live,
// falling back to Disconnected on any failure and retrying with
// exponential backoff. Local edits apply immediately and are written to
// an offline cache file, so the replica keeps working with no
// connection; the sync handshake on reconnect transfers whatever either
// side missed.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianSync/pkg/validation"
	"github.com/AleutianAI/AleutianSync/services/collab/engine"
	"github.com/AleutianAI/AleutianSync/services/collab/protocol"
	"github.com/AleutianAI/AleutianSync/services/collab/room"
)

// State is the connection lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSyncing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// ErrMaxRetries is returned by Run when the retry budget is exhausted.
var ErrMaxRetries = errors.New("reconnect attempts exhausted")

// Config controls one client.
type Config struct {
	// URL is the hub websocket endpoint, e.g. ws://host:12290/ws.
	URL string

	DocumentID string
	UserID     string

	// CacheDir holds the offline replica file {documentID}.doc.
	// Empty disables the offline cache.
	CacheDir string

	// BackoffBase is the first reconnect delay; it doubles per failed
	// attempt. Defaults to one second.
	BackoffBase time.Duration

	// MaxRetries bounds consecutive failed connection attempts before
	// Run gives up. Defaults to 10. The counter resets every time a
	// connection reaches Live.
	MaxRetries int

	// AwarenessInterval is the periodic presence re-announce cadence.
	// Defaults to two seconds.
	AwarenessInterval time.Duration

	// AwarenessRate throttles user-driven presence sends so cursor
	// movement cannot flood the wire. Defaults to 10/s.
	AwarenessRate rate.Limit

	// PresenceTTL is how long a peer stays in Peers after its last
	// announcement. Defaults to 30 seconds, which outlasts several
	// missed re-announce intervals but not a stale hub relay.
	PresenceTTL time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.AwarenessInterval <= 0 {
		c.AwarenessInterval = 2 * time.Second
	}
	if c.AwarenessRate <= 0 {
		c.AwarenessRate = 10
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is a hub peer for one document.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Client struct {
	cfg      Config
	clientID string
	logger   *slog.Logger

	mu     sync.Mutex // guards engine and lastPresence
	engine engine.Engine

	state atomic.Int32

	connMu sync.Mutex // guards conn writes and replacement
	conn   *websocket.Conn

	limiter      *rate.Limiter
	lastPresence []byte

	peerMu sync.Mutex
	peers  map[string]peerPresence

	// OnUpdate, when set, is invoked after every remote update is
	// merged. Set before calling Run.
	OnUpdate func(update []byte)

	// OnPresence, when set, receives relayed awareness blobs.
	OnPresence func(blob []byte)
}

// New builds a client, restoring the replica from the offline cache
// when one exists.
func New(cfg Config, factory engine.Factory) (*Client, error) {
	cfg.applyDefaults()
	if err := validation.ValidateDocumentID(cfg.DocumentID); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		clientID: uuid.New().String(),
		limiter:  rate.NewLimiter(cfg.AwarenessRate, 1),
		peers:    make(map[string]peerPresence),
	}
	c.logger = cfg.Logger.With(
		slog.String("component", "collab_client"),
		slog.String("document_id", cfg.DocumentID))

	cached, err := c.readCache()
	switch {
	case err != nil:
		return nil, err
	case cached != nil:
		eng, err := factory.Load(cached)
		if err != nil {
			// A corrupt cache is repairable state, never fatal: the
			// next sync re-fetches everything.
			c.logger.Warn("discarding corrupt offline cache", slog.String("error", err.Error()))
			c.engine = factory.New()
		} else {
			c.logger.Info("restored replica from offline cache", slog.Int("bytes", len(cached)))
			c.engine = eng
		}
	default:
		c.engine = factory.New()
	}
	return c, nil
}

// State returns the current lifecycle position.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Run connects and serves until the context is cancelled or the retry
// budget runs out. It blocks; callers usually run it in a goroutine.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		reachedLive, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if reachedLive {
			attempt = 0
		}
		attempt++
		if attempt > c.cfg.MaxRetries {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, attempt-1, err)
		}

		delay := c.backoff(attempt)
		c.setState(StateDisconnected)
		c.logger.Info("connection lost, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", errString(err)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff returns the delay before the given attempt: base doubled per
// prior failure.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// runOnce runs one full connection: dial, authenticate, sync, serve.
// Returns whether the session reached Live.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
	}()

	c.setState(StateAuthenticating)
	if err := c.writeFrame(protocol.EncodeAuth(c.cfg.DocumentID, c.cfg.UserID)); err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.announceLoop(connCtx)
	go func() {
		// Unblock the read loop when the parent context dies.
		<-connCtx.Done()
		_ = conn.Close()
	}()

	reachedLive := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return reachedLive, err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame from hub", slog.String("error", err.Error()))
			continue
		}
		if c.handleFrame(msg) {
			reachedLive = true
		}
	}
}

// handleFrame advances the sync state machine for one inbound frame.
// Returns true the moment the session reaches Live.
func (c *Client) handleFrame(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindSync:
		return c.handleSync(msg.Sync)
	case protocol.KindAwareness:
		c.observePresence(msg.Awareness.Payload)
		if c.OnPresence != nil {
			c.OnPresence(msg.Awareness.Payload)
		}
	default:
	}
	return false
}

func (c *Client) handleSync(sm *protocol.SyncMessage) bool {
	switch sm.Type {
	case protocol.SyncStateVector:
		// Opening move of the handshake: push what the hub is
		// missing, then probe for what we are missing.
		c.setState(StateSyncing)
		c.mu.Lock()
		diff, err := c.engine.Diff(sm.Payload)
		vector := c.engine.StateVector()
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("diff against hub vector failed", slog.String("error", err.Error()))
			diff = nil
		}
		if len(diff) > 0 {
			if err := c.writeFrame(protocol.EncodeSync(protocol.SyncUpdate, diff)); err != nil {
				return false
			}
		}
		_ = c.writeFrame(protocol.EncodeSync(protocol.SyncStateVector, vector))

	case protocol.SyncUpdate:
		c.mu.Lock()
		err := c.engine.Apply(sm.Payload)
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("rejected remote update", slog.String("error", err.Error()))
			return false
		}
		c.saveCache()
		if c.OnUpdate != nil {
			c.OnUpdate(sm.Payload)
		}
		if c.State() == StateSyncing {
			c.setState(StateLive)
			return true
		}

	case protocol.SyncComplete:
		if c.State() == StateSyncing {
			c.setState(StateLive)
			return true
		}
	}
	return false
}

// Propose applies a local edit and pushes it to the hub. The edit is
// durable in the offline cache before any network send, and a send
// failure is not an error: the reconnect handshake will carry it.
func (c *Client) Propose(update []byte) error {
	c.mu.Lock()
	err := c.engine.Apply(update)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("apply local edit: %w", err)
	}
	c.saveCache()

	if sendErr := c.writeFrame(protocol.EncodeSync(protocol.SyncUpdate, update)); sendErr != nil {
		c.logger.Debug("edit queued for next sync", slog.String("error", sendErr.Error()))
	}
	return nil
}

// SetPresence records this client's awareness blob and announces it,
// subject to the rate limit. The blob is re-announced periodically
// while connected so peers can expire silent clients.
func (c *Client) SetPresence(blob []byte) {
	c.mu.Lock()
	c.lastPresence = blob
	c.mu.Unlock()

	if !c.limiter.Allow() {
		return
	}
	_ = c.writeFrame(protocol.EncodeAwareness(blob))
}

func (c *Client) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.AwarenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.expirePeers(time.Now())
			c.mu.Lock()
			blob := c.lastPresence
			c.mu.Unlock()
			if blob == nil {
				continue
			}
			if err := c.writeFrame(protocol.EncodeAwareness(blob)); err != nil {
				return
			}
		}
	}
}

// peerPresence is one tracked remote peer.
type peerPresence struct {
	blob     []byte
	lastSeen time.Time
}

// observePresence folds a relayed awareness blob into the peer table.
// Blobs without the JSON presence shape stay opaque; they are surfaced
// through OnPresence but never tracked, since the hub does not put a
// sender id on the wire.
func (c *Client) observePresence(blob []byte) {
	p, ok := room.DecodePresence(blob)
	if !ok || p.ClientID == "" || p.ClientID == c.clientID {
		return
	}
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if p.Left {
		delete(c.peers, p.ClientID)
		return
	}
	c.peers[p.ClientID] = peerPresence{blob: blob, lastSeen: time.Now()}
}

// expirePeers drops peers silent for longer than PresenceTTL. A hub
// departure broadcast removes a peer immediately; the TTL catches the
// crash case where no departure frame was ever sent.
func (c *Client) expirePeers(now time.Time) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	for id, p := range c.peers {
		if now.Sub(p.lastSeen) > c.cfg.PresenceTTL {
			delete(c.peers, id)
		}
	}
}

// Peers returns the last announced presence blob of every live peer,
// keyed by client id.
func (c *Client) Peers() map[string][]byte {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	out := make(map[string][]byte, len(c.peers))
	for id, p := range c.peers {
		out[id] = p.blob
	}
	return out
}

// Snapshot returns the replica's full serialized state.
func (c *Client) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.EncodeFull()
}

func (c *Client) writeFrame(frame []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) cachePath() string {
	if c.cfg.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.cfg.CacheDir, c.cfg.DocumentID+".doc")
}

func (c *Client) readCache() ([]byte, error) {
	path := c.cachePath()
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offline cache: %w", err)
	}
	return data, nil
}

// saveCache writes the replica atomically: tmp file then rename, so a
// crash mid-write never leaves a torn cache.
func (c *Client) saveCache() {
	path := c.cachePath()
	if path == "" {
		return
	}
	c.mu.Lock()
	full := c.engine.EncodeFull()
	c.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, full, 0o600); err != nil {
		c.logger.Warn("offline cache write failed", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Warn("offline cache rename failed", slog.String("error", err.Error()))
	}
}
