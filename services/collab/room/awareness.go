// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package room

import "encoding/json"

// Presence is the JSON shape of a presence blob. Blobs that are not
// JSON are relayed and stored opaquely; this struct only exists for
// peers that speak the JSON form, including the departure marker the
// hub emits when a session leaves.
type Presence struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`
	Cursor   int    `json:"cursor,omitempty"`
	Left     bool   `json:"left,omitempty"`
}

// EncodePresence serializes the JSON presence form.
func EncodePresence(p Presence) []byte {
	blob, _ := json.Marshal(p)
	return blob
}

// DeparturePresence encodes the explicit departure blob broadcast on
// behalf of a leaving client.
func DeparturePresence(clientID string) []byte {
	return EncodePresence(Presence{ClientID: clientID, Left: true})
}

// DecodePresence attempts the JSON form. ok is false for binary blobs,
// which is not an error: they stay opaque.
func DecodePresence(blob []byte) (Presence, bool) {
	var p Presence
	if err := json.Unmarshal(blob, &p); err != nil {
		return Presence{}, false
	}
	return p, true
}

// SetAwareness stores a client's latest presence blob, overwriting any
// prior value. Presence is last-writer-wins by construction; there is
// no causal ordering to respect.
func (r *Registry) SetAwareness(documentID, clientID string, blob []byte) {
	r.mu.Lock()
	states, ok := r.awareness[documentID]
	if !ok {
		states = make(map[string][]byte)
		r.awareness[documentID] = states
	}
	states[clientID] = blob
	count := len(states)
	r.mu.Unlock()

	r.metrics.PresenceUsers.WithLabelValues(documentID).Set(float64(count))
}

// AwarenessStates returns a copy of the current presence blobs for a
// document, keyed by client id. Used to bring a late joiner up to date.
func (r *Registry) AwarenessStates(documentID string) map[string][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := r.awareness[documentID]
	out := make(map[string][]byte, len(states))
	for id, blob := range states {
		out[id] = blob
	}
	return out
}

// Awareness returns one client's current presence blob, when present.
func (r *Registry) Awareness(documentID, clientID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blob, ok := r.awareness[documentID][clientID]
	return blob, ok
}

// PresenceCount returns the number of presence entries for a document.
func (r *Registry) PresenceCount(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.awareness[documentID])
}

// removeAwarenessLocked drops a client's presence entry. Caller holds
// r.mu.
func (r *Registry) removeAwarenessLocked(documentID, clientID string) {
	if states, ok := r.awareness[documentID]; ok {
		delete(states, clientID)
		r.metrics.PresenceUsers.WithLabelValues(documentID).Set(float64(len(states)))
	}
}
