// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"bytes"
	"fmt"

	"github.com/automerge/automerge-go"
)

// AutomergeFactory builds automerge-backed engines.
//
// Updates on the wire are full serialized automerge documents. Automerge
// deduplicates changes by hash on apply, so exchanging full states is
// coarse but preserves commutativity and idempotence; the state vector is
// the set of change-hash heads, letting Diff short-circuit to empty when
// the peer is already caught up.
type AutomergeFactory struct{}

// New returns an empty automerge document.
func (AutomergeFactory) New() Engine {
	return &automergeEngine{doc: automerge.New()}
}

// Load deserializes a full automerge state.
func (AutomergeFactory) Load(full []byte) (Engine, error) {
	doc, err := automerge.Load(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &automergeEngine{doc: doc}, nil
}

type automergeEngine struct {
	doc *automerge.Doc
}

func (e *automergeEngine) Apply(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	other, err := automerge.Load(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	changes, err := other.Changes()
	if err != nil {
		return fmt.Errorf("list changes: %w", err)
	}
	if err := e.doc.Apply(changes...); err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	return nil
}

func (e *automergeEngine) StateVector() []byte {
	heads := e.doc.Heads()
	vec := make([]byte, 0, len(heads)*len(automerge.ChangeHash{}))
	for _, h := range heads {
		vec = append(vec, h[:]...)
	}
	return vec
}

func (e *automergeEngine) Diff(peerVector []byte) ([]byte, error) {
	peer, err := decodeHeads(peerVector)
	if err != nil {
		return nil, err
	}
	if headsCovered(e.doc.Heads(), peer) {
		return nil, nil
	}
	// No change-level delta without the peer's full doc, so fall back to
	// the full state; apply dedupes anything the peer already holds.
	return e.doc.Save(), nil
}

// EncodeFull serializes the document in a canonical byte form. A raw
// Save() is sensitive to the order changes were received in, which
// breaks byte-identical convergence across replicas; instead the change
// graph is replayed into a fresh document in one deterministic causal
// order, so any two replicas holding the same change set serialize
// identically.
func (e *automergeEngine) EncodeFull() []byte {
	changes, err := e.doc.Changes()
	if err != nil || len(changes) == 0 {
		return e.doc.Save()
	}
	fresh := automerge.New()
	for _, ch := range causalOrder(changes) {
		if err := fresh.Apply(ch); err != nil {
			return e.doc.Save()
		}
	}
	return fresh.Save()
}

// causalOrder topologically sorts changes by their dependency edges,
// breaking ties by change hash. The result is one total order shared by
// every replica holding the same change set.
func causalOrder(changes []*automerge.Change) []*automerge.Change {
	byHash := make(map[automerge.ChangeHash]*automerge.Change, len(changes))
	for _, ch := range changes {
		byHash[ch.Hash()] = ch
	}

	// Count only dependencies inside the set; a truncated dependency
	// would otherwise deadlock the walk.
	remaining := make(map[automerge.ChangeHash]int, len(changes))
	dependents := make(map[automerge.ChangeHash][]automerge.ChangeHash)
	var ready []automerge.ChangeHash
	for _, ch := range changes {
		h := ch.Hash()
		for _, dep := range ch.Dependencies() {
			if _, ok := byHash[dep]; ok {
				remaining[h]++
				dependents[dep] = append(dependents[dep], h)
			}
		}
		if remaining[h] == 0 {
			ready = append(ready, h)
		}
	}

	out := make([]*automerge.Change, 0, len(changes))
	for len(ready) > 0 {
		next := 0
		for i := 1; i < len(ready); i++ {
			if bytes.Compare(ready[i][:], ready[next][:]) < 0 {
				next = i
			}
		}
		h := ready[next]
		ready = append(ready[:next], ready[next+1:]...)
		out = append(out, byHash[h])
		for _, d := range dependents[h] {
			remaining[d]--
			if remaining[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(out) != len(changes) {
		// Hash graphs are acyclic; reaching here means the set was
		// inconsistent, so keep the original order.
		return changes
	}
	return out
}

func decodeHeads(vec []byte) ([]automerge.ChangeHash, error) {
	size := len(automerge.ChangeHash{})
	if len(vec)%size != 0 {
		return nil, fmt.Errorf("%w: state vector length %d not a multiple of %d",
			ErrCorruptState, len(vec), size)
	}
	heads := make([]automerge.ChangeHash, 0, len(vec)/size)
	for off := 0; off < len(vec); off += size {
		var h automerge.ChangeHash
		copy(h[:], vec[off:off+size])
		heads = append(heads, h)
	}
	return heads, nil
}

// headsCovered reports whether every local head appears in the peer set,
// meaning the peer has incorporated everything we have.
func headsCovered(local, peer []automerge.ChangeHash) bool {
	if len(local) == 0 {
		return true
	}
	set := make(map[automerge.ChangeHash]struct{}, len(peer))
	for _, h := range peer {
		set[h] = struct{}{}
	}
	for _, h := range local {
		if _, ok := set[h]; !ok {
			return false
		}
	}
	return true
}
