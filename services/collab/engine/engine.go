// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the document engine consumed by the sync hub.
//
// The hub does not implement a merge algorithm. It relies on an external
// engine whose Apply is commutative and idempotent: applying the same set
// of updates in any order, any number of times, yields the same state.
// Everything the hub guarantees (convergence, recovery equivalence,
// replay tolerance) is built on that contract.
//
// Two implementations ship with the repository: an automerge-backed
// adapter (production) and a deterministic fake under enginetest used by
// hermetic tests.
package engine

import "errors"

// ErrCorruptState is returned by a Factory when serialized state cannot
// be decoded back into a document.
var ErrCorruptState = errors.New("corrupt engine state")

// Engine is one in-memory mergeable document.
//
// Implementations need not be safe for concurrent use; the persistence
// engine serializes access per document.
type Engine interface {
	// Apply merges a remote update into local state. It must be
	// commutative and idempotent. A nil or empty update is a no-op.
	Apply(update []byte) error

	// StateVector returns a compact summary of which updates this
	// replica has already incorporated.
	StateVector() []byte

	// Diff returns everything not captured by the peer's state vector.
	// An empty result means the peer already has everything.
	Diff(peerVector []byte) ([]byte, error)

	// EncodeFull serializes the complete state. The output is itself a
	// valid update: applying it to an empty engine reproduces the state.
	EncodeFull() []byte
}

// Factory constructs engines. The persistence engine holds exactly one
// Factory and uses it for every document it caches.
type Factory interface {
	// New returns an empty document.
	New() Engine

	// Load deserializes a full state produced by EncodeFull.
	Load(full []byte) (Engine, error)
}
