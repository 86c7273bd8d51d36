// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enginetest provides a deterministic in-memory document engine
// for hermetic tests.
//
// The engine is an operation set with last-writer-wins materialization:
// state is the set of (id, key, value, clock) operations ever applied,
// a key's visible value is the operation with the highest (clock, id).
// Set union is commutative and idempotent by construction, and every
// serialization sorts operations by id, so converged replicas produce
// byte-identical EncodeFull output. Tests use it wherever exercising
// automerge itself is not the point.
package enginetest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianSync/services/collab/engine"
)

type op struct {
	ID    string
	Key   string
	Value string
	Clock int64
}

// Engine is a deterministic mergeable document. Not safe for concurrent
// use, matching the engine.Engine contract.
type Engine struct {
	actor string
	seq   int64
	clock int64
	ops   map[string]op
}

// Factory builds empty test engines and satisfies engine.Factory.
type Factory struct{}

func (Factory) New() engine.Engine { return New("") }

func (Factory) Load(full []byte) (engine.Engine, error) {
	e := New("")
	if err := e.Apply(full); err != nil {
		return nil, err
	}
	return e, nil
}

// New returns an empty engine. The actor tag namespaces operation ids of
// local edits so concurrent writers never collide.
func New(actor string) *Engine {
	return &Engine{actor: actor, ops: make(map[string]op)}
}

// Set records a local edit and returns it as an update suitable for
// Apply on any replica. The edit is already applied locally.
func (e *Engine) Set(key, value string) []byte {
	e.seq++
	e.clock++
	o := op{
		ID:    fmt.Sprintf("%s/%d", e.actor, e.seq),
		Key:   key,
		Value: value,
		Clock: e.clock,
	}
	e.ops[o.ID] = o
	return encodeOps([]op{o})
}

// Get returns the visible value for a key under last-writer-wins.
func (e *Engine) Get(key string) (string, bool) {
	var best op
	found := false
	for _, o := range e.ops {
		if o.Key != key {
			continue
		}
		if !found || o.Clock > best.Clock || (o.Clock == best.Clock && o.ID > best.ID) {
			best, found = o, true
		}
	}
	return best.Value, found
}

// Len returns the number of distinct operations applied.
func (e *Engine) Len() int { return len(e.ops) }

func (e *Engine) Apply(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	incoming, err := decodeOps(update)
	if err != nil {
		return err
	}
	for _, o := range incoming {
		e.ops[o.ID] = o
		if o.Clock > e.clock {
			e.clock = o.Clock
		}
	}
	return nil
}

func (e *Engine) StateVector() []byte {
	ids := e.sortedIDs()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ids); err != nil {
		panic(err) // encoding []string cannot fail
	}
	return buf.Bytes()
}

func (e *Engine) Diff(peerVector []byte) ([]byte, error) {
	known := make(map[string]struct{})
	if len(peerVector) > 0 {
		var ids []string
		if err := gob.NewDecoder(bytes.NewReader(peerVector)).Decode(&ids); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrCorruptState, err)
		}
		for _, id := range ids {
			known[id] = struct{}{}
		}
	}

	var missing []op
	for _, id := range e.sortedIDs() {
		if _, ok := known[id]; !ok {
			missing = append(missing, e.ops[id])
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return encodeOps(missing), nil
}

func (e *Engine) EncodeFull() []byte {
	if len(e.ops) == 0 {
		return encodeOps(nil)
	}
	all := make([]op, 0, len(e.ops))
	for _, id := range e.sortedIDs() {
		all = append(all, e.ops[id])
	}
	return encodeOps(all)
}

func (e *Engine) sortedIDs() []string {
	ids := make([]string, 0, len(e.ops))
	for id := range e.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func encodeOps(ops []op) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decodeOps(raw []byte) ([]op, error) {
	var ops []op
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ops); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrCorruptState, err)
	}
	return ops, nil
}
