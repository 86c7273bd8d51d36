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
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authorUpdate edits a fresh automerge doc and returns it serialized, the
// way a client produces updates for the wire.
func authorUpdate(t *testing.T, key, value string) []byte {
	t.Helper()
	doc := automerge.New()
	require.NoError(t, doc.Path(key).Set(value))
	_, err := doc.Commit("edit", automerge.CommitOptions{})
	require.NoError(t, err)
	return doc.Save()
}

func TestAutomergeConvergenceIsOrderIndependent(t *testing.T) {
	u1 := authorUpdate(t, "x", "one")
	u2 := authorUpdate(t, "y", "two")

	f := AutomergeFactory{}
	a := f.New()
	b := f.New()

	require.NoError(t, a.Apply(u1))
	require.NoError(t, a.Apply(u2))
	require.NoError(t, b.Apply(u2))
	require.NoError(t, b.Apply(u1))

	assert.Equal(t, a.EncodeFull(), b.EncodeFull())
}

func TestAutomergeApplyIsIdempotent(t *testing.T) {
	u := authorUpdate(t, "k", "v")

	f := AutomergeFactory{}
	once := f.New()
	require.NoError(t, once.Apply(u))

	twice := f.New()
	require.NoError(t, twice.Apply(u))
	require.NoError(t, twice.Apply(u))

	assert.Equal(t, once.EncodeFull(), twice.EncodeFull())
}

func TestAutomergeDiffShortCircuitsWhenPeerCaughtUp(t *testing.T) {
	u := authorUpdate(t, "k", "v")

	f := AutomergeFactory{}
	server := f.New()
	require.NoError(t, server.Apply(u))

	peerBehind := f.New()
	diff, err := server.Diff(peerBehind.StateVector())
	require.NoError(t, err)
	require.NotEmpty(t, diff)

	require.NoError(t, peerBehind.Apply(diff))
	diff, err = server.Diff(peerBehind.StateVector())
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestAutomergeEncodeFullCanonicalAcrossReload(t *testing.T) {
	u1 := authorUpdate(t, "x", "one")
	u2 := authorUpdate(t, "y", "two")
	u3 := authorUpdate(t, "z", "three")

	f := AutomergeFactory{}
	a := f.New()
	for _, u := range [][]byte{u1, u2, u3} {
		require.NoError(t, a.Apply(u))
	}

	// A replica built by loading a's serialized state and one that
	// merged the updates in reverse both serialize to the same bytes.
	loaded, err := f.Load(a.EncodeFull())
	require.NoError(t, err)

	b := f.New()
	for _, u := range [][]byte{u3, u2, u1} {
		require.NoError(t, b.Apply(u))
	}

	assert.Equal(t, a.EncodeFull(), loaded.EncodeFull())
	assert.Equal(t, a.EncodeFull(), b.EncodeFull())
}

func TestAutomergeLoadRejectsGarbage(t *testing.T) {
	_, err := AutomergeFactory{}.Load([]byte("definitely not automerge"))
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestAutomergeApplyRejectsGarbage(t *testing.T) {
	e := AutomergeFactory{}.New()
	assert.ErrorIs(t, e.Apply([]byte{0xff, 0x00, 0xba, 0xad}), ErrCorruptState)
}
