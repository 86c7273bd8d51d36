// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enginetest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConvergenceUnderAnyInterleaving applies the same update set to
// independent replicas in shuffled orders and demands byte-identical
// serialized state.
func TestConvergenceUnderAnyInterleaving(t *testing.T) {
	alice := New("alice")
	bob := New("bob")

	var updates [][]byte
	updates = append(updates, alice.Set("title", "draft"))
	updates = append(updates, bob.Set("title", "final"))
	updates = append(updates, alice.Set("body", "hello"))
	updates = append(updates, bob.Set("footer", "bye"))
	updates = append(updates, alice.Set("body", "hello world"))

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		a := New("")
		b := New("")

		shuffled := make([][]byte, len(updates))
		copy(shuffled, updates)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		for _, u := range updates {
			require.NoError(t, a.Apply(u))
		}
		for _, u := range shuffled {
			require.NoError(t, b.Apply(u))
		}

		assert.Equal(t, a.EncodeFull(), b.EncodeFull(), "trial %d diverged", trial)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	src := New("src")
	update := src.Set("k", "v")

	once := New("")
	require.NoError(t, once.Apply(update))

	twice := New("")
	require.NoError(t, twice.Apply(update))
	require.NoError(t, twice.Apply(update))

	assert.Equal(t, once.EncodeFull(), twice.EncodeFull())
	assert.Equal(t, 1, twice.Len())
}

func TestDiffAgainstStateVector(t *testing.T) {
	src := New("src")
	u1 := src.Set("a", "1")
	src.Set("b", "2")

	behind := New("")
	require.NoError(t, behind.Apply(u1))

	diff, err := src.Diff(behind.StateVector())
	require.NoError(t, err)
	require.NotEmpty(t, diff)

	require.NoError(t, behind.Apply(diff))
	assert.Equal(t, src.EncodeFull(), behind.EncodeFull())

	// Caught-up peer gets an empty diff.
	diff, err = src.Diff(behind.StateVector())
	require.NoError(t, err)
	assert.Nil(t, diff)
}

func TestLoadRoundTrip(t *testing.T) {
	src := New("src")
	src.Set("x", "y")
	src.Set("x", "z")

	loaded, err := Factory{}.Load(src.EncodeFull())
	require.NoError(t, err)
	assert.Equal(t, src.EncodeFull(), loaded.EncodeFull())
}

func TestApplyRejectsGarbage(t *testing.T) {
	e := New("")
	assert.Error(t, e.Apply([]byte("not a gob stream")))
}
