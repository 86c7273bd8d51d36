// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSyncRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     SyncType
		payload []byte
	}{
		{"state vector", SyncStateVector, []byte{0x01, 0x02, 0x03}},
		{"update", SyncUpdate, []byte("some update bytes")},
		{"empty update", SyncUpdate, []byte{}},
		{"complete no payload", SyncComplete, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(EncodeSync(tt.typ, tt.payload))
			require.NoError(t, err)
			require.Equal(t, KindSync, msg.Kind)
			require.NotNil(t, msg.Sync)
			assert.Equal(t, tt.typ, msg.Sync.Type)
			assert.Equal(t, tt.payload, msg.Sync.Payload)
		})
	}
}

func TestDecodeAuthRoundTrip(t *testing.T) {
	msg, err := Decode(EncodeAuth("d1", "user-42"))
	require.NoError(t, err)
	require.Equal(t, KindAuth, msg.Kind)
	require.NotNil(t, msg.Auth)
	assert.Equal(t, "d1", msg.Auth.DocumentID)
	assert.Equal(t, "user-42", msg.Auth.UserID)
}

func TestDecodeAwarenessRoundTrip(t *testing.T) {
	blob := []byte(`{"name":"alice","color":"#f00"}`)
	msg, err := Decode(EncodeAwareness(blob))
	require.NoError(t, err)
	require.Equal(t, KindAwareness, msg.Kind)
	require.NotNil(t, msg.Awareness)
	assert.Equal(t, blob, msg.Awareness.Payload)
}

func TestDecodeUnknownKindIsNotFatal(t *testing.T) {
	frame := binary.AppendUvarint(nil, 99)
	frame = append(frame, 0xde, 0xad)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, msg.Kind)
	assert.Nil(t, msg.Sync)
	assert.Nil(t, msg.Awareness)
	assert.Nil(t, msg.Auth)
}

func TestDecodeTruncatedFrames(t *testing.T) {
	full := EncodeAuth("document-with-a-long-id", "user-with-a-long-id")

	// Every strict prefix of a valid auth frame must fail cleanly,
	// except the type tag alone which already fails on the doc id.
	for cut := 0; cut < len(full); cut++ {
		_, err := Decode(full[:cut])
		assert.Error(t, err, "prefix of length %d should not decode", cut)
	}

	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeTruncatedAwarenessPayload(t *testing.T) {
	frame := EncodeAwareness([]byte("presence blob"))
	_, err := Decode(frame[:len(frame)-4])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRejectsHostileLength(t *testing.T) {
	frame := binary.AppendUvarint(nil, uint64(KindAwareness))
	frame = binary.AppendUvarint(frame, 1<<40) // declared length far beyond the frame

	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrOversized)
}
