// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol implements the binary frame codec for the sync hub.
//
// Three frame families are multiplexed on one duplex byte stream. Every
// frame starts with a varint type tag followed by a family-specific body:
//
//	┌──────────┬──────────────────────────────────────────────┐
//	│ varint 0 │ varint sub-type, optional var-bytes payload  │  Sync
//	│ varint 1 │ var-bytes presence blob                      │  Awareness
//	│ varint 2 │ var-string documentId, var-string userId     │  Auth
//	└──────────┴──────────────────────────────────────────────┘
//
// Varints and length-prefixed byte arrays use the unsigned LEB128 layout
// of encoding/binary, which is wire-compatible with the lib0 encoding
// used by browser peers.
//
// Decode failures never terminate a connection: a malformed frame is
// reported as an error so the caller can drop it, and frames with an
// unknown type tag decode to KindUnknown so forward compatibility is a
// single switch default at the call site.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies a frame family.
type Kind int

const (
	// KindSync carries state vectors and document updates.
	KindSync Kind = 0
	// KindAwareness carries ephemeral presence blobs.
	KindAwareness Kind = 1
	// KindAuth carries the one-shot (documentId, userId) credential.
	KindAuth Kind = 2
	// KindUnknown marks a frame with an unrecognized type tag.
	// Such frames are ignored, not fatal.
	KindUnknown Kind = -1
)

// SyncType identifies a sync frame sub-type.
type SyncType int

const (
	// SyncStateVector carries the sender's state vector.
	SyncStateVector SyncType = 0
	// SyncUpdate carries a diff or full update to merge.
	SyncUpdate SyncType = 1
	// SyncComplete signals the handshake finished; it has no payload.
	SyncComplete SyncType = 2
)

var (
	// ErrTruncated is returned when a frame ends before its declared content.
	ErrTruncated = errors.New("frame truncated")

	// ErrOversized is returned when a declared length exceeds MaxPayloadBytes.
	ErrOversized = errors.New("declared payload length exceeds limit")
)

// MaxPayloadBytes bounds a single declared payload so a hostile length
// prefix cannot drive an allocation. Documents larger than this must be
// split by the engine before hitting the wire.
const MaxPayloadBytes = 10 << 20

// Message is the decoded form of one frame. Exactly one of the pointer
// fields matching Kind is non-nil.
type Message struct {
	Kind      Kind
	Sync      *SyncMessage
	Awareness *AwarenessMessage
	Auth      *AuthMessage
}

// SyncMessage is the body of a KindSync frame. Payload is nil for
// SyncComplete and may be empty for the other sub-types.
type SyncMessage struct {
	Type    SyncType
	Payload []byte
}

// AwarenessMessage is the body of a KindAwareness frame. The blob is
// opaque to the codec; see room.DecodePresence for interpretation.
type AwarenessMessage struct {
	Payload []byte
}

// AuthMessage is the body of a KindAuth frame.
type AuthMessage struct {
	DocumentID string
	UserID     string
}

// Decode parses one frame.
//
// Description:
//
//	Decodes the type tag and the family-specific body. An unknown type
//	tag yields Kind == KindUnknown with a nil body and no error, so the
//	caller can skip it without tearing down the connection.
//
// Inputs:
//
//	frame - One complete frame as read from the transport.
//
// Outputs:
//
//	Message - The decoded frame.
//	error - Non-nil if the frame is truncated or carries a hostile length.
func Decode(frame []byte) (Message, error) {
	tag, rest, err := readVarUint(frame)
	if err != nil {
		return Message{}, fmt.Errorf("read type tag: %w", err)
	}

	switch Kind(tag) {
	case KindSync:
		sm, err := decodeSync(rest)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindSync, Sync: sm}, nil
	case KindAwareness:
		blob, _, err := readVarBytes(rest)
		if err != nil {
			return Message{}, fmt.Errorf("read awareness payload: %w", err)
		}
		return Message{Kind: KindAwareness, Awareness: &AwarenessMessage{Payload: blob}}, nil
	case KindAuth:
		am, err := decodeAuth(rest)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindAuth, Auth: am}, nil
	default:
		return Message{Kind: KindUnknown}, nil
	}
}

func decodeSync(b []byte) (*SyncMessage, error) {
	sub, rest, err := readVarUint(b)
	if err != nil {
		return nil, fmt.Errorf("read sync sub-type: %w", err)
	}
	sm := &SyncMessage{Type: SyncType(sub)}

	// SyncComplete has no payload; for the other sub-types an absent
	// payload is treated as empty (the peer had nothing to send).
	if len(rest) == 0 {
		return sm, nil
	}
	payload, _, err := readVarBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("read sync payload: %w", err)
	}
	sm.Payload = payload
	return sm, nil
}

func decodeAuth(b []byte) (*AuthMessage, error) {
	docID, rest, err := readVarString(b)
	if err != nil {
		return nil, fmt.Errorf("read document id: %w", err)
	}
	userID, _, err := readVarString(rest)
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	return &AuthMessage{DocumentID: docID, UserID: userID}, nil
}

// EncodeSync builds a KindSync frame. A nil payload encodes no payload
// bytes at all, which the decoder maps back to nil.
func EncodeSync(t SyncType, payload []byte) []byte {
	buf := make([]byte, 0, 2+binary.MaxVarintLen64+len(payload))
	buf = binary.AppendUvarint(buf, uint64(KindSync))
	buf = binary.AppendUvarint(buf, uint64(t))
	if payload != nil {
		buf = appendVarBytes(buf, payload)
	}
	return buf
}

// EncodeAwareness builds a KindAwareness frame around an opaque blob.
func EncodeAwareness(blob []byte) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(blob))
	buf = binary.AppendUvarint(buf, uint64(KindAwareness))
	return appendVarBytes(buf, blob)
}

// EncodeAuth builds the KindAuth frame sent once after connect.
func EncodeAuth(documentID, userID string) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64+len(documentID)+len(userID))
	buf = binary.AppendUvarint(buf, uint64(KindAuth))
	buf = appendVarBytes(buf, []byte(documentID))
	return appendVarBytes(buf, []byte(userID))
}

func appendVarBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readVarUint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, ErrTruncated
	}
	return v, b[n:], nil
}

func readVarBytes(b []byte) ([]byte, []byte, error) {
	length, rest, err := readVarUint(b)
	if err != nil {
		return nil, nil, err
	}
	if length > MaxPayloadBytes {
		return nil, nil, ErrOversized
	}
	if uint64(len(rest)) < length {
		return nil, nil, ErrTruncated
	}
	out := make([]byte, length)
	copy(out, rest[:length])
	return out, rest[length:], nil
}

func readVarString(b []byte) (string, []byte, error) {
	raw, rest, err := readVarBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(raw), rest, nil
}
