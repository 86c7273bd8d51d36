// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrCorruptEntry is returned when stored data fails its integrity
	// check (CRC mismatch or undecodable body).
	ErrCorruptEntry = errors.New("stored entry corrupted (CRC mismatch)")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Key layout. Versions are fixed-width zero-padded so lexicographic key
// order equals numeric version order.
//
//	op:{documentId}:{version:016d}   -> [4-byte CRC32][gob(LogEntry)]
//	snap:{documentId}:{version:016d} -> [4-byte CRC32][gob(Snapshot)]
//	doc:{documentId}                 -> gob(DocumentRecord)
const (
	opPrefix   = "op:"
	snapPrefix = "snap:"
	docPrefix  = "doc:"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// LogEntry is one accepted update in the append-only operation log.
// Immutable once written; ordered by Version within a document.
type LogEntry struct {
	DocumentID string
	Payload    []byte
	ClientID   string
	Version    uint64
	Timestamp  time.Time
}

// Snapshot is the fully-merged engine state as of Version. Replaying log
// entries with a greater version on top of it reproduces the state the
// full log would give from empty.
type Snapshot struct {
	DocumentID string
	State      []byte
	Version    uint64
	CreatedAt  time.Time
}

// DocumentRecord is the durable per-document metadata: the last assigned
// version and when it changed.
type DocumentRecord struct {
	Version   uint64
	UpdatedAt time.Time
}

// Store persists the operation log, snapshots, and document records.
//
// Thread Safety: safe for concurrent use; version assignment races are
// the persistence engine's responsibility, not the store's.
type Store struct {
	db     *DB
	logger *slog.Logger
}

// NewStore opens a store over the given database.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "storage"))}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// AppendEntry durably appends one log entry and advances the document
// record to the entry's version in the same transaction.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	e - Entry with its version already assigned by the caller.
//
// Outputs:
//
//	error - Non-nil if the write fails; nothing is persisted on error.
func (s *Store) AppendEntry(ctx context.Context, e LogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	value, err := sealRecord(e)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	record, err := encodeGob(DocumentRecord{Version: e.Version, UpdatedAt: e.Timestamp})
	if err != nil {
		return fmt.Errorf("encode document record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(opKey(e.DocumentID, e.Version), value); err != nil {
			return err
		}
		return txn.Set(docKey(e.DocumentID), record)
	})
}

// EntriesAfter returns all log entries for a document with version
// greater than after, in ascending version order.
//
// Description:
//
//	Corrupted entries (CRC mismatch or undecodable body) are skipped,
//	logged loudly, and counted; a single bad record must not make the
//	whole document unloadable.
//
// Outputs:
//
//	[]LogEntry - Valid entries in version order.
//	int - Count of corrupted entries skipped.
//	error - Non-nil only for I/O-level failures.
func (s *Store) EntriesAfter(ctx context.Context, documentID string, after uint64) ([]LogEntry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("context cancelled: %w", err)
	}

	var entries []LogEntry
	corrupted := 0
	prefix := []byte(opPrefix + documentID + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opKey(documentID, after+1)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var e LogEntry
				if err := openRecord(val, &e); err != nil {
					corrupted++
					s.logger.Error("skipping corrupted operation log entry",
						slog.String("document_id", documentID),
						slog.String("key", string(item.Key())),
						slog.String("error", err.Error()))
					return nil
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, corrupted, fmt.Errorf("scan operation log: %w", err)
	}
	return entries, corrupted, nil
}

// PutSnapshot persists a snapshot of the fully-merged state.
func (s *Store) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	value, err := sealRecord(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(snap.DocumentID, snap.Version), value)
	})
}

// LatestSnapshot returns the newest readable snapshot for a document.
//
// Description:
//
//	Walks snapshots newest-first and returns the first one that passes
//	its integrity check; a corrupt newest snapshot is logged and the
//	next older one is tried. Returns ErrNotFound when none is readable.
func (s *Store) LatestSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("context cancelled: %w", err)
	}

	var snap Snapshot
	found := false
	prefix := []byte(snapPrefix + documentID + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var candidate Snapshot
				if err := openRecord(val, &candidate); err != nil {
					s.logger.Error("skipping corrupted snapshot",
						slog.String("document_id", documentID),
						slog.String("key", string(item.Key())),
						slog.String("error", err.Error()))
					return nil
				}
				snap = candidate
				found = true
				return nil
			})
			if err != nil {
				return err
			}
			if found {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("scan snapshots: %w", err)
	}
	if !found {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// SnapshotVersions lists the versions of a document's stored snapshots
// in ascending order, without decoding their state.
func (s *Store) SnapshotVersions(ctx context.Context, documentID string) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	prefix := []byte(snapPrefix + documentID + ":")
	var versions []uint64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			var v uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &v); err == nil {
				versions = append(versions, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	return versions, nil
}

// TrimSnapshots deletes all but the newest keep snapshots of a document.
func (s *Store) TrimSnapshots(ctx context.Context, documentID string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}

	prefix := []byte(snapPrefix + documentID + ":")
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seen := 0
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			seen++
			if seen > keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan snapshots: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete stale snapshots: %w", err)
	}
	return len(stale), nil
}

// Document returns the durable record for a document, or ErrNotFound.
func (s *Store) Document(ctx context.Context, documentID string) (DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return DocumentRecord{}, fmt.Errorf("context cancelled: %w", err)
	}

	var rec DocumentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(documentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeGob(val, &rec)
		})
	})
	if err != nil {
		return DocumentRecord{}, err
	}
	return rec, nil
}

// DeleteEntriesBefore removes log entries across all documents whose
// timestamp is older than cutoff, regardless of version. Snapshots
// already cover state beyond the retention horizon.
//
// Deletes run in bounded batches so a large backlog cannot blow a
// single transaction.
func (s *Store) DeleteEntriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const batch = 1000

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(opPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(opPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var e LogEntry
				if err := openRecord(val, &e); err != nil {
					// Corrupt and old is still garbage; reclaim it.
					stale = append(stale, item.KeyCopy(nil))
					return nil
				}
				if e.Timestamp.Before(cutoff) {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan operation log: %w", err)
	}

	deleted := 0
	for start := 0; start < len(stale); start += batch {
		end := min(start+batch, len(stale))
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range stale[start:end] {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("delete expired entries: %w", err)
		}
		deleted += end - start
	}
	return deleted, nil
}

func opKey(documentID string, version uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%016d", opPrefix, documentID, version)
}

func snapKey(documentID string, version uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%016d", snapPrefix, documentID, version)
}

func docKey(documentID string) []byte {
	return []byte(docPrefix + documentID)
}

// sealRecord gob-encodes v and prepends a CRC32-Castagnoli checksum.
func sealRecord(v any) ([]byte, error) {
	body, err := encodeGob(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, crc32.Checksum(body, castagnoli))
	copy(out[4:], body)
	return out, nil
}

// openRecord verifies the checksum and gob-decodes the body into v.
func openRecord(raw []byte, v any) error {
	if len(raw) < 4 {
		return ErrCorruptEntry
	}
	body := raw[4:]
	if binary.BigEndian.Uint32(raw) != crc32.Checksum(body, castagnoli) {
		return ErrCorruptEntry
	}
	if err := decodeGob(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(raw []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
}
