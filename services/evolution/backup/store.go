// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backup snapshots files before mutation and restores them after a
// failed change. Backup bytes live in a dedicated store decoupled from the
// source tree's own directory listing, so they never appear as stray
// sibling files an agent might discover and treat as source. Record
// metadata persists in an embedded BadgerDB index so manual rollback
// survives process restarts.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const recordPrefix = "record/"

// ErrRecordNotFound is returned when a record ID is absent from the index.
var ErrRecordNotFound = errors.New("backup record not found")

// Record describes one recoverable snapshot of a file's pre-change state.
type Record struct {
	// ID is the unique record identifier.
	ID string `json:"id"`

	// RootName is the sandbox root the original path belongs to.
	RootName string `json:"root_name"`

	// OriginalPath is the canonical path that was snapshotted.
	OriginalPath string `json:"original_path"`

	// BackupPath is where the snapshot bytes live. Empty for create-records.
	BackupPath string `json:"backup_path,omitempty"`

	// Checksum is the SHA-256 hex digest of the original content.
	// Empty for create-records.
	Checksum string `json:"checksum,omitempty"`

	// Size is the original content size in bytes.
	Size int64 `json:"size"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`

	// Create marks a snapshot of a file that did not exist: restoring a
	// create-record deletes the path instead of writing bytes.
	Create bool `json:"create"`
}

// StoreConfig configures the record index.
type StoreConfig struct {
	// Dir is the directory for the BadgerDB index files.
	// Required unless InMemory is true.
	Dir string

	// InMemory keeps the index in RAM. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB diagnostics. Nil disables them.
	Logger *slog.Logger
}

// Store is the durable index of backup records.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenStore opens the record index.
//
// # Inputs
//
//   - cfg: Store configuration. Dir is required unless InMemory is true.
//
// # Outputs
//
//   - *Store: The opened index. Caller must Close it.
//   - error: Non-nil if the database cannot be opened.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("store directory is required for a persistent index")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening backup index: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists a record.
func (s *Store) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("storing record %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a record by ID.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes a record from the index.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + id))
	})
}

// List returns records, optionally filtered by root name, newest first.
func (s *Store) List(rootName string) ([]Record, error) {
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				if rootName == "" || rec.RootName == rootName {
					records = append(records, rec)
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
		return nil, fmt.Errorf("listing records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return strings.Compare(records[i].ID, records[j].ID) > 0
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}
