// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chrysalis-ai/chrysalis/services/evolution/sandbox"
)

// ErrBackupIO is returned when a snapshot or restore cannot complete.
// A failed snapshot is fatal to its run: no change proceeds without one.
var ErrBackupIO = errors.New("backup I/O failure")

// Config configures snapshot retention.
type Config struct {
	// Dir is the dedicated backup root. Snapshot bytes and the record
	// index live under it, outside every sandbox root.
	Dir string

	// MaxPerPath is how many records to retain per original path.
	// Default: 10.
	MaxPerPath int

	// MaxAge evicts records older than this. Zero disables age eviction.
	MaxAge time.Duration

	// InMemoryIndex keeps the record index in RAM. Useful for testing.
	InMemoryIndex bool

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns snapshot creation, restoration, and long-term retention.
//
// # Description
//
// Snapshot copies a file's current bytes into the backup store before the
// pipeline mutates it. Restore writes them back (or deletes the path for a
// create-record) and is idempotent. Evict prunes old records but never one
// pinned by an in-flight orchestration run, and never races an active
// restore.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex serializes restore against
// eviction.
type Manager struct {
	cfg    Config
	store  *Store
	logger *slog.Logger

	mu   sync.Mutex
	pins map[string]int
}

// NewManager opens the backup store and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if cfg.MaxPerPath <= 0 {
		cfg.MaxPerPath = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving backup directory: %w", err)
	}
	cfg.Dir = abs
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "objects"), 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	store, err := OpenStore(StoreConfig{
		Dir:        filepath.Join(cfg.Dir, "index"),
		InMemory:   cfg.InMemoryIndex,
		SyncWrites: true,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: cfg.Logger.With("component", "backup.Manager"),
		pins:   make(map[string]int),
	}, nil
}

// Close closes the record index.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Snapshot copies a file's current bytes into the backup store.
//
// # Description
//
// If the file exists, its bytes are copied to a store path derived from
// the original path's digest plus a timestamp and record ID, so two
// snapshots of the same file never collide. If the file does not exist,
// a create-record is written whose restore action is "delete".
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - rootName: Sandbox root the path belongs to (audit metadata).
//   - absPath: Canonical path of the file about to be mutated.
//
// # Outputs
//
//   - Record: The persisted record.
//   - error: ErrBackupIO if the copy or index write cannot complete.
func (m *Manager) Snapshot(ctx context.Context, rootName, absPath string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackupIO, err)
	}

	rec := Record{
		ID:           uuid.New().String(),
		RootName:     rootName,
		OriginalPath: absPath,
		CreatedAt:    time.Now().UTC(),
	}

	data, err := os.ReadFile(absPath)
	switch {
	case os.IsNotExist(err):
		rec.Create = true
	case err != nil:
		return Record{}, fmt.Errorf("%w: reading %s: %v", ErrBackupIO, absPath, err)
	default:
		sum := sha256.Sum256(data)
		rec.Checksum = hex.EncodeToString(sum[:])
		rec.Size = int64(len(data))
		rec.BackupPath = m.objectPath(absPath, rec)
		if err := os.MkdirAll(filepath.Dir(rec.BackupPath), 0o750); err != nil {
			return Record{}, fmt.Errorf("%w: creating object directory: %v", ErrBackupIO, err)
		}
		if err := sandbox.AtomicWrite(rec.BackupPath, data, 0o640); err != nil {
			return Record{}, fmt.Errorf("%w: writing snapshot: %v", ErrBackupIO, err)
		}
	}

	if err := m.store.Put(rec); err != nil {
		if rec.BackupPath != "" {
			os.Remove(rec.BackupPath)
		}
		return Record{}, fmt.Errorf("%w: indexing snapshot: %v", ErrBackupIO, err)
	}

	m.logger.Info("snapshot created",
		"record_id", rec.ID,
		"path", absPath,
		"create_record", rec.Create,
		"bytes", rec.Size)
	return rec, nil
}

// Restore writes a record's bytes back to its original path.
//
// # Description
//
// For a create-record the original path is deleted. Restoring twice yields
// the same end state as restoring once: the write is an atomic full
// replacement and the delete tolerates an already-absent file.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - id: Record identifier.
//
// # Outputs
//
//   - error: ErrRecordNotFound for an unknown ID, ErrBackupIO if the
//     write-back fails.
func (m *Manager) Restore(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupIO, err)
	}

	rec, err := m.store.Get(id)
	if err != nil {
		return err
	}

	if rec.Create {
		if err := os.Remove(rec.OriginalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: deleting %s: %v", ErrBackupIO, rec.OriginalPath, err)
		}
		m.logger.Info("restore removed created file", "record_id", id, "path", rec.OriginalPath)
		return nil
	}

	data, err := os.ReadFile(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("%w: reading snapshot %s: %v", ErrBackupIO, rec.BackupPath, err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != rec.Checksum {
		return fmt.Errorf("%w: snapshot %s is corrupt (checksum mismatch)", ErrBackupIO, id)
	}

	if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0o755); err != nil {
		return fmt.Errorf("%w: creating parent directories: %v", ErrBackupIO, err)
	}
	if err := sandbox.AtomicWrite(rec.OriginalPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: restoring %s: %v", ErrBackupIO, rec.OriginalPath, err)
	}

	m.logger.Info("restore completed", "record_id", id, "path", rec.OriginalPath, "bytes", len(data))
	return nil
}

// List returns this root's records, newest first.
func (m *Manager) List(ctx context.Context, rootName string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.store.List(rootName)
}

// Get loads a single record.
func (m *Manager) Get(id string) (Record, error) {
	return m.store.Get(id)
}

// Pin marks a record as referenced by an in-flight run. Pinned records are
// never evicted. Pins are reference-counted and do not survive a restart;
// neither do the runs that hold them.
func (m *Manager) Pin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[id]++
}

// Unpin releases a run's reference on a record.
func (m *Manager) Unpin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pins[id] <= 1 {
		delete(m.pins, id)
		return
	}
	m.pins[id]--
}

// Evict removes the oldest records beyond the retention thresholds.
//
// # Description
//
// Applies count-based retention per original path (MaxPerPath newest kept)
// and age-based retention (MaxAge, when configured). Records pinned by an
// in-flight run are skipped. Returns the number of records removed.
func (m *Manager) Evict(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.store.List("")
	if err != nil {
		return 0, err
	}

	cutoff := time.Time{}
	if m.cfg.MaxAge > 0 {
		cutoff = time.Now().Add(-m.cfg.MaxAge)
	}

	perPath := make(map[string]int)
	removed := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		perPath[rec.OriginalPath]++
		overCount := perPath[rec.OriginalPath] > m.cfg.MaxPerPath
		overAge := !cutoff.IsZero() && rec.CreatedAt.Before(cutoff)
		if !overCount && !overAge {
			continue
		}
		if _, pinned := m.pins[rec.ID]; pinned {
			continue
		}

		if rec.BackupPath != "" {
			if err := os.Remove(rec.BackupPath); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("evict could not remove snapshot bytes",
					"record_id", rec.ID, "error", err)
				continue
			}
		}
		if err := m.store.Delete(rec.ID); err != nil {
			m.logger.Warn("evict could not remove record", "record_id", rec.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("retention eviction completed", "removed", removed)
	}
	return removed, nil
}

// objectPath derives a collision-free store path for snapshot bytes.
func (m *Manager) objectPath(absPath string, rec Record) string {
	digest := sha256.Sum256([]byte(absPath))
	bucket := hex.EncodeToString(digest[:8])
	name := rec.CreatedAt.Format("20060102T150405.000000000") + "-" + rec.ID[:8]
	return filepath.Join(m.cfg.Dir, "objects", bucket, name)
}
