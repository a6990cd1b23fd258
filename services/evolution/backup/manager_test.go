// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	cfg.InMemoryIndex = true
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		content []byte
	}{
		{"ordinary content", []byte("def add(a,b): return a-b\n")},
		{"empty file", []byte{}},
		{"binary content", []byte{0x00, 0xff, 0x10, 0x00}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, Config{})
			src := t.TempDir()
			path := filepath.Join(src, "math.src")
			require.NoError(t, os.WriteFile(path, tc.content, 0o644))

			rec, err := m.Snapshot(ctx, "source", path)
			require.NoError(t, err)
			assert.False(t, rec.Create)
			assert.Equal(t, int64(len(tc.content)), rec.Size)

			// Clobber the original, then restore.
			require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
			require.NoError(t, m.Restore(ctx, rec.ID))

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tc.content, got)
		})
	}
}

func TestSnapshotOfAbsentFileRestoresToAbsent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})
	path := filepath.Join(t.TempDir(), "new.src")

	rec, err := m.Snapshot(ctx, "source", path)
	require.NoError(t, err)
	assert.True(t, rec.Create)
	assert.Empty(t, rec.BackupPath)

	// The pipeline then creates the file; restore must delete it.
	require.NoError(t, os.WriteFile(path, []byte("created"), 0o644))
	require.NoError(t, m.Restore(ctx, rec.ID))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Idempotent: a second restore leaves the same end state.
	require.NoError(t, m.Restore(ctx, rec.ID))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})
	path := filepath.Join(t.TempDir(), "f.go")
	original := []byte("package f\n")
	require.NoError(t, os.WriteFile(path, original, 0o644))

	rec, err := m.Snapshot(ctx, "source", path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("mutated"), 0o644))
	require.NoError(t, m.Restore(ctx, rec.ID))
	require.NoError(t, m.Restore(ctx, rec.ID))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestRestoreUnknownRecord(t *testing.T) {
	m := newTestManager(t, Config{})
	err := m.Restore(context.Background(), "no-such-record")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})
	dir := t.TempDir()

	var ids []string
	for i, name := range []string{"a.go", "b.go", "c.go"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		rec, err := m.Snapshot(ctx, "workspace", path)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond)
	}

	records, err := m.List(ctx, "workspace")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ids[2], records[0].ID)
	assert.Equal(t, ids[0], records[2].ID)

	other, err := m.List(ctx, "source")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEvictCountRetention(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxPerPath: 2})
	path := filepath.Join(t.TempDir(), "hot.go")

	var ids []string
	for i := 0; i < 4; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		rec, err := m.Snapshot(ctx, "source", path)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond)
	}

	removed, err := m.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	records, err := m.List(ctx, "source")
	require.NoError(t, err)
	require.Len(t, records, 2)
	// The two newest survive.
	assert.Equal(t, ids[3], records[0].ID)
	assert.Equal(t, ids[2], records[1].ID)
}

func TestEvictSkipsPinnedRecords(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxPerPath: 1})
	path := filepath.Join(t.TempDir(), "pinned.go")

	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	oldRec, err := m.Snapshot(ctx, "source", path)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	_, err = m.Snapshot(ctx, "source", path)
	require.NoError(t, err)

	m.Pin(oldRec.ID)
	removed, err := m.Evict(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	m.Unpin(oldRec.ID)
	removed, err = m.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The pinned-then-released record was the oldest, so it is the one gone.
	_, err = m.Get(oldRec.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSnapshotsOfSamePathDoNotCollide(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})
	path := filepath.Join(t.TempDir(), "same.go")

	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	a, err := m.Snapshot(ctx, "source", path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	b, err := m.Snapshot(ctx, "source", path)
	require.NoError(t, err)

	assert.NotEqual(t, a.BackupPath, b.BackupPath)

	// Restoring the older record still yields the older bytes.
	require.NoError(t, m.Restore(ctx, a.ID))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}
