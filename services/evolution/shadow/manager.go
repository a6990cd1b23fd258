// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package shadow builds disposable copies of a sandbox root and runs the
// verification suite inside them. The live tree is never executed against
// a candidate change; only a shadow copy is.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chrysalis-ai/chrysalis/services/evolution/sandbox"
)

// ErrShadowSetup is returned when a shadow copy cannot be built. It is an
// infrastructure failure, distinct from the candidate failing its tests.
var ErrShadowSetup = errors.New("shadow environment setup failure")

const shadowPrefix = "shadow-"

// Config bounds shadow copy construction.
type Config struct {
	// Dir is where shadow copies are created. Must be outside every
	// sandbox root.
	Dir string

	// MaxFiles caps how many files one shadow copy may hold.
	// Default: 20000.
	MaxFiles int

	// MaxBytes caps a shadow copy's total content size.
	// Default: 512 MiB.
	MaxBytes int64

	// RetainAge is how long disposed-of failure copies are kept for
	// inspection before Sweep removes them. Default: 24h.
	RetainAge time.Duration

	// DiscardFailedCopies disposes a failed run's copy immediately
	// instead of retaining it for inspection. Retention is the default;
	// Sweep ages retained copies out.
	DiscardFailedCopies bool

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager creates and sweeps shadow copies.
//
// # Thread Safety
//
// Safe for concurrent use. Each instance lives in its own directory.
type Manager struct {
	cfg    Config
	logger *slog.Logger
}

// Instance is one shadow copy of a sandbox root.
//
// An instance is single-run: apply the candidate, run the suite, then
// Dispose it (or leave it for Sweep when keeping a failure for autopsy).
type Instance struct {
	// ID identifies this shadow copy.
	ID string

	// Dir is the copy's root directory.
	Dir string

	// RetainOnFailure keeps the copy on disk after a failed suite run so
	// an engineer can inspect what the candidate did.
	RetainOnFailure bool

	root   *sandbox.Root
	logger *slog.Logger
}

// NewManager validates the configuration and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("shadow directory is required")
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving shadow directory: %w", err)
	}
	cfg.Dir = abs
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating shadow directory: %w", err)
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 20000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 << 20
	}
	if cfg.RetainAge <= 0 {
		cfg.RetainAge = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "shadow.Manager"),
	}, nil
}

// Create copies a sandbox root into a fresh shadow directory.
//
// # Description
//
// Regular files and directories are copied; symlinks are skipped so the
// shadow cannot reach back into the live tree through them. File count and
// total size are bounded. A partial copy is removed before the error
// returns.
//
// # Outputs
//
//   - *Instance: The populated shadow copy.
//   - error: ErrShadowSetup if the copy cannot be completed.
func (m *Manager) Create(root *sandbox.Root) (*Instance, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.cfg.Dir, shadowPrefix+id[:8])
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrShadowSetup, dir, err)
	}

	if err := m.copyTree(root.Path, dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m.logger.Info("shadow copy created", "shadow_id", id, "root", root.Name, "dir", dir)
	return &Instance{
		ID:              id,
		Dir:             dir,
		RetainOnFailure: !m.cfg.DiscardFailedCopies,
		root:            root,
		logger:          m.logger.With("shadow_id", id),
	}, nil
}

// copyTree copies src into dst, enforcing the file and byte caps.
func (m *Manager) copyTree(src, dst string) error {
	files := 0
	var bytesCopied int64

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: walking %s: %v", ErrShadowSetup, path, err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrShadowSetup, err)
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			m.logger.Warn("skipping symlink in shadow copy", "path", path)
			return nil
		case d.IsDir():
			if rel == "." {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrShadowSetup, err)
			}
			if err := os.Mkdir(target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("%w: creating %s: %v", ErrShadowSetup, target, err)
			}
			return nil
		case !d.Type().IsRegular():
			m.logger.Warn("skipping irregular file in shadow copy", "path", path)
			return nil
		}

		files++
		if files > m.cfg.MaxFiles {
			return fmt.Errorf("%w: tree exceeds %d files", ErrShadowSetup, m.cfg.MaxFiles)
		}

		n, err := copyFile(path, target)
		if err != nil {
			return fmt.Errorf("%w: copying %s: %v", ErrShadowSetup, rel, err)
		}
		bytesCopied += n
		if bytesCopied > m.cfg.MaxBytes {
			return fmt.Errorf("%w: tree exceeds %d bytes", ErrShadowSetup, m.cfg.MaxBytes)
		}
		return nil
	})
}

func copyFile(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// ApplyCandidate writes candidate content at the target's relative path
// inside the shadow copy.
//
// The relative path is resolved against the shadow directory with the same
// containment rules as the live roots, so a hostile path cannot steer the
// write outside the copy.
func (inst *Instance) ApplyCandidate(relPath string, content []byte) error {
	shadowRoot, err := sandbox.NewRoot(inst.root.Name, inst.Dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShadowSetup, err)
	}
	resolver := sandbox.NewResolver()
	target, err := resolver.Resolve(shadowRoot, relPath)
	if err != nil {
		return fmt.Errorf("%w: resolving candidate path: %v", ErrShadowSetup, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: creating parent directories: %v", ErrShadowSetup, err)
	}
	if err := sandbox.AtomicWrite(target, content, 0o644); err != nil {
		return fmt.Errorf("%w: writing candidate: %v", ErrShadowSetup, err)
	}
	inst.logger.Debug("candidate applied to shadow", "path", relPath, "bytes", len(content))
	return nil
}

// Run executes the verification suite inside the shadow copy.
func (inst *Instance) Run(ctx context.Context, suite Suite) (Report, error) {
	return suite.Run(ctx, inst.Dir)
}

// Dispose removes the shadow copy.
func (inst *Instance) Dispose() error {
	if err := os.RemoveAll(inst.Dir); err != nil {
		return fmt.Errorf("removing shadow copy %s: %w", inst.Dir, err)
	}
	inst.logger.Debug("shadow copy disposed")
	return nil
}

// Sweep removes retained shadow copies older than RetainAge.
//
// Failure copies are deliberately left on disk so an engineer can inspect
// what the candidate did; Sweep is the eventual cleanup.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("reading shadow directory: %w", err)
	}

	cutoff := time.Now().Add(-m.cfg.RetainAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), shadowPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.Dir, e.Name())); err != nil {
			m.logger.Warn("sweep could not remove shadow copy", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("shadow sweep completed", "removed", removed)
	}
	return removed, nil
}
