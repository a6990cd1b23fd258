// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sandbox confines all file operations to configured directory
// boundaries. Every path a collaborator supplies is resolved through a
// Resolver before use, and the resolved path is never cached across
// suspension points: symlinks can change between resolution and use, so
// callers re-resolve immediately before each read or write.
//
// Thread Safety: Roots are immutable after creation; the Resolver and the
// capability set are safe for concurrent use.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known root names used across the pipeline.
const (
	RootSource    = "source"
	RootWorkspace = "workspace"
)

// ErrOutOfBounds is returned when a path resolves outside its sandbox root.
var ErrOutOfBounds = errors.New("path resolves outside the sandbox root")

// Root is an absolute, canonicalized directory boundary.
//
// # Description
//
// A Root is configured once at process start and never mutated afterwards.
// Its Path has been made absolute and had symlinks resolved, so ancestry
// checks against it are stable for the life of the process.
type Root struct {
	// Name is the symbolic identity of the boundary ("source", "workspace").
	Name string

	// Path is the canonical absolute directory path.
	Path string

	segments []string
}

// NewRoot creates a canonicalized sandbox root.
//
// # Description
//
// Resolves the directory to its canonical absolute form (following
// symlinks) and verifies it exists and is a directory. The returned Root
// is immutable.
//
// # Inputs
//
//   - name: Symbolic root name. Must not be empty.
//   - dir: Directory path. Must exist.
//
// # Outputs
//
//   - Root: The canonicalized root.
//   - error: Non-nil if the directory is missing, not a directory, or
//     cannot be canonicalized.
func NewRoot(name, dir string) (*Root, error) {
	if name == "" {
		return nil, errors.New("root name must not be empty")
	}
	if dir == "" {
		return nil, fmt.Errorf("root %q: directory must not be empty", name)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("root %q: resolving %s: %w", name, dir, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("root %q: canonicalizing %s: %w", name, abs, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q: %s is not a directory", name, canonical)
	}

	return &Root{
		Name:     name,
		Path:     canonical,
		segments: splitSegments(canonical),
	}, nil
}

// Contains reports whether the canonical path is the root or a descendant.
//
// Ancestry is checked on the decomposed path-segment sequence, never on a
// raw string prefix: "/srv/src-evil" shares a prefix with "/srv/src" but is
// not a descendant of it.
func (r *Root) Contains(canonicalPath string) bool {
	segs := splitSegments(canonicalPath)
	if len(segs) < len(r.segments) {
		return false
	}
	for i, rs := range r.segments {
		if segs[i] != rs {
			return false
		}
	}
	return true
}

// Rel returns the path of a canonical descendant relative to the root.
func (r *Root) Rel(canonicalPath string) (string, error) {
	if !r.Contains(canonicalPath) {
		return "", fmt.Errorf("%w: %s not under %s", ErrOutOfBounds, canonicalPath, r.Path)
	}
	return filepath.Rel(r.Path, canonicalPath)
}

// splitSegments decomposes a cleaned absolute path into its elements.
func splitSegments(p string) []string {
	clean := filepath.Clean(p)
	parts := strings.Split(clean, string(filepath.Separator))
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
