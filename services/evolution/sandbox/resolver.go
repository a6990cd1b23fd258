// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Resolver confines caller-supplied paths to a sandbox root.
//
// # Description
//
// Resolve is a pure function over the filesystem's current link structure.
// It holds no state and caches nothing: a symlink can change between
// resolution and use, so the pipeline re-resolves immediately before every
// read and write instead of carrying a resolved path across suspension
// points.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct{}

// NewResolver creates a path resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve canonicalizes a caller-supplied path against a root.
//
// # Description
//
// Joins the path with the root (absolute inputs are taken as-is),
// canonicalizes the result by resolving ".", "..", and symbolic links
// through the nearest existing ancestor, then verifies that the canonical
// result's ancestry includes the root. String-prefix comparison alone is
// defeated by sibling directories sharing a prefix, so the check runs on
// the decomposed segment sequence.
//
// # Inputs
//
//   - root: The sandbox boundary.
//   - path: Caller-supplied path, relative to the root or absolute.
//
// # Outputs
//
//   - string: Canonical absolute path guaranteed to be inside root.
//   - error: ErrOutOfBounds if the path escapes the root or cannot be
//     canonicalized; a plain error for empty input.
func (r *Resolver) Resolve(root *Root, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path must not be empty")
	}

	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(root.Path, joined)
	}
	joined = filepath.Clean(joined)

	canonical, err := canonicalize(joined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutOfBounds, err)
	}

	if !root.Contains(canonical) {
		return "", fmt.Errorf("%w: %s escapes %s root %s", ErrOutOfBounds, path, root.Name, root.Path)
	}
	return canonical, nil
}

// canonicalize resolves symlinks through the nearest existing ancestor.
//
// The target itself may not exist yet (a proposal can create a new file),
// so resolution walks up to the closest ancestor that does exist, resolves
// that, and reattaches the non-existent tail. A path whose existing portion
// cannot be resolved (device files, symlink loops) is an error.
func canonicalize(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}

	current := path
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no resolvable ancestor for %s", path)
		}
		if realParent, err := filepath.EvalSymlinks(parent); err == nil {
			resolved := realParent
			tail = append(tail, filepath.Base(current))
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			// The reattached tail must not smuggle traversal back in.
			if resolved != filepath.Clean(resolved) || containsDotDot(resolved) {
				return "", fmt.Errorf("unresolvable traversal in %s", path)
			}
			return resolved, nil
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, string(filepath.Separator)) {
		if seg == ".." {
			return true
		}
	}
	return false
}
