// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Capability enumerates the fixed set of file operations the pipeline
// exposes. There is no runtime registration: the variants are closed and a
// static table of allowed operations per role suffices.
type Capability string

const (
	CapRead   Capability = "read"
	CapWrite  Capability = "write"
	CapList   Capability = "list"
	CapExists Capability = "exists"
)

// SensitivePaths are substrings that must never appear in a write target,
// regardless of sandbox configuration.
var SensitivePaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/hosts",
	"/.ssh/",
	"/.gnupg/",
	"/.aws/credentials",
	"/id_rsa",
	"/id_ed25519",
}

// IsSensitivePath reports whether a path matches the write denylist.
func IsSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, s := range SensitivePaths {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// FileSet is the capability set for one sandbox root.
//
// # Description
//
// Implements the read, write, list, and exists capabilities against the
// Resolver. Every operation re-resolves its path on entry, so a symlink
// swapped in after a previous call cannot redirect this one.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileSet struct {
	root     *Root
	resolver *Resolver
}

// NewFileSet creates the capability set for a root.
func NewFileSet(root *Root, resolver *Resolver) *FileSet {
	if resolver == nil {
		resolver = NewResolver()
	}
	return &FileSet{root: root, resolver: resolver}
}

// Root returns the sandbox root this set is bound to.
func (f *FileSet) Root() *Root {
	return f.root
}

// Read returns the file's bytes after confining the path.
func (f *FileSet) Read(path string) ([]byte, error) {
	resolved, err := f.resolver.Resolve(f.root, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", resolved, err)
	}
	return data, nil
}

// Write atomically replaces the file's bytes after confining the path.
//
// The write goes through a temp file and rename in the target directory,
// so the file is either fully written or untouched.
func (f *FileSet) Write(path string, data []byte) error {
	resolved, err := f.resolver.Resolve(f.root, path)
	if err != nil {
		return err
	}
	if IsSensitivePath(resolved) {
		return fmt.Errorf("%w: %s is a sensitive path", ErrOutOfBounds, resolved)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}
	return AtomicWrite(resolved, data, 0o644)
}

// List returns the sorted entry names of a directory inside the root.
func (f *FileSet) List(path string) ([]string, error) {
	resolved, err := f.resolver.Resolve(f.root, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", resolved, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether the confined path exists.
func (f *FileSet) Exists(path string) (bool, error) {
	resolved, err := f.resolver.Resolve(f.root, path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AtomicWrite writes content to a file atomically using rename.
//
// The temp file is created in the same directory to keep the rename on one
// filesystem. On any error the temp file is removed and the target is left
// unmodified.
func AtomicWrite(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
