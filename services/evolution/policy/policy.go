// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy holds the static actor-role access table consulted before
// any filesystem I/O. The table is compiled once at startup from a YAML
// document and never mutated at runtime.
package policy

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ActorRole identifies the caller of a pipeline operation.
type ActorRole string

const (
	// RoleTool is the restricted role ordinary agent tools run under.
	// It may never write the source tree.
	RoleTool ActorRole = "role.tool"

	// RoleEngineer is the privileged role that may write the source tree.
	RoleEngineer ActorRole = "role.engineer"
)

// ErrUnknownRole is returned when a role is absent from the table.
var ErrUnknownRole = errors.New("unknown actor role")

// Grant declares what one role may do, as it appears in the policy YAML.
type Grant struct {
	Role  string   `yaml:"role"`
	Write []string `yaml:"write"`
	Read  []string `yaml:"read"`
}

// Document is the YAML shape of a policy file.
type Document struct {
	Grants []Grant `yaml:"grants"`
}

// Table is the compiled, immutable access table.
//
// # Thread Safety
//
// Safe for concurrent use; nothing is mutated after Compile.
type Table struct {
	write map[ActorRole]map[string]struct{}
	read  map[ActorRole]map[string]struct{}
}

// Compile builds a Table from a policy document.
//
// # Description
//
// Validates that every grant names a role and at least one root, and
// freezes the result. An empty read list defaults to the union of the
// role's writable roots (a role can always read what it may write).
//
// # Inputs
//
//   - doc: Parsed policy document.
//
// # Outputs
//
//   - *Table: The immutable table.
//   - error: Non-nil if the document is malformed.
func Compile(doc Document) (*Table, error) {
	if len(doc.Grants) == 0 {
		return nil, errors.New("policy document has no grants")
	}

	t := &Table{
		write: make(map[ActorRole]map[string]struct{}, len(doc.Grants)),
		read:  make(map[ActorRole]map[string]struct{}, len(doc.Grants)),
	}
	for _, g := range doc.Grants {
		if g.Role == "" {
			return nil, errors.New("policy grant missing role")
		}
		role := ActorRole(g.Role)
		if _, dup := t.write[role]; dup {
			return nil, fmt.Errorf("duplicate policy grant for role %s", role)
		}

		w := make(map[string]struct{}, len(g.Write))
		for _, root := range g.Write {
			if root == "" {
				return nil, fmt.Errorf("role %s: empty root in write grant", role)
			}
			w[root] = struct{}{}
		}

		r := make(map[string]struct{}, len(g.Read))
		for _, root := range g.Read {
			if root == "" {
				return nil, fmt.Errorf("role %s: empty root in read grant", role)
			}
			r[root] = struct{}{}
		}
		for root := range w {
			r[root] = struct{}{}
		}

		t.write[role] = w
		t.read[role] = r
	}
	return t, nil
}

// Parse unmarshals a YAML policy document and compiles it.
func Parse(data []byte) (*Table, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling policy document: %w", err)
	}
	return Compile(doc)
}

// Default returns the built-in table: the engineer role writes source and
// workspace, the tool role writes workspace only, both read both.
func Default() *Table {
	t, err := Compile(Document{Grants: []Grant{
		{Role: string(RoleEngineer), Write: []string{"source", "workspace"}},
		{Role: string(RoleTool), Write: []string{"workspace"}, Read: []string{"source"}},
	}})
	if err != nil {
		// The built-in document is static; a failure here is a programming error.
		panic(err)
	}
	return t
}

// MayWrite reports whether the role may write the named root.
//
// Unknown roles may write nothing. The check touches no filesystem state,
// so a denial is free.
func (t *Table) MayWrite(role ActorRole, rootName string) bool {
	roots, ok := t.write[role]
	if !ok {
		return false
	}
	_, ok = roots[rootName]
	return ok
}

// MayRead reports whether the role may read the named root.
func (t *Table) MayRead(role ActorRole, rootName string) bool {
	roots, ok := t.read[role]
	if !ok {
		return false
	}
	_, ok = roots[rootName]
	return ok
}

// Known reports whether the role appears in the table at all.
func (t *Table) Known(role ActorRole) bool {
	_, ok := t.write[role]
	return ok
}
