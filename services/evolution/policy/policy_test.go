// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := Default()

	tests := []struct {
		name  string
		role  ActorRole
		root  string
		write bool
		read  bool
	}{
		{"engineer writes source", RoleEngineer, "source", true, true},
		{"engineer writes workspace", RoleEngineer, "workspace", true, true},
		{"tool confined to workspace", RoleTool, "workspace", true, true},
		{"tool cannot write source", RoleTool, "source", false, true},
		{"unknown role writes nothing", ActorRole("role.intruder"), "workspace", false, false},
		{"unknown root", RoleEngineer, "scratch", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.write, table.MayWrite(tc.role, tc.root))
			assert.Equal(t, tc.read, table.MayRead(tc.role, tc.root))
		})
	}
}

func TestParse(t *testing.T) {
	doc := []byte(`
grants:
  - role: role.engineer
    write: [source, workspace]
  - role: role.tool
    write: [workspace]
    read: [source]
`)
	table, err := Parse(doc)
	require.NoError(t, err)
	assert.True(t, table.MayWrite(RoleEngineer, "source"))
	assert.False(t, table.MayWrite(RoleTool, "source"))
	assert.True(t, table.MayRead(RoleTool, "source"))
	assert.True(t, table.Known(RoleTool))
	assert.False(t, table.Known("role.other"))
}

func TestCompileRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{"no grants", Document{}},
		{"missing role", Document{Grants: []Grant{{Write: []string{"source"}}}}},
		{"empty root", Document{Grants: []Grant{{Role: "role.tool", Write: []string{""}}}}},
		{"duplicate role", Document{Grants: []Grant{
			{Role: "role.tool", Write: []string{"workspace"}},
			{Role: "role.tool", Write: []string{"source"}},
		}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.doc)
			assert.Error(t, err)
		})
	}
}
