// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAcceptsValidContent(t *testing.T) {
	ctx := context.Background()
	checker := NewChecker()

	tests := []struct {
		name     string
		path     string
		content  string
		language string
	}{
		{"go", "pkg/math.go", "package math\n\nfunc Add(a, b int) int { return a + b }\n", "go"},
		{"python", "tools/math.py", "def add(a, b):\n    return a + b\n", "python"},
		{"javascript", "web/math.js", "function add(a, b) { return a + b; }\n", "javascript"},
		{"typescript", "web/math.ts", "function add(a: number, b: number): number { return a + b; }\n", "typescript"},
		{"bash", "scripts/run.sh", "#!/bin/bash\necho \"ok\"\n", "bash"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := checker.Check(ctx, tc.path, []byte(tc.content))
			require.NoError(t, err)
			assert.True(t, res.Accepted, res.Message)
			assert.Equal(t, tc.language, res.Language)
			assert.Zero(t, res.Line)
		})
	}
}

func TestCheckRejectsBrokenContent(t *testing.T) {
	ctx := context.Background()
	checker := NewChecker()

	tests := []struct {
		name    string
		path    string
		content string
	}{
		{"unbalanced brace", "pkg/math.go", "package math\n\nfunc Add(a, b int) int { return a + b\n"},
		{"python indent error", "tools/bad.py", "def add(a, b):\nreturn a +\n"},
		{"dangling paren", "web/bad.js", "function add(a, b { return a + b; }\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := checker.Check(ctx, tc.path, []byte(tc.content))
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.NotEmpty(t, res.Message)
			assert.Positive(t, res.Line)
		})
	}
}

func TestCheckAcceptsUnknownFileType(t *testing.T) {
	checker := NewChecker()

	res, err := checker.Check(context.Background(), "agent/math.src", []byte("def add(a, b): return a - b"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Language)
	assert.Contains(t, res.Message, "not checked")
}

func TestCheckHonorsCancellation(t *testing.T) {
	checker := NewChecker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := checker.Check(ctx, "pkg/math.go", []byte("package math\n"))
	assert.ErrorIs(t, err, context.Canceled)
}
