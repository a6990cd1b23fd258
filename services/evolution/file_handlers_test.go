// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evolution

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleWriteFileWorkspaceRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t, passSuite)

	rec := doJSON(t, router, http.MethodPost, "/v1/evolution/files", FileWriteRequest{
		Actor:   "role.tool",
		Root:    "workspace",
		Path:    "notes/plan.md",
		Content: "# plan\n",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet,
		"/v1/evolution/files/content?root=workspace&path=notes/plan.md&actor=role.tool", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var read FileReadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &read))
	assert.Equal(t, "# plan\n", read.Content)
}

func TestHandleWriteFileSourceAlwaysRefused(t *testing.T) {
	router, _ := newTestRouter(t, passSuite)

	// Even the privileged role may not write source directly; only the
	// pipeline commits to the source tree.
	for _, actor := range []string{"role.tool", "role.engineer"} {
		rec := doJSON(t, router, http.MethodPost, "/v1/evolution/files", FileWriteRequest{
			Actor:   actor,
			Root:    "source",
			Path:    "math.py",
			Content: "x = 1\n",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code, actor)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ACCESS_DENIED", resp.Code)
	}
}

func TestHandleReadFileErrors(t *testing.T) {
	router, _ := newTestRouter(t, passSuite)

	tests := []struct {
		name   string
		url    string
		status int
		code   string
	}{
		{
			"unknown role",
			"/v1/evolution/files/content?root=source&path=math.py&actor=role.intruder",
			http.StatusForbidden, "ACCESS_DENIED",
		},
		{
			"escaping path",
			"/v1/evolution/files/content?root=source&path=../../etc/passwd",
			http.StatusBadRequest, "OUT_OF_BOUNDS_PATH",
		},
		{
			"missing file",
			"/v1/evolution/files/content?root=source&path=absent.py",
			http.StatusNotFound, "FILE_NOT_FOUND",
		},
		{
			"unknown root",
			"/v1/evolution/files/content?root=scratch&path=a.py",
			http.StatusBadRequest, "INVALID_REQUEST",
		},
		{
			"missing parameters",
			"/v1/evolution/files/content?root=source",
			http.StatusBadRequest, "INVALID_REQUEST",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodGet, tc.url, nil)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}

func TestHandleListDirDefaultsToToolRole(t *testing.T) {
	router, _ := newTestRouter(t, passSuite)

	// The default table lets the tool role read source, so an absent
	// actor parameter still lists but never writes.
	rec := doJSON(t, router, http.MethodGet, "/v1/evolution/files?root=source", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var list FileListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Contains(t, list.Entries, "math.py")
}

func TestHandleStatFile(t *testing.T) {
	router, _ := newTestRouter(t, passSuite)

	rec := doJSON(t, router, http.MethodGet,
		"/v1/evolution/files/stat?root=source&path=math.py", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stat FileStatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stat))
	assert.True(t, stat.Exists)

	rec = doJSON(t, router, http.MethodGet,
		"/v1/evolution/files/stat?root=source&path=absent.py", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stat))
	assert.False(t, stat.Exists)
}
