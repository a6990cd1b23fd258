// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evolution

import (
	"github.com/chrysalis-ai/chrysalis/services/evolution/backup"
	"github.com/chrysalis-ai/chrysalis/services/evolution/orchestrate"
)

// ProposeRequest is the request body for POST /v1/evolution/proposals.
type ProposeRequest struct {
	// Actor is the proposing role, e.g. "role.engineer".
	Actor string `json:"actor" binding:"required"`

	// Root names the sandbox root, e.g. "source".
	Root string `json:"root" binding:"required"`

	// Path is the target file, relative to the root.
	Path string `json:"path" binding:"required"`

	// Content is the full candidate content. Mutually exclusive with Patch.
	Content string `json:"content,omitempty"`

	// Patch is a unified diff against the target's current content.
	Patch string `json:"patch,omitempty"`

	// Rationale is recorded with the run for audit.
	Rationale string `json:"rationale,omitempty"`

	// ConfirmRestart requests a supervisor restart after commit.
	ConfirmRestart bool `json:"confirm_restart,omitempty"`
}

// ProposeResponse is the response for POST /v1/evolution/proposals. The
// run record is included on failure too, so callers always see where the
// pipeline stopped.
type ProposeResponse struct {
	Run *orchestrate.Run `json:"run"`
}

// RunsResponse is the response for GET /v1/evolution/runs.
type RunsResponse struct {
	Runs []*orchestrate.Run `json:"runs"`
}

// BackupsResponse is the response for GET /v1/evolution/backups.
type BackupsResponse struct {
	Records []backup.Record `json:"records"`
}

// RestoreResponse is the response for POST /v1/evolution/backups/:id/restore.
type RestoreResponse struct {
	Restored bool          `json:"restored"`
	Record   backup.Record `json:"record"`
}

// FileWriteRequest is the request body for POST /v1/evolution/files.
type FileWriteRequest struct {
	// Actor is the writing role, e.g. "role.tool".
	Actor string `json:"actor" binding:"required"`

	// Root names the sandbox root. The source root is refused here;
	// source changes go through the proposal pipeline.
	Root string `json:"root" binding:"required"`

	// Path is the target file, relative to the root.
	Path string `json:"path" binding:"required"`

	// Content is the full file content.
	Content string `json:"content"`
}

// FileWriteResponse is the response for POST /v1/evolution/files.
type FileWriteResponse struct {
	Written bool   `json:"written"`
	Root    string `json:"root"`
	Path    string `json:"path"`
}

// FileReadResponse is the response for GET /v1/evolution/files/content.
type FileReadResponse struct {
	Root    string `json:"root"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileListResponse is the response for GET /v1/evolution/files.
type FileListResponse struct {
	Root    string   `json:"root"`
	Path    string   `json:"path"`
	Entries []string `json:"entries"`
}

// FileStatResponse is the response for GET /v1/evolution/files/stat.
type FileStatResponse struct {
	Root   string `json:"root"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// RestartRequest is the request body for POST /v1/evolution/restart.
// Without Confirm the request is a no-op; nothing restarts by accident.
type RestartRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Confirm bool   `json:"confirm"`
}

// RestartResponse is the response for POST /v1/evolution/restart.
type RestartResponse struct {
	Accepted bool `json:"accepted"`
}

// HealthResponse is the response for GET /v1/evolution/health.
type HealthResponse struct {
	Status         string `json:"status"`
	RestartPending bool   `json:"restart_pending"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Run is the terminated run record, when a pipeline run got far
	// enough to exist (optional).
	Run *orchestrate.Run `json:"run,omitempty"`
}
