// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evolution

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chrysalis-ai/chrysalis/services/evolution/orchestrate"
	"github.com/chrysalis-ai/chrysalis/services/evolution/policy"
	"github.com/chrysalis-ai/chrysalis/services/evolution/sandbox"
)

// HandleReadFile handles GET /v1/evolution/files/content.
//
// # Description
//
// Returns a file's bytes from inside a sandbox root. The path is
// confined to the root and the actor's read grant is checked first.
//
// Query Parameters:
//
//	root: Sandbox root name (required)
//	path: File path relative to the root (required)
//	actor: Actor role; defaults to the restricted tool role
func (h *Handlers) HandleReadFile(c *gin.Context) {
	rootName, path, ok := fileQuery(c)
	if !ok {
		return
	}

	data, err := h.svc.ReadFile(actorFrom(c), rootName, path)
	if err != nil {
		status, code := classifyFileError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, FileReadResponse{
		Root:    rootName,
		Path:    path,
		Content: string(data),
	})
}

// HandleWriteFile handles POST /v1/evolution/files.
//
// Direct writes serve scratch space only. The source root is refused
// here regardless of the actor's grants; source changes go through the
// proposal pipeline.
func (h *Handlers) HandleWriteFile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleWriteFile")

	var req FileWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	err := h.svc.WriteFile(policy.ActorRole(req.Actor), req.Root, req.Path, []byte(req.Content))
	if err != nil {
		status, code := classifyFileError(err)
		logger.Info("File write refused",
			"root", req.Root, "path", req.Path, "code", code, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("File written", "root", req.Root, "path", req.Path, "bytes", len(req.Content))
	c.JSON(http.StatusOK, FileWriteResponse{Written: true, Root: req.Root, Path: req.Path})
}

// HandleListDir handles GET /v1/evolution/files.
//
// Query Parameters:
//
//	root: Sandbox root name (required)
//	path: Directory path relative to the root; defaults to the root itself
//	actor: Actor role; defaults to the restricted tool role
func (h *Handlers) HandleListDir(c *gin.Context) {
	rootName := c.Query("root")
	if rootName == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "root query parameter is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	path := c.DefaultQuery("path", ".")

	entries, err := h.svc.ListDir(actorFrom(c), rootName, path)
	if err != nil {
		status, code := classifyFileError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, FileListResponse{Root: rootName, Path: path, Entries: entries})
}

// HandleStatFile handles GET /v1/evolution/files/stat.
func (h *Handlers) HandleStatFile(c *gin.Context) {
	rootName, path, ok := fileQuery(c)
	if !ok {
		return
	}

	exists, err := h.svc.FileExists(actorFrom(c), rootName, path)
	if err != nil {
		status, code := classifyFileError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, FileStatResponse{Root: rootName, Path: path, Exists: exists})
}

// fileQuery extracts the required root and path query parameters,
// writing the error response itself when either is missing.
func fileQuery(c *gin.Context) (rootName, path string, ok bool) {
	rootName = c.Query("root")
	path = c.Query("path")
	if rootName == "" || path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "root and path query parameters are required",
			Code:  "INVALID_REQUEST",
		})
		return "", "", false
	}
	return rootName, path, true
}

// actorFrom reads the actor query parameter, defaulting to the
// restricted tool role so an absent actor never gains privilege.
func actorFrom(c *gin.Context) policy.ActorRole {
	if actor := c.Query("actor"); actor != "" {
		return policy.ActorRole(actor)
	}
	return policy.RoleTool
}

// classifyFileError maps a file-capability failure to HTTP status and code.
func classifyFileError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrate.ErrBadProposal):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, orchestrate.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED"
	case errors.Is(err, sandbox.ErrOutOfBounds):
		return http.StatusBadRequest, "OUT_OF_BOUNDS_PATH"
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, "FILE_NOT_FOUND"
	default:
		return http.StatusInternalServerError, "FILE_IO_ERROR"
	}
}
