// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evolution

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrysalis-ai/chrysalis/services/evolution/backup"
	"github.com/chrysalis-ai/chrysalis/services/evolution/orchestrate"
	"github.com/chrysalis-ai/chrysalis/services/evolution/policy"
	"github.com/chrysalis-ai/chrysalis/services/evolution/restart"
	"github.com/chrysalis-ai/chrysalis/services/evolution/sandbox"
	"github.com/chrysalis-ai/chrysalis/services/evolution/shadow"
	"github.com/chrysalis-ai/chrysalis/services/evolution/validate"
)

// Handlers contains the HTTP handlers for the evolution service.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers wrapping the service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleProposeChange handles POST /v1/evolution/proposals.
//
// # Description
//
// Runs the proposal through the full pipeline synchronously and returns
// the run record. Pipeline failures map to stable error codes; the run
// record rides along so the caller sees which stage stopped it.
//
// Response:
//
//	200 OK: ProposeResponse (change committed)
//	400 Bad Request: malformed request, malformed patch, or escaping path
//	403 Forbidden: actor role denied
//	409 Conflict: a run is already active for the root
//	422 Unprocessable Entity: syntax or shadow-test failure
//	500 Internal Server Error: backup, shadow setup, or commit I/O failure
func (h *Handlers) HandleProposeChange(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleProposeChange")

	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	run, err := h.svc.Propose(c.Request.Context(), orchestrate.Proposal{
		Actor:          policy.ActorRole(req.Actor),
		RootName:       req.Root,
		Path:           req.Path,
		Content:        []byte(req.Content),
		Patch:          req.Patch,
		Rationale:      req.Rationale,
		ConfirmRestart: req.ConfirmRestart,
	})
	if err != nil {
		status, code := classifyPipelineError(err)
		logger.Info("Proposal did not commit",
			"run_id", runID(run), "code", code, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, Run: run})
		return
	}

	logger.Info("Proposal committed", "run_id", run.ID, "status", run.Status)
	c.JSON(http.StatusOK, ProposeResponse{Run: run})
}

// HandleGetRun handles GET /v1/evolution/runs/:id.
func (h *Handlers) HandleGetRun(c *gin.Context) {
	run, err := h.svc.GetRun(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "RUN_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, ProposeResponse{Run: run})
}

// HandleListRuns handles GET /v1/evolution/runs.
func (h *Handlers) HandleListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, RunsResponse{Runs: h.svc.Runs()})
}

// HandleListBackups handles GET /v1/evolution/backups.
//
// Query Parameters:
//
//	root: Filter records by root name (optional)
func (h *Handlers) HandleListBackups(c *gin.Context) {
	records, err := h.svc.ListBackups(c.Request.Context(), c.Query("root"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "BACKUP_LIST_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, BackupsResponse{Records: records})
}

// HandleRestoreBackup handles POST /v1/evolution/backups/:id/restore.
//
// Manual rollback: restores the snapshot to its original path regardless
// of the run that created it.
func (h *Handlers) HandleRestoreBackup(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRestoreBackup")

	rec, err := h.svc.RestoreBackup(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, backup.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "RECORD_NOT_FOUND",
		})
		return
	case err != nil:
		logger.Error("Restore failed", "record_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "BACKUP_IO_ERROR",
		})
		return
	}

	logger.Info("Backup restored", "record_id", rec.ID, "path", rec.OriginalPath)
	c.JSON(http.StatusOK, RestoreResponse{Restored: true, Record: rec})
}

// HandleRequestRestart handles POST /v1/evolution/restart.
func (h *Handlers) HandleRequestRestart(c *gin.Context) {
	var req RestartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if !req.Confirm {
		c.JSON(http.StatusOK, RestartResponse{Accepted: false})
		return
	}

	if err := h.svc.RequestRestart(c.Request.Context(), req.Reason); err != nil {
		if errors.Is(err, restart.ErrRestartPending) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: err.Error(),
				Code:  "RESTART_PENDING",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "RESTART_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, RestartResponse{Accepted: true})
}

// HandleHealth handles GET /v1/evolution/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:         "ok",
		RestartPending: h.svc.RestartPending(),
	})
}

// classifyPipelineError maps a pipeline failure to HTTP status and code.
func classifyPipelineError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrate.ErrBadProposal):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, orchestrate.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED"
	case errors.Is(err, sandbox.ErrOutOfBounds):
		return http.StatusBadRequest, "OUT_OF_BOUNDS_PATH"
	case errors.Is(err, validate.ErrPatchMalformed):
		return http.StatusBadRequest, "MALFORMED_PATCH"
	case errors.Is(err, orchestrate.ErrInvalidSyntax):
		return http.StatusUnprocessableEntity, "INVALID_SYNTAX"
	case errors.Is(err, orchestrate.ErrRunInProgress):
		return http.StatusConflict, "RUN_IN_PROGRESS"
	case errors.Is(err, backup.ErrBackupIO):
		return http.StatusInternalServerError, "BACKUP_IO_ERROR"
	case errors.Is(err, shadow.ErrShadowSetup):
		return http.StatusInternalServerError, "SHADOW_SETUP_ERROR"
	case errors.Is(err, orchestrate.ErrShadowTestFailed):
		return http.StatusUnprocessableEntity, "SHADOW_TEST_FAILED"
	case errors.Is(err, orchestrate.ErrCommitIO):
		return http.StatusInternalServerError, "COMMIT_IO_ERROR"
	default:
		return http.StatusInternalServerError, "PIPELINE_ERROR"
	}
}

// runID tolerates a nil run when logging.
func runID(run *orchestrate.Run) string {
	if run == nil {
		return ""
	}
	return run.ID
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
