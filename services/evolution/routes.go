// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evolution

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all evolution routes with the router.
//
// # Description
//
// Registers all /v1/evolution/* endpoints with the given Gin router
// group. The router group should already have any required middleware
// applied.
//
// Endpoints:
//
//	POST /v1/evolution/proposals - Propose a change through the pipeline
//	GET  /v1/evolution/runs - List pipeline runs
//	GET  /v1/evolution/runs/:id - Get one pipeline run
//	GET  /v1/evolution/files - List a directory inside a sandbox root
//	GET  /v1/evolution/files/content - Read a file inside a sandbox root
//	GET  /v1/evolution/files/stat - Check whether a file exists
//	POST /v1/evolution/files - Write scratch content to a writable root
//	GET  /v1/evolution/backups - List backup records
//	POST /v1/evolution/backups/:id/restore - Restore a backup
//	POST /v1/evolution/restart - Request a supervised restart
//	GET  /v1/evolution/health - Health check
//
// Example:
//
//	svc, _ := evolution.NewService(cfg)
//	handlers := evolution.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	evolution.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	ev := rg.Group("/evolution")
	{
		// Pipeline
		ev.POST("/proposals", handlers.HandleProposeChange)
		ev.GET("/runs", handlers.HandleListRuns)
		ev.GET("/runs/:id", handlers.HandleGetRun)

		// Sandboxed file capabilities
		ev.GET("/files", handlers.HandleListDir)
		ev.GET("/files/content", handlers.HandleReadFile)
		ev.GET("/files/stat", handlers.HandleStatFile)
		ev.POST("/files", handlers.HandleWriteFile)

		// Backups
		ev.GET("/backups", handlers.HandleListBackups)
		ev.POST("/backups/:id/restore", handlers.HandleRestoreBackup)

		// Restart
		ev.POST("/restart", handlers.HandleRequestRestart)

		// Health
		ev.GET("/health", handlers.HandleHealth)
	}
}
