// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/chrysalis-ai/chrysalis/cmd/chrysalis/config"
	"github.com/chrysalis-ai/chrysalis/services/evolution"
)

// runServe starts the evolution service and blocks until shutdown.
func runServe(cmd *cobra.Command, args []string) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	cfg := config.Global

	svc, err := evolution.NewService(evolution.ServiceConfig{
		SourceDir:    cfg.Paths.SourceDir,
		WorkspaceDir: cfg.Paths.WorkspaceDir,
		BackupDir:    cfg.Paths.BackupDir,
		ShadowDir:    cfg.Paths.ShadowDir,
		PolicyPath:   cfg.Policy.Path,
		SuiteCommand: cfg.Suite.Command,
		SuiteArgs:    cfg.Suite.Args,
		SuiteTimeout: time.Duration(cfg.Suite.TimeoutSeconds) * time.Second,
		// Serve mode has no supervisor contract of its own; the restart
		// coordinator spawns the replacement process itself.
		SelfExec:       true,
		TracingEnabled: cfg.Observability.Tracing,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("could not build evolution service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	v1 := router.Group("/v1")
	evolution.RegisterRoutes(v1, evolution.NewHandlers(svc))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodic retention: backup eviction and shadow sweep.
	maintCtx, stopMaint := context.WithCancel(context.Background())
	defer stopMaint()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-ticker.C:
				if err := svc.Maintain(maintCtx); err != nil {
					logger.Warn("maintenance pass failed", "error", err)
				}
			}
		}
	}()

	go func() {
		logger.Info("evolution service listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", "error", err)
	}
}
