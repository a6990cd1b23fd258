// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package restart hands the process over to its supervisor after a
// committed change. The running process never mutates itself; it drains
// in-flight work, optionally spawns its replacement, and exits so the
// updated code is loaded fresh.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// ErrRestartPending is returned when a restart has already been requested.
// The coordinator fires once per process lifetime.
var ErrRestartPending = errors.New("restart already requested")

// Drainer waits for in-flight work to finish before the process exits.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Config configures the coordinator.
type Config struct {
	// Drainer is waited on before exit. Optional.
	Drainer Drainer

	// GracePeriod bounds the drain. Default: 30s.
	GracePeriod time.Duration

	// ExitDelay is how long to wait after a request before exiting, so
	// the caller's response can flush. Default: 200ms.
	ExitDelay time.Duration

	// SelfExec spawns a replacement process with the current binary and
	// arguments before exiting. Leave false under a supervisor that
	// restarts the service itself.
	SelfExec bool

	// ExitCode is passed to the exit call. Default: 0.
	ExitCode int

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator performs at most one restart handoff per process.
//
// # Thread Safety
//
// Safe for concurrent use; only the first request proceeds.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	fired  atomic.Bool

	// spawnFn and exitFn are replaced in tests.
	spawnFn func() error
	exitFn  func(code int)
}

// NewCoordinator returns a coordinator with defaults applied.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.ExitDelay <= 0 {
		cfg.ExitDelay = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "restart.Coordinator"),
		spawnFn: spawnReplacement,
		exitFn:  os.Exit,
	}
}

// RequestRestart drains in-flight work and schedules the process exit.
//
// # Description
//
// The drain runs synchronously under the grace period; a drain failure is
// logged but does not cancel the handoff, because the committed change is
// already live and a half-restarted process is worse than a brief
// interruption. The exit itself happens after ExitDelay on a background
// goroutine so the caller's response can flush first.
//
// # Outputs
//
//   - error: ErrRestartPending if a restart was already requested.
func (c *Coordinator) RequestRestart(ctx context.Context, reason string) error {
	if !c.fired.CompareAndSwap(false, true) {
		return ErrRestartPending
	}

	c.logger.Info("restart requested", "reason", reason)

	if c.cfg.Drainer != nil {
		drainCtx, cancel := context.WithTimeout(ctx, c.cfg.GracePeriod)
		defer cancel()
		if err := c.cfg.Drainer.Drain(drainCtx); err != nil {
			c.logger.Warn("drain did not complete cleanly, continuing handoff", "error", err)
		}
	}

	go func() {
		time.Sleep(c.cfg.ExitDelay)
		if c.cfg.SelfExec {
			if err := c.spawnFn(); err != nil {
				c.logger.Error("could not spawn replacement process", "error", err)
			}
		}
		c.logger.Info("exiting for restart", "exit_code", c.cfg.ExitCode)
		c.exitFn(c.cfg.ExitCode)
	}()

	return nil
}

// Pending reports whether a restart has been requested.
func (c *Coordinator) Pending() bool {
	return c.fired.Load()
}

// spawnReplacement starts a detached copy of the current binary with the
// same arguments and environment.
func spawnReplacement() error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating current binary: %w", err)
	}
	cmd := exec.Command(bin, os.Args[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting replacement process: %w", err)
	}
	// The replacement outlives us; do not wait on it.
	return cmd.Process.Release()
}
