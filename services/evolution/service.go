// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package evolution provides the HTTP service for the self-change safety
// pipeline.
//
// The service exposes endpoints for:
//   - Proposing changes to the source or workspace trees
//   - Inspecting pipeline runs
//   - Sandboxed file access gated by the actor-role policy
//   - Listing and restoring pre-change backups
//   - Requesting a supervised restart after a committed change
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chrysalis-ai/chrysalis/services/evolution/backup"
	"github.com/chrysalis-ai/chrysalis/services/evolution/orchestrate"
	"github.com/chrysalis-ai/chrysalis/services/evolution/policy"
	"github.com/chrysalis-ai/chrysalis/services/evolution/restart"
	"github.com/chrysalis-ai/chrysalis/services/evolution/sandbox"
	"github.com/chrysalis-ai/chrysalis/services/evolution/shadow"
)

// ServiceConfig configures the evolution service.
type ServiceConfig struct {
	// SourceDir is the agent's own source tree. Required.
	SourceDir string

	// WorkspaceDir is the scratch tree restricted tools may write. Required.
	WorkspaceDir string

	// BackupDir holds pre-change snapshots, outside both roots. Required.
	BackupDir string

	// ShadowDir holds disposable shadow copies, outside both roots. Required.
	ShadowDir string

	// PolicyPath is an optional YAML policy file. Empty uses the built-in
	// table.
	PolicyPath string

	// SuiteCommand and SuiteArgs define the verification suite run inside
	// shadow copies. Required unless Suite is set directly.
	SuiteCommand string
	SuiteArgs    []string

	// SuiteTimeout bounds one suite run. Default: 2m.
	SuiteTimeout time.Duration

	// Suite overrides the command suite. Used by tests.
	Suite shadow.Suite

	// SelfExec makes a confirmed restart spawn its own replacement
	// instead of relying on an external supervisor.
	SelfExec bool

	// BackupsInMemory keeps the backup index in RAM. Used by tests.
	BackupsInMemory bool

	// TracingEnabled turns on OpenTelemetry spans for pipeline runs.
	TracingEnabled bool

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service wires the pipeline components behind one API surface.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	config    ServiceConfig
	orch      *orchestrate.Orchestrator
	backups   *backup.Manager
	shadows   *shadow.Manager
	restarter *restart.Coordinator
	policy    *policy.Table
	files     map[string]*sandbox.FileSet
	logger    *slog.Logger
}

// NewService builds the full pipeline from configuration.
//
// # Description
//
// Creates both sandbox roots (making their directories if needed), loads
// or defaults the access policy, opens the backup store, and assembles the
// orchestrator with a command suite and restart coordinator.
func NewService(config ServiceConfig) (*Service, error) {
	if config.SourceDir == "" || config.WorkspaceDir == "" {
		return nil, errors.New("source and workspace directories are required")
	}
	if config.BackupDir == "" || config.ShadowDir == "" {
		return nil, errors.New("backup and shadow directories are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With("service", "evolution")

	roots := make(map[string]*sandbox.Root, 2)
	files := make(map[string]*sandbox.FileSet, 2)
	resolver := sandbox.NewResolver()
	for name, dir := range map[string]string{
		sandbox.RootSource:    config.SourceDir,
		sandbox.RootWorkspace: config.WorkspaceDir,
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s root: %w", name, err)
		}
		root, err := sandbox.NewRoot(name, dir)
		if err != nil {
			return nil, fmt.Errorf("opening %s root: %w", name, err)
		}
		roots[name] = root
		files[name] = sandbox.NewFileSet(root, resolver)
	}

	table, err := loadPolicy(config.PolicyPath)
	if err != nil {
		return nil, err
	}

	backups, err := backup.NewManager(backup.Config{
		Dir:           config.BackupDir,
		InMemoryIndex: config.BackupsInMemory,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening backup manager: %w", err)
	}

	shadows, err := shadow.NewManager(shadow.Config{
		Dir:    config.ShadowDir,
		Logger: logger,
	})
	if err != nil {
		backups.Close()
		return nil, fmt.Errorf("creating shadow manager: %w", err)
	}

	suite := config.Suite
	if suite == nil {
		if config.SuiteCommand == "" {
			backups.Close()
			return nil, errors.New("a verification suite command is required")
		}
		suite = &shadow.CommandSuite{
			Command: config.SuiteCommand,
			Args:    config.SuiteArgs,
			Timeout: config.SuiteTimeout,
			Logger:  logger,
		}
	}

	orch, err := orchestrate.NewOrchestrator(orchestrate.Config{
		Policy:         table,
		Roots:          roots,
		Backups:        backups,
		Shadows:        shadows,
		Suite:          suite,
		TracingEnabled: config.TracingEnabled,
		Logger:         logger,
	})
	if err != nil {
		backups.Close()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	svc := &Service{
		config:  config,
		orch:    orch,
		backups: backups,
		shadows: shadows,
		policy:  table,
		files:   files,
		logger:  logger,
	}
	svc.restarter = restart.NewCoordinator(restart.Config{
		Drainer:  orch,
		SelfExec: config.SelfExec,
		Logger:   logger,
	})
	orch.SetRestarter(svc.restarter)
	return svc, nil
}

// loadPolicy reads the YAML policy file, or returns the built-in table
// when no path is configured.
func loadPolicy(path string) (*policy.Table, error) {
	if path == "" {
		return policy.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	table, err := policy.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return table, nil
}

// Propose runs a proposal through the pipeline.
func (s *Service) Propose(ctx context.Context, p orchestrate.Proposal) (*orchestrate.Run, error) {
	return s.orch.Propose(ctx, p)
}

// GetRun loads a run record.
func (s *Service) GetRun(id string) (*orchestrate.Run, error) {
	return s.orch.GetRun(id)
}

// Runs returns all run records, newest first.
func (s *Service) Runs() []*orchestrate.Run {
	return s.orch.Runs()
}

// ListBackups returns a root's backup records, newest first.
func (s *Service) ListBackups(ctx context.Context, rootName string) ([]backup.Record, error) {
	return s.backups.List(ctx, rootName)
}

// RestoreBackup restores a snapshot to its original path.
func (s *Service) RestoreBackup(ctx context.Context, id string) (backup.Record, error) {
	rec, err := s.backups.Get(id)
	if err != nil {
		return backup.Record{}, err
	}
	if err := s.backups.Restore(ctx, id); err != nil {
		return backup.Record{}, err
	}
	return rec, nil
}

// fileSet authorizes one capability invocation and returns the root's
// capability set.
//
// # Description
//
// Read, list, and exists require the role's read grant; write requires
// the write grant. The source root is never writable through this path
// regardless of grants: source changes go through the pipeline, which is
// the only writer that backs up and shadow-tests first.
func (s *Service) fileSet(actor policy.ActorRole, rootName string, c sandbox.Capability) (*sandbox.FileSet, error) {
	fs, ok := s.files[rootName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown root %q", orchestrate.ErrBadProposal, rootName)
	}
	if c == sandbox.CapWrite {
		if rootName == sandbox.RootSource {
			return nil, fmt.Errorf("%w: the source root is only written by the pipeline",
				orchestrate.ErrAccessDenied)
		}
		if !s.policy.MayWrite(actor, rootName) {
			return nil, fmt.Errorf("%w: role %s may not write %s",
				orchestrate.ErrAccessDenied, actor, rootName)
		}
		return fs, nil
	}
	if !s.policy.MayRead(actor, rootName) {
		return nil, fmt.Errorf("%w: role %s may not read %s",
			orchestrate.ErrAccessDenied, actor, rootName)
	}
	return fs, nil
}

// ReadFile returns a file's bytes from inside a sandbox root.
func (s *Service) ReadFile(actor policy.ActorRole, rootName, path string) ([]byte, error) {
	fs, err := s.fileSet(actor, rootName, sandbox.CapRead)
	if err != nil {
		return nil, err
	}
	return fs.Read(path)
}

// WriteFile writes scratch content inside a writable sandbox root.
func (s *Service) WriteFile(actor policy.ActorRole, rootName, path string, data []byte) error {
	fs, err := s.fileSet(actor, rootName, sandbox.CapWrite)
	if err != nil {
		return err
	}
	return fs.Write(path, data)
}

// ListDir returns the sorted entry names of a directory inside a root.
func (s *Service) ListDir(actor policy.ActorRole, rootName, path string) ([]string, error) {
	fs, err := s.fileSet(actor, rootName, sandbox.CapList)
	if err != nil {
		return nil, err
	}
	return fs.List(path)
}

// FileExists reports whether a path exists inside a root.
func (s *Service) FileExists(actor policy.ActorRole, rootName, path string) (bool, error) {
	fs, err := s.fileSet(actor, rootName, sandbox.CapExists)
	if err != nil {
		return false, err
	}
	return fs.Exists(path)
}

// RequestRestart drains the pipeline and hands the process to its
// supervisor.
func (s *Service) RequestRestart(ctx context.Context, reason string) error {
	return s.restarter.RequestRestart(ctx, reason)
}

// RestartPending reports whether a restart handoff is underway.
func (s *Service) RestartPending() bool {
	return s.restarter.Pending()
}

// Maintain runs one retention pass: backup eviction plus shadow sweep.
func (s *Service) Maintain(ctx context.Context) error {
	if _, err := s.backups.Evict(ctx); err != nil {
		return fmt.Errorf("backup eviction: %w", err)
	}
	if _, err := s.shadows.Sweep(); err != nil {
		return fmt.Errorf("shadow sweep: %w", err)
	}
	return nil
}

// Close releases the service's resources.
func (s *Service) Close() error {
	return s.backups.Close()
}
