// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrate drives a proposed change through the safety pipeline:
// access check, path resolution, syntax validation, backup, shadow test,
// then commit or rollback. The live tree is written exactly once, at
// commit, and only after every earlier stage has passed.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chrysalis-ai/chrysalis/services/evolution/backup"
	"github.com/chrysalis-ai/chrysalis/services/evolution/policy"
	"github.com/chrysalis-ai/chrysalis/services/evolution/sandbox"
	"github.com/chrysalis-ai/chrysalis/services/evolution/shadow"
	"github.com/chrysalis-ai/chrysalis/services/evolution/validate"
)

// Restarter asks the process supervisor for a restart after a committed
// change. Implementations must be safe to call at most once per process.
type Restarter interface {
	RequestRestart(ctx context.Context, reason string) error
}

// Config wires the pipeline's collaborators.
type Config struct {
	// Policy is the compiled actor-role access table. Required.
	Policy *policy.Table

	// Roots are the sandbox roots proposals may target, by name. Required.
	Roots map[string]*sandbox.Root

	// Backups takes pre-change snapshots and restores them. Required.
	Backups *backup.Manager

	// Shadows builds disposable copies for suite runs. Required.
	Shadows *shadow.Manager

	// Suite is the verification suite run inside shadow copies. Required.
	Suite shadow.Suite

	// Restarter handles post-commit restart requests. Optional; without
	// it ConfirmRestart proposals commit but never restart.
	Restarter Restarter

	// TracingEnabled turns on OpenTelemetry spans for runs.
	TracingEnabled bool

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Orchestrator executes pipeline runs.
//
// # Description
//
// One run is admitted per root at a time; a second proposal for a busy
// root fails fast with ErrRunInProgress rather than queueing. Distinct
// roots proceed concurrently. Completed runs are kept in memory for audit.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	resolver *sandbox.Resolver
	checker  *validate.Checker
	gates    map[string]*semaphore.Weighted
	logger   *slog.Logger
	tracer   *Tracer

	// commitFn performs the final live-tree write. Replaced in tests to
	// simulate commit I/O failure.
	commitFn func(path string, content []byte) error

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewOrchestrator validates the configuration and returns an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Policy == nil {
		return nil, errors.New("policy table is required")
	}
	if len(cfg.Roots) == 0 {
		return nil, errors.New("at least one sandbox root is required")
	}
	if cfg.Backups == nil {
		return nil, errors.New("backup manager is required")
	}
	if cfg.Shadows == nil {
		return nil, errors.New("shadow manager is required")
	}
	if cfg.Suite == nil {
		return nil, errors.New("verification suite is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	gates := make(map[string]*semaphore.Weighted, len(cfg.Roots))
	for name := range cfg.Roots {
		gates[name] = semaphore.NewWeighted(1)
	}

	logger := cfg.Logger.With("component", "orchestrate.Orchestrator")
	return &Orchestrator{
		cfg:      cfg,
		resolver: sandbox.NewResolver(),
		checker:  validate.NewChecker(),
		gates:    gates,
		logger:   logger,
		tracer:   NewTracer(logger, cfg.TracingEnabled),
		commitFn: defaultCommit,
		runs:     make(map[string]*Run),
	}, nil
}

// Propose runs a proposal through the full pipeline.
//
// # Description
//
// Stages execute in order; the first failure terminates the run. Failures
// before the backup stage reject the proposal with nothing mutated.
// Failures at or after the shadow stage roll the target back from its
// snapshot before returning. The returned Run is always non-nil and
// records the terminal status alongside the error.
//
// # Inputs
//
//   - ctx: Context for cancellation. Honored between stages and inside
//     the suite run.
//   - p: The proposal.
//
// # Outputs
//
//   - *Run: The completed run record.
//   - error: The pipeline sentinel describing the failure, nil on commit.
func (o *Orchestrator) Propose(ctx context.Context, p Proposal) (run *Run, retErr error) {
	run = &Run{
		ID:        uuid.New().String(),
		Proposal:  p,
		Status:    StatusProposed,
		StartedAt: time.Now().UTC(),
	}
	o.storeRun(run)

	ctx, span := o.tracer.StartRun(ctx, run.ID, p)
	defer func() { o.tracer.EndRun(span, run, retErr) }()

	if err := o.checkShape(p); err != nil {
		return o.reject(ctx, run, err)
	}

	// Access check: pure table lookup, no filesystem I/O yet.
	if !o.cfg.Policy.MayWrite(p.Actor, p.RootName) {
		return o.reject(ctx, run, fmt.Errorf("%w: role %s, root %s", ErrAccessDenied, p.Actor, p.RootName))
	}
	o.advance(ctx, run, StatusAccessChecked)

	root := o.cfg.Roots[p.RootName]
	gate := o.gates[p.RootName]
	if !gate.TryAcquire(1) {
		return o.reject(ctx, run, fmt.Errorf("%w: %s", ErrRunInProgress, p.RootName))
	}
	defer gate.Release(1)

	absPath, err := o.resolver.Resolve(root, p.Path)
	if err != nil {
		return o.reject(ctx, run, err)
	}
	run.ResolvedPath = absPath
	o.advance(ctx, run, StatusPathResolved)

	candidate, err := o.buildCandidate(run, absPath)
	if err != nil {
		return o.reject(ctx, run, err)
	}

	syntax, err := o.checker.Check(ctx, p.Path, candidate)
	if err != nil {
		return o.reject(ctx, run, fmt.Errorf("syntax check: %w", err))
	}
	run.Syntax = syntax
	if !syntax.Accepted {
		return o.reject(ctx, run, fmt.Errorf("%w: %s at %d:%d",
			ErrInvalidSyntax, syntax.Message, syntax.Line, syntax.Col))
	}
	o.advance(ctx, run, StatusValidated)

	rec, err := o.cfg.Backups.Snapshot(ctx, p.RootName, absPath)
	if err != nil {
		// No snapshot, no change: the proposal dies here.
		return o.reject(ctx, run, err)
	}
	run.BackupID = rec.ID
	o.cfg.Backups.Pin(rec.ID)
	defer o.cfg.Backups.Unpin(rec.ID)
	o.advance(ctx, run, StatusBackedUp)

	if err := o.shadowTest(ctx, run, root, candidate); err != nil {
		return o.rollback(ctx, run, err)
	}
	o.advance(ctx, run, StatusShadowTested)

	// The window between resolution and commit is long enough for the
	// tree to change under us. Resolve again and refuse a moved target.
	commitPath, err := o.resolver.Resolve(root, p.Path)
	if err != nil {
		return o.rollback(ctx, run, err)
	}
	if commitPath != absPath {
		return o.rollback(ctx, run, fmt.Errorf("%w: target moved during run", sandbox.ErrOutOfBounds))
	}
	if err := o.commitFn(commitPath, candidate); err != nil {
		if restoreErr := o.cfg.Backups.Restore(ctx, run.BackupID); restoreErr != nil {
			o.logger.Error("rollback after failed commit also failed",
				"run_id", run.ID, "backup_id", run.BackupID, "error", restoreErr)
		}
		return o.rollback(ctx, run, fmt.Errorf("%w: %v", ErrCommitIO, err))
	}
	o.finish(ctx, run, StatusCommitted, nil)

	o.logger.Info("change committed",
		"run_id", run.ID,
		"root", p.RootName,
		"path", p.Path,
		"backup_id", run.BackupID)

	if p.ConfirmRestart && o.cfg.Restarter != nil {
		reason := fmt.Sprintf("run %s committed %s", run.ID, p.Path)
		if err := o.cfg.Restarter.RequestRestart(ctx, reason); err != nil {
			o.logger.Warn("restart request failed, change remains committed",
				"run_id", run.ID, "error", err)
			return run, nil
		}
		o.advance(ctx, run, StatusRestartRequested)
	}

	return run, nil
}

// SetRestarter wires the restart coordinator after construction. The
// coordinator drains this orchestrator, so the two reference each other
// and one side has to be attached late.
func (o *Orchestrator) SetRestarter(r Restarter) {
	o.cfg.Restarter = r
}

// Drain blocks until every in-flight run finishes, then holds all root
// gates so no new run can start. Used by the restart coordinator: after a
// successful drain the process is quiescent and safe to exit.
func (o *Orchestrator) Drain(ctx context.Context) error {
	for name, gate := range o.gates {
		if err := gate.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("draining root %s: %w", name, err)
		}
	}
	o.logger.Info("all roots drained")
	return nil
}

// GetRun loads a run record by ID.
func (o *Orchestrator) GetRun(id string) (*Run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	copied := *run
	return &copied, nil
}

// Runs returns all run records, newest first.
func (o *Orchestrator) Runs() []*Run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Run, 0, len(o.runs))
	for _, run := range o.runs {
		copied := *run
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// checkShape rejects structurally invalid proposals before any stage runs.
func (o *Orchestrator) checkShape(p Proposal) error {
	if p.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrBadProposal)
	}
	if p.RootName == "" {
		return fmt.Errorf("%w: root name is required", ErrBadProposal)
	}
	if _, ok := o.cfg.Roots[p.RootName]; !ok {
		return fmt.Errorf("%w: unknown root %q", ErrBadProposal, p.RootName)
	}
	if p.Path == "" {
		return fmt.Errorf("%w: path is required", ErrBadProposal)
	}
	hasContent := len(p.Content) > 0
	hasPatch := p.Patch != ""
	if hasContent == hasPatch {
		return fmt.Errorf("%w: exactly one of content and patch must be set", ErrBadProposal)
	}
	return nil
}

// buildCandidate produces the full candidate content, applying the patch
// against the target's current content when the proposal carries one.
func (o *Orchestrator) buildCandidate(run *Run, absPath string) ([]byte, error) {
	p := run.Proposal
	if p.Patch == "" {
		return p.Content, nil
	}

	original, err := os.ReadFile(absPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading target for patch: %w", err)
	}
	candidate, stats, err := validate.ApplyPatch(original, p.Patch)
	if err != nil {
		return nil, err
	}
	run.PatchStats = stats
	return candidate, nil
}

// shadowTest builds a shadow copy, applies the candidate, and runs the
// suite. A failing suite retains the copy on disk for inspection.
func (o *Orchestrator) shadowTest(ctx context.Context, run *Run, root *sandbox.Root, candidate []byte) error {
	inst, err := o.cfg.Shadows.Create(root)
	if err != nil {
		return err
	}

	if err := inst.ApplyCandidate(run.Proposal.Path, candidate); err != nil {
		inst.Dispose()
		return err
	}

	report, err := inst.Run(ctx, o.cfg.Suite)
	run.ShadowReport = report
	if err != nil {
		inst.Dispose()
		return fmt.Errorf("%w: running suite: %v", shadow.ErrShadowSetup, err)
	}
	if !report.Passed {
		if inst.RetainOnFailure {
			// Keep the copy so an engineer can see what the candidate did.
			run.ShadowDir = inst.Dir
		} else if err := inst.Dispose(); err != nil {
			o.logger.Warn("could not dispose shadow copy", "run_id", run.ID, "error", err)
		}
		return fmt.Errorf("%w: exit code %d", ErrShadowTestFailed, report.ExitCode)
	}

	if err := inst.Dispose(); err != nil {
		o.logger.Warn("could not dispose shadow copy", "run_id", run.ID, "error", err)
	}
	return nil
}

// reject terminates a run before anything was mutated.
func (o *Orchestrator) reject(ctx context.Context, run *Run, err error) (*Run, error) {
	o.finish(ctx, run, StatusRejected, err)
	o.logger.Info("proposal rejected",
		"run_id", run.ID,
		"stage", run.Status,
		"error", err)
	return run, err
}

// rollback restores the pre-change snapshot and terminates the run.
//
// The restore is idempotent and safe even when the live tree was never
// touched: it rewrites the identical pre-change state.
func (o *Orchestrator) rollback(ctx context.Context, run *Run, cause error) (*Run, error) {
	if run.BackupID != "" && !errors.Is(cause, ErrCommitIO) {
		if err := o.cfg.Backups.Restore(ctx, run.BackupID); err != nil {
			o.logger.Error("rollback restore failed",
				"run_id", run.ID, "backup_id", run.BackupID, "error", err)
		}
	}
	o.finish(ctx, run, StatusRolledBack, cause)
	o.logger.Warn("run rolled back",
		"run_id", run.ID,
		"backup_id", run.BackupID,
		"error", cause)
	return run, cause
}

// advance moves a run to its next stage.
func (o *Orchestrator) advance(ctx context.Context, run *Run, to Status) {
	from := run.Status
	run.Status = to
	o.storeRun(run)
	o.tracer.RecordStage(ctx, run.ID, from, to)
}

// finish records a run's terminal status.
func (o *Orchestrator) finish(ctx context.Context, run *Run, to Status, err error) {
	from := run.Status
	run.Status = to
	if err != nil {
		run.Error = err.Error()
	}
	run.FinishedAt = time.Now().UTC()
	o.storeRun(run)
	o.tracer.RecordStage(ctx, run.ID, from, to)
}

// storeRun publishes a snapshot of the run for GetRun and Runs. The live
// Run stays local to its Propose call, so readers never race a mutation.
func (o *Orchestrator) storeRun(run *Run) {
	copied := *run
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[run.ID] = &copied
}

// defaultCommit atomically replaces the live file with the candidate.
func defaultCommit(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return sandbox.AtomicWrite(path, content, 0o644)
}
