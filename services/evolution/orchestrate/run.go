// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrate

import (
	"time"

	"github.com/chrysalis-ai/chrysalis/services/evolution/policy"
	"github.com/chrysalis-ai/chrysalis/services/evolution/shadow"
	"github.com/chrysalis-ai/chrysalis/services/evolution/validate"
)

// Status is a run's position in the change pipeline.
//
// Stages advance strictly forward; a run never re-enters an earlier stage.
// Committed, RolledBack, and Rejected are terminal.
type Status string

const (
	// StatusProposed is the initial state of an accepted proposal.
	StatusProposed Status = "proposed"

	// StatusAccessChecked means the actor's role passed the policy table.
	StatusAccessChecked Status = "access_checked"

	// StatusPathResolved means the target resolved inside its root.
	StatusPathResolved Status = "path_resolved"

	// StatusValidated means the candidate content parsed cleanly.
	StatusValidated Status = "validated"

	// StatusBackedUp means the pre-change snapshot is durable.
	StatusBackedUp Status = "backed_up"

	// StatusShadowTested means the verification suite passed in the
	// shadow copy.
	StatusShadowTested Status = "shadow_tested"

	// StatusCommitted means the change is live. Terminal.
	StatusCommitted Status = "committed"

	// StatusRolledBack means a late-stage failure was undone from backup.
	// Terminal.
	StatusRolledBack Status = "rolled_back"

	// StatusRejected means an early stage refused the proposal before
	// anything was mutated. Terminal.
	StatusRejected Status = "rejected"

	// StatusRestartRequested means the committed change asked the
	// supervisor for a restart. Terminal.
	StatusRestartRequested Status = "restart_requested"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusRejected, StatusRestartRequested:
		return true
	}
	return false
}

// Proposal is a request to change one file in a sandbox root.
//
// Exactly one of Content and Patch must be set: Content replaces the file
// wholesale, Patch is a unified diff against its current content.
type Proposal struct {
	// Actor is the role proposing the change.
	Actor policy.ActorRole `json:"actor"`

	// RootName names the sandbox root the target lives in.
	RootName string `json:"root_name"`

	// Path is the target file, relative to the root.
	Path string `json:"path"`

	// Content is the full candidate content.
	Content []byte `json:"content,omitempty"`

	// Patch is a unified diff against the target's current content.
	Patch string `json:"patch,omitempty"`

	// Rationale is free-form text recorded with the run for audit.
	Rationale string `json:"rationale,omitempty"`

	// ConfirmRestart requests a supervisor restart after a successful
	// commit. Without it a committed change never triggers a restart.
	ConfirmRestart bool `json:"confirm_restart,omitempty"`
}

// Run is the audit record of one proposal's trip through the pipeline.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// Proposal is the request that started the run.
	Proposal Proposal `json:"proposal"`

	// Status is the run's current (or final) pipeline stage.
	Status Status `json:"status"`

	// Error describes the failure for a Rejected or RolledBack run.
	Error string `json:"error,omitempty"`

	// ResolvedPath is the canonical target path, set once resolution
	// succeeds.
	ResolvedPath string `json:"resolved_path,omitempty"`

	// BackupID is the pre-change snapshot record, set once the backup
	// stage succeeds. It survives the run for manual rollback.
	BackupID string `json:"backup_id,omitempty"`

	// Syntax is the validation stage's result.
	Syntax validate.Result `json:"syntax"`

	// PatchStats summarizes the patch when the proposal carried one.
	PatchStats validate.PatchStats `json:"patch_stats"`

	// ShadowReport is the suite outcome, set once the shadow stage ran.
	ShadowReport shadow.Report `json:"shadow_report"`

	// ShadowDir is where a failed candidate's shadow copy was retained
	// for inspection. Empty for disposed copies.
	ShadowDir string `json:"shadow_dir,omitempty"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
