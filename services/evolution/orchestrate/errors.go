// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrate

import "errors"

var (
	// ErrAccessDenied is returned when the proposing actor's role has no
	// write grant for the target root. The check precedes all filesystem
	// I/O, so a denied proposal costs nothing.
	ErrAccessDenied = errors.New("actor role may not write this root")

	// ErrInvalidSyntax is returned when the candidate content fails the
	// parse check.
	ErrInvalidSyntax = errors.New("candidate content has invalid syntax")

	// ErrShadowTestFailed is returned when the verification suite fails
	// (or times out) against the shadow copy.
	ErrShadowTestFailed = errors.New("verification suite failed in shadow copy")

	// ErrCommitIO is returned when the final write to the live tree fails.
	// The pre-change backup has been restored by the time this surfaces.
	ErrCommitIO = errors.New("commit write failure")

	// ErrRunInProgress is returned when a proposal targets a root that
	// already has an active run. Runs are serialized per root.
	ErrRunInProgress = errors.New("a run is already in progress for this root")

	// ErrBadProposal is returned when a proposal is structurally invalid
	// before any pipeline stage runs.
	ErrBadProposal = errors.New("malformed proposal")

	// ErrRunNotFound is returned when a run ID is unknown.
	ErrRunNotFound = errors.New("run not found")
)
