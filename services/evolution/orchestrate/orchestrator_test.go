// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalis-ai/chrysalis/services/evolution/backup"
	"github.com/chrysalis-ai/chrysalis/services/evolution/policy"
	"github.com/chrysalis-ai/chrysalis/services/evolution/sandbox"
	"github.com/chrysalis-ai/chrysalis/services/evolution/shadow"
)

const originalMath = "def add(a, b):\n    return a - b\n# end\n"

const flipSignPatch = `--- a/agent/math.src
+++ b/agent/math.src
@@ -1,3 +1,3 @@
 def add(a, b):
-    return a - b
+    return a + b
 # end
`

// suiteFunc adapts a function to the shadow.Suite interface.
type suiteFunc func(ctx context.Context, dir string) (shadow.Report, error)

func (f suiteFunc) Run(ctx context.Context, dir string) (shadow.Report, error) {
	return f(ctx, dir)
}

var passSuite = suiteFunc(func(ctx context.Context, dir string) (shadow.Report, error) {
	return shadow.Report{Passed: true}, nil
})

var failSuite = suiteFunc(func(ctx context.Context, dir string) (shadow.Report, error) {
	return shadow.Report{Passed: false, ExitCode: 1, Output: "1 test failed"}, nil
})

type fixture struct {
	orch      *Orchestrator
	sourceDir string
	shadowDir string
	backups   *backup.Manager
}

func newFixture(t *testing.T, suite shadow.Suite) *fixture {
	return newFixtureWithShadows(t, suite, shadow.Config{})
}

func newFixtureWithShadows(t *testing.T, suite shadow.Suite, shadowCfg shadow.Config) *fixture {
	t.Helper()

	sourceDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "agent"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "agent", "math.src"),
		[]byte(originalMath), 0o644))

	source, err := sandbox.NewRoot(sandbox.RootSource, sourceDir)
	require.NoError(t, err)
	workspace, err := sandbox.NewRoot(sandbox.RootWorkspace, t.TempDir())
	require.NoError(t, err)

	backups, err := backup.NewManager(backup.Config{Dir: t.TempDir(), InMemoryIndex: true})
	require.NoError(t, err)
	t.Cleanup(func() { backups.Close() })

	if shadowCfg.Dir == "" {
		shadowCfg.Dir = t.TempDir()
	}
	shadows, err := shadow.NewManager(shadowCfg)
	require.NoError(t, err)

	orch, err := NewOrchestrator(Config{
		Policy:  policy.Default(),
		Roots:   map[string]*sandbox.Root{source.Name: source, workspace.Name: workspace},
		Backups: backups,
		Shadows: shadows,
		Suite:   suite,
	})
	require.NoError(t, err)

	return &fixture{orch: orch, sourceDir: sourceDir, shadowDir: shadowCfg.Dir, backups: backups}
}

func (f *fixture) readMath(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.sourceDir, "agent", "math.src"))
	require.NoError(t, err)
	return string(data)
}

func TestProposeCommitsPatchedChange(t *testing.T) {
	f := newFixture(t, passSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Patch:    flipSignPatch,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, run.Status)
	assert.Equal(t, 1, run.PatchStats.LinesAdded)
	assert.NotEmpty(t, run.BackupID)
	assert.True(t, run.ShadowReport.Passed)

	assert.Equal(t, "def add(a, b):\n    return a + b\n# end\n", f.readMath(t))

	// The backup survives the run for manual rollback.
	require.NoError(t, f.backups.Restore(context.Background(), run.BackupID))
	assert.Equal(t, originalMath, f.readMath(t))
}

func TestProposeCommitsFullContent(t *testing.T) {
	f := newFixture(t, passSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/util.src",
		Content:  []byte("def mul(a, b):\n    return a * b\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, run.Status)

	got, err := os.ReadFile(filepath.Join(f.sourceDir, "agent", "util.src"))
	require.NoError(t, err)
	assert.Equal(t, "def mul(a, b):\n    return a * b\n", string(got))
}

func TestProposeRejectsInvalidSyntax(t *testing.T) {
	f := newFixture(t, passSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/broken.go",
		Content:  []byte("package agent\n\nfunc Add(a, b int) int { return a + b\n"),
	})
	assert.ErrorIs(t, err, ErrInvalidSyntax)
	assert.Equal(t, StatusRejected, run.Status)
	assert.Positive(t, run.Syntax.Line)

	// Rejected before backup: no snapshot was taken and nothing was written.
	assert.Empty(t, run.BackupID)
	records, err := f.backups.List(context.Background(), sandbox.RootSource)
	require.NoError(t, err)
	assert.Empty(t, records)
	_, err = os.Stat(filepath.Join(f.sourceDir, "agent", "broken.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestProposeRejectsEscapingPath(t *testing.T) {
	f := newFixture(t, passSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "../../etc/passwd",
		Content:  []byte("pwned"),
	})
	assert.ErrorIs(t, err, sandbox.ErrOutOfBounds)
	assert.Equal(t, StatusRejected, run.Status)
	assert.Empty(t, run.ResolvedPath)
}

func TestProposeDeniesToolRoleOnSource(t *testing.T) {
	f := newFixture(t, passSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleTool,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Content:  []byte("anything"),
	})
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, StatusRejected, run.Status)
	// Denied before resolution: the pipeline never touched the filesystem.
	assert.Empty(t, run.ResolvedPath)
	assert.Equal(t, originalMath, f.readMath(t))
}

func TestProposeDenialPerformsNoFilesystemIO(t *testing.T) {
	f := newFixture(t, passSuite)

	// With the root directory gone, any resolution, read, snapshot, or
	// shadow copy would surface a not-exist error instead. The denial must
	// come from the policy table alone.
	require.NoError(t, os.RemoveAll(f.sourceDir))

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleTool,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Content:  []byte("anything"),
	})
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, StatusRejected, run.Status)
	assert.Empty(t, run.ResolvedPath)
	assert.Empty(t, run.BackupID)

	records, err := f.backups.List(context.Background(), sandbox.RootSource)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProposeRollsBackOnSuiteFailure(t *testing.T) {
	f := newFixture(t, failSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Patch:    flipSignPatch,
	})
	assert.ErrorIs(t, err, ErrShadowTestFailed)
	assert.Equal(t, StatusRolledBack, run.Status)
	assert.False(t, run.ShadowReport.Passed)

	// Live tree untouched, failed shadow copy retained for inspection.
	assert.Equal(t, originalMath, f.readMath(t))
	require.NotEmpty(t, run.ShadowDir)
	_, err = os.Stat(filepath.Join(run.ShadowDir, "agent", "math.src"))
	assert.NoError(t, err)
}

func TestProposeDiscardsFailedShadowCopyWhenConfigured(t *testing.T) {
	f := newFixtureWithShadows(t, failSuite, shadow.Config{DiscardFailedCopies: true})

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Patch:    flipSignPatch,
	})
	assert.ErrorIs(t, err, ErrShadowTestFailed)
	assert.Equal(t, StatusRolledBack, run.Status)
	assert.Empty(t, run.ShadowDir)

	entries, err := os.ReadDir(f.shadowDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProposeRestoresOnCommitFailure(t *testing.T) {
	f := newFixture(t, passSuite)
	f.orch.commitFn = func(path string, content []byte) error {
		return errors.New("disk full")
	}

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Patch:    flipSignPatch,
	})
	assert.ErrorIs(t, err, ErrCommitIO)
	assert.Equal(t, StatusRolledBack, run.Status)
	assert.Equal(t, originalMath, f.readMath(t))
}

func TestProposeSerializesPerRoot(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := suiteFunc(func(ctx context.Context, dir string) (shadow.Report, error) {
		close(started)
		<-release
		return shadow.Report{Passed: true}, nil
	})
	f := newFixture(t, blocking)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		run, err := f.orch.Propose(context.Background(), Proposal{
			Actor:    policy.RoleEngineer,
			RootName: sandbox.RootSource,
			Path:     "agent/math.src",
			Patch:    flipSignPatch,
		})
		assert.NoError(t, err)
		assert.Equal(t, StatusCommitted, run.Status)
	}()

	<-started

	// Same root: refused while the first run holds the gate.
	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/other.src",
		Content:  []byte("x = 1\n"),
	})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, StatusRejected, run.Status)

	close(release)
	wg.Wait()
}

func TestProposeDistinctRootsProceedIndependently(t *testing.T) {
	f := newFixture(t, passSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleTool,
		RootName: sandbox.RootWorkspace,
		Path:     "notes/scratch.txt",
		Content:  []byte("scratch\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, run.Status)
}

func TestProposeRejectsMalformedShapes(t *testing.T) {
	f := newFixture(t, passSuite)

	tests := []struct {
		name string
		p    Proposal
	}{
		{"no actor", Proposal{RootName: "source", Path: "a.go", Content: []byte("x")}},
		{"unknown root", Proposal{Actor: policy.RoleEngineer, RootName: "scratch", Path: "a.go", Content: []byte("x")}},
		{"no path", Proposal{Actor: policy.RoleEngineer, RootName: "source", Content: []byte("x")}},
		{"neither content nor patch", Proposal{Actor: policy.RoleEngineer, RootName: "source", Path: "a.go"}},
		{"both content and patch", Proposal{Actor: policy.RoleEngineer, RootName: "source", Path: "a.go", Content: []byte("x"), Patch: "y"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			run, err := f.orch.Propose(context.Background(), tc.p)
			assert.ErrorIs(t, err, ErrBadProposal)
			assert.Equal(t, StatusRejected, run.Status)
		})
	}
}

type fakeRestarter struct {
	mu     sync.Mutex
	calls  int
	reason string
	err    error
}

func (r *fakeRestarter) RequestRestart(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.reason = reason
	return r.err
}

func TestProposeRequestsRestartOnlyWhenConfirmed(t *testing.T) {
	f := newFixture(t, passSuite)
	restarter := &fakeRestarter{}
	f.orch.cfg.Restarter = restarter

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Patch:    flipSignPatch,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, run.Status)
	assert.Zero(t, restarter.calls)

	run, err = f.orch.Propose(context.Background(), Proposal{
		Actor:          policy.RoleEngineer,
		RootName:       sandbox.RootSource,
		Path:           "agent/one.src",
		Content:        []byte("x = 1\n"),
		ConfirmRestart: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRestartRequested, run.Status)
	assert.Equal(t, 1, restarter.calls)
	assert.Contains(t, restarter.reason, run.ID)
}

func TestGetRunAndRuns(t *testing.T) {
	f := newFixture(t, passSuite)

	run, err := f.orch.Propose(context.Background(), Proposal{
		Actor:    policy.RoleEngineer,
		RootName: sandbox.RootSource,
		Path:     "agent/math.src",
		Patch:    flipSignPatch,
	})
	require.NoError(t, err)

	got, err := f.orch.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)

	_, err = f.orch.GetRun("unknown")
	assert.ErrorIs(t, err, ErrRunNotFound)

	all := f.orch.Runs()
	require.Len(t, all, 1)
	assert.Equal(t, run.ID, all[0].ID)
}
