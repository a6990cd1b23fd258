// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package shadow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

const (
	defaultSuiteTimeout   = 2 * time.Minute
	defaultMaxOutputBytes = 64 * 1024
)

// Report captures one test suite execution inside a shadow copy.
type Report struct {
	// Passed is true when the suite exited zero within its deadline.
	Passed bool `json:"passed"`

	// ExitCode is the suite process exit code. -1 on timeout or when the
	// process could not be started.
	ExitCode int `json:"exit_code"`

	// Output is combined stdout and stderr, truncated at the output cap.
	Output string `json:"output"`

	// Truncated is true when output was discarded past the cap.
	Truncated bool `json:"truncated"`

	// TimedOut is true when the suite hit its deadline. A timeout is a
	// failure, never a pass.
	TimedOut bool `json:"timed_out"`

	// Duration is wall-clock suite runtime.
	Duration time.Duration `json:"duration"`
}

// Suite executes a verification suite against a directory tree.
//
// Implementations must treat the directory as the suite's working root and
// must not reach outside it.
type Suite interface {
	Run(ctx context.Context, dir string) (Report, error)
}

// CommandSuite runs an external command as the verification suite.
//
// # Thread Safety
//
// Safe for concurrent use. Each Run spawns its own process.
type CommandSuite struct {
	// Command is the suite executable. Required.
	Command string

	// Args are passed verbatim to the command.
	Args []string

	// Timeout bounds one suite run. Default: 2 minutes.
	Timeout time.Duration

	// MaxOutputBytes caps captured output. Default: 64 KiB.
	MaxOutputBytes int

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Run executes the suite with the shadow directory as working directory.
//
// # Description
//
// The command runs under a deadline with capped output capture. A non-zero
// exit or a timeout yields a failed Report, not an error; the returned
// error is reserved for the process failing to start at all.
func (s *CommandSuite) Run(ctx context.Context, dir string) (Report, error) {
	if s.Command == "" {
		return Report{ExitCode: -1}, errors.New("suite command is required")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultSuiteTimeout
	}
	maxOutput := s.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = dir

	var buf bytes.Buffer
	limited := &limitedWriter{w: &buf, limit: maxOutput}
	cmd.Stdout = limited
	cmd.Stderr = limited

	start := time.Now()
	err := cmd.Run()
	report := Report{
		Output:    buf.String(),
		Truncated: limited.truncated,
		Duration:  time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		report.TimedOut = true
		report.ExitCode = -1
		logger.Warn("suite timed out", "dir", dir, "timeout", timeout)
		return report, nil
	}

	switch e := err.(type) {
	case nil:
		report.ExitCode = 0
		report.Passed = true
	case *exec.ExitError:
		report.ExitCode = e.ExitCode()
	default:
		report.ExitCode = -1
		return report, fmt.Errorf("starting suite command: %w", err)
	}

	logger.Info("suite completed",
		"dir", dir,
		"passed", report.Passed,
		"exit_code", report.ExitCode,
		"duration", report.Duration)
	return report, nil
}

// limitedWriter discards writes past a byte cap, recording the truncation.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return orig, nil
	}
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.written += n
	if err != nil {
		return n, err
	}
	// Report the original length so the caller's pipe never sees a short
	// write when the cap cuts a chunk.
	return orig, nil
}
