// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrPatchMalformed is returned when a unified diff cannot be parsed or
// does not apply cleanly to the target content.
var ErrPatchMalformed = errors.New("patch malformed")

// PatchStats summarizes a parsed patch.
type PatchStats struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// ApplyPatch applies a single-file unified diff to original content.
//
// # Description
//
// The patch must describe exactly one file; a proposal targets one path and
// a multi-file diff is a shape error, not something to silently truncate.
// Hunks are applied in order against the original lines. The returned
// content is the full candidate the rest of the pipeline validates.
//
// # Inputs
//
//   - original: Current content of the target file. Empty for a new file.
//   - patch: Unified diff text.
//
// # Outputs
//
//   - []byte: The patched content.
//   - PatchStats: Added and removed line counts.
//   - error: ErrPatchMalformed if parsing or application fails.
func ApplyPatch(original []byte, patch string) ([]byte, PatchStats, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, PatchStats{}, fmt.Errorf("%w: %v", ErrPatchMalformed, err)
	}
	if len(fileDiffs) != 1 {
		return nil, PatchStats{}, fmt.Errorf("%w: expected one file diff, got %d", ErrPatchMalformed, len(fileDiffs))
	}

	fd := fileDiffs[0]
	stats := patchStats(fd)

	content, err := applyFileDiff(original, fd)
	if err != nil {
		return nil, stats, err
	}
	return content, stats, nil
}

// patchStats counts added and removed lines across a file diff's hunks.
func patchStats(fd *diff.FileDiff) PatchStats {
	var stats PatchStats
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				stats.LinesAdded++
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				stats.LinesRemoved++
			}
		}
	}
	return stats
}

// applyFileDiff applies one file diff's hunks to the original content.
func applyFileDiff(original []byte, fd *diff.FileDiff) ([]byte, error) {
	if fd.NewName == "/dev/null" {
		// Deletion patch: the candidate is empty content.
		return nil, nil
	}

	if fd.OrigName == "/dev/null" || len(original) == 0 {
		// New file: the candidate is the added lines.
		var lines []string
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					lines = append(lines, strings.TrimPrefix(line, "+"))
				}
			}
		}
		return []byte(strings.Join(lines, "\n")), nil
	}

	origLines := strings.Split(string(original), "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < origIdx || hunkStart > len(origLines) {
			return nil, fmt.Errorf("%w: hunk starts at line %d, position %d already consumed",
				ErrPatchMalformed, hunk.OrigStartLine, origIdx)
		}
		for origIdx < hunkStart {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				newLines = append(newLines, strings.TrimPrefix(line, "+"))
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				if origIdx >= len(origLines) {
					return nil, fmt.Errorf("%w: hunk removes past end of file", ErrPatchMalformed)
				}
				if got := origLines[origIdx]; got != strings.TrimPrefix(line, "-") {
					return nil, fmt.Errorf("%w: hunk context mismatch at line %d", ErrPatchMalformed, origIdx+1)
				}
				origIdx++
			case strings.HasPrefix(line, " ") || line == "":
				if origIdx < len(origLines) {
					newLines = append(newLines, origLines[origIdx])
					origIdx++
				}
			}
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}

	return []byte(strings.Join(newLines, "\n")), nil
}
