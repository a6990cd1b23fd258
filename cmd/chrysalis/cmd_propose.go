// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/chrysalis-ai/chrysalis/services/evolution"
)

// runPropose sends a change proposal through the pipeline and reports the
// resulting run.
func runPropose(cmd *cobra.Command, args []string) {
	if (proposeFile == "") == (proposePatchFile == "") {
		log.Fatal("exactly one of --file and --patch-file is required")
	}

	req := evolution.ProposeRequest{
		Actor:          proposeActor,
		Root:           proposeRoot,
		Path:           proposePath,
		Rationale:      proposeRationale,
		ConfirmRestart: proposeRestart,
	}
	if proposeFile != "" {
		data, err := os.ReadFile(proposeFile)
		if err != nil {
			log.Fatalf("Error reading content file: %v", err)
		}
		req.Content = string(data)
	} else {
		data, err := os.ReadFile(proposePatchFile)
		if err != nil {
			log.Fatalf("Error reading patch file: %v", err)
		}
		req.Patch = string(data)
	}

	var resp evolution.ProposeResponse
	if err := newAPIClient().postJSON("/v1/evolution/proposals", req, &resp); err != nil {
		log.Fatalf("Proposal failed: %v", err)
	}

	run := resp.Run
	fmt.Printf("Run %s: %s\n", run.ID, run.Status)
	if run.BackupID != "" {
		fmt.Printf("  backup: %s\n", run.BackupID)
	}
	if run.ShadowReport.Duration > 0 {
		fmt.Printf("  suite: passed=%v exit=%d (%s)\n",
			run.ShadowReport.Passed, run.ShadowReport.ExitCode, run.ShadowReport.Duration)
	}
}
