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
	"net/url"

	"github.com/spf13/cobra"

	"github.com/chrysalis-ai/chrysalis/services/evolution"
)

// runListRuns prints pipeline runs, newest first.
func runListRuns(cmd *cobra.Command, args []string) {
	var resp evolution.RunsResponse
	if err := newAPIClient().getJSON("/v1/evolution/runs", &resp); err != nil {
		log.Fatalf("Error listing runs: %v", err)
	}
	if len(resp.Runs) == 0 {
		fmt.Println("No runs recorded.")
		return
	}
	for _, run := range resp.Runs {
		fmt.Printf("%s  %-18s  %s/%s\n", run.ID, run.Status, run.Proposal.RootName, run.Proposal.Path)
	}
}

// runGetRun prints one run in detail.
func runGetRun(cmd *cobra.Command, args []string) {
	var resp evolution.ProposeResponse
	if err := newAPIClient().getJSON("/v1/evolution/runs/"+url.PathEscape(args[0]), &resp); err != nil {
		log.Fatalf("Error fetching run: %v", err)
	}
	run := resp.Run
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Target:   %s/%s\n", run.Proposal.RootName, run.Proposal.Path)
	fmt.Printf("Actor:    %s\n", run.Proposal.Actor)
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}
	if run.BackupID != "" {
		fmt.Printf("Backup:   %s\n", run.BackupID)
	}
	if run.ShadowDir != "" {
		fmt.Printf("Shadow:   %s (retained)\n", run.ShadowDir)
	}
}

// runListBackups prints backup records, newest first.
func runListBackups(cmd *cobra.Command, args []string) {
	path := "/v1/evolution/backups"
	if backupsRoot != "" {
		path += "?root=" + url.QueryEscape(backupsRoot)
	}
	var resp evolution.BackupsResponse
	if err := newAPIClient().getJSON(path, &resp); err != nil {
		log.Fatalf("Error listing backups: %v", err)
	}
	if len(resp.Records) == 0 {
		fmt.Println("No backups recorded.")
		return
	}
	for _, rec := range resp.Records {
		kind := "snapshot"
		if rec.Create {
			kind = "create"
		}
		fmt.Printf("%s  %s  %-8s  %s\n",
			rec.ID, rec.CreatedAt.Format("2006-01-02 15:04:05"), kind, rec.OriginalPath)
	}
}

// runRestoreBackup restores one backup record to its original path.
func runRestoreBackup(cmd *cobra.Command, args []string) {
	var resp evolution.RestoreResponse
	path := "/v1/evolution/backups/" + url.PathEscape(args[0]) + "/restore"
	if err := newAPIClient().postJSON(path, nil, &resp); err != nil {
		log.Fatalf("Error restoring backup: %v", err)
	}
	fmt.Printf("Restored %s to %s\n", resp.Record.ID, resp.Record.OriginalPath)
}

// runRestart asks the service to drain and hand off to its supervisor.
func runRestart(cmd *cobra.Command, args []string) {
	var resp evolution.RestartResponse
	err := newAPIClient().postJSON("/v1/evolution/restart",
		evolution.RestartRequest{Reason: restartReason, Confirm: restartConfirm}, &resp)
	if err != nil {
		log.Fatalf("Error requesting restart: %v", err)
	}
	if !resp.Accepted {
		fmt.Println("Restart not confirmed; nothing happened. Re-run with --confirm.")
		return
	}
	fmt.Println("Restart accepted; the service will drain and hand off.")
}
