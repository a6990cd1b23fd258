// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	proposeActor     string
	proposeRoot      string
	proposePath      string
	proposeFile      string
	proposePatchFile string
	proposeRationale string
	proposeRestart   bool
	backupsRoot      string
	filesRoot        string
	filesActor       string
	filesFrom        string
	restartReason    string
	restartConfirm   bool

	rootCmd = &cobra.Command{
		Use:   "chrysalis",
		Short: "A cli to manage the Chrysalis self-change pipeline",
		Long: `Chrysalis guards an agent's changes to its own source tree:
every change is access-checked, validated, backed up, and tested in a
shadow copy before it is committed.`,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the evolution service",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Proposals ---
	proposeCmd = &cobra.Command{
		Use:   "propose",
		Short: "Propose a change through the safety pipeline",
		Run:   runPropose, // Defined in cmd_propose.go
	}

	// --- Runs ---
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect pipeline runs",
	}
	listRunsCmd = &cobra.Command{
		Use:   "list",
		Short: "List pipeline runs, newest first",
		Run:   runListRuns, // Defined in cmd_admin.go
	}
	getRunCmd = &cobra.Command{
		Use:   "get [run-id]",
		Short: "Show one pipeline run",
		Args:  cobra.ExactArgs(1),
		Run:   runGetRun, // Defined in cmd_admin.go
	}

	// --- Files ---
	filesCmd = &cobra.Command{
		Use:   "files",
		Short: "Sandboxed file access inside the configured roots",
	}
	listFilesCmd = &cobra.Command{
		Use:   "list [path]",
		Short: "List a directory inside a sandbox root",
		Args:  cobra.MaximumNArgs(1),
		Run:   runListFiles, // Defined in cmd_files.go
	}
	catFileCmd = &cobra.Command{
		Use:   "cat [path]",
		Short: "Print a file from inside a sandbox root",
		Args:  cobra.ExactArgs(1),
		Run:   runCatFile, // Defined in cmd_files.go
	}
	putFileCmd = &cobra.Command{
		Use:   "put [path]",
		Short: "Write scratch content to a writable root",
		Args:  cobra.ExactArgs(1),
		Run:   runPutFile, // Defined in cmd_files.go
	}

	// --- Backups ---
	backupsCmd = &cobra.Command{
		Use:   "backups",
		Short: "Manage pre-change backups",
	}
	listBackupsCmd = &cobra.Command{
		Use:   "list",
		Short: "List backup records, newest first",
		Run:   runListBackups, // Defined in cmd_admin.go
	}
	restoreBackupCmd = &cobra.Command{
		Use:   "restore [record-id]",
		Short: "Restore a backup to its original path",
		Args:  cobra.ExactArgs(1),
		Run:   runRestoreBackup, // Defined in cmd_admin.go
	}

	// --- Restart ---
	restartCmd = &cobra.Command{
		Use:   "restart",
		Short: "Drain the pipeline and restart the service",
		Run:   runRestart, // Defined in cmd_admin.go
	}
)

func init() {
	proposeCmd.Flags().StringVar(&proposeActor, "actor", "role.engineer", "Actor role proposing the change")
	proposeCmd.Flags().StringVar(&proposeRoot, "root", "source", "Sandbox root the target lives in")
	proposeCmd.Flags().StringVar(&proposePath, "path", "", "Target file, relative to the root")
	proposeCmd.Flags().StringVar(&proposeFile, "file", "", "File holding the full candidate content")
	proposeCmd.Flags().StringVar(&proposePatchFile, "patch-file", "", "File holding a unified diff")
	proposeCmd.Flags().StringVar(&proposeRationale, "rationale", "", "Why the change is being made")
	proposeCmd.Flags().BoolVar(&proposeRestart, "confirm-restart", false, "Request a restart after a successful commit")
	proposeCmd.MarkFlagRequired("path")

	filesCmd.PersistentFlags().StringVar(&filesRoot, "root", "workspace", "Sandbox root to operate in")
	filesCmd.PersistentFlags().StringVar(&filesActor, "actor", "role.tool", "Actor role for the operation")
	putFileCmd.Flags().StringVar(&filesFrom, "from", "", "Local file holding the content")
	putFileCmd.MarkFlagRequired("from")

	backupsCmd.PersistentFlags().StringVar(&backupsRoot, "root", "", "Filter by root name")

	restartCmd.Flags().StringVar(&restartReason, "reason", "operator request", "Reason recorded with the restart")
	restartCmd.Flags().BoolVar(&restartConfirm, "confirm", false, "Actually perform the restart; without it the request is a no-op")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(proposeCmd)

	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(getRunCmd)

	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(listFilesCmd)
	filesCmd.AddCommand(catFileCmd)
	filesCmd.AddCommand(putFileCmd)

	rootCmd.AddCommand(backupsCmd)
	backupsCmd.AddCommand(listBackupsCmd)
	backupsCmd.AddCommand(restoreBackupCmd)

	rootCmd.AddCommand(restartCmd)
}
