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
	"os"

	"github.com/spf13/cobra"

	"github.com/chrysalis-ai/chrysalis/services/evolution"
)

// filesQuery builds the common query string for file capability calls.
func filesQuery(path string) string {
	q := url.Values{}
	q.Set("root", filesRoot)
	q.Set("path", path)
	if filesActor != "" {
		q.Set("actor", filesActor)
	}
	return q.Encode()
}

// runListFiles prints the entries of a directory inside a sandbox root.
func runListFiles(cmd *cobra.Command, args []string) {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	var resp evolution.FileListResponse
	if err := newAPIClient().getJSON("/v1/evolution/files?"+filesQuery(path), &resp); err != nil {
		log.Fatalf("Error listing %s: %v", path, err)
	}
	for _, name := range resp.Entries {
		fmt.Println(name)
	}
}

// runCatFile prints a file's content from inside a sandbox root.
func runCatFile(cmd *cobra.Command, args []string) {
	var resp evolution.FileReadResponse
	if err := newAPIClient().getJSON("/v1/evolution/files/content?"+filesQuery(args[0]), &resp); err != nil {
		log.Fatalf("Error reading %s: %v", args[0], err)
	}
	fmt.Print(resp.Content)
}

// runPutFile uploads a local file as scratch content in a writable root.
func runPutFile(cmd *cobra.Command, args []string) {
	data, err := os.ReadFile(filesFrom)
	if err != nil {
		log.Fatalf("Error reading %s: %v", filesFrom, err)
	}

	var resp evolution.FileWriteResponse
	err = newAPIClient().postJSON("/v1/evolution/files", evolution.FileWriteRequest{
		Actor:   filesActor,
		Root:    filesRoot,
		Path:    args[0],
		Content: string(data),
	}, &resp)
	if err != nil {
		log.Fatalf("Error writing %s: %v", args[0], err)
	}
	fmt.Printf("Wrote %s/%s\n", resp.Root, resp.Path)
}
