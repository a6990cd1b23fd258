// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
)

type ChrysalisConfig struct {
	// Server: where the evolution service listens and where the CLI
	// reaches it
	Server ServerConfig `yaml:"server"`

	// Paths: the sandbox roots and the pipeline's own storage
	Paths PathsConfig `yaml:"paths"`

	// Policy: optional path to a YAML access policy file
	Policy PolicyConfig `yaml:"policy"`

	// Suite: the verification suite run inside shadow copies
	Suite SuiteConfig `yaml:"suite"`

	// Observability: tracing toggle
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // e.g. :8014
	BaseURL    string `yaml:"base_url"`    // e.g. http://localhost:8014
}

type PathsConfig struct {
	SourceDir    string `yaml:"source_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
	BackupDir    string `yaml:"backup_dir"`
	ShadowDir    string `yaml:"shadow_dir"`
}

type PolicyConfig struct {
	Path string `yaml:"path,omitempty"`
}

type SuiteConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type ObservabilityConfig struct {
	Tracing bool `yaml:"tracing"`
}

// DefaultConfig returns the configuration written on first run. Paths
// default under the user's home so a fresh install works without edits.
func DefaultConfig() ChrysalisConfig {
	base := "."
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".chrysalis")
	}
	return ChrysalisConfig{
		Server: ServerConfig{
			ListenAddr: ":8014",
			BaseURL:    "http://localhost:8014",
		},
		Paths: PathsConfig{
			SourceDir:    filepath.Join(base, "source"),
			WorkspaceDir: filepath.Join(base, "workspace"),
			BackupDir:    filepath.Join(base, "backups"),
			ShadowDir:    filepath.Join(base, "shadows"),
		},
		Suite: SuiteConfig{
			Command:        "make",
			Args:           []string{"test"},
			TimeoutSeconds: 120,
		},
	}
}
