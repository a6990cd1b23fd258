// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validate checks candidate file content before it is allowed
// anywhere near the source tree. Validation is static and parse-only: the
// candidate is never executed and never written to disk here.
package validate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Result reports the outcome of a syntax check.
type Result struct {
	// Accepted is true when the content parsed without errors, or when no
	// grammar covers the file type.
	Accepted bool

	// Language is the detected language, empty when unknown.
	Language string

	// Message describes the first syntax error, or notes that the file
	// type was not checked.
	Message string

	// Line and Col locate the first syntax error (1-based). Zero when
	// the content was accepted.
	Line int
	Col  int
}

// Checker validates candidate content by parsing it in full.
//
// # Thread Safety
//
// Safe for concurrent use. A fresh parser is created per call; the checker
// holds no state between calls.
type Checker struct{}

// NewChecker returns a syntax checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Check parses candidate content with the grammar matching the file's
// extension.
//
// # Description
//
// The entire candidate content is parsed, not just changed regions, so an
// edit that unbalances a brace three functions away is still caught. Files
// with no matching grammar are accepted with a note: syntax checking is a
// cheap early filter, and the shadow test remains the real gate.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - path: File path, used only for language detection.
//   - content: Full candidate content.
//
// # Outputs
//
//   - Result: Acceptance, first-error position, detected language.
//   - error: Non-nil only if the parser itself fails.
func (c *Checker) Check(ctx context.Context, path string, content []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	language := detectLanguage(path)
	lang := grammarFor(language)
	if lang == nil {
		return Result{
			Accepted: true,
			Language: language,
			Message:  fmt.Sprintf("no grammar for %q, syntax not checked", filepath.Ext(path)),
		}, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return Result{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if errNode := firstErrorNode(root); errNode != nil {
		point := errNode.StartPoint()
		return Result{
			Accepted: false,
			Language: language,
			Message:  fmt.Sprintf("syntax error in %s content", language),
			Line:     int(point.Row) + 1,
			Col:      int(point.Column) + 1,
		}, nil
	}

	return Result{Accepted: true, Language: language}, nil
}

// grammarFor maps a detected language to its tree-sitter grammar.
func grammarFor(language string) *sitter.Language {
	switch language {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	case "bash":
		return bash.GetLanguage()
	default:
		return nil
	}
}

// firstErrorNode returns the first error or missing node in the tree,
// depth-first, or nil when the parse is clean.
func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	if !node.HasError() {
		return nil
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if err := firstErrorNode(node.Child(int(i))); err != nil {
			return err
		}
	}
	return nil
}

// detectLanguage maps a file extension to a language name. Returns "" for
// extensions with no grammar.
func detectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx", ".mts", ".cts":
		return "typescript"
	case ".sh", ".bash":
		return "bash"
	default:
		return ""
	}
}
