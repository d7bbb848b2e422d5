// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflowdef provides parsing, validation, and loading for
// drover workflow definitions. Workflows are authored on disk as JSONC
// files (JSON extended with comments and trailing commas) describing a
// sequence of steps, their routing, and the environments they run in.
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → schema.WorkflowDefinition
//  2. Validate: structural checks plus condition syntax checks
//  3. Load: resolve a workflow name against a workflows directory
package workflowdef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/drover-works/drover/lib/condition"
	"github.com/drover-works/drover/lib/schema"
)

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a WorkflowDefinition. The parsed
// definition is not yet validated; call Validate before running it.
func Parse(data []byte) (*schema.WorkflowDefinition, error) {
	stripped := jsonc.ToJSON(data)

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(stripped, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}

	return &def, nil
}

// ReadFile reads a JSONC workflow file from disk and parses it.
func ReadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return def, nil
}

// Validate runs the structural checks from the schema package and then
// verifies that every condition expression is syntactically valid, so
// malformed expressions are rejected at submission time rather than
// surfacing mid-run.
func Validate(def *schema.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	for _, step := range def.Steps {
		for i, cond := range step.Conditions {
			if cond.If == "" {
				continue // validated as else-branch by schema.Validate
			}
			if err := condition.Check(cond.If); err != nil {
				return fmt.Errorf("step %q condition %d: %w", step.Name, i, err)
			}
		}
	}

	return nil
}

// Load resolves name against dir and returns the parsed, validated
// definition. name may be a bare workflow name ("review-cycle",
// resolved to dir/review-cycle.jsonc, falling back to .json) or a
// direct file path.
func Load(dir, name string) (*schema.WorkflowDefinition, error) {
	path := name
	if !strings.ContainsRune(name, os.PathSeparator) && filepath.Ext(name) == "" {
		path = filepath.Join(dir, name+".jsonc")
		if _, err := os.Stat(path); err != nil {
			path = filepath.Join(dir, name+".json")
		}
	}

	def, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return def, nil
}

// NameFromPath extracts a workflow name from a file path by stripping
// the directory prefix and the file extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	return strings.TrimSuffix(base, extension)
}
