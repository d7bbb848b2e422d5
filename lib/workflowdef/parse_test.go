// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package workflowdef

import (
	"os"
	"path/filepath"
	"testing"
)

const reviewWorkflow = `{
	// A review/fix loop: the reviewer decides, the fixer loops back.
	"name": "review-cycle",
	"variables": {
		"repository": {"description": "repo under review", "required": true},
		"max_style": {"default": "strict"},
	},
	"steps": [
		{
			"name": "review",
			"role": "reviewer",
			"prompt": "Review ${repository} with ${max_style} rules",
			"output_var": "verdict",
			"conditions": [
				{"if": "${verdict} == approved", "next": ""},
				{"actions": [{"log": "sending back for fixes"}], "next": "fix"},
			],
		},
		{
			"name": "fix",
			"role": "implementer",
			"prompt": "Address the review findings",
			"next": "review", /* intentional cycle */
			"on_error": "route-to(review)",
		},
	],
}`

func TestParseJSONC(t *testing.T) {
	def, err := Parse([]byte(reviewWorkflow))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name != "review-cycle" {
		t.Errorf("Name = %q", def.Name)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(def.Steps))
	}
	if def.Steps[1].Next.First() != "review" {
		t.Errorf("fix.Next = %v", def.Steps[1].Next)
	}
	if err := Validate(def); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadConditionSyntax(t *testing.T) {
	def, err := Parse([]byte(`{
		"name": "w",
		"steps": [
			{
				"name": "s",
				"prompt": "p",
				"conditions": [
					{"if": "${verdict} ==", "next": ""},
				],
			},
		],
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Validate(def); err == nil {
		t.Fatal("expected condition syntax error")
	}
}

func TestLoadResolvesBareName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review-cycle.jsonc")
	if err := os.WriteFile(path, []byte(reviewWorkflow), 0644); err != nil {
		t.Fatal(err)
	}

	def, err := Load(dir, "review-cycle")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.Name != "review-cycle" {
		t.Errorf("Name = %q", def.Name)
	}

	// A direct path also works.
	def, err = Load("", path)
	if err != nil {
		t.Fatalf("Load by path: %v", err)
	}
	if def.Name != "review-cycle" {
		t.Errorf("Name = %q", def.Name)
	}
}

func TestResolveVariables(t *testing.T) {
	def, err := Parse([]byte(reviewWorkflow))
	if err != nil {
		t.Fatal(err)
	}

	// Required variable missing.
	if _, err := ResolveVariables(def, nil); err == nil {
		t.Fatal("expected missing-variable error")
	}

	vars, err := ResolveVariables(def, map[string]any{
		"repository": "github.com/example/app",
		"extra":      "passthrough",
	})
	if err != nil {
		t.Fatalf("ResolveVariables: %v", err)
	}
	if vars["repository"] != "github.com/example/app" {
		t.Errorf("repository = %v", vars["repository"])
	}
	if vars["max_style"] != "strict" {
		t.Errorf("max_style default = %v", vars["max_style"])
	}
	if vars["extra"] != "passthrough" {
		t.Errorf("undeclared key should pass through, got %v", vars["extra"])
	}

	// Provided values beat defaults.
	vars, err = ResolveVariables(def, map[string]any{
		"repository": "r",
		"max_style":  "relaxed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if vars["max_style"] != "relaxed" {
		t.Errorf("max_style = %v, want provided value", vars["max_style"])
	}
}

func TestNameFromPath(t *testing.T) {
	if got := NameFromPath("workflows/review-cycle.jsonc"); got != "review-cycle" {
		t.Errorf("NameFromPath = %q", got)
	}
}
