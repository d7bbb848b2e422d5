// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package toolgate

import (
	"context"
	"testing"
	"time"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/store"
)

func newGate(t *testing.T, policy Policy) (*Gate, *store.Memory) {
	t.Helper()
	memory := store.NewMemory()
	gate := New(DefaultRegistry(), policy, memory, clock.Fake(time.Unix(1000, 0)), nil)
	return gate, memory
}

func TestParseTool(t *testing.T) {
	tests := []struct {
		in   string
		base string
		sub  string
		err  bool
	}{
		{"Read", "Read", "", false},
		{"Bash(npm:test)", "Bash", "npm:test", false},
		{"Bash:npm:test", "Bash", "npm:test", false},
		{"Bash(npm:*)", "Bash", "npm:*", false},
		{"", "", "", true},
		{"Bash(npm", "", "", true},
		{"Bash()", "", "", true},
		{":sub", "", "", true},
	}
	for _, test := range tests {
		base, sub, err := ParseTool(test.in)
		if test.err {
			if err == nil {
				t.Errorf("ParseTool(%q): expected error", test.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTool(%q): %v", test.in, err)
			continue
		}
		if base != test.base || sub != test.sub {
			t.Errorf("ParseTool(%q) = (%q, %q), want (%q, %q)", test.in, base, sub, test.base, test.sub)
		}
	}
}

func TestRiskThreshold(t *testing.T) {
	gate, _ := newGate(t, Policy{RiskThreshold: RiskMedium})

	// Low and medium risk pass without allow entries.
	for _, tool := range []string{"Read", "Grep", "Write", "Edit"} {
		if _, reason := gate.ValidateTool(tool); reason != "" {
			t.Errorf("ValidateTool(%q) denied: %s", tool, reason)
		}
	}

	// High risk needs an explicit allow entry.
	if _, reason := gate.ValidateTool("Bash"); reason == "" {
		t.Error("Bash should be denied at medium threshold")
	}
	if _, reason := gate.ValidateTool("WebFetch"); reason == "" {
		t.Error("WebFetch should be denied at medium threshold")
	}
}

func TestAllowListAdmitsAboveThreshold(t *testing.T) {
	gate, _ := newGate(t, Policy{
		RiskThreshold: RiskLow,
		Allow:         []string{"Bash:npm:*"},
	})

	normalized, reason := gate.ValidateTool("Bash(npm:test)")
	if reason != "" {
		t.Fatalf("denied: %s", reason)
	}
	if normalized != "Bash:npm:test" {
		t.Errorf("normalized = %q", normalized)
	}

	if _, reason := gate.ValidateTool("Bash(npm:install)"); reason != "" {
		t.Errorf("Bash(npm:install) denied: %s", reason)
	}
	if _, reason := gate.ValidateTool("Bash(git:status)"); reason == "" {
		t.Error("Bash(git:status) should not match Bash:npm:*")
	}
	if _, reason := gate.ValidateTool("Bash"); reason == "" {
		t.Error("bare Bash should not match Bash:npm:*")
	}
}

func TestAllowListRestricts(t *testing.T) {
	gate, _ := newGate(t, Policy{
		RiskThreshold: RiskMedium,
		Allow:         []string{"Bash:npm:*"},
	})

	// A configured allow-list disables the threshold path: tools at or
	// below the threshold are still rejected unless they match.
	for _, tool := range []string{"Read", "Grep", "Write", "Edit"} {
		if _, reason := gate.ValidateTool(tool); reason == "" {
			t.Errorf("ValidateTool(%q) allowed despite non-matching allow-list", tool)
		}
	}

	if _, reason := gate.ValidateTool("Bash(npm:test)"); reason != "" {
		t.Errorf("matching tool denied: %s", reason)
	}
}

func TestAllowListMatchesSubAlone(t *testing.T) {
	gate, _ := newGate(t, Policy{
		RiskThreshold: RiskLow,
		Allow:         []string{"npm:*"},
	})

	if _, reason := gate.ValidateTool("Bash(npm:test)"); reason != "" {
		t.Errorf("sub-only allow entry should admit: %s", reason)
	}
	if _, reason := gate.ValidateTool("Bash(git:status)"); reason == "" {
		t.Error("git sub should not match npm:*")
	}
}

func TestDenyBeatsWildcardAllow(t *testing.T) {
	gate, _ := newGate(t, Policy{
		RiskThreshold: RiskHigh,
		Allow:         []string{"*"},
		Deny:          []string{"Bash:rm:*"},
	})

	if _, reason := gate.ValidateTool("Bash(rm:-rf)"); reason == "" {
		t.Fatal("deny must win over wildcard allow")
	}
	if _, reason := gate.ValidateTool("Bash(ls:-la)"); reason != "" {
		t.Errorf("non-denied tool rejected: %s", reason)
	}
}

func TestDenyWildcardAll(t *testing.T) {
	gate, _ := newGate(t, Policy{
		RiskThreshold: RiskHigh,
		Allow:         []string{"Read"},
		Deny:          []string{"*"},
	})

	if _, reason := gate.ValidateTool("Read"); reason == "" {
		t.Fatal("bare * deny must reject everything")
	}
}

func TestDenyBasePatternCoversSubForms(t *testing.T) {
	gate, _ := newGate(t, Policy{
		RiskThreshold: RiskHigh,
		Deny:          []string{"Bash:*"},
	})

	if _, reason := gate.ValidateTool("Bash"); reason == "" {
		t.Error("Bash:* should deny bare Bash")
	}
	if _, reason := gate.ValidateTool("Bash(npm:test)"); reason == "" {
		t.Error("Bash:* should deny Bash sub-forms")
	}
	if _, reason := gate.ValidateTool("Read"); reason != "" {
		t.Errorf("Read denied: %s", reason)
	}
}

func TestUnknownToolDenied(t *testing.T) {
	gate, _ := newGate(t, Policy{RiskThreshold: RiskHigh, Allow: []string{"*"}})

	if _, reason := gate.ValidateTool("Teleport"); reason == "" {
		t.Fatal("unregistered tool must be denied even with wildcard allow")
	}
}

func TestValidateToolsBatchAndAudit(t *testing.T) {
	ctx := context.Background()
	gate, memory := newGate(t, Policy{
		RiskThreshold: RiskMedium,
		Deny:          []string{"WebFetch"},
	})

	result, err := gate.ValidateTools(ctx, "run-1", "exec-1",
		[]string{"Read", "Bash(npm:test)", "WebFetch"})
	if err != nil {
		t.Fatalf("ValidateTools: %v", err)
	}

	if result.OK() {
		t.Fatal("batch with denials reported OK")
	}
	if len(result.Allowed) != 1 || result.Allowed[0] != "Read" {
		t.Errorf("Allowed = %v", result.Allowed)
	}
	if len(result.Denied) != 2 {
		t.Errorf("Denied = %v", result.Denied)
	}
	if result.Risks["Bash(npm:test)"] != "high" {
		t.Errorf("Risks = %v", result.Risks)
	}
	if result.Reasons["WebFetch"] == "" {
		t.Errorf("Reasons = %v", result.Reasons)
	}

	audits, err := memory.ListToolAudits(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 1 {
		t.Fatalf("audit count = %d, want 1", len(audits))
	}
	audit := audits[0]
	if audit.ExecutionID != "exec-1" || len(audit.Requested) != 3 {
		t.Errorf("audit = %+v", audit)
	}
	if audit.CreatedAt.IsZero() {
		t.Error("audit CreatedAt not set")
	}
}

func TestValidateToolsEmptyRequestUsesDefaults(t *testing.T) {
	ctx := context.Background()
	gate, memory := newGate(t, Policy{RiskThreshold: RiskMedium})

	result, err := gate.ValidateTools(ctx, "run-1", "exec-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK() {
		t.Fatalf("default tool set denied: %v", result.Reasons)
	}
	if len(result.Allowed) != len(DefaultTools()) {
		t.Errorf("Allowed = %v", result.Allowed)
	}
	// No command execution in the default set.
	for _, tool := range result.Allowed {
		if tool == "Bash" || tool == "WebFetch" {
			t.Errorf("default set includes %s", tool)
		}
	}

	// An audit record is written even when nothing is denied.
	audits, _ := memory.ListToolAudits(ctx, "run-1")
	if len(audits) != 1 {
		t.Errorf("audit count = %d", len(audits))
	}
}
