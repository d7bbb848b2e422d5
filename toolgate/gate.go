// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package toolgate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/store"
)

// Policy configures a Gate.
type Policy struct {
	// RiskThreshold is the highest risk granted when no allow-list is
	// configured. Ignored when Allow is non-empty.
	RiskThreshold RiskLevel

	// Allow restricts the gate to matching tools ("Bash",
	// "Bash:npm:*"): when non-empty, a tool must match an entry, and a
	// match admits regardless of risk. Deny still wins.
	Allow []string

	// Deny lists patterns rejected unconditionally ("Bash:rm:*",
	// "WebFetch", "*").
	Deny []string
}

// Gate validates tool requests against a registry and policy. The
// registry and policy are fixed at construction; per-run overrides
// require a new Gate.
type Gate struct {
	registry *Registry
	policy   Policy
	audits   store.AuditStore
	clock    clock.Clock
	logger   *slog.Logger
}

// New builds a Gate. audits receives one record per validation batch;
// it must not be nil.
func New(registry *Registry, policy Policy, audits store.AuditStore, clk clock.Clock, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{
		registry: registry,
		policy:   policy,
		audits:   audits,
		clock:    clk,
		logger:   logger,
	}
}

// Result is the outcome of one batch validation.
type Result struct {
	// Allowed holds the normalized Base:sub forms that passed, in
	// request order.
	Allowed []string

	// Denied holds the submitted forms that were rejected, in request
	// order.
	Denied []string

	// Risks maps each known requested tool to its risk level string.
	Risks map[string]string

	// Reasons maps each denied tool to its rejection reason.
	Reasons map[string]string
}

// OK reports whether every requested tool was allowed.
func (r *Result) OK() bool { return len(r.Denied) == 0 }

// ParseTool splits a requested tool into base name and sub-specifier.
// Both authored forms are accepted:
//
//	"Read"            → base "Read", sub ""
//	"Bash(npm:test)"  → base "Bash", sub "npm:test"
//	"Bash:npm:test"   → base "Bash", sub "npm:test"
func ParseTool(requested string) (base, sub string, err error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", "", fmt.Errorf("empty tool name")
	}

	if open := strings.IndexByte(requested, '('); open >= 0 {
		if !strings.HasSuffix(requested, ")") {
			return "", "", fmt.Errorf("malformed tool %q: missing closing parenthesis", requested)
		}
		base = requested[:open]
		sub = requested[open+1 : len(requested)-1]
		if base == "" {
			return "", "", fmt.Errorf("malformed tool %q: empty base name", requested)
		}
		if sub == "" {
			return "", "", fmt.Errorf("malformed tool %q: empty sub-specifier", requested)
		}
		return base, sub, nil
	}

	base, sub, _ = strings.Cut(requested, ":")
	if base == "" {
		return "", "", fmt.Errorf("malformed tool %q: empty base name", requested)
	}
	return base, sub, nil
}

// Normalize returns the canonical Base:sub form ("Bash:npm:test") or
// the bare base when there is no sub-specifier.
func Normalize(base, sub string) string {
	if sub == "" {
		return base
	}
	return base + ":" + sub
}

// ValidateTool checks a single requested tool. Returns the normalized
// form on success, or the denial reason.
func (g *Gate) ValidateTool(requested string) (normalized string, reason string) {
	base, sub, err := ParseTool(requested)
	if err != nil {
		return "", err.Error()
	}

	capability, known := g.registry.Lookup(base)
	if !known {
		return "", fmt.Sprintf("unknown tool %q", base)
	}

	normalized = Normalize(base, sub)

	// Deny wins over everything, including a wildcard allow. The sub
	// part alone is also checked so "npm:*" style deny entries work
	// without the base prefix.
	if pattern := g.denyMatch(base, sub, normalized); pattern != "" {
		return "", fmt.Sprintf("matches deny pattern %q", pattern)
	}

	// A non-empty allow-list is restrictive: the tool must match one of
	// its entries, and a match admits regardless of risk. The risk
	// threshold applies only when no allow-list is configured.
	if len(g.policy.Allow) > 0 {
		if allowMatches(g.policy.Allow, base, normalized) || g.subAllowed(sub) {
			return normalized, ""
		}
		return "", fmt.Sprintf("no allow entry matches %q", normalized)
	}

	if capability.Risk <= g.policy.RiskThreshold {
		return normalized, ""
	}

	return "", fmt.Sprintf("risk %s exceeds threshold %s",
		capability.Risk, g.policy.RiskThreshold)
}

// denyMatch checks the deny list against the normalized form, the
// bare base, and the sub-specifier on its own.
func (g *Gate) denyMatch(base, sub, normalized string) string {
	if pattern := matchAnyPattern(g.policy.Deny, normalized); pattern != "" {
		return pattern
	}
	if pattern := matchAnyPattern(g.policy.Deny, base); pattern != "" {
		return pattern
	}
	if sub != "" {
		if pattern := matchAnyPattern(g.policy.Deny, sub); pattern != "" {
			return pattern
		}
	}
	return ""
}

// subAllowed checks the allow list against the sub-specifier alone,
// so "npm:*" admits "Bash(npm:test)" without naming the base.
func (g *Gate) subAllowed(sub string) bool {
	if sub == "" {
		return false
	}
	return matchAnyPattern(g.policy.Allow, sub) != ""
}

// ValidateTools checks a batch of requested tools and writes one
// audit record, whether or not anything was denied. An empty request
// resolves to DefaultTools(). runID and executionID may be empty for
// standalone pre-flight validation.
func (g *Gate) ValidateTools(ctx context.Context, runID, executionID string, requested []string) (*Result, error) {
	if len(requested) == 0 {
		requested = DefaultTools()
	}

	result := &Result{
		Risks:   make(map[string]string),
		Reasons: make(map[string]string),
	}

	for _, tool := range requested {
		if base, _, err := ParseTool(tool); err == nil {
			if capability, known := g.registry.Lookup(base); known {
				result.Risks[tool] = capability.Risk.String()
			}
		}

		normalized, reason := g.ValidateTool(tool)
		if reason != "" {
			result.Denied = append(result.Denied, tool)
			result.Reasons[tool] = reason
			continue
		}
		result.Allowed = append(result.Allowed, normalized)
	}

	record := &schema.ToolAuditRecord{
		ID:          uuid.NewString(),
		RunID:       runID,
		ExecutionID: executionID,
		Requested:   requested,
		Allowed:     result.Allowed,
		Denied:      result.Denied,
		Risks:       result.Risks,
		Reasons:     result.Reasons,
		CreatedAt:   g.clock.Now(),
	}
	if err := g.audits.AppendToolAudit(ctx, record); err != nil {
		return nil, fmt.Errorf("toolgate: writing audit record: %w", err)
	}

	if len(result.Denied) > 0 {
		g.logger.Warn("tool validation denied",
			"run_id", runID,
			"execution_id", executionID,
			"denied", result.Denied,
		)
	}

	return result, nil
}
