// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolgate validates the tools a workflow step may use inside
// its execution environment. The gate resolves each requested tool
// against an immutable capability registry, applies allow and deny
// pattern lists with a risk threshold, and writes an audit record for
// every validation batch. Deny always wins, including over a wildcard
// allow.
package toolgate

import (
	"fmt"
	"sort"
)

// RiskLevel classifies the blast radius of a capability.
type RiskLevel int

const (
	// RiskLow: read-only access to the environment (file reads,
	// searches).
	RiskLow RiskLevel = iota
	// RiskMedium: writes confined to the environment's filesystem.
	RiskMedium
	// RiskHigh: arbitrary command execution or network access.
	RiskHigh
)

// String returns the level's wire form.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ParseRiskLevel parses the wire form of a risk level.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
}

// Capability is one registered tool the gate knows about.
type Capability struct {
	// Name is the tool's base name ("Read", "Bash"). Sub-specifiers
	// like "Bash(npm:test)" resolve against this base entry.
	Name string

	// Risk is the capability's risk classification.
	Risk RiskLevel

	// Description is shown by "drover tools".
	Description string
}

// Registry is an immutable set of known capabilities. Construct one
// with NewRegistry and inject it; there is no global registry and no
// post-construction mutation.
type Registry struct {
	byName map[string]Capability
	names  []string
}

// NewRegistry builds a registry from the given capabilities.
// Duplicate names are an error.
func NewRegistry(capabilities []Capability) (*Registry, error) {
	byName := make(map[string]Capability, len(capabilities))
	names := make([]string, 0, len(capabilities))
	for _, capability := range capabilities {
		if capability.Name == "" {
			return nil, fmt.Errorf("toolgate: capability with empty name")
		}
		if _, exists := byName[capability.Name]; exists {
			return nil, fmt.Errorf("toolgate: duplicate capability %q", capability.Name)
		}
		byName[capability.Name] = capability
		names = append(names, capability.Name)
	}
	sort.Strings(names)
	return &Registry{byName: byName, names: names}, nil
}

// Lookup returns the capability for a base tool name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	capability, ok := r.byName[name]
	return capability, ok
}

// Names returns all registered base names, sorted.
func (r *Registry) Names() []string {
	result := make([]string, len(r.names))
	copy(result, r.names)
	return result
}

// DefaultCapabilities is the standard tool set for agent steps.
func DefaultCapabilities() []Capability {
	return []Capability{
		{Name: "Read", Risk: RiskLow, Description: "read files in the environment"},
		{Name: "Glob", Risk: RiskLow, Description: "find files by name pattern"},
		{Name: "Grep", Risk: RiskLow, Description: "search file contents"},
		{Name: "Write", Risk: RiskMedium, Description: "create or overwrite files"},
		{Name: "Edit", Risk: RiskMedium, Description: "modify existing files"},
		{Name: "WebFetch", Risk: RiskHigh, Description: "fetch content from the network"},
		{Name: "Bash", Risk: RiskHigh, Description: "execute shell commands"},
	}
}

// DefaultRegistry returns a registry holding DefaultCapabilities.
func DefaultRegistry() *Registry {
	registry, err := NewRegistry(DefaultCapabilities())
	if err != nil {
		panic("toolgate: default registry: " + err.Error())
	}
	return registry
}

// DefaultTools is the tool set granted to steps that request none:
// read and write within the environment, no command execution and no
// network.
func DefaultTools() []string {
	return []string{"Read", "Glob", "Grep", "Write", "Edit"}
}
