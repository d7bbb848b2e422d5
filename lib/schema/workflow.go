// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// WorkflowDefinition is a reusable description of a multi-step agent
// workflow: an ordered, graph-linked list of steps with routing rules.
// Definitions are immutable after submission — the engine validates
// them once and never mutates them.
//
// Step routing may form cycles (a step's next or on_error can point
// back to an earlier step). That is intentional: retry-until-done
// loops are expressed this way, and the engine's iteration cap is the
// only cycle breaker.
type WorkflowDefinition struct {
	// Name identifies the workflow (e.g., "review-and-fix"). Required.
	Name string `json:"name"`

	// Description is a human-readable summary of what the workflow does.
	Description string `json:"description,omitempty"`

	// Variables declares the context variables this workflow expects,
	// with optional defaults and required flags. Caller-supplied
	// context values override defaults; required variables without a
	// value from any source fail submission.
	Variables map[string]VariableDecl `json:"variables,omitempty"`

	// Steps is the ordered list of step definitions. At least one step
	// is required; execution starts at Steps[0].
	Steps []StepDefinition `json:"steps"`
}

// VariableDecl declares an expected context variable for a workflow.
type VariableDecl struct {
	// Description explains what this variable is for.
	Description string `json:"description,omitempty"`

	// Default is the fallback value when the caller does not provide
	// one. Empty string is a valid default.
	Default string `json:"default,omitempty"`

	// Required means submission must fail if this variable has no
	// value from any source (including Default).
	Required bool `json:"required,omitempty"`
}

// StepDefinition is one named unit of work (an "agent") within a
// workflow. The prompt template is interpolated against the run's
// context and state maps, then executed inside an isolated container
// described by Environment.
type StepDefinition struct {
	// Name is the step's unique identifier within the workflow,
	// used in routing (next, on_error, condition targets). Required.
	Name string `json:"name"`

	// Role is a free-form label for the agent persona executing this
	// step (e.g., "reviewer", "implementer"). Carried into step events
	// for observers; the engine does not interpret it.
	Role string `json:"role,omitempty"`

	// Prompt is the step's prompt template. ${var} references are
	// interpolated against the run's context and state maps before
	// execution; unresolved references are left as literal text.
	// Required.
	Prompt string `json:"prompt"`

	// Environment describes the isolated execution environment for
	// this step: image, resource limits, allowed tools, and optional
	// source repository.
	Environment EnvironmentSpec `json:"environment,omitempty"`

	// OutputVar names the state variable that receives this step's
	// captured output on success. Empty means the output is recorded
	// on the step record but not written to state.
	OutputVar string `json:"output_var,omitempty"`

	// Next routes to the following step when no condition fires.
	// Accepts a single step name or a list; when a list, the first
	// entry is taken. Empty means the run completes successfully
	// after this step (unless a condition routes elsewhere).
	Next StringList `json:"next,omitempty"`

	// Conditions are evaluated in order after the step succeeds. The
	// first entry whose If expression is true (or the trailing entry
	// with an empty If, the implicit else) determines the outcome:
	// its actions run, then execution continues at its Next step or
	// terminates successfully if Next is empty. Only the last entry
	// may omit If.
	Conditions []StepCondition `json:"conditions,omitempty"`

	// OnError controls routing when the step fails: "stop" (or empty)
	// terminates the run as failed, "route-to(step)" continues at the
	// named step. Budget and consecutive-failure breaches are never
	// routed around.
	OnError string `json:"on_error,omitempty"`
}

// StepCondition is one alternative in a step's post-success routing.
type StepCondition struct {
	// If is a restricted boolean expression (see lib/condition)
	// evaluated against the run's context and state. Operands are
	// interpolated with the same missing-keys-stay-literal policy as
	// prompts. Empty If marks the unconditional else entry.
	If string `json:"if,omitempty"`

	// Actions run when this alternative fires, in order.
	Actions []ConditionAction `json:"actions,omitempty"`

	// Next is the step to continue at. Empty terminates the run
	// successfully.
	Next string `json:"next,omitempty"`
}

// ConditionAction is a single routing action. Exactly one field must
// be set.
type ConditionAction struct {
	// Set writes values into the run's state map.
	Set map[string]string `json:"set,omitempty"`

	// Log emits a log event on the run's event bus.
	Log string `json:"log,omitempty"`
}

// EnvironmentSpec describes the isolated execution environment for one
// step: which image to run, how it is sized, what the step may do
// inside it, and what source it needs.
type EnvironmentSpec struct {
	// Image is the container image reference. Empty means the
	// runtime's configured default image.
	Image string `json:"image,omitempty"`

	// MemoryMB caps the environment's memory in megabytes. Zero means
	// the runtime default.
	MemoryMB int `json:"memory_mb,omitempty"`

	// CPUs caps the environment's CPU share. Zero means the runtime
	// default.
	CPUs float64 `json:"cpus,omitempty"`

	// TimeoutSeconds is the hard per-command execution timeout. Zero
	// means the runtime default. On expiry the command is
	// force-terminated and reported with the reserved timeout exit
	// code.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Env sets environment variables inside the container.
	Env map[string]string `json:"env,omitempty"`

	// Mounts bind host paths into the container.
	Mounts []Mount `json:"mounts,omitempty"`

	// Tools lists the capabilities this step requests, in registry
	// form ("Read", "Bash(npm:test)"). Empty means the gate's default
	// read-write set with no command execution. Every entry must pass
	// the tool gate or the step fails without spawning.
	Tools []string `json:"tools,omitempty"`

	// CapabilityServers lists external capability servers made
	// available to the agent process. The orchestrator passes these
	// through as configuration; it never speaks their protocol.
	CapabilityServers []CapabilityServer `json:"capability_servers,omitempty"`

	// Repository is an optional source repository cloned into the
	// environment before the step command runs. Clone failure aborts
	// the step.
	Repository string `json:"repository,omitempty"`

	// Dependencies declares the packages this environment needs. When
	// set, the engine consults the image cache: a fingerprint match
	// reuses the cached image, otherwise a layered image is built and
	// recorded. Build failure falls back to the base image.
	Dependencies *DependencySet `json:"dependencies,omitempty"`
}

// Mount is a single bind mount into a step's container.
type Mount struct {
	// Source is the host path.
	Source string `json:"source"`

	// Target is the path inside the container.
	Target string `json:"target"`

	// ReadOnly mounts the path without write access.
	ReadOnly bool `json:"read_only,omitempty"`
}

// CapabilityServer names an external capability server an agent may
// connect to from inside its environment.
type CapabilityServer struct {
	// Name identifies the server to the agent (e.g., "browser").
	Name string `json:"name"`

	// URL is the server's endpoint.
	URL string `json:"url"`
}

// DependencySet declares the package dependencies of a step
// environment. The image cache fingerprints this structure (base
// image + sorted package lists + sorted system setup) so that
// environments with the same dependencies share one built image
// regardless of declaration order.
type DependencySet struct {
	// BaseImage is the image the dependency layers are built on. Empty
	// means the step's Image (or the runtime default).
	BaseImage string `json:"base_image,omitempty"`

	// Packages maps an ecosystem name ("apt", "pip", "npm") to the
	// packages to install from it. List order does not affect the
	// fingerprint.
	Packages map[string][]string `json:"packages,omitempty"`

	// SystemSetup is a list of system configuration commands run after
	// package installation (e.g., locale or CA setup). Order does not
	// affect the fingerprint.
	SystemSetup []string `json:"system_setup,omitempty"`
}

// StringList accepts either a single JSON string or an array of
// strings. Workflow authors write `"next": "review"` for the common
// single-target case and a list for fan-out declarations (the engine
// takes the first entry).
type StringList []string

// UnmarshalJSON implements the string-or-array form.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = nil
			return nil
		}
		*l = StringList{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("must be a string or an array of strings, got: %s", string(data))
	}
	*l = StringList(many)
	return nil
}

// MarshalJSON writes the single-string form when the list has exactly
// one entry, preserving the compact authored shape on round trips.
func (l StringList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

// First returns the first entry, or "" when the list is empty.
func (l StringList) First() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

// onErrorRoutePattern matches the route-to(step) form of OnError.
var onErrorRoutePattern = regexp.MustCompile(`^route-to\(([^()]+)\)$`)

// OnErrorStop is the OnError value (and the empty-string default)
// that terminates the run as failed when the step fails.
const OnErrorStop = "stop"

// ParseOnError parses a step's OnError field. Returns the routing
// target step name for "route-to(step)", or "" for "stop"/empty.
// Returns an error for any other form.
func ParseOnError(value string) (target string, err error) {
	switch value {
	case "", OnErrorStop:
		return "", nil
	}
	match := onErrorRoutePattern.FindStringSubmatch(value)
	if match == nil {
		return "", fmt.Errorf("on_error must be %q or \"route-to(step)\", got %q", OnErrorStop, value)
	}
	target = strings.TrimSpace(match[1])
	if target == "" {
		return "", errors.New(`on_error route-to() requires a step name`)
	}
	return target, nil
}

// Validate checks the definition's structure: required fields, unique
// step names, and that every routing target (next, condition next,
// on_error route) names an existing step. It deliberately does not
// check for cycles — cyclic routing is legal and bounded by the
// engine's iteration cap. Condition expression syntax is checked by
// lib/workflowdef, which layers on top of this.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow: name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q: at least one step is required", d.Name)
	}

	names := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		name := d.Steps[i].Name
		if name == "" {
			return fmt.Errorf("workflow %q: steps[%d]: name is required", d.Name, i)
		}
		if names[name] {
			return fmt.Errorf("workflow %q: duplicate step name %q", d.Name, name)
		}
		names[name] = true
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		if err := step.validate(names); err != nil {
			return fmt.Errorf("workflow %q: step %q: %w", d.Name, step.Name, err)
		}
	}
	return nil
}

// validate checks a single step against the set of known step names.
func (s *StepDefinition) validate(names map[string]bool) error {
	if s.Prompt == "" {
		return errors.New("prompt is required")
	}

	for _, next := range s.Next {
		if !names[next] {
			return fmt.Errorf("next references unknown step %q", next)
		}
	}

	target, err := ParseOnError(s.OnError)
	if err != nil {
		return err
	}
	if target != "" && !names[target] {
		return fmt.Errorf("on_error routes to unknown step %q", target)
	}

	for i, condition := range s.Conditions {
		if condition.If == "" && i != len(s.Conditions)-1 {
			return fmt.Errorf("conditions[%d]: only the last condition may omit \"if\"", i)
		}
		if condition.Next != "" && !names[condition.Next] {
			return fmt.Errorf("conditions[%d]: next references unknown step %q", i, condition.Next)
		}
		for j, action := range condition.Actions {
			if err := action.validate(); err != nil {
				return fmt.Errorf("conditions[%d]: actions[%d]: %w", i, j, err)
			}
		}
	}

	return s.Environment.validate()
}

// validate checks a condition action declares exactly one operation.
func (a *ConditionAction) validate() error {
	set := len(a.Set) > 0
	log := a.Log != ""
	if set == log {
		return errors.New(`exactly one of "set" or "log" must be present`)
	}
	return nil
}

// validate checks environment sizing and mount fields.
func (e *EnvironmentSpec) validate() error {
	if e.MemoryMB < 0 {
		return fmt.Errorf("environment: memory_mb must be >= 0, got %d", e.MemoryMB)
	}
	if e.CPUs < 0 {
		return fmt.Errorf("environment: cpus must be >= 0, got %g", e.CPUs)
	}
	if e.TimeoutSeconds < 0 {
		return fmt.Errorf("environment: timeout_seconds must be >= 0, got %d", e.TimeoutSeconds)
	}
	for i, mount := range e.Mounts {
		if mount.Source == "" || mount.Target == "" {
			return fmt.Errorf("environment: mounts[%d]: source and target are required", i)
		}
	}
	for i, server := range e.CapabilityServers {
		if server.Name == "" || server.URL == "" {
			return fmt.Errorf("environment: capability_servers[%d]: name and url are required", i)
		}
	}
	return nil
}

// Step returns the step definition with the given name, or nil.
func (d *WorkflowDefinition) Step(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}
