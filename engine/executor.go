// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/drover-works/drover/imagecache"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/runtime"
	"github.com/drover-works/drover/toolgate"
)

// EmitFunc receives one output line from a running step. The engine's
// implementation persists the line to the run log and publishes log
// and progress events.
type EmitFunc func(level, message string)

// Outcome is the result of one step attempt. Err is nil on success;
// on failure it wraps one of the package's step-level sentinels (or
// carries the command's own failure).
type Outcome struct {
	// Output is the captured command output, cost marker excluded.
	Output string

	// Cost is the attempt's reported cost. Recorded even on failure.
	Cost float64

	// Err is the failure, nil on success.
	Err error
}

// StepExecutor runs one step attempt inside its environment. The
// record's Prompt is already interpolated; the executor fills in the
// tool gate outcome and the environment id as it goes.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, run *schema.WorkflowRun, step *schema.StepDefinition, record *schema.StepExecutionRecord, emit EmitFunc) *Outcome
}

// costMarker prefixes the agent's self-reported cost line. The agent
// prints it as its final output line; the executor strips it from the
// captured output.
const costMarker = "drover:cost="

// ContainerExecutor is the production StepExecutor: tool gate, image
// cache, then container runtime.
type ContainerExecutor struct {
	gate    *toolgate.Gate
	cache   *imagecache.Cache
	runtime *runtime.Runtime

	// command is the agent command run inside the environment; the
	// prompt and allowed tools are appended as flags.
	command []string

	// baseImage is the fallback base for dependency builds when the
	// step names no image of its own.
	baseImage string

	logger *slog.Logger
}

// NewContainerExecutor builds the production executor. command is the
// agent command; nil means the default "drover-agent".
func NewContainerExecutor(gate *toolgate.Gate, cache *imagecache.Cache, rt *runtime.Runtime, command []string, baseImage string, logger *slog.Logger) *ContainerExecutor {
	if len(command) == 0 {
		command = []string{"drover-agent"}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ContainerExecutor{
		gate:      gate,
		cache:     cache,
		runtime:   rt,
		command:   command,
		baseImage: baseImage,
		logger:    logger,
	}
}

// ExecuteStep validates tools, resolves the image, spawns the
// environment, optionally fetches source, and runs the agent command
// with output streaming. Tool denial fails the attempt before any
// container exists.
func (e *ContainerExecutor) ExecuteStep(ctx context.Context, run *schema.WorkflowRun, step *schema.StepDefinition, record *schema.StepExecutionRecord, emit EmitFunc) *Outcome {
	requested := step.Environment.Tools
	if len(requested) == 0 {
		requested = toolgate.DefaultTools()
	}
	record.RequestedTools = requested

	gateResult, err := e.gate.ValidateTools(ctx, run.ID, record.ID, requested)
	if err != nil {
		return &Outcome{Err: fmt.Errorf("validating tools: %w", err)}
	}
	record.AllowedTools = gateResult.Allowed
	record.DeniedTools = gateResult.Denied
	if !gateResult.OK() {
		return &Outcome{Err: fmt.Errorf("%w: %s", ErrToolDenied, strings.Join(gateResult.Denied, ", "))}
	}

	image, err := e.resolveImage(ctx, step, emit)
	if err != nil {
		return &Outcome{Err: err}
	}

	environment, err := e.runtime.Spawn(ctx, &step.Environment, image)
	if err != nil {
		return &Outcome{Err: fmt.Errorf("%w: %v", ErrSpawnFailed, err)}
	}
	record.EnvironmentID = environment.ID
	defer e.runtime.Stop(ctx, environment)

	if step.Environment.Repository != "" {
		if err := e.runtime.FetchSource(ctx, environment, step.Environment.Repository); err != nil {
			return &Outcome{Err: fmt.Errorf("%w: %v", ErrSourceFetchFailed, err)}
		}
	}

	return e.runCommand(ctx, environment, step, record, gateResult.Allowed, emit)
}

// resolveImage consults the image cache when the step declares
// dependencies. A failed build is not fatal: the step runs on the base
// image and the fallback is surfaced on the run log.
func (e *ContainerExecutor) resolveImage(ctx context.Context, step *schema.StepDefinition, emit EmitFunc) (string, error) {
	if step.Environment.Dependencies == nil {
		return "", nil
	}

	fallback := step.Environment.Image
	if fallback == "" {
		fallback = e.baseImage
	}

	ensured, err := e.cache.EnsureImage(ctx, step.Environment.Dependencies, fallback)
	if err != nil {
		return "", fmt.Errorf("resolving dependency image: %w", err)
	}
	if ensured.BuildFailed {
		emit("warn", "dependency image build failed, running on base image: "+ensured.BuildError)
	}
	return ensured.Reference, nil
}

// runCommand executes the agent command, relaying each output line
// through emit and capturing the lot as the step output. The agent's
// trailing cost marker line is parsed and stripped.
func (e *ContainerExecutor) runCommand(ctx context.Context, environment *runtime.Environment, step *schema.StepDefinition, record *schema.StepExecutionRecord, allowed []string, emit EmitFunc) *Outcome {
	command := slices.Clone(e.command)
	command = append(command, "--prompt", record.Prompt)
	if len(allowed) > 0 {
		command = append(command, "--tools", strings.Join(allowed, ","))
	}

	outcome := &Outcome{}
	var captured []string

	lines := make(chan string, 64)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for line := range lines {
			if cost, ok := parseCostLine(line); ok {
				outcome.Cost += cost
				continue
			}
			captured = append(captured, line)
			emit("info", line)
		}
	}()

	timeout := time.Duration(step.Environment.TimeoutSeconds) * time.Second
	exitCode, err := e.runtime.Exec(ctx, environment, command, timeout, lines)
	<-collected
	outcome.Output = strings.Join(captured, "\n")

	e.logger.Debug("step command finished",
		"step", step.Name,
		"container", environment.ID,
		"exit_code", exitCode,
		"cost", outcome.Cost,
	)

	switch {
	case errors.Is(err, runtime.ErrTimeout) || exitCode == runtime.TimeoutExitCode:
		outcome.Err = fmt.Errorf("%w after %s", ErrStepTimeout, timeoutLabel(timeout))
	case err != nil:
		outcome.Err = err
	case exitCode != 0:
		outcome.Err = fmt.Errorf("step command exited %d", exitCode)
	}
	return outcome
}

// parseCostLine parses an agent cost marker line ("drover:cost=1.25").
func parseCostLine(line string) (float64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), costMarker)
	if !ok {
		return 0, false
	}
	cost, err := strconv.ParseFloat(rest, 64)
	if err != nil || cost < 0 {
		return 0, false
	}
	return cost, true
}

// timeoutLabel renders the effective timeout for error text; zero
// means the runtime default was in force.
func timeoutLabel(timeout time.Duration) string {
	if timeout <= 0 {
		return "the default timeout"
	}
	return timeout.String()
}
