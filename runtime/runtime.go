// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime adapts the container engine CLI (docker or podman)
// into the environment lifecycle workflow steps need: spawn an
// isolated container, optionally clone source into it, run the step
// command with output streaming and a hard timeout, and tear the
// container down. The engine binary is reached through an injectable
// Commander so tests never touch a real container engine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
)

// TimeoutExitCode is the reserved exit code reported when a step
// command is force-terminated on timeout, following the GNU timeout
// convention. Step commands must not use it for their own semantics.
const TimeoutExitCode = 124

// ErrTimeout marks a run that was force-terminated at its deadline.
var ErrTimeout = errors.New("runtime: command timed out")

// Defaults fills in environment fields a step leaves unset.
type Defaults struct {
	Image    string
	MemoryMB int
	CPUs     float64
	Timeout  time.Duration

	// StopGrace bounds how long Stop waits for the engine's
	// force-remove before giving up. Zero means unbounded.
	StopGrace time.Duration
}

// Environment is a live spawned container.
type Environment struct {
	// ID is the engine's container identifier.
	ID string

	// Name is the drover-assigned container name.
	Name string

	// Image is the image the container was started from.
	Image string
}

// Runtime drives one container engine.
type Runtime struct {
	commander Commander
	defaults  Defaults
	clock     clock.Clock
	logger    *slog.Logger
}

// New builds a Runtime around the given commander.
func New(commander Commander, defaults Defaults, clk clock.Clock, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runtime{commander: commander, defaults: defaults, clock: clk, logger: logger}
}

// Spawn starts a detached container for spec. image overrides
// spec.Image when non-empty (the engine passes a cache-built image
// here). The container idles until Exec is called.
func (r *Runtime) Spawn(ctx context.Context, spec *schema.EnvironmentSpec, image string) (*Environment, error) {
	if image == "" {
		image = spec.Image
	}
	if image == "" {
		image = r.defaults.Image
	}

	memoryMB := spec.MemoryMB
	if memoryMB == 0 {
		memoryMB = r.defaults.MemoryMB
	}
	cpus := spec.CPUs
	if cpus == 0 {
		cpus = r.defaults.CPUs
	}

	name := "drover-" + uuid.NewString()[:8]
	args := []string{
		"run", "--detach",
		"--name", name,
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--cpus", strconv.FormatFloat(cpus, 'f', -1, 64),
		"--workdir", "/workspace",
	}
	for key, value := range spec.Env {
		args = append(args, "--env", key+"="+value)
	}
	for _, mount := range spec.Mounts {
		volume := mount.Source + ":" + mount.Target
		if mount.ReadOnly {
			volume += ":ro"
		}
		args = append(args, "--volume", volume)
	}
	// Keep PID 1 alive so exec has a target.
	args = append(args, image, "sleep", "infinity")

	id, err := r.commander.Output(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("runtime: spawning environment: %w", err)
	}

	environment := &Environment{ID: id, Name: name, Image: image}
	r.logger.Info("environment spawned",
		"container", id,
		"name", name,
		"image", image,
	)
	return environment, nil
}

// FetchSource clones repository into the environment's workspace.
// Failure aborts the step; the engine never runs a step against a
// partially cloned tree.
func (r *Runtime) FetchSource(ctx context.Context, environment *Environment, repository string) error {
	_, err := r.commander.Output(ctx,
		"exec", environment.ID,
		"git", "clone", "--depth", "1", repository, "/workspace/src")
	if err != nil {
		return fmt.Errorf("runtime: fetching %s: %w", repository, err)
	}
	return nil
}

// Exec runs command inside the environment, streaming each output
// line on lines (which Exec closes before returning). The timeout is
// hard: on expiry the command is killed and Exec returns
// TimeoutExitCode with ErrTimeout. A zero timeout uses the default.
func (r *Runtime) Exec(ctx context.Context, environment *Environment, command []string, timeout time.Duration, lines chan<- string) (int, error) {
	defer close(lines)

	if timeout <= 0 {
		timeout = r.defaults.Timeout
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := r.clock.AfterFunc(timeout, cancel)
	defer deadline.Stop()

	args := append([]string{"exec", environment.ID}, command...)
	start := r.clock.Now()
	exitCode, err := r.commander.Stream(execCtx, lines, args...)

	if execCtx.Err() != nil && ctx.Err() == nil {
		// Our deadline fired, not the caller's context.
		r.logger.Warn("command timed out",
			"container", environment.ID,
			"timeout", timeout,
		)
		return TimeoutExitCode, ErrTimeout
	}
	if err != nil {
		return -1, fmt.Errorf("runtime: exec in %s: %w", environment.ID, err)
	}

	r.logger.Debug("command finished",
		"container", environment.ID,
		"exit_code", exitCode,
		"duration", r.clock.Now().Sub(start),
	)
	return exitCode, nil
}

// Stop removes the environment. Best effort: a container that is
// already gone is not an error, and Stop never escalates beyond the
// engine's own force-remove. A hung force-remove is abandoned after
// the StopGrace window.
func (r *Runtime) Stop(ctx context.Context, environment *Environment) {
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.defaults.StopGrace > 0 {
		grace := r.clock.AfterFunc(r.defaults.StopGrace, cancel)
		defer grace.Stop()
	}

	_, err := r.commander.Output(stopCtx, "rm", "--force", environment.ID)
	if stopCtx.Err() != nil && ctx.Err() == nil {
		r.logger.Warn("environment stop abandoned",
			"container", environment.ID,
			"grace", r.defaults.StopGrace,
		)
		return
	}
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		r.logger.Warn("environment stop failed",
			"container", environment.ID,
			"error", err,
		)
	}
}

// Build builds an image from a build-file directory and returns the
// engine's output lines. Used by the image cache.
func (r *Runtime) Build(ctx context.Context, tag, contextDir string, lines chan<- string) error {
	defer close(lines)

	exitCode, err := r.commander.Stream(ctx, lines, "build", "--tag", tag, contextDir)
	if err != nil {
		return fmt.Errorf("runtime: building %s: %w", tag, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("runtime: building %s: exit status %d", tag, exitCode)
	}
	return nil
}

// ImageSize returns the size in bytes of a local image, or 0 when the
// engine cannot report it.
func (r *Runtime) ImageSize(ctx context.Context, reference string) int64 {
	out, err := r.commander.Output(ctx, "image", "inspect", "--format", "{{.Size}}", reference)
	if err != nil {
		return 0
	}
	size, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0
	}
	return size
}
