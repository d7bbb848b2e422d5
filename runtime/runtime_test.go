// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
)

// fakeCommander scripts engine responses and records the argument
// lists it was invoked with.
type fakeCommander struct {
	mu    sync.Mutex
	calls [][]string

	// outputs maps the first argument (the engine subcommand) to a
	// scripted response for Output calls.
	outputs map[string]string
	// outputErr maps subcommands to errors.
	outputErr map[string]error
	// outputBlock, when set, makes Output wait for context
	// cancellation.
	outputBlock bool

	// streamLines are sent on the lines channel by Stream.
	streamLines []string
	// streamExit is Stream's returned exit code.
	streamExit int
	// streamBlock, when set, makes Stream wait for context
	// cancellation after sending its lines.
	streamBlock bool
}

func (f *fakeCommander) record(args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
}

func (f *fakeCommander) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeCommander) Output(ctx context.Context, args ...string) (string, error) {
	f.record(args)
	if f.outputBlock {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := f.outputErr[args[0]]; err != nil {
		return "", err
	}
	return f.outputs[args[0]], nil
}

func (f *fakeCommander) Stream(ctx context.Context, lines chan<- string, args ...string) (int, error) {
	f.record(args)
	for _, line := range f.streamLines {
		select {
		case lines <- line:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if f.streamBlock {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return f.streamExit, nil
}

func newRuntime(commander Commander, clk clock.Clock) *Runtime {
	return New(commander, Defaults{
		Image:    "ubuntu:24.04",
		MemoryMB: 1024,
		CPUs:     1,
		Timeout:  time.Minute,
	}, clk, nil)
}

func TestSpawnBuildsEngineArguments(t *testing.T) {
	commander := &fakeCommander{outputs: map[string]string{"run": "container-123"}}
	rt := newRuntime(commander, clock.Fake(time.Unix(0, 0)))

	spec := &schema.EnvironmentSpec{
		MemoryMB: 4096,
		CPUs:     2,
		Env:      map[string]string{"CI": "1"},
		Mounts: []schema.Mount{
			{Source: "/data", Target: "/data", ReadOnly: true},
		},
	}

	environment, err := rt.Spawn(context.Background(), spec, "python:3.12")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if environment.ID != "container-123" {
		t.Errorf("ID = %q", environment.ID)
	}
	if environment.Image != "python:3.12" {
		t.Errorf("Image = %q", environment.Image)
	}

	args := strings.Join(commander.call(0), " ")
	for _, want := range []string{
		"run --detach",
		"--memory 4096m",
		"--cpus 2",
		"--env CI=1",
		"--volume /data:/data:ro",
		"python:3.12 sleep infinity",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("spawn args missing %q: %s", want, args)
		}
	}
}

func TestSpawnAppliesDefaults(t *testing.T) {
	commander := &fakeCommander{outputs: map[string]string{"run": "c"}}
	rt := newRuntime(commander, clock.Fake(time.Unix(0, 0)))

	if _, err := rt.Spawn(context.Background(), &schema.EnvironmentSpec{}, ""); err != nil {
		t.Fatal(err)
	}

	args := strings.Join(commander.call(0), " ")
	if !strings.Contains(args, "--memory 1024m") || !strings.Contains(args, "ubuntu:24.04") {
		t.Errorf("defaults not applied: %s", args)
	}
}

func TestSpawnFailure(t *testing.T) {
	commander := &fakeCommander{outputErr: map[string]error{"run": fmt.Errorf("no such image")}}
	rt := newRuntime(commander, clock.Fake(time.Unix(0, 0)))

	if _, err := rt.Spawn(context.Background(), &schema.EnvironmentSpec{}, ""); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestFetchSource(t *testing.T) {
	commander := &fakeCommander{outputs: map[string]string{}}
	rt := newRuntime(commander, clock.Fake(time.Unix(0, 0)))
	environment := &Environment{ID: "c1"}

	if err := rt.FetchSource(context.Background(), environment, "https://example.com/repo.git"); err != nil {
		t.Fatal(err)
	}
	args := strings.Join(commander.call(0), " ")
	if !strings.Contains(args, "exec c1 git clone --depth 1 https://example.com/repo.git") {
		t.Errorf("fetch args: %s", args)
	}

	commander.outputErr = map[string]error{"exec": fmt.Errorf("repository not found")}
	if err := rt.FetchSource(context.Background(), environment, "bad"); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestExecStreamsAndReturnsExitCode(t *testing.T) {
	commander := &fakeCommander{
		streamLines: []string{"working", "done"},
		streamExit:  3,
	}
	rt := newRuntime(commander, clock.Fake(time.Unix(0, 0)))

	lines := make(chan string, 16)
	exitCode, err := rt.Exec(context.Background(), &Environment{ID: "c1"},
		[]string{"agent", "--prompt", "review"}, time.Minute, lines)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if exitCode != 3 {
		t.Errorf("exit code = %d, want 3", exitCode)
	}

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	if len(got) != 2 || got[0] != "working" || got[1] != "done" {
		t.Errorf("lines = %v", got)
	}
}

func TestExecTimeout(t *testing.T) {
	commander := &fakeCommander{streamBlock: true}
	fake := clock.Fake(time.Unix(0, 0))
	rt := newRuntime(commander, fake)

	lines := make(chan string, 16)
	done := make(chan struct{})
	var exitCode int
	var execErr error
	go func() {
		exitCode, execErr = rt.Exec(context.Background(), &Environment{ID: "c1"},
			[]string{"agent"}, 30*time.Second, lines)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Exec did not return after deadline")
	}

	if exitCode != TimeoutExitCode {
		t.Errorf("exit code = %d, want %d", exitCode, TimeoutExitCode)
	}
	if !errors.Is(execErr, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", execErr)
	}
}

func TestStopIgnoresMissingContainer(t *testing.T) {
	commander := &fakeCommander{
		outputErr: map[string]error{"rm": fmt.Errorf("docker rm: No such container: c1")},
	}
	rt := newRuntime(commander, clock.Fake(time.Unix(0, 0)))

	// Must not panic or surface the error.
	rt.Stop(context.Background(), &Environment{ID: "c1"})

	if len(commander.call(0)) == 0 {
		t.Fatal("rm not invoked")
	}
}

func TestStopAbandonsHungRemoveAfterGrace(t *testing.T) {
	commander := &fakeCommander{outputBlock: true}
	fake := clock.Fake(time.Unix(0, 0))
	rt := New(commander, Defaults{
		Image:     "ubuntu:24.04",
		MemoryMB:  1024,
		CPUs:      1,
		Timeout:   time.Minute,
		StopGrace: 10 * time.Second,
	}, fake, nil)

	done := make(chan struct{})
	go func() {
		rt.Stop(context.Background(), &Environment{ID: "c1"})
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the grace window")
	}
}

func TestBuild(t *testing.T) {
	commander := &fakeCommander{
		streamLines: []string{"Step 1/3", "Step 2/3", "Successfully built"},
		streamExit:  0,
	}
	rt := newRuntime(commander, clock.Fake(time.Unix(0, 0)))

	lines := make(chan string, 16)
	if err := rt.Build(context.Background(), "drover-cache:abc", "/tmp/build", lines); err != nil {
		t.Fatalf("Build: %v", err)
	}
	args := strings.Join(commander.call(0), " ")
	if !strings.Contains(args, "build --tag drover-cache:abc /tmp/build") {
		t.Errorf("build args: %s", args)
	}

	commander = &fakeCommander{streamExit: 1}
	rt = newRuntime(commander, clock.Fake(time.Unix(0, 0)))
	lines = make(chan string, 16)
	if err := rt.Build(context.Background(), "t", "/d", lines); err == nil {
		t.Fatal("expected build failure")
	}
}

func TestDetect(t *testing.T) {
	commander := &fakeCommander{outputs: map[string]string{
		"version": "27.1.1",
		"info":    "[name=rootless name=seccomp]",
	}}
	capabilities := Detect(context.Background(), commander)
	if !capabilities.Available || capabilities.Version != "27.1.1" || !capabilities.Rootless {
		t.Errorf("capabilities = %+v", capabilities)
	}

	missing := &fakeCommander{outputErr: map[string]error{"version": fmt.Errorf("not found")}}
	capabilities = Detect(context.Background(), missing)
	if capabilities.Available {
		t.Error("missing engine reported available")
	}
}
