// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/store"
	"github.com/drover-works/drover/lib/testutil"
	"github.com/drover-works/drover/stream"
)

// stepFn is one scripted step attempt.
type stepFn func(step *schema.StepDefinition, record *schema.StepExecutionRecord, emit EmitFunc) *Outcome

// fakeExecutor plays a script of step outcomes, one per call, and
// records the step names it was asked to run. Calls beyond the script
// succeed with empty output.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	script []stepFn
}

func (f *fakeExecutor) ExecuteStep(_ context.Context, _ *schema.WorkflowRun, step *schema.StepDefinition, record *schema.StepExecutionRecord, emit EmitFunc) *Outcome {
	f.mu.Lock()
	index := len(f.calls)
	f.calls = append(f.calls, step.Name)
	var fn stepFn
	if index < len(f.script) {
		fn = f.script[index]
	}
	f.mu.Unlock()

	if fn == nil {
		return &Outcome{Output: "done"}
	}
	return fn(step, record, emit)
}

func (f *fakeExecutor) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func succeed(output string, cost float64) stepFn {
	return func(*schema.StepDefinition, *schema.StepExecutionRecord, EmitFunc) *Outcome {
		return &Outcome{Output: output, Cost: cost}
	}
}

func fail(message string, cost float64) stepFn {
	return func(*schema.StepDefinition, *schema.StepExecutionRecord, EmitFunc) *Outcome {
		return &Outcome{Cost: cost, Err: errors.New(message)}
	}
}

type harness struct {
	t      *testing.T
	engine *Engine
	store  store.Store
	bus    *stream.Bus
	clock  *clock.FakeClock
	ctx    context.Context
}

func newHarness(t *testing.T, executor StepExecutor, config Config) *harness {
	t.Helper()
	memory := store.NewMemory()
	bus := stream.NewBus(nil)
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	eng := New(memory, bus, executor, config, fake, slog.New(slog.DiscardHandler), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(eng.Close)
	t.Cleanup(cancel)

	return &harness{t: t, engine: eng, store: memory, bus: bus, clock: fake, ctx: ctx}
}

// submit queues the request and subscribes to the run's events before
// starting the workers, so no event is missed.
func (h *harness) submit(req SubmitRequest) (*schema.WorkflowRun, <-chan schema.Event) {
	h.t.Helper()
	run, err := h.engine.Submit(h.ctx, req)
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	events, cancel := h.bus.Subscribe(run.ID)
	h.t.Cleanup(cancel)
	h.engine.Start(h.ctx)
	return run, events
}

// collect reads events until the terminal one.
func (h *harness) collect(events <-chan schema.Event) []schema.Event {
	h.t.Helper()
	var all []schema.Event
	for {
		event := testutil.RequireReceive(h.t, events, 5*time.Second, "run event")
		all = append(all, event)
		if event.Type.Terminal() {
			return all
		}
	}
}

// collectUntilLog reads events until a log event containing marker.
func (h *harness) collectUntilLog(events <-chan schema.Event, marker string) {
	h.t.Helper()
	for {
		event := testutil.RequireReceive(h.t, events, 5*time.Second, "log event %q", marker)
		if event.Type == schema.EventLogCreated && strings.Contains(event.Log.Message, marker) {
			return
		}
	}
}

func (h *harness) storedRun(runID string) *schema.WorkflowRun {
	h.t.Helper()
	run, err := h.store.GetRun(h.ctx, runID)
	if err != nil {
		h.t.Fatalf("GetRun: %v", err)
	}
	return run
}

func countType(events []schema.Event, eventType schema.EventType) int {
	count := 0
	for _, event := range events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

func budgetPtr(limit float64) *float64 { return &limit }

func TestRunCompletesAndWritesOutputVariable(t *testing.T) {
	executor := &fakeExecutor{script: []stepFn{
		succeed("needs work", 1),
		succeed("patched", 2),
	}}
	h := newHarness(t, executor, Config{})

	def := &schema.WorkflowDefinition{
		Name: "review-and-fix",
		Steps: []schema.StepDefinition{
			{Name: "review", Role: "reviewer", Prompt: "review ${repository}", OutputVar: "result", Next: schema.StringList{"fix"}},
			{Name: "fix", Role: "implementer", Prompt: "fix using ${result}"},
		},
	}
	run, events := h.submit(SubmitRequest{
		Definition: def,
		Context:    map[string]any{"repository": "org/repo"},
	})

	all := h.collect(events)
	if all[0].Type != schema.EventRunStarted {
		t.Errorf("first event = %s, want run:started", all[0].Type)
	}
	last := all[len(all)-1]
	if last.Type != schema.EventRunCompleted {
		t.Fatalf("terminal event = %s, want run:completed", last.Type)
	}

	stored := h.storedRun(run.ID)
	if stored.Status != schema.RunCompleted {
		t.Errorf("status = %s", stored.Status)
	}
	if stored.Cost != 3 {
		t.Errorf("cost = %g, want 3", stored.Cost)
	}
	if stored.State["result"] != "needs work" {
		t.Errorf("state result = %v", stored.State["result"])
	}

	records, err := h.store.ListStepExecutions(h.ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStepExecutions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Prompt != "review org/repo" {
		t.Errorf("first prompt = %q", records[0].Prompt)
	}
	// The second step sees the first step's output variable.
	if records[1].Prompt != "fix using needs work" {
		t.Errorf("second prompt = %q", records[1].Prompt)
	}
	if records[1].Status != schema.StepCompleted || records[1].Cost != 2 {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestBudgetExceededDespiteStepSuccess(t *testing.T) {
	executor := &fakeExecutor{script: []stepFn{
		succeed("reviewed", 85),
		succeed("fixed", 20),
	}}
	h := newHarness(t, executor, Config{})

	def := &schema.WorkflowDefinition{
		Name: "costly",
		Steps: []schema.StepDefinition{
			{Name: "review", Prompt: "review", Next: schema.StringList{"fix"}},
			{Name: "fix", Prompt: "fix"},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def, BudgetLimit: budgetPtr(100)})

	all := h.collect(events)
	if countType(all, schema.EventBudgetWarning) != 1 {
		t.Errorf("budget warnings = %d, want 1", countType(all, schema.EventBudgetWarning))
	}
	if countType(all, schema.EventBudgetExceeded) != 1 {
		t.Errorf("budget exceeded events = %d, want 1", countType(all, schema.EventBudgetExceeded))
	}

	stored := h.storedRun(run.ID)
	if stored.Status != schema.RunFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if !strings.Contains(stored.Error, "budget exceeded") {
		t.Errorf("error = %q", stored.Error)
	}
	// Both steps ran and both costs count: the second step succeeded,
	// but its cost still breached the limit.
	if stored.Cost != 105 {
		t.Errorf("cost = %g, want 105", stored.Cost)
	}
	if calls := executor.callNames(); len(calls) != 2 {
		t.Errorf("calls = %v", calls)
	}
}

func TestBudgetWarningIsLevelTriggered(t *testing.T) {
	executor := &fakeExecutor{script: []stepFn{
		succeed("a", 85),
		succeed("b", 5),
		succeed("c", 5),
	}}
	h := newHarness(t, executor, Config{})

	def := &schema.WorkflowDefinition{
		Name: "warned",
		Steps: []schema.StepDefinition{
			{Name: "first", Prompt: "p", Next: schema.StringList{"second"}},
			{Name: "second", Prompt: "p", Next: schema.StringList{"third"}},
			{Name: "third", Prompt: "p"},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def, BudgetLimit: budgetPtr(100)})

	all := h.collect(events)
	// 85%, 90%, 95%: the warning fires again on every step at or above
	// the threshold.
	if warnings := countType(all, schema.EventBudgetWarning); warnings != 3 {
		t.Errorf("budget warnings = %d, want 3", warnings)
	}
	if stored := h.storedRun(run.ID); stored.Status != schema.RunCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
}

func TestConsecutiveFailuresTerminateRun(t *testing.T) {
	executor := &fakeExecutor{script: []stepFn{
		fail("compile error", 1),
		fail("compile error", 1),
	}}
	h := newHarness(t, executor, Config{MaxConsecutiveFailures: 2})

	def := &schema.WorkflowDefinition{
		Name: "flaky",
		Steps: []schema.StepDefinition{
			{Name: "build", Prompt: "build it", OnError: "route-to(build)"},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def})

	h.collect(events)
	stored := h.storedRun(run.ID)
	if stored.Status != schema.RunFailed {
		t.Fatalf("status = %s", stored.Status)
	}
	if !strings.Contains(stored.Error, "consecutive failure") {
		t.Errorf("error = %q", stored.Error)
	}
	if stored.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d", stored.ConsecutiveFailures)
	}
	// The limit stops the run even though on_error routes to itself.
	if calls := executor.callNames(); len(calls) != 2 {
		t.Errorf("calls = %v, want 2 attempts", calls)
	}
}

func TestStepSuccessResetsFailureCounter(t *testing.T) {
	executor := &fakeExecutor{script: []stepFn{
		fail("transient", 0),
		succeed("recovered", 0),
		fail("fatal", 0),
	}}
	h := newHarness(t, executor, Config{MaxConsecutiveFailures: 2})

	def := &schema.WorkflowDefinition{
		Name: "recovering",
		Steps: []schema.StepDefinition{
			{Name: "first", Prompt: "p", OnError: "route-to(second)"},
			{Name: "second", Prompt: "p", Next: schema.StringList{"third"}},
			{Name: "third", Prompt: "p"},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def})

	h.collect(events)
	stored := h.storedRun(run.ID)
	if stored.Status != schema.RunFailed {
		t.Fatalf("status = %s", stored.Status)
	}
	// Two failures total, but not consecutive: the run fails with the
	// third step's own error, not the failure limit.
	if !strings.Contains(stored.Error, "fatal") || strings.Contains(stored.Error, "consecutive") {
		t.Errorf("error = %q", stored.Error)
	}
	want := []string{"first", "second", "third"}
	if calls := executor.callNames(); !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestIterationCapBreaksCycle(t *testing.T) {
	executor := &fakeExecutor{}
	h := newHarness(t, executor, Config{MaxIterations: 5})

	def := &schema.WorkflowDefinition{
		Name: "spinner",
		Steps: []schema.StepDefinition{
			{Name: "loop", Prompt: "again", Next: schema.StringList{"loop"}},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def})

	h.collect(events)
	stored := h.storedRun(run.ID)
	if stored.Status != schema.RunFailed {
		t.Fatalf("status = %s", stored.Status)
	}
	if !strings.Contains(stored.Error, "iteration limit") {
		t.Errorf("error = %q", stored.Error)
	}
	if stored.Iterations != 5 {
		t.Errorf("iterations = %d, want 5", stored.Iterations)
	}
	if calls := executor.callNames(); len(calls) != 5 {
		t.Errorf("calls = %d, want 5", len(calls))
	}
}

func TestConditionRoutingAndActions(t *testing.T) {
	executor := &fakeExecutor{script: []stepFn{
		succeed("changes", 0),
		succeed("approved", 0),
		succeed("approved", 0),
	}}
	h := newHarness(t, executor, Config{})

	def := &schema.WorkflowDefinition{
		Name: "gated",
		Steps: []schema.StepDefinition{
			{
				Name: "review", Prompt: "review", OutputVar: "verdict",
				Conditions: []schema.StepCondition{
					{
						If:      "${verdict} == approved",
						Actions: []schema.ConditionAction{{Log: "review approved"}},
					},
					{
						Actions: []schema.ConditionAction{{Set: map[string]string{"retried": "true"}}},
						Next:    "fix",
					},
				},
			},
			{Name: "fix", Prompt: "fix", OutputVar: "verdict", Next: schema.StringList{"review"}},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def})

	all := h.collect(events)
	stored := h.storedRun(run.ID)
	if stored.Status != schema.RunCompleted {
		t.Fatalf("status = %s: %s", stored.Status, stored.Error)
	}

	// First review takes the implicit else (set action), second takes
	// the approved branch (log action, empty next completes the run).
	want := []string{"review", "fix", "review"}
	if calls := executor.callNames(); !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if stored.State["retried"] != "true" {
		t.Errorf("state retried = %v", stored.State["retried"])
	}

	approvedLogged := false
	for _, event := range all {
		if event.Type == schema.EventLogCreated && event.Log.Message == "review approved" {
			approvedLogged = true
		}
	}
	if !approvedLogged {
		t.Error("log action did not publish a log event")
	}
}

func TestPauseHoldsBetweenSteps(t *testing.T) {
	entered := make(chan string, 4)
	release := make(chan struct{}, 4)
	blocking := func(output string) stepFn {
		return func(step *schema.StepDefinition, _ *schema.StepExecutionRecord, _ EmitFunc) *Outcome {
			entered <- step.Name
			<-release
			return &Outcome{Output: output}
		}
	}
	executor := &fakeExecutor{script: []stepFn{blocking("a done"), blocking("b done")}}
	h := newHarness(t, executor, Config{})

	def := &schema.WorkflowDefinition{
		Name: "pausable",
		Steps: []schema.StepDefinition{
			{Name: "first", Prompt: "p", Next: schema.StringList{"second"}},
			{Name: "second", Prompt: "p"},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def})

	if name := testutil.RequireReceive(t, entered, 5*time.Second, "first step"); name != "first" {
		t.Fatalf("entered %q", name)
	}
	// Pause lands while the first step runs; the step still finishes.
	if err := h.engine.Pause(h.ctx, run.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	release <- struct{}{}

	h.collectUntilLog(events, "run paused")
	if stored := h.storedRun(run.ID); stored.Status != schema.RunPaused {
		t.Fatalf("status = %s, want paused", stored.Status)
	}
	if calls := executor.callNames(); len(calls) != 1 {
		t.Fatalf("second step started while paused: %v", calls)
	}

	if err := h.engine.Resume(h.ctx, run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)

	if name := testutil.RequireReceive(t, entered, 5*time.Second, "second step"); name != "second" {
		t.Fatalf("entered %q", name)
	}
	release <- struct{}{}

	h.collect(events)
	if stored := h.storedRun(run.ID); stored.Status != schema.RunCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
}

func TestCancelObservedAtStepBoundary(t *testing.T) {
	entered := make(chan string, 4)
	release := make(chan struct{}, 4)
	executor := &fakeExecutor{script: []stepFn{
		func(step *schema.StepDefinition, _ *schema.StepExecutionRecord, _ EmitFunc) *Outcome {
			entered <- step.Name
			<-release
			return &Outcome{Output: "done", Cost: 2}
		},
	}}
	h := newHarness(t, executor, Config{})

	def := &schema.WorkflowDefinition{
		Name: "endless",
		Steps: []schema.StepDefinition{
			{Name: "loop", Prompt: "p", Next: schema.StringList{"loop"}},
		},
	}
	run, events := h.submit(SubmitRequest{Definition: def})

	testutil.RequireReceive(t, entered, 5*time.Second, "step entry")
	if err := h.engine.Cancel(h.ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	release <- struct{}{}

	all := h.collect(events)
	if all[len(all)-1].Type != schema.EventRunFailed {
		t.Errorf("terminal event = %s", all[len(all)-1].Type)
	}

	stored := h.storedRun(run.ID)
	if stored.Status != schema.RunCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
	// The in-flight step finished and its cost counts; no further step
	// started.
	if stored.Cost != 2 {
		t.Errorf("cost = %g, want 2", stored.Cost)
	}
	if calls := executor.callNames(); len(calls) != 1 {
		t.Errorf("calls = %v, want 1", calls)
	}
}

func TestSubmitRejectsInvalidDefinitions(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, Config{})

	_, err := h.engine.Submit(h.ctx, SubmitRequest{
		Definition: &schema.WorkflowDefinition{Name: "empty"},
	})
	if !errors.Is(err, ErrDefinitionInvalid) {
		t.Errorf("no steps: err = %v", err)
	}

	def := &schema.WorkflowDefinition{
		Name:      "needs-repo",
		Variables: map[string]schema.VariableDecl{"repository": {Required: true}},
		Steps:     []schema.StepDefinition{{Name: "only", Prompt: "p"}},
	}
	_, err = h.engine.Submit(h.ctx, SubmitRequest{Definition: def})
	if !errors.Is(err, ErrDefinitionInvalid) {
		t.Errorf("missing required variable: err = %v", err)
	}
}

func TestSubmitAppliesDefaultBudget(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, Config{DefaultBudget: 50})

	def := &schema.WorkflowDefinition{
		Name:  "budgeted",
		Steps: []schema.StepDefinition{{Name: "only", Prompt: "p"}},
	}

	run, err := h.engine.Submit(h.ctx, SubmitRequest{Definition: def})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.BudgetLimit == nil || *run.BudgetLimit != 50 {
		t.Errorf("budget = %v, want default 50", run.BudgetLimit)
	}

	run, err = h.engine.Submit(h.ctx, SubmitRequest{Definition: def, BudgetLimit: budgetPtr(10)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.BudgetLimit == nil || *run.BudgetLimit != 10 {
		t.Errorf("budget = %v, want explicit 10", run.BudgetLimit)
	}
}

func TestLifecycleTransitionErrors(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, Config{})

	if err := h.engine.Pause(h.ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pause unknown run: err = %v", err)
	}

	def := &schema.WorkflowDefinition{
		Name:  "short",
		Steps: []schema.StepDefinition{{Name: "only", Prompt: "p"}},
	}
	run, events := h.submit(SubmitRequest{Definition: def})
	h.collect(events)

	if err := h.engine.Pause(h.ctx, run.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pause terminal run: err = %v", err)
	}
	if err := h.engine.Cancel(h.ctx, run.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel terminal run: err = %v", err)
	}
}
