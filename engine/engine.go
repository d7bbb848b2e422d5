// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs workflow definitions: a worker pool pulls
// submitted runs off a queue and drives each one through the step
// loop — interpolate the prompt, execute the step in its environment,
// accrue cost, check the budget, then route by conditions, next, or
// on_error. Cyclic routing is legal; the iteration cap is the only
// cycle breaker. Pause and cancel are advisory flags observed between
// steps, never mid-step.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/store"
	"github.com/drover-works/drover/lib/workflowdef"
	"github.com/drover-works/drover/stream"
)

// budgetWarningPercent is the level-triggered warning threshold: the
// budget check fires a warning event on every step that ends at or
// above it (and below the limit).
const budgetWarningPercent = 80.0

// Config sizes the engine. Zero fields take the stated defaults.
type Config struct {
	// MaxIterations caps loop iterations per run. Default 50.
	MaxIterations int

	// MaxConsecutiveFailures fails the run after this many step
	// failures in a row. Any success resets the counter. Default 3.
	MaxConsecutiveFailures int

	// DefaultBudget applies to runs submitted without a budget limit.
	// Zero means unlimited.
	DefaultBudget float64

	// PausePollInterval is how often a paused run re-checks its
	// control flags. Default 1s.
	PausePollInterval time.Duration

	// TerminalLinger is how long after the terminal event the run's
	// bus subscribers stay open. Default 2s.
	TerminalLinger time.Duration

	// Workers is the number of concurrent run workers. Default 4.
	Workers int
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 50
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = time.Second
	}
	if c.TerminalLinger <= 0 {
		c.TerminalLinger = 2 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Notifier is told when a run reaches a terminal status. Fire and
// forget: the engine does not look at the result, and a slow notifier
// only delays its own worker.
type Notifier interface {
	RunFinished(ctx context.Context, run *schema.WorkflowRun)
}

// LogNotifier is the default Notifier: one structured log line per
// finished run.
type LogNotifier struct {
	Logger *slog.Logger
}

// RunFinished implements Notifier.
func (n *LogNotifier) RunFinished(_ context.Context, run *schema.WorkflowRun) {
	n.Logger.Info("run finished",
		"run_id", run.ID,
		"workflow", run.Workflow,
		"status", run.Status,
		"cost", run.Cost,
		"error", run.Error,
	)
}

// submission pairs a queued run with its definition. Definitions are
// immutable after submission; the loop never reloads them.
type submission struct {
	run        *schema.WorkflowRun
	definition *schema.WorkflowDefinition
}

// runControl carries the advisory pause/cancel flags for one live run.
// The loop reads them at step boundaries only.
type runControl struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
}

func (c *runControl) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *runControl) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *runControl) setPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

func (c *runControl) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

// Engine owns run execution. Constructed once per daemon and injected
// where needed — there is no package-level engine.
type Engine struct {
	store    store.Store
	bus      *stream.Bus
	executor StepExecutor
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	notifier Notifier

	queue chan *submission
	wg    sync.WaitGroup

	mu       sync.Mutex
	controls map[string]*runControl
	closed   bool
}

// New builds an Engine. notifier may be nil.
func New(st store.Store, bus *stream.Bus, executor StepExecutor, config Config, clk clock.Clock, logger *slog.Logger, notifier Notifier) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	config = config.withDefaults()
	return &Engine{
		store:    st,
		bus:      bus,
		executor: executor,
		config:   config,
		clock:    clk,
		logger:   logger,
		notifier: notifier,
		queue:    make(chan *submission, 64),
		controls: make(map[string]*runControl),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled
// or Close is called; Close waits for them.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sub, ok := <-e.queue:
					if !ok {
						return
					}
					e.executeRun(ctx, sub)
				}
			}
		}()
	}
}

// Close stops accepting submissions and waits for in-flight runs.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// SubmitRequest describes one run submission.
type SubmitRequest struct {
	// Definition is the workflow to run. Validated on submission.
	Definition *schema.WorkflowDefinition

	// Context provides variable values; merged over the definition's
	// declared defaults. Missing required variables fail submission.
	Context map[string]any

	// BudgetLimit is the run's cost ceiling. Nil falls back to the
	// engine's DefaultBudget; nil with no default means unlimited.
	BudgetLimit *float64
}

// Submit validates the definition, resolves variables, persists the
// pending run, and queues it for a worker. The returned run reflects
// the pending state; observers follow progress through the store and
// the event bus.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*schema.WorkflowRun, error) {
	if err := workflowdef.Validate(req.Definition); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinitionInvalid, err)
	}

	resolved, err := workflowdef.ResolveVariables(req.Definition, req.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinitionInvalid, err)
	}

	budget := req.BudgetLimit
	if budget == nil && e.config.DefaultBudget > 0 {
		value := e.config.DefaultBudget
		budget = &value
	}

	run := &schema.WorkflowRun{
		ID:          uuid.NewString(),
		Workflow:    req.Definition.Name,
		Status:      schema.RunPending,
		BudgetLimit: budget,
		Context:     resolved,
		State:       make(map[string]any),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("engine: persisting run: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: closed")
	}
	e.controls[run.ID] = &runControl{}
	e.mu.Unlock()

	select {
	case e.queue <- &submission{run: run, definition: req.Definition}:
	case <-ctx.Done():
		e.removeControl(run.ID)
		return nil, ctx.Err()
	}

	e.logger.Info("run submitted",
		"run_id", run.ID,
		"workflow", run.Workflow,
	)
	return run, nil
}

// GetRun returns the stored run, or store.ErrNotFound.
func (e *Engine) GetRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns runs newest first, optionally filtered by status.
func (e *Engine) ListRuns(ctx context.Context, status schema.RunStatus, limit int) ([]*schema.WorkflowRun, error) {
	return e.store.ListRuns(ctx, status, limit)
}

// Pause asks a live run to hold before its next step. The current
// step always finishes; ErrInvalidTransition when the run is already
// terminal.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	control, err := e.liveControl(ctx, runID)
	if err != nil {
		return err
	}
	control.setPaused(true)
	return nil
}

// Resume releases a paused run. ErrInvalidTransition when the run is
// not paused.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	control, err := e.liveControl(ctx, runID)
	if err != nil {
		return err
	}
	control.mu.Lock()
	defer control.mu.Unlock()
	if !control.paused {
		return fmt.Errorf("%w: run %s is not paused", ErrInvalidTransition, runID)
	}
	control.paused = false
	return nil
}

// Cancel asks a live run to stop at its next step boundary.
// Idempotent; ErrInvalidTransition when the run is already terminal.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	control, err := e.liveControl(ctx, runID)
	if err != nil {
		return err
	}
	control.cancel()
	return nil
}

// liveControl returns the control flags for a live run, or the
// appropriate error for unknown and terminal runs.
func (e *Engine) liveControl(ctx context.Context, runID string) (*runControl, error) {
	e.mu.Lock()
	control, ok := e.controls[runID]
	e.mu.Unlock()
	if ok {
		return control, nil
	}

	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: run %s is terminal", ErrInvalidTransition, runID)
}

// removeControl drops a run's control flags once it is terminal.
func (e *Engine) removeControl(runID string) {
	e.mu.Lock()
	delete(e.controls, runID)
	e.mu.Unlock()
}
