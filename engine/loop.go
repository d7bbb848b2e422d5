// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/drover-works/drover/lib/condition"
	"github.com/drover-works/drover/lib/interpolate"
	"github.com/drover-works/drover/lib/schema"
)

// executeRun drives one run from pending to terminal. Pause and
// cancel are observed at the top of each iteration only; a step that
// has started always finishes and its cost always counts.
func (e *Engine) executeRun(ctx context.Context, sub *submission) {
	run, def := sub.run, sub.definition
	control := e.control(run.ID)

	run.Status = schema.RunRunning
	run.StartedAt = e.clock.Now()
	e.persistRun(ctx, run)
	e.publishRun(schema.EventRunStarted, run)
	e.logLine(ctx, run, "", "info", fmt.Sprintf("run started: workflow %q", run.Workflow))

	current := def.Steps[0].Name
	var failure error

	for {
		if ctx.Err() != nil || control.isCancelled() {
			e.finalize(ctx, run, schema.RunCancelled, "cancelled")
			return
		}
		if control.isPaused() {
			if !e.pauseBarrier(ctx, run, control) {
				e.finalize(ctx, run, schema.RunCancelled, "cancelled while paused")
				return
			}
		}

		if run.Iterations >= e.config.MaxIterations {
			failure = fmt.Errorf("%w: %d iterations", ErrIterationLimit, run.Iterations)
			break
		}
		run.Iterations++
		run.StepIndex++
		run.CurrentStep = current
		e.persistRun(ctx, run)
		e.publishRun(schema.EventRunRunning, run)

		step := def.Step(current)
		outcome := e.runStep(ctx, run, step)
		run.Cost += outcome.Cost

		// Budget is level-triggered and checked after every step, so a
		// breach terminates the run even when the step itself
		// succeeded, and the warning may fire on consecutive steps.
		if exceeded := e.checkBudget(run); exceeded != nil {
			failure = exceeded
			break
		}

		if outcome.Err != nil {
			run.ConsecutiveFailures++
			if run.ConsecutiveFailures >= e.config.MaxConsecutiveFailures {
				failure = fmt.Errorf("%w: %d failures", ErrConsecutiveFailures, run.ConsecutiveFailures)
				break
			}
			// Validated at submission; re-parse cannot fail here.
			target, _ := schema.ParseOnError(step.OnError)
			if target == "" {
				failure = outcome.Err
				break
			}
			e.logLine(ctx, run, step.Name, "warn",
				fmt.Sprintf("step failed, routing to %q: %v", target, outcome.Err))
			current = target
			continue
		}

		run.ConsecutiveFailures = 0
		if step.OutputVar != "" {
			run.State[step.OutputVar] = outcome.Output
		}

		next := e.route(ctx, run, step)
		if next == "" {
			break
		}
		current = next
	}

	if failure != nil {
		e.finalize(ctx, run, schema.RunFailed, failure.Error())
		return
	}
	e.finalize(ctx, run, schema.RunCompleted, "")
}

// runStep executes one step attempt: record creation, events, the
// executor, then the completed or failed record and event.
func (e *Engine) runStep(ctx context.Context, run *schema.WorkflowRun, step *schema.StepDefinition) *Outcome {
	started := e.clock.Now()
	record := &schema.StepExecutionRecord{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		StepName:  step.Name,
		Index:     run.StepIndex,
		Status:    schema.StepPending,
		Prompt:    interpolate.Expand(step.Prompt, run.State, run.Context),
		StartedAt: started,
	}
	if err := e.store.CreateStepExecution(ctx, record); err != nil {
		e.logger.Error("step record not persisted", "run_id", run.ID, "step", step.Name, "error", err)
	}

	e.publishStep(schema.EventStepStarted, run, record, step, "", "")
	e.logLine(ctx, run, step.Name, "info", "step started")

	record.Status = schema.StepRunning
	emit := func(level, message string) {
		e.logLine(ctx, run, step.Name, level, message)
		e.publishStep(schema.EventStepProgress, run, record, step, message, "")
	}
	outcome := e.executor.ExecuteStep(ctx, run, step, record, emit)

	finished := e.clock.Now()
	record.CompletedAt = finished
	record.Duration = finished.Sub(started)
	record.Cost = outcome.Cost
	record.Output = outcome.Output

	if outcome.Err != nil {
		record.Status = schema.StepFailed
		record.Error = outcome.Err.Error()
		e.publishStep(schema.EventStepFailed, run, record, step, "", record.Error)
		e.logLine(ctx, run, step.Name, "error", "step failed: "+record.Error)
	} else {
		record.Status = schema.StepCompleted
		e.publishStep(schema.EventStepCompleted, run, record, step, outcome.Output, "")
		e.logLine(ctx, run, step.Name, "info", "step completed")
	}
	if err := e.store.UpdateStepExecution(ctx, record); err != nil {
		e.logger.Error("step record not updated", "run_id", run.ID, "step", step.Name, "error", err)
	}
	return outcome
}

// checkBudget applies the run's budget after a step's cost has been
// accrued. Returns the fatal error on breach, nil otherwise.
func (e *Engine) checkBudget(run *schema.WorkflowRun) error {
	if run.BudgetLimit == nil || *run.BudgetLimit <= 0 {
		return nil
	}
	limit := *run.BudgetLimit
	percent := run.Cost / limit * 100

	if run.Cost >= limit {
		e.publish(schema.NewBudgetEvent(schema.EventBudgetExceeded, e.clock.Now(), run.ID,
			schema.BudgetEvent{Cost: run.Cost, Limit: limit, PercentUsed: percent}))
		return fmt.Errorf("%w: cost %.2f of limit %.2f", ErrBudgetExceeded, run.Cost, limit)
	}
	if percent >= budgetWarningPercent {
		e.publish(schema.NewBudgetEvent(schema.EventBudgetWarning, e.clock.Now(), run.ID,
			schema.BudgetEvent{Cost: run.Cost, Limit: limit, PercentUsed: percent}))
	}
	return nil
}

// route picks the step after a success: the first condition whose If
// holds (or the trailing unconditional entry) runs its actions and
// names the next step; otherwise the step's next applies. Empty means
// the run completes.
func (e *Engine) route(ctx context.Context, run *schema.WorkflowRun, step *schema.StepDefinition) string {
	for i := range step.Conditions {
		cond := &step.Conditions[i]
		fired := cond.If == ""
		if !fired {
			value, err := condition.Evaluate(cond.If, run.State, run.Context)
			if err != nil {
				// Syntax was checked at submission; an evaluation
				// error here means interpolation produced a malformed
				// atom. Treat as false and surface it.
				e.logLine(ctx, run, step.Name, "warn",
					fmt.Sprintf("condition %q did not evaluate: %v", cond.If, err))
				continue
			}
			fired = value
		}
		if !fired {
			continue
		}

		for _, action := range cond.Actions {
			for key, value := range action.Set {
				run.State[key] = interpolate.Expand(value, run.State, run.Context)
			}
			if action.Log != "" {
				e.logLine(ctx, run, step.Name, "info",
					interpolate.Expand(action.Log, run.State, run.Context))
			}
		}
		return cond.Next
	}
	return step.Next.First()
}

// pauseBarrier holds a paused run between steps, polling the control
// flags. Returns false when the run was cancelled while paused.
func (e *Engine) pauseBarrier(ctx context.Context, run *schema.WorkflowRun, control *runControl) bool {
	run.Status = schema.RunPaused
	e.persistRun(ctx, run)
	e.logLine(ctx, run, "", "info", "run paused")

	for {
		if ctx.Err() != nil || control.isCancelled() {
			return false
		}
		if !control.isPaused() {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-e.clock.After(e.config.PausePollInterval):
		}
	}

	run.Status = schema.RunRunning
	e.persistRun(ctx, run)
	e.logLine(ctx, run, "", "info", "run resumed")
	return true
}

// finalize moves the run to a terminal status, publishes the terminal
// event, notifies, and schedules the bus close after the linger
// window so attached observers see the terminal event before their
// channels close.
func (e *Engine) finalize(ctx context.Context, run *schema.WorkflowRun, status schema.RunStatus, reason string) {
	run.Status = status
	run.CurrentStep = ""
	run.CompletedAt = e.clock.Now()
	run.Error = reason
	e.persistRun(ctx, run)

	message := fmt.Sprintf("run %s", status)
	if reason != "" {
		message += ": " + reason
	}
	e.logLine(ctx, run, "", finalLogLevel(status), message)

	// Control flags go first so a lifecycle call racing the terminal
	// event sees ErrInvalidTransition, not a silent no-op.
	e.removeControl(run.ID)

	eventType := schema.EventRunFailed
	if status == schema.RunCompleted {
		eventType = schema.EventRunCompleted
	}
	e.publishRun(eventType, run)

	e.notifier.RunFinished(ctx, run)

	runID := run.ID
	e.clock.AfterFunc(e.config.TerminalLinger, func() {
		e.bus.CloseRun(runID)
	})
}

// finalLogLevel maps a terminal status to its run-log level.
func finalLogLevel(status schema.RunStatus) string {
	if status == schema.RunCompleted {
		return "info"
	}
	return "error"
}

// control returns the run's control flags, creating them if the run
// was queued before Start.
func (e *Engine) control(runID string) *runControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	if control, ok := e.controls[runID]; ok {
		return control
	}
	control := &runControl{}
	e.controls[runID] = control
	return control
}

// persistRun writes the run's current state. Persistence failures are
// logged, not fatal: the in-memory run remains authoritative while
// the loop is live.
func (e *Engine) persistRun(ctx context.Context, run *schema.WorkflowRun) {
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("run not persisted", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) publish(event schema.Event) {
	e.bus.Publish(event)
}

// publishRun publishes a run-payload event from the run's snapshot.
func (e *Engine) publishRun(eventType schema.EventType, run *schema.WorkflowRun) {
	e.publish(schema.NewRunEvent(eventType, e.clock.Now(), run.Snapshot()))
}

// publishStep publishes a step-payload event for one attempt.
func (e *Engine) publishStep(eventType schema.EventType, run *schema.WorkflowRun, record *schema.StepExecutionRecord, step *schema.StepDefinition, output, failure string) {
	event := schema.StepEvent{
		Name:   step.Name,
		Role:   step.Role,
		Index:  record.Index,
		Status: record.Status,
		Output: output,
		Error:  failure,
	}
	if eventType == schema.EventStepCompleted || eventType == schema.EventStepFailed {
		event.DurationMS = record.Duration.Milliseconds()
		event.Cost = record.Cost
	}
	e.publish(schema.NewStepEvent(eventType, e.clock.Now(), run.ID, event))
}

// logLine appends one line to the run log and publishes the matching
// log event with its store-assigned sequence number.
func (e *Engine) logLine(ctx context.Context, run *schema.WorkflowRun, stepName, level, message string) {
	now := e.clock.Now()
	entry := &schema.LogEntry{Level: level, Message: message, Step: stepName, Timestamp: now}
	seq, err := e.store.AppendLog(ctx, run.ID, entry)
	if err != nil {
		e.logger.Error("run log append failed", "run_id", run.ID, "error", err)
		return
	}
	e.publish(schema.NewLogEvent(now, run.ID, schema.LogEvent{
		Seq:       seq,
		Level:     level,
		Message:   message,
		Step:      stepName,
		Timestamp: now,
	}))
}
