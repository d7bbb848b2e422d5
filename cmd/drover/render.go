// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/stream"
)

// styles holds the CLI's terminal styling. A zero theme (no color)
// falls out naturally when lipgloss detects a dumb terminal.
type styles struct {
	running   lipgloss.Style
	paused    lipgloss.Style
	completed lipgloss.Style
	failed    lipgloss.Style
	dim       lipgloss.Style
	step      lipgloss.Style
	warn      lipgloss.Style
}

func newStyles() styles {
	return styles{
		running:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		paused:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		completed: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		step:      lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		warn:      lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
	}
}

// status renders a run or step status with its color.
func (s styles) status(status string) string {
	switch status {
	case string(schema.RunRunning):
		return s.running.Render(status)
	case string(schema.RunPaused):
		return s.paused.Render(status)
	case string(schema.RunCompleted):
		return s.completed.Render(status)
	case string(schema.RunFailed), string(schema.RunCancelled):
		return s.failed.Render(status)
	default:
		return s.dim.Render(status)
	}
}

// renderRunTable writes the runs listing as an aligned table.
func renderRunTable(w io.Writer, s styles, runs []schema.WorkflowRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tSTEP\tCOST\tSTARTED")
	for _, run := range runs {
		started := ""
		if !run.StartedAt.IsZero() {
			started = run.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.Workflow,
			s.status(string(run.Status)),
			run.CurrentStep,
			formatCost(run.Cost),
			started,
		)
	}
	tw.Flush()
}

// renderSnapshot prints the attach-time state of a run: identity,
// progress, and the recent log tail.
func renderSnapshot(w io.Writer, s styles, snapshot *stream.Snapshot) {
	run := snapshot.Run
	fmt.Fprintf(w, "%s %s  %s", run.Workflow, s.dim.Render(run.ID), s.status(string(run.Status)))
	if run.CurrentStep != "" {
		fmt.Fprintf(w, "  step %s (#%d)", s.step.Render(run.CurrentStep), run.StepIndex)
	}
	fmt.Fprintf(w, "  cost %s\n", formatCost(run.Cost))

	for _, entry := range snapshot.Logs {
		renderLogLine(w, s, entry.Level, entry.Step, entry.Message, entry.Timestamp)
	}
}

// renderEvent prints one live event. Returns true when the event is
// terminal for the run.
func renderEvent(w io.Writer, s styles, event *schema.Event) bool {
	switch event.Type {
	case schema.EventRunStarted:
		fmt.Fprintf(w, "%s run started\n", stamp(s, event.Timestamp))

	case schema.EventRunRunning:
		// Per-iteration snapshots are noise on a terminal; the step
		// events carry the same progress.

	case schema.EventRunCompleted:
		fmt.Fprintf(w, "%s run %s  cost %s\n",
			stamp(s, event.Timestamp), s.status("completed"), formatCost(event.Run.Cost))
		return true

	case schema.EventRunFailed:
		line := fmt.Sprintf("%s run %s  cost %s",
			stamp(s, event.Timestamp), s.status(string(event.Run.Status)), formatCost(event.Run.Cost))
		if event.Run.Error != "" {
			line += "  " + s.failed.Render(event.Run.Error)
		}
		fmt.Fprintln(w, line)
		return true

	case schema.EventStepStarted:
		fmt.Fprintf(w, "%s step %s started (#%d)\n",
			stamp(s, event.Timestamp), s.step.Render(event.Step.Name), event.Step.Index)

	case schema.EventStepProgress:
		if event.Step.Output != "" {
			fmt.Fprintf(w, "%s   %s\n", stamp(s, event.Timestamp), s.dim.Render(event.Step.Output))
		}

	case schema.EventStepCompleted:
		fmt.Fprintf(w, "%s step %s %s in %s  cost %s\n",
			stamp(s, event.Timestamp), s.step.Render(event.Step.Name), s.status("completed"),
			formatDuration(event.Step.DurationMS), formatCost(event.Step.Cost))

	case schema.EventStepFailed:
		fmt.Fprintf(w, "%s step %s %s: %s\n",
			stamp(s, event.Timestamp), s.step.Render(event.Step.Name), s.status("failed"),
			event.Step.Error)

	case schema.EventBudgetWarning:
		fmt.Fprintf(w, "%s %s cost %s of %s (%.0f%%)\n",
			stamp(s, event.Timestamp), s.warn.Render("budget warning:"),
			formatCost(event.Budget.Cost), formatCost(event.Budget.Limit), event.Budget.PercentUsed)

	case schema.EventBudgetExceeded:
		fmt.Fprintf(w, "%s %s cost %s of %s\n",
			stamp(s, event.Timestamp), s.failed.Render("budget exceeded:"),
			formatCost(event.Budget.Cost), formatCost(event.Budget.Limit))

	case schema.EventLogCreated:
		renderLogLine(w, s, event.Log.Level, event.Log.Step, event.Log.Message, event.Log.Timestamp)
	}
	return false
}

func renderLogLine(w io.Writer, s styles, level, step, message string, at time.Time) {
	prefix := stamp(s, at)
	if step != "" {
		prefix += " [" + step + "]"
	}
	switch level {
	case "warn":
		message = s.warn.Render(message)
	case "error":
		message = s.failed.Render(message)
	}
	fmt.Fprintf(w, "%s %s\n", prefix, message)
}

func stamp(s styles, at time.Time) string {
	return s.dim.Render(at.Local().Format("15:04:05"))
}

func formatCost(cost float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("$%.4f", cost), "0"), ".")
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Truncate(time.Millisecond).String()
}
