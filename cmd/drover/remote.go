// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/drover-works/drover/cmd/drover/cli"
	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/stream"
)

// signalContext is the base context for commands that talk to the
// daemon; Ctrl-C cancels in-flight requests and detaches streams.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func submitCommand() *cli.Command {
	var (
		server string
		vars   []string
		budget float64
		watch  bool
	)
	return &cli.Command{
		Name:    "submit",
		Summary: "submit a workflow run to the daemon",
		Usage:   "drover submit [flags] <workflow>",
		Description: `Submits a run of the named workflow (resolved against the daemon's
workflows directory). Context variables are passed with --var; the
run's budget ceiling with --budget.`,
		Examples: []cli.Example{
			{Description: "Submit a review run and follow it live", Command: "drover submit review --var repository=org/repo --watch"},
			{Description: "Submit with a $5 budget ceiling", Command: "drover submit review --var repository=org/repo --budget 5"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("submit", pflag.ContinueOnError)
			flags.StringVar(&server, "server", serverDefault(), "droverd base URL")
			flags.StringArrayVar(&vars, "var", nil, "context variable as key=value (repeatable)")
			flags.Float64Var(&budget, "budget", -1, "budget limit for the run; negative means the daemon default")
			flags.BoolVar(&watch, "watch", false, "attach to the run's event stream after submitting")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one workflow argument")
			}
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			var limit *float64
			if budget >= 0 {
				limit = &budget
			}

			ctx, cancel := signalContext()
			defer cancel()

			client := newAPIClient(server)
			run, err := client.submitRun(ctx, args[0], values, limit)
			if err != nil {
				return err
			}
			fmt.Printf("submitted %s (%s)\n", run.ID, run.Workflow)

			if !watch {
				return nil
			}
			return attachToRun(ctx, client, run.ID)
		},
	}
}

// parseVars splits key=value pairs into a context map.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("--var %q: expected key=value", pair)
		}
		values[key] = value
	}
	return values, nil
}

func runsCommand() *cli.Command {
	var (
		server string
		status string
		limit  int
	)
	return &cli.Command{
		Name:    "runs",
		Summary: "list runs",
		Usage:   "drover runs [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("runs", pflag.ContinueOnError)
			flags.StringVar(&server, "server", serverDefault(), "droverd base URL")
			flags.StringVar(&status, "status", "", "filter by status (pending, running, paused, completed, failed, cancelled)")
			flags.IntVar(&limit, "limit", 50, "maximum runs to list")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("runs takes no arguments")
			}
			ctx, cancel := signalContext()
			defer cancel()

			runs, err := newAPIClient(server).listRuns(ctx, status, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs")
				return nil
			}
			renderRunTable(os.Stdout, newStyles(), runs)
			return nil
		},
	}
}

func showCommand() *cli.Command {
	var server string
	return &cli.Command{
		Name:    "show",
		Summary: "show one run with its step history",
		Usage:   "drover show <run-id>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flags.StringVar(&server, "server", serverDefault(), "droverd base URL")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one run-id argument")
			}
			ctx, cancel := signalContext()
			defer cancel()

			client := newAPIClient(server)
			run, err := client.getRun(ctx, args[0])
			if err != nil {
				return err
			}
			records, err := client.listSteps(ctx, args[0])
			if err != nil {
				return err
			}

			s := newStyles()
			fmt.Printf("%s %s  %s  cost %s", run.Workflow, s.dim.Render(run.ID),
				s.status(string(run.Status)), formatCost(run.Cost))
			if run.BudgetLimit != nil {
				fmt.Printf(" of %s", formatCost(*run.BudgetLimit))
			}
			fmt.Println()
			if run.Error != "" {
				fmt.Printf("error: %s\n", s.failed.Render(run.Error))
			}
			for key, value := range run.State {
				fmt.Printf("state %s = %v\n", key, value)
			}

			if len(records) > 0 {
				fmt.Println()
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tSTEP\tSTATUS\tCOST\tDURATION\tTOOLS")
				for _, record := range records {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						record.Index,
						record.StepName,
						s.status(string(record.Status)),
						formatCost(record.Cost),
						record.Duration.String(),
						strings.Join(record.AllowedTools, ","),
					)
				}
				tw.Flush()
			}
			return nil
		},
	}
}

func logsCommand() *cli.Command {
	var (
		server string
		tail   int
	)
	return &cli.Command{
		Name:    "logs",
		Summary: "print a run's recent log lines",
		Usage:   "drover logs [flags] <run-id>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("logs", pflag.ContinueOnError)
			flags.StringVar(&server, "server", serverDefault(), "droverd base URL")
			flags.IntVar(&tail, "tail", 100, "number of trailing lines")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one run-id argument")
			}
			ctx, cancel := signalContext()
			defer cancel()

			entries, err := newAPIClient(server).tailLogs(ctx, args[0], tail)
			if err != nil {
				return err
			}
			s := newStyles()
			for _, entry := range entries {
				renderLogLine(os.Stdout, s, entry.Level, entry.Step, entry.Message, entry.Timestamp)
			}
			return nil
		},
	}
}

// lifecycleCommand builds pause, resume, and cancel, which differ only
// in the endpoint they hit.
func lifecycleCommand(operation, summary string) *cli.Command {
	var server string
	return &cli.Command{
		Name:    operation,
		Summary: summary,
		Usage:   fmt.Sprintf("drover %s <run-id>", operation),
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet(operation, pflag.ContinueOnError)
			flags.StringVar(&server, "server", serverDefault(), "droverd base URL")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one run-id argument")
			}
			ctx, cancel := signalContext()
			defer cancel()

			if err := newAPIClient(server).lifecycle(ctx, args[0], operation); err != nil {
				return err
			}
			fmt.Printf("%s: %s requested\n", args[0], operation)
			return nil
		},
	}
}

func attachCommand() *cli.Command {
	var server string
	return &cli.Command{
		Name:    "attach",
		Summary: "attach to a run's live event stream",
		Usage:   "drover attach <run-id>",
		Description: `Connects to the run's stream: prints the attach-time snapshot, then
follows live events until the run reaches a terminal state. Dropped
connections are retried with backoff. Ctrl-C detaches without
affecting the run.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("attach", pflag.ContinueOnError)
			flags.StringVar(&server, "server", serverDefault(), "droverd base URL")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one run-id argument")
			}
			ctx, cancel := signalContext()
			defer cancel()
			return attachToRun(ctx, newAPIClient(server), args[0])
		},
	}
}

// attachToRun streams one run to stdout until it ends or ctx cancels.
func attachToRun(ctx context.Context, client *apiClient, runID string) error {
	// Resolve the run first so an unknown id is a clean error instead
	// of a reconnect loop against a 404ing endpoint.
	if _, err := client.getRun(ctx, runID); err != nil {
		return err
	}

	streamClient := stream.NewClient(
		stream.WebsocketDialer(client.streamURL(runID)),
		clock.Real(),
		cli.NewCommandLogger(),
	)

	done := make(chan error, 1)
	go func() { done <- streamClient.Run(ctx) }()

	s := newStyles()
	for message := range streamClient.Messages() {
		switch {
		case message.Type == stream.MessageSnapshot && message.Snapshot != nil:
			renderSnapshot(os.Stdout, s, message.Snapshot)
		case message.Type == stream.MessageEvent && message.Event != nil:
			renderEvent(os.Stdout, s, message.Event)
		}
	}

	err := <-done
	if errors.Is(err, context.Canceled) {
		fmt.Println("detached")
		return nil
	}
	return err
}

func imagesCommand() *cli.Command {
	var (
		server     string
		invalidate string
	)
	return &cli.Command{
		Name:    "images",
		Summary: "list or invalidate cached step environment images",
		Usage:   "drover images [flags]",
		Examples: []cli.Example{
			{Description: "List cached images with hit counts", Command: "drover images"},
			{Description: "Drop every cache entry built on a base image", Command: "drover images --invalidate ubuntu:24.04"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("images", pflag.ContinueOnError)
			flags.StringVar(&server, "server", serverDefault(), "droverd base URL")
			flags.StringVar(&invalidate, "invalidate", "", "invalidate all entries built on this base image")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("images takes no arguments")
			}
			ctx, cancel := signalContext()
			defer cancel()
			client := newAPIClient(server)

			if invalidate != "" {
				deleted, err := client.invalidateImages(ctx, invalidate)
				if err != nil {
					return err
				}
				fmt.Printf("invalidated %d entries built on %s\n", deleted, invalidate)
				return nil
			}

			entries, err := client.listImages(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("image cache is empty")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINGERPRINT\tREFERENCE\tBASE\tSTATUS\tHITS\tLAST USED")
			for _, entry := range entries {
				lastUsed := ""
				if !entry.LastUsedAt.IsZero() {
					lastUsed = entry.LastUsedAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%.12s\t%s\t%s\t%s\t%d\t%s\n",
					entry.Fingerprint, entry.Reference, entry.BaseImage,
					entry.Status, entry.Hits, lastUsed)
			}
			tw.Flush()
			return nil
		},
	}
}
