// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Command drover is the workflow orchestration CLI: it validates and
// inspects workflow definitions locally, and submits, manages, and
// observes runs against a droverd daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/drover-works/drover/cmd/drover/cli"
	"github.com/drover-works/drover/imagecache"
	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/store"
	"github.com/drover-works/drover/lib/workflowdef"
	"github.com/drover-works/drover/toolgate"
)

// defaultServer matches droverd's default listen address. Overridden
// by --server or DROVER_SERVER.
const defaultServer = "http://127.0.0.1:7433"

func main() {
	root := &cli.Command{
		Name:    "drover",
		Summary: "workflow orchestration for containerized agents",
		Description: `drover manages multi-step agent workflows: definitions are validated
and fingerprinted locally; runs are submitted to and observed on a
droverd daemon.`,
		Subcommands: []*cli.Command{
			validateCommand(),
			fingerprintCommand(),
			toolsCommand(),
			submitCommand(),
			runsCommand(),
			showCommand(),
			logsCommand(),
			lifecycleCommand("pause", "pause a run at the next step boundary"),
			lifecycleCommand("resume", "resume a paused run"),
			lifecycleCommand("cancel", "cancel a run at the next step boundary"),
			attachCommand(),
			imagesCommand(),
		},
	}

	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "drover: %v\n", err)
		os.Exit(1)
	}
}

// serverDefault resolves the daemon base URL from the environment.
func serverDefault() string {
	if server := os.Getenv("DROVER_SERVER"); server != "" {
		return server
	}
	return defaultServer
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Summary: "validate a workflow definition file",
		Usage:   "drover validate <file>",
		Examples: []cli.Example{
			{Description: "Check a definition before submitting it", Command: "drover validate review.jsonc"},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one file argument")
			}
			definition, err := workflowdef.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: valid (%d steps)\n", definition.Name, len(definition.Steps))
			return nil
		},
	}
}

func fingerprintCommand() *cli.Command {
	var baseImage string
	return &cli.Command{
		Name:    "fingerprint",
		Summary: "print the dependency fingerprint of each step environment",
		Usage:   "drover fingerprint [flags] <file>",
		Description: `Computes the image cache fingerprint for every step that declares
dependencies. Two environments with the same fingerprint share one
cached image.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("fingerprint", pflag.ContinueOnError)
			flags.StringVar(&baseImage, "base-image", "", "base image substituted for steps without one")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one file argument")
			}
			definition, err := workflowdef.ReadFile(args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()
			for i := range definition.Steps {
				step := &definition.Steps[i]
				if step.Environment.Dependencies == nil {
					fmt.Fprintf(tw, "%s\t(no dependencies)\n", step.Name)
					continue
				}
				base := step.Environment.Image
				if base == "" {
					base = baseImage
				}
				fmt.Fprintf(tw, "%s\t%s\n", step.Name, imagecache.Fingerprint(step.Environment.Dependencies, base))
			}
			return nil
		},
	}
}

func toolsCommand() *cli.Command {
	var (
		thresholdName string
		allow         []string
		deny          []string
	)
	return &cli.Command{
		Name:    "tools",
		Summary: "pre-flight a tool list against the capability gate",
		Usage:   "drover tools [flags] [tool ...]",
		Description: `Validates the given tools against the default registry and the given
policy, exactly as the engine would before spawning a step. With no
tools given, the default tool set is checked. Nothing is submitted.`,
		Examples: []cli.Example{
			{Description: "Check whether Bash would be granted at the default threshold", Command: "drover tools Read Write Bash"},
			{Description: "Check a scoped Bash grant against an allow list", Command: `drover tools --allow "Bash:npm:*" "Bash(npm:test)"`},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("tools", pflag.ContinueOnError)
			flags.StringVar(&thresholdName, "threshold", "medium", "risk threshold when no allow-list is given (low, medium, high)")
			flags.StringSliceVar(&allow, "allow", nil, "restrict to matching patterns; a match admits regardless of risk")
			flags.StringSliceVar(&deny, "deny", nil, "deny-list patterns rejected unconditionally")
			return flags
		},
		Run: func(args []string) error {
			threshold, err := toolgate.ParseRiskLevel(thresholdName)
			if err != nil {
				return err
			}

			gate := toolgate.New(toolgate.DefaultRegistry(), toolgate.Policy{
				RiskThreshold: threshold,
				Allow:         allow,
				Deny:          deny,
			}, store.NewMemory(), clock.Real(), nil)

			result, err := gate.ValidateTools(context.Background(), "", "", args)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, tool := range result.Allowed {
				fmt.Fprintf(tw, "%s\tallowed\t%s\n", tool, result.Risks[tool])
			}
			denied := append([]string(nil), result.Denied...)
			sort.Strings(denied)
			for _, tool := range denied {
				fmt.Fprintf(tw, "%s\tdenied\t%s\n", tool, result.Reasons[tool])
			}
			tw.Flush()

			if !result.OK() {
				return fmt.Errorf("%d of %d tools denied", len(result.Denied), len(result.Allowed)+len(result.Denied))
			}
			return nil
		},
	}
}
