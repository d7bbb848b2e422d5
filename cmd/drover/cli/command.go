// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the drover CLI:
// nested subcommand dispatch, pflag flag parsing, and uniform help
// output.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is one CLI command or subcommand.
type Command struct {
	// Name is the command name as typed ("validate", "runs").
	Name string

	// Summary is the one-line description in the parent's help listing.
	Summary string

	// Description is the longer help text for the command itself.
	Description string

	// Usage is the usage line. Empty synthesizes one from the command
	// path.
	Usage string

	// Examples are shown after the description in help output.
	Examples []Example

	// Flags returns the command's flag set, built lazily. Nil means no
	// flags.
	Flags func() *pflag.FlagSet

	// Subcommands are dispatched by the first positional argument.
	Subcommands []*Command

	// Run executes the command with the post-flag-parse arguments.
	Run func(args []string) error

	// parent is set during dispatch for full-path help text.
	parent *Command
}

// Example is one usage example in help output.
type Example struct {
	Description string
	Command     string
}

// Execute parses args and dispatches to a subcommand or Run.
func (c *Command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(os.Stderr)
		return nil
	}

	if len(c.Subcommands) > 0 && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name := args[0]
		for _, sub := range c.Subcommands {
			if sub.Name == name {
				sub.parent = c
				return sub.Execute(args[1:])
			}
		}
		if suggestion := suggest(name, c.Subcommands); suggestion != "" {
			return fmt.Errorf("unknown command %q (did you mean %q?)\n\nRun '%s --help' for usage.",
				name, suggestion, c.fullName())
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", name, c.fullName())
	}

	if len(c.Subcommands) > 0 && c.Run == nil {
		c.PrintHelp(os.Stderr)
		if len(args) == 0 {
			return fmt.Errorf("subcommand required")
		}
		return fmt.Errorf("subcommand required (got %q)", args[0])
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			return fmt.Errorf("%s\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flagSet.Args()
	}

	if c.Run != nil {
		return c.Run(args)
	}
	c.PrintHelp(os.Stderr)
	return fmt.Errorf("no action defined for %q", c.fullName())
}

// PrintHelp writes the command's help text.
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()

	if c.Summary != "" {
		fmt.Fprintf(w, "%s - %s\n\n", name, c.Summary)
	}
	if c.Description != "" {
		fmt.Fprintf(w, "%s\n\n", strings.TrimSpace(c.Description))
	}

	usage := c.Usage
	if usage == "" {
		usage = name
		if len(c.Subcommands) > 0 {
			usage += " <command>"
		}
		if c.Flags != nil {
			usage += " [flags]"
		}
	}
	fmt.Fprintf(w, "USAGE\n    %s\n", usage)

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCOMMANDS\n")
		tw := tabwriter.NewWriter(w, 0, 4, 4, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "    %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
	}

	if c.Flags != nil {
		fmt.Fprintf(w, "\nFLAGS\n%s", indentLines(c.Flags().FlagUsages()))
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nEXAMPLES\n")
		for _, example := range c.Examples {
			fmt.Fprintf(w, "    # %s\n    %s\n", example.Description, example.Command)
		}
	}
}

// fullName walks the parent chain to build the dispatch path.
func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func isHelpFlag(arg string) bool {
	return arg == "--help" || arg == "-h" || arg == "help"
}

// suggest finds a subcommand sharing a prefix with the unknown name.
func suggest(name string, commands []*Command) string {
	for _, command := range commands {
		if strings.HasPrefix(command.Name, name) || strings.HasPrefix(name, command.Name) {
			return command.Name
		}
	}
	return ""
}

func indentLines(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n") + "\n"
}
