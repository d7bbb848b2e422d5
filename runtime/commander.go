// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Commander runs the container engine CLI. The production
// implementation shells out; tests inject a fake and script its
// responses.
type Commander interface {
	// Output runs the engine with args and returns trimmed stdout.
	// A non-zero exit is returned as an error carrying stderr.
	Output(ctx context.Context, args ...string) (string, error)

	// Stream runs the engine with args, sending each stdout line on
	// lines as it is produced, and returns the process exit code.
	// lines is not closed. Context cancellation kills the whole
	// process group and returns ctx.Err().
	Stream(ctx context.Context, lines chan<- string, args ...string) (int, error)
}

// execCommander shells out to the configured engine binary.
type execCommander struct {
	binary string
}

// NewCommander returns a Commander invoking the given engine binary
// ("docker", "podman", or an absolute path).
func NewCommander(binary string) Commander {
	return &execCommander{binary: binary}
}

func (c *execCommander) Output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", c.binary, args[0], message)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *execCommander) Stream(ctx context.Context, lines chan<- string, args ...string) (int, error) {
	cmd := exec.Command(c.binary, args...)
	// New process group so cancellation kills the engine CLI and
	// anything it forked, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("%s %s: %w", c.binary, args[0], err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%s %s: %w", c.binary, args[0], err)
	}

	killed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		case <-killed:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
		}
	}

	err = cmd.Wait()
	close(killed)

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("%s %s: %w", c.binary, args[0], err)
	}
	return 0, nil
}
