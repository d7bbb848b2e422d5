// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"strings"
)

// Capabilities reports what the configured container engine can do.
// Detected once at daemon startup and logged; a missing engine fails
// startup rather than failing the first run.
type Capabilities struct {
	// Available is true when the engine binary responds to version.
	Available bool

	// Version is the engine's reported server version, when available.
	Version string

	// Rootless is true when the engine reports a rootless setup.
	Rootless bool
}

// Detect probes the engine through the commander.
func Detect(ctx context.Context, commander Commander) Capabilities {
	capabilities := Capabilities{}

	version, err := commander.Output(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return capabilities
	}
	capabilities.Available = true
	capabilities.Version = version

	security, err := commander.Output(ctx, "info", "--format", "{{.SecurityOptions}}")
	if err == nil && strings.Contains(security, "rootless") {
		capabilities.Rootless = true
	}

	return capabilities
}
