// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for drover components.
//
// Configuration is loaded from a single YAML file specified by:
//   - DROVER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables never override values.
// The only expansion performed is ${HOME} and similar path variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for drover.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Engine configures run execution limits.
	Engine EngineConfig `yaml:"engine"`

	// Runtime configures the container execution backend.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Toolgate configures tool access policy.
	Toolgate ToolgateConfig `yaml:"toolgate"`

	// Stream configures the live event transport.
	Stream StreamConfig `yaml:"stream"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for drover data.
	Root string `yaml:"root"`

	// Database is the SQLite database path for run state, step
	// records, audit records, and cache entries.
	Database string `yaml:"database"`

	// Workflows is the directory searched for workflow definition
	// files when a run names a workflow rather than a file path.
	Workflows string `yaml:"workflows"`
}

// EngineConfig configures run execution limits.
type EngineConfig struct {
	// MaxIterations caps total step executions per run, including
	// revisits of the same step. This is the only cycle breaker:
	// cyclic routing is legal and terminates here.
	MaxIterations int `yaml:"max_iterations"`

	// MaxConsecutiveFailures is the number of back-to-back step
	// failures that fails the run. Any step success resets the count.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// DefaultBudget is the cost limit applied to runs that do not set
	// one. Zero means unlimited.
	DefaultBudget float64 `yaml:"default_budget"`

	// PausePollInterval is how often a paused run re-checks for
	// resume or cancel.
	PausePollInterval time.Duration `yaml:"pause_poll_interval"`

	// Workers is the number of runs executed concurrently.
	Workers int `yaml:"workers"`
}

// RuntimeConfig configures the container execution backend.
type RuntimeConfig struct {
	// Engine is the container engine binary (docker or podman).
	Engine string `yaml:"engine"`

	// DefaultImage is used when a step's environment names no image
	// and declares no dependencies.
	DefaultImage string `yaml:"default_image"`

	// DefaultMemoryMB and DefaultCPUs size environments that do not
	// specify their own limits.
	DefaultMemoryMB int     `yaml:"default_memory_mb"`
	DefaultCPUs     float64 `yaml:"default_cpus"`

	// DefaultTimeout bounds a single step execution when the step
	// does not set its own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// StopGrace is how long Stop waits for a container to exit before
	// giving up. Stop never escalates beyond the engine's own kill.
	StopGrace time.Duration `yaml:"stop_grace"`
}

// ToolgateConfig configures tool access policy.
type ToolgateConfig struct {
	// RiskThreshold is the highest risk level granted when no
	// allow-list is configured: "low", "medium", or "high". Ignored
	// when allow is non-empty.
	RiskThreshold string `yaml:"risk_threshold"`

	// Allow and Deny are pattern lists ("Bash", "Bash:npm:*", "*").
	// A non-empty allow restricts the gate to matching tools; deny
	// always wins, including over a wildcard allow.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// StreamConfig configures the live event transport.
type StreamConfig struct {
	// Listen is the address the observer endpoint binds.
	Listen string `yaml:"listen"`

	// HeartbeatInterval is the idle keepalive period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ProgressThrottle is the minimum spacing between step-progress
	// messages per step. The first and last update always pass.
	ProgressThrottle time.Duration `yaml:"progress_throttle"`

	// TerminalLinger is how long a connection stays open after the
	// run reaches a terminal state, so late log events drain.
	TerminalLinger time.Duration `yaml:"terminal_linger"`

	// SnapshotLogs is how many trailing log entries the attach
	// snapshot includes.
	SnapshotLogs int `yaml:"snapshot_logs"`
}

// Default returns the default configuration. These defaults are the
// base layer before the config file is applied; commands that can run
// without a file (drover validate, drover fingerprint) use them as-is.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "drover")

	return &Config{
		Paths: PathsConfig{
			Root:      defaultRoot,
			Database:  filepath.Join(defaultRoot, "drover.db"),
			Workflows: filepath.Join(defaultRoot, "workflows"),
		},
		Engine: EngineConfig{
			MaxIterations:          50,
			MaxConsecutiveFailures: 3,
			DefaultBudget:          0,
			PausePollInterval:      time.Second,
			Workers:                4,
		},
		Runtime: RuntimeConfig{
			Engine:          "docker",
			DefaultImage:    "ubuntu:24.04",
			DefaultMemoryMB: 2048,
			DefaultCPUs:     2,
			DefaultTimeout:  30 * time.Minute,
			StopGrace:       10 * time.Second,
		},
		Toolgate: ToolgateConfig{
			RiskThreshold: "medium",
		},
		Stream: StreamConfig{
			Listen:            "127.0.0.1:7433",
			HeartbeatInterval: 15 * time.Second,
			ProgressThrottle:  time.Second,
			TerminalLinger:    2 * time.Second,
			SnapshotLogs:      50,
		},
	}
}

// Load loads configuration from the DROVER_CONFIG environment variable.
// There is no path discovery: if DROVER_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("DROVER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DROVER_CONFIG environment variable not set; " +
			"set it to the path of your drover.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, layered over
// Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"DROVER_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["DROVER_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Workflows = expandVars(c.Paths.Workflows, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	if c.Engine.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_iterations must be positive"))
	}
	if c.Engine.MaxConsecutiveFailures <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_consecutive_failures must be positive"))
	}
	if c.Engine.DefaultBudget < 0 {
		errs = append(errs, fmt.Errorf("engine.default_budget must not be negative"))
	}
	if c.Engine.PausePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.pause_poll_interval must be positive"))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive"))
	}

	if c.Runtime.Engine == "" {
		errs = append(errs, fmt.Errorf("runtime.engine is required"))
	}
	if c.Runtime.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("runtime.default_timeout must be positive"))
	}

	switch c.Toolgate.RiskThreshold {
	case "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("toolgate.risk_threshold must be one of: low, medium, high"))
	}

	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream.heartbeat_interval must be positive"))
	}
	if c.Stream.SnapshotLogs <= 0 {
		errs = append(errs, fmt.Errorf("stream.snapshot_logs must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		filepath.Dir(c.Paths.Database),
		c.Paths.Workflows,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
