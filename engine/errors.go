// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

// Failure taxonomy. Step-level failures (tool denial, spawn, fetch,
// timeout, non-zero exit) are subject to on_error routing and the
// consecutive-failure counter; run-level failures (budget, failure
// limit, iteration limit) terminate the run and are never routed
// around.
var (
	// ErrDefinitionInvalid rejects a submission whose workflow
	// definition fails validation.
	ErrDefinitionInvalid = errors.New("workflow definition invalid")

	// ErrToolDenied fails a step before its environment is spawned.
	ErrToolDenied = errors.New("tool request denied")

	// ErrSpawnFailed fails a step whose environment did not start.
	ErrSpawnFailed = errors.New("environment spawn failed")

	// ErrSourceFetchFailed fails a step whose repository clone failed.
	ErrSourceFetchFailed = errors.New("source fetch failed")

	// ErrStepTimeout fails a step force-terminated at its execution
	// timeout.
	ErrStepTimeout = errors.New("step execution timed out")

	// ErrBudgetExceeded terminates the run when accumulated cost
	// reaches the budget limit.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrConsecutiveFailures terminates the run at the configured
	// back-to-back step failure limit.
	ErrConsecutiveFailures = errors.New("consecutive failure limit reached")

	// ErrIterationLimit terminates the run at the iteration cap, the
	// only cycle breaker for cyclic routing.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrInvalidTransition rejects a lifecycle operation the run's
	// current status does not permit.
	ErrInvalidTransition = errors.New("invalid run state transition")
)
