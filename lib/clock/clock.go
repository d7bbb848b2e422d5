// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the orchestrator's timing-sensitive
// components — the stream heartbeat, the step-progress throttle, the
// terminal-linger close, and image cache timestamps. Production code
// injects Real(); tests inject Fake() and advance it deterministically,
// so no timing test ever sleeps on the wall clock.
package clock

import "time"

// Clock is the injected time source. Any production function that
// reads the current time or schedules future work takes a Clock (or
// lives on a struct holding one) instead of calling the time package.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// Receives immediately when d <= 0.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f after d and returns a Timer whose Stop
	// cancels the pending call. f runs immediately when d <= 0.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics when
	// d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. C has capacity 1, matching
// time.Ticker: a slow consumer drops ticks rather than queuing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop ends the tick stream. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Timer is a scheduled one-shot. For AfterFunc timers C is nil.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop cancels the timer. Returns false when it already fired or was
// already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
