// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"time"

	"github.com/drover-works/drover/lib/schema"
)

// progressThrottle rate-limits step-progress events per step with
// leading and trailing delivery: the first event for a step passes
// immediately, bursts within the interval are coalesced to the most
// recent event, and that trailing event is released when the interval
// expires. Other event types are never throttled.
type progressThrottle struct {
	interval time.Duration
	lastSent map[string]time.Time
	pending  map[string]schema.Event
}

func newProgressThrottle(interval time.Duration) *progressThrottle {
	return &progressThrottle{
		interval: interval,
		lastSent: make(map[string]time.Time),
		pending:  make(map[string]schema.Event),
	}
}

// offer decides whether a progress event passes now. A suppressed
// event replaces any pending one for its step, so the trailing flush
// always carries the latest progress.
func (t *progressThrottle) offer(event schema.Event, now time.Time) (sendNow bool) {
	step := ""
	if event.Step != nil {
		step = event.Step.Name
	}

	last, seen := t.lastSent[step]
	if !seen || now.Sub(last) >= t.interval {
		t.lastSent[step] = now
		delete(t.pending, step)
		return true
	}

	t.pending[step] = event
	return false
}

// flush releases pending events whose interval has expired, in no
// particular order between steps.
func (t *progressThrottle) flush(now time.Time) []schema.Event {
	var released []schema.Event
	for step, event := range t.pending {
		if now.Sub(t.lastSent[step]) >= t.interval {
			released = append(released, event)
			t.lastSent[step] = now
			delete(t.pending, step)
		}
	}
	return released
}

// drain releases everything pending regardless of interval. Called
// when the run turns terminal so no progress is lost.
func (t *progressThrottle) drain() []schema.Event {
	var released []schema.Event
	for step, event := range t.pending {
		released = append(released, event)
		delete(t.pending, step)
	}
	return released
}
