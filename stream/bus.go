// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream carries run events from the engine to live
// observers. The Bus fans events out per run; a Session snapshots a
// run's current state and then relays live events over a wire
// connection, using store-assigned log sequence numbers as the causal
// cut so an observer never sees a log line twice. Events are
// ephemeral: an observer attached mid-run sees the snapshot plus
// everything after it, never a replay.
package stream

import (
	"log/slog"
	"sync"

	"github.com/drover-works/drover/lib/schema"
)

// subscriberBuffer is each subscriber's channel capacity. A consumer
// that falls this far behind starts losing events; the drop is
// counted and logged, never blocks the engine.
const subscriberBuffer = 256

// Bus is the per-run event fanout. The engine publishes; sessions
// subscribe. Constructed once per daemon and injected — there is no
// package-level bus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[uint64]chan schema.Event
	nextID      uint64
	dropped     uint64
	logger      *slog.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subscribers: make(map[string]map[uint64]chan schema.Event),
		logger:      logger,
	}
}

// Subscribe returns a channel of the run's events and a cancel
// function. The channel is closed by cancel or by CloseRun; callers
// must drain until close.
func (b *Bus) Subscribe(runID string) (<-chan schema.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	channel := make(chan schema.Event, subscriberBuffer)

	if b.subscribers[runID] == nil {
		b.subscribers[runID] = make(map[uint64]chan schema.Event)
	}
	b.subscribers[runID][id] = channel

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subscribers, ok := b.subscribers[runID]; ok {
			if channel, ok := subscribers[id]; ok {
				delete(subscribers, id)
				close(channel)
				if len(subscribers) == 0 {
					delete(b.subscribers, runID)
				}
			}
		}
	}
	return channel, cancel
}

// Publish delivers the event to every subscriber of its run. Sends
// never block: a full subscriber buffer drops the event for that
// subscriber only.
func (b *Bus) Publish(event schema.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, channel := range b.subscribers[event.RunID] {
		select {
		case channel <- event:
		default:
			b.dropped++
			b.logger.Warn("event dropped for slow subscriber",
				"run_id", event.RunID,
				"type", event.Type,
				"total_dropped", b.dropped,
			)
		}
	}
}

// CloseRun closes all of a run's subscriber channels. The engine
// calls this after the terminal event has been published and the
// linger window has passed.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, channel := range b.subscribers[runID] {
		close(channel)
	}
	delete(b.subscribers, runID)
}

// SubscriberCount reports the number of active subscribers for a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[runID])
}
