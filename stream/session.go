// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
)

// Config holds the session timing knobs.
type Config struct {
	// HeartbeatInterval paces keepalive messages on the connection.
	HeartbeatInterval time.Duration

	// ProgressThrottle is the per-step spacing of step:progress
	// messages. First and trailing updates always get through.
	ProgressThrottle time.Duration

	// TerminalLinger keeps the connection open after the terminal
	// event so late log events drain before close.
	TerminalLinger time.Duration

	// SnapshotLogs is how many trailing log entries the attach
	// snapshot carries.
	SnapshotLogs int
}

// SnapshotStore is the slice of the store a session reads its attach
// snapshot from. store.Store satisfies it.
type SnapshotStore interface {
	GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error)
	ListStepExecutions(ctx context.Context, runID string) ([]*schema.StepExecutionRecord, error)
	TailLogs(ctx context.Context, runID string, n int) ([]schema.LogEntry, error)
}

// Conn is one observer connection. The websocket adapter implements
// it for production; tests implement it directly.
type Conn interface {
	// Send writes one message. An error ends the session.
	Send(message *Message) error

	// Close closes the connection.
	Close() error
}

// Session relays one run's events to one observer connection:
// snapshot first, then live events filtered against the snapshot's
// causal cut (covered log sequence numbers and settled step attempts).
type Session struct {
	runID  string
	store  SnapshotStore
	bus    *Bus
	conn   Conn
	clock  clock.Clock
	config Config
	logger *slog.Logger
}

// NewSession builds a session for one connection.
func NewSession(runID string, snapshots SnapshotStore, bus *Bus, conn Conn, clk clock.Clock, config Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		runID:  runID,
		store:  snapshots,
		bus:    bus,
		conn:   conn,
		clock:  clk,
		config: config,
		logger: logger,
	}
}

// Run drives the session until the run's linger window closes, the
// observer disconnects, or ctx is cancelled. It closes the connection
// on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	// Subscribe before reading the snapshot: events published during
	// the snapshot read are buffered, and log events the snapshot
	// already covers are filtered below by sequence number.
	events, cancel := s.bus.Subscribe(s.runID)
	defer cancel()

	snapshot, err := s.buildSnapshot(ctx)
	if err != nil {
		return err
	}

	// The snapshot is the causal cut for step events too: attempts it
	// already shows finished are filtered from the live replay, the
	// same way covered log events are filtered by sequence number.
	settled := make(map[int]bool, len(snapshot.Steps))
	for _, step := range snapshot.Steps {
		if step.Status.Terminal() {
			settled[step.Index] = true
		}
	}

	ids := newIDSequence(s.clock.Now())
	if err := s.send(ids, &Message{Type: MessageSnapshot, Snapshot: snapshot}); err != nil {
		return err
	}

	// A run that is already terminal at attach gets the snapshot and
	// then the linger window, so trailing bus events still arrive.
	var linger <-chan time.Time
	if snapshot.Run.Status.Terminal() {
		linger = s.clock.After(s.config.TerminalLinger)
	}

	heartbeat := s.clock.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	flush := s.clock.NewTicker(s.config.ProgressThrottle)
	defer flush.Stop()

	throttle := newProgressThrottle(s.config.ProgressThrottle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-linger:
			return nil

		case <-heartbeat.C:
			if err := s.send(ids, &Message{Type: MessageHeartbeat}); err != nil {
				return err
			}

		case <-flush.C:
			for _, event := range throttle.flush(s.clock.Now()) {
				if err := s.sendEvent(ids, event); err != nil {
					return err
				}
			}

		case event, ok := <-events:
			if !ok {
				// Engine closed the run's bus; everything is delivered.
				return nil
			}

			if event.Type == schema.EventLogCreated && event.Log.Seq <= snapshot.LastLogSeq {
				continue // already in the snapshot
			}
			if event.Step != nil && settled[event.Step.Index] {
				continue // attempt already terminal in the snapshot
			}
			if event.Type == schema.EventStepProgress {
				if !throttle.offer(event, s.clock.Now()) {
					continue
				}
			}

			if err := s.sendEvent(ids, event); err != nil {
				return err
			}

			if event.Type.Terminal() && linger == nil {
				for _, pending := range throttle.drain() {
					if err := s.sendEvent(ids, pending); err != nil {
						return err
					}
				}
				linger = s.clock.After(s.config.TerminalLinger)
			}
		}
	}
}

func (s *Session) buildSnapshot(ctx context.Context) (*Snapshot, error) {
	run, err := s.store.GetRun(ctx, s.runID)
	if err != nil {
		return nil, fmt.Errorf("stream: snapshot for %s: %w", s.runID, err)
	}

	records, err := s.store.ListStepExecutions(ctx, s.runID)
	if err != nil {
		return nil, fmt.Errorf("stream: snapshot steps for %s: %w", s.runID, err)
	}
	steps := make([]schema.StepEvent, len(records))
	for i, record := range records {
		steps[i] = schema.StepEvent{
			Name:       record.StepName,
			Index:      record.Index,
			Status:     record.Status,
			DurationMS: record.Duration.Milliseconds(),
			Cost:       record.Cost,
			Output:     record.Output,
			Error:      record.Error,
		}
	}

	entries, err := s.store.TailLogs(ctx, s.runID, s.config.SnapshotLogs)
	if err != nil {
		return nil, fmt.Errorf("stream: snapshot logs for %s: %w", s.runID, err)
	}
	logs := make([]schema.LogEvent, len(entries))
	var lastSeq uint64
	for i, entry := range entries {
		logs[i] = schema.LogEvent{
			Seq:       entry.Seq,
			Level:     entry.Level,
			Message:   entry.Message,
			Step:      entry.Step,
			Timestamp: entry.Timestamp,
		}
		if entry.Seq > lastSeq {
			lastSeq = entry.Seq
		}
	}

	return &Snapshot{
		Run:        run.Snapshot(),
		Steps:      steps,
		Logs:       logs,
		LastLogSeq: lastSeq,
	}, nil
}

func (s *Session) sendEvent(ids *idSequence, event schema.Event) error {
	return s.send(ids, &Message{Type: MessageEvent, Event: &event})
}

func (s *Session) send(ids *idSequence, message *Message) error {
	now := s.clock.Now()
	message.ID = ids.next(now)
	message.Timestamp = now
	if err := s.conn.Send(message); err != nil {
		return fmt.Errorf("stream: sending %s to observer of %s: %w", message.Type, s.runID, err)
	}
	return nil
}
