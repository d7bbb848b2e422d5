// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/store"
	"github.com/drover-works/drover/lib/testutil"
)

// fakeConn delivers sent messages on a channel for the test to
// consume.
type fakeConn struct {
	messages chan *Message
	closed   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		messages: make(chan *Message, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(message *Message) error {
	c.messages <- message
	return nil
}

func (c *fakeConn) Close() error {
	close(c.closed)
	return nil
}

var testConfig = Config{
	HeartbeatInterval: 15 * time.Second,
	ProgressThrottle:  time.Second,
	TerminalLinger:    2 * time.Second,
	SnapshotLogs:      50,
}

// startSession seeds a run with the given number of log lines and
// starts a session against it.
func startSession(t *testing.T, status schema.RunStatus, logCount int) (*store.Memory, *Bus, *fakeConn, *clock.FakeClock, chan error) {
	t.Helper()
	ctx := context.Background()

	memory := store.NewMemory()
	run := &schema.WorkflowRun{ID: "run-1", Workflow: "w", Status: status}
	if err := memory.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= logCount; i++ {
		_, err := memory.AppendLog(ctx, "run-1", &schema.LogEntry{
			Level:   "info",
			Message: fmt.Sprintf("line %d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	bus := NewBus(nil)
	conn := newFakeConn()
	fake := clock.Fake(time.Unix(10000, 0))
	session := NewSession("run-1", memory, bus, conn, fake, testConfig, nil)

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	// The heartbeat and flush tickers are created after the snapshot
	// is sent, which is after the bus subscription; two pending
	// timers mean the session is fully attached.
	fake.WaitForTimers(2)

	return memory, bus, conn, fake, done
}

func TestSnapshotCarriesLastFiftyLogs(t *testing.T) {
	_, bus, conn, _, done := startSession(t, schema.RunRunning, 60)
	defer bus.CloseRun("run-1")

	message := testutil.RequireReceive(t, conn.messages, 5*time.Second, "snapshot")
	if message.Type != MessageSnapshot {
		t.Fatalf("first message type = %s", message.Type)
	}
	snapshot := message.Snapshot
	if len(snapshot.Logs) != 50 {
		t.Fatalf("snapshot logs = %d, want 50", len(snapshot.Logs))
	}
	if snapshot.Logs[0].Seq != 11 || snapshot.Logs[49].Seq != 60 {
		t.Errorf("snapshot log range = [%d, %d], want [11, 60]",
			snapshot.Logs[0].Seq, snapshot.Logs[49].Seq)
	}
	if snapshot.LastLogSeq != 60 {
		t.Errorf("LastLogSeq = %d, want 60", snapshot.LastLogSeq)
	}

	bus.CloseRun("run-1")
	if err := testutil.RequireReceive(t, done, 5*time.Second, "session end"); err != nil {
		t.Fatalf("session: %v", err)
	}
}

func TestLiveLogsFilteredBySnapshotCut(t *testing.T) {
	_, bus, conn, _, done := startSession(t, schema.RunRunning, 60)

	testutil.RequireReceive(t, conn.messages, 5*time.Second, "snapshot")

	at := time.Unix(10001, 0)
	// Covered by the snapshot: must not be relayed.
	bus.Publish(schema.NewLogEvent(at, "run-1", schema.LogEvent{Seq: 55, Message: "old"}))
	// Past the cut: must be relayed.
	bus.Publish(schema.NewLogEvent(at, "run-1", schema.LogEvent{Seq: 61, Message: "new"}))

	message := testutil.RequireReceive(t, conn.messages, 5*time.Second, "live log")
	if message.Type != MessageEvent || message.Event.Log == nil {
		t.Fatalf("message = %+v", message)
	}
	if message.Event.Log.Seq != 61 {
		t.Fatalf("relayed seq = %d, want 61 (seq 55 should be filtered)", message.Event.Log.Seq)
	}

	bus.CloseRun("run-1")
	testutil.RequireReceive(t, done, 5*time.Second, "session end")
}

func TestLiveStepEventsFilteredBySnapshotCut(t *testing.T) {
	ctx := context.Background()

	memory := store.NewMemory()
	if err := memory.CreateRun(ctx, &schema.WorkflowRun{ID: "run-1", Workflow: "w", Status: schema.RunRunning}); err != nil {
		t.Fatal(err)
	}
	// Attempt 0 finished before the observer attached; its terminal
	// record is in the snapshot.
	if err := memory.CreateStepExecution(ctx, &schema.StepExecutionRecord{
		ID: "exec-1", RunID: "run-1", StepName: "review", Index: 0,
		Status: schema.StepCompleted,
	}); err != nil {
		t.Fatal(err)
	}

	bus := NewBus(nil)
	conn := newFakeConn()
	fake := clock.Fake(time.Unix(10000, 0))
	session := NewSession("run-1", memory, bus, conn, fake, testConfig, nil)

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	fake.WaitForTimers(2)

	message := testutil.RequireReceive(t, conn.messages, 5*time.Second, "snapshot")
	if len(message.Snapshot.Steps) != 1 || message.Snapshot.Steps[0].Status != schema.StepCompleted {
		t.Fatalf("snapshot steps = %+v", message.Snapshot.Steps)
	}

	at := time.Unix(10001, 0)
	// Already terminal in the snapshot: must not be relayed again.
	bus.Publish(schema.NewStepEvent(schema.EventStepCompleted, at, "run-1",
		schema.StepEvent{Name: "review", Index: 0, Status: schema.StepCompleted}))
	// A fresh attempt: must be relayed.
	bus.Publish(schema.NewStepEvent(schema.EventStepStarted, at, "run-1",
		schema.StepEvent{Name: "fix", Index: 1, Status: schema.StepRunning}))

	message = testutil.RequireReceive(t, conn.messages, 5*time.Second, "live step")
	if message.Type != MessageEvent || message.Event.Step == nil {
		t.Fatalf("message = %+v", message)
	}
	if message.Event.Step.Index != 1 {
		t.Fatalf("relayed step index = %d, want 1 (index 0 should be filtered)", message.Event.Step.Index)
	}

	bus.CloseRun("run-1")
	testutil.RequireReceive(t, done, 5*time.Second, "session end")
}

func TestTerminalEventLingersThenCloses(t *testing.T) {
	_, bus, conn, fake, done := startSession(t, schema.RunRunning, 0)

	testutil.RequireReceive(t, conn.messages, 5*time.Second, "snapshot")

	bus.Publish(schema.NewRunEvent(schema.EventRunCompleted, time.Unix(10001, 0), schema.RunSnapshot{
		ID: "run-1", Workflow: "w", Status: schema.RunCompleted,
	}))
	message := testutil.RequireReceive(t, conn.messages, 5*time.Second, "terminal event")
	if message.Event.Type != schema.EventRunCompleted {
		t.Fatalf("event type = %s", message.Event.Type)
	}

	// A late log event still gets through during the linger window.
	bus.Publish(schema.NewLogEvent(time.Unix(10001, 1), "run-1", schema.LogEvent{Seq: 1, Message: "late"}))
	message = testutil.RequireReceive(t, conn.messages, 5*time.Second, "late log")
	if message.Event.Log == nil || message.Event.Log.Message != "late" {
		t.Fatalf("late message = %+v", message)
	}

	// Linger timer is the third pending waiter alongside the tickers.
	fake.WaitForTimers(3)
	fake.Advance(testConfig.TerminalLinger)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "session end"); err != nil {
		t.Fatalf("session: %v", err)
	}
	testutil.RequireClosed(t, conn.closed, 5*time.Second, "connection closed")
}

func TestAttachToTerminalRunClosesAfterLinger(t *testing.T) {
	_, _, conn, fake, done := startSession(t, schema.RunCompleted, 3)

	message := testutil.RequireReceive(t, conn.messages, 5*time.Second, "snapshot")
	if message.Snapshot.Run.Status != schema.RunCompleted {
		t.Fatalf("snapshot status = %s", message.Snapshot.Run.Status)
	}

	fake.WaitForTimers(3)
	fake.Advance(testConfig.TerminalLinger)
	testutil.RequireReceive(t, done, 5*time.Second, "session end")
}

func TestHeartbeatOnIdleConnection(t *testing.T) {
	_, bus, conn, fake, done := startSession(t, schema.RunRunning, 0)

	testutil.RequireReceive(t, conn.messages, 5*time.Second, "snapshot")

	fake.Advance(testConfig.HeartbeatInterval)

	message := testutil.RequireReceive(t, conn.messages, 5*time.Second, "heartbeat")
	if message.Type != MessageHeartbeat {
		t.Fatalf("message type = %s, want heartbeat", message.Type)
	}

	bus.CloseRun("run-1")
	testutil.RequireReceive(t, done, 5*time.Second, "session end")
}

func TestWireIDsStrictlyIncrease(t *testing.T) {
	_, bus, conn, _, done := startSession(t, schema.RunRunning, 0)

	at := time.Unix(10001, 0)
	for i := 1; i <= 5; i++ {
		bus.Publish(schema.NewLogEvent(at, "run-1", schema.LogEvent{Seq: uint64(i), Message: "m"}))
	}
	bus.CloseRun("run-1")
	testutil.RequireReceive(t, done, 5*time.Second, "session end")

	var last uint64
	close(conn.messages)
	count := 0
	for message := range conn.messages {
		if message.ID <= last {
			t.Fatalf("wire id %d not greater than %d", message.ID, last)
		}
		last = message.ID
		count++
	}
	if count != 6 { // snapshot + 5 logs
		t.Errorf("message count = %d, want 6", count)
	}
}
