// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"time"

	"github.com/drover-works/drover/lib/codec"
	"github.com/drover-works/drover/lib/schema"
)

// MessageType tags a wire message.
type MessageType string

const (
	// MessageSnapshot is the first message on every connection: the
	// run's current state, recent logs, and step statuses.
	MessageSnapshot MessageType = "snapshot"

	// MessageEvent carries one live run event.
	MessageEvent MessageType = "event"

	// MessageHeartbeat is sent on idle connections so clients can
	// distinguish a quiet run from a dead connection.
	MessageHeartbeat MessageType = "heartbeat"
)

// Message is the CBOR wire envelope. IDs are strictly increasing per
// connection; a client that sees a non-increasing ID knows the stream
// is corrupt and should reconnect.
type Message struct {
	ID        uint64          `cbor:"id" json:"id"`
	Type      MessageType     `cbor:"type" json:"type"`
	Timestamp time.Time       `cbor:"timestamp" json:"timestamp"`
	Snapshot  *Snapshot       `cbor:"snapshot,omitempty" json:"snapshot,omitempty"`
	Event     *schema.Event   `cbor:"event,omitempty" json:"event,omitempty"`
}

// Snapshot is the attach-time state of a run.
type Snapshot struct {
	// Run is the run's current snapshot.
	Run schema.RunSnapshot `cbor:"run" json:"run"`

	// Steps summarizes every step attempt so far, in execution order.
	Steps []schema.StepEvent `cbor:"steps,omitempty" json:"steps,omitempty"`

	// Logs holds the trailing log entries.
	Logs []schema.LogEvent `cbor:"logs,omitempty" json:"logs,omitempty"`

	// LastLogSeq is the causal cut: live log events with sequence at
	// or below this are already present in Logs and are filtered out
	// of the live stream.
	LastLogSeq uint64 `cbor:"last_log_seq" json:"last_log_seq"`
}

// EncodeMessage marshals a message with the deterministic CBOR
// configuration.
func EncodeMessage(message *Message) ([]byte, error) {
	data, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("stream: encoding %s message: %w", message.Type, err)
	}
	return data, nil
}

// DecodeMessage unmarshals a wire message.
func DecodeMessage(data []byte) (*Message, error) {
	message := &Message{}
	if err := codec.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("stream: decoding message: %w", err)
	}
	return message, nil
}

// idSequence issues strictly increasing wire IDs. Seeded from the
// attach time so IDs also order across reconnects of the same
// observer.
type idSequence struct {
	last uint64
}

func newIDSequence(start time.Time) *idSequence {
	return &idSequence{last: uint64(start.UnixMilli())}
}

// next returns an ID strictly greater than every earlier one,
// tracking wall-clock milliseconds when the clock is ahead.
func (s *idSequence) next(now time.Time) uint64 {
	candidate := uint64(now.UnixMilli())
	if candidate <= s.last {
		candidate = s.last + 1
	}
	s.last = candidate
	return candidate
}
