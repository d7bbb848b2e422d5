// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drover-works/drover/lib/clock"
)

// Reconnect policy: exponential backoff from 1s doubling to a 30s
// cap, giving up after 5 consecutive failed attempts. Any delivered
// message resets the attempt counter.
const (
	reconnectInitial  = time.Second
	reconnectCap      = 30 * time.Second
	reconnectAttempts = 5
)

// ErrReconnectExhausted is returned by Client.Run after the attempt
// limit is reached without a successful delivery.
var ErrReconnectExhausted = errors.New("stream: reconnect attempts exhausted")

// MessageSource is one live connection's receive side.
type MessageSource interface {
	// Next blocks for the next message. Returns an error when the
	// connection dies.
	Next() (*Message, error)

	// Close closes the connection.
	Close() error
}

// Dialer opens a connection to the observer endpoint.
type Dialer func(ctx context.Context) (MessageSource, error)

// WebsocketDialer returns a Dialer for a ws:// or wss:// stream URL.
func WebsocketDialer(url string) Dialer {
	return func(ctx context.Context) (MessageSource, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("stream: dialing %s: %w", url, err)
		}
		return &wsSource{inner: conn}, nil
	}
}

type wsSource struct {
	inner *websocket.Conn
}

func (s *wsSource) Next() (*Message, error) {
	_, data, err := s.inner.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

func (s *wsSource) Close() error {
	return s.inner.Close()
}

// Client attaches to a run's stream and delivers messages on a
// channel, reconnecting with backoff when the connection drops
// mid-run. A terminal run event ends the client normally.
type Client struct {
	dial     Dialer
	clock    clock.Clock
	logger   *slog.Logger
	messages chan *Message
}

// NewClient builds a client. Messages() yields what arrives.
func NewClient(dial Dialer, clk clock.Clock, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		dial:     dial,
		clock:    clk,
		logger:   logger,
		messages: make(chan *Message, 64),
	}
}

// Messages is the delivery channel. Closed when Run returns.
func (c *Client) Messages() <-chan *Message {
	return c.messages
}

// Run connects and relays until the run ends, ctx is cancelled, or
// reconnection is exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.messages)

	attempts := 0
	backoff := reconnectInitial

	for {
		source, err := c.dial(ctx)
		if err == nil {
			terminal, relayed := c.relay(ctx, source)
			source.Close()
			if terminal {
				return nil
			}
			if relayed {
				// Progress was made; start the backoff ladder over.
				attempts = 0
				backoff = reconnectInitial
			}
			err = errors.New("connection lost")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= reconnectAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err)
		}

		c.logger.Warn("stream connection lost, reconnecting",
			"attempt", attempts,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-c.clock.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// relay pumps one connection. Returns whether the run reached a
// terminal event and whether any message got through.
func (c *Client) relay(ctx context.Context, source MessageSource) (terminal, relayed bool) {
	for {
		message, err := source.Next()
		if err != nil {
			return false, relayed
		}

		select {
		case c.messages <- message:
			relayed = true
		case <-ctx.Done():
			return false, relayed
		}

		if message.Type == MessageEvent && message.Event != nil && message.Event.Type.Terminal() {
			return true, true
		}
	}
}
