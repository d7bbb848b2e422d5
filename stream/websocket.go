// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/drover-works/drover/lib/clock"
)

// wsConn adapts a gorilla websocket connection to the Conn interface.
// Messages go out as binary frames holding one CBOR-encoded Message.
type wsConn struct {
	inner *websocket.Conn
}

func (c *wsConn) Send(message *Message) error {
	data, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return c.inner.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	return c.inner.Close()
}

// Server serves the observer websocket endpoint. Mount it at
// "GET /v1/runs/{run}/stream".
type Server struct {
	store    SnapshotStore
	bus      *Bus
	clock    clock.Clock
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds the observer endpoint handler.
func NewServer(snapshots SnapshotStore, bus *Bus, clk clock.Clock, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		store:  snapshots,
		bus:    bus,
		clock:  clk,
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the connection and runs a session until the run
// finishes or the observer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run")
	if runID == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}

	// Reject before upgrading so the client gets a proper 404.
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		http.Error(w, fmt.Sprintf("run %s not found", runID), http.StatusNotFound)
		return
	}

	inner, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}

	session := NewSession(runID, s.store, s.bus, &wsConn{inner: inner}, s.clock, s.config, s.logger)
	if err := session.Run(r.Context()); err != nil && r.Context().Err() == nil {
		s.logger.Debug("observer session ended", "run_id", runID, "error", err)
	}
}
