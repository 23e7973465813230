// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package masterserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/labtelemetry/hub/internal/hub"
	"github.com/labtelemetry/hub/pkg/log"
)

// handleClientWS is the clients endpoint (spec.md §4.4). A client's
// uplinked text messages are downlink commands; each is forwarded
// verbatim to every currently connected node, per spec.md §4.2's CSV
// command format. Tick A's JSON snapshot broadcasts ride the same
// Send channel from the outside (ticks.go).
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("masterserver: upgrading client connection: %v", err)
		return
	}

	session := &hub.ClientSession{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Send:       make(chan []byte, 16),
	}
	ctx, cancel := context.WithCancel(r.Context())

	s.hub.RegisterClient(session)
	log.Infof("masterserver: client %s connected from %s", session.ID, session.RemoteAddr)

	go s.writePump(ctx, conn, session.Send)

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("masterserver: client %s: recovered panic: %v", session.ID, rec)
		}
		cancel()
		s.hub.UnregisterClient(session)
		conn.Close()
		log.Infof("masterserver: client %s disconnected", session.ID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.forwardCommand(msg)
	}
}

// forwardCommand relays one downlink command to every node's Send
// channel. A node with a full buffer is skipped and logged rather than
// blocking the client's read loop or the other nodes (spec.md §4.4
// per-connection isolation).
func (s *Server) forwardCommand(msg []byte) {
	for _, n := range s.hub.Nodes() {
		select {
		case n.Send <- msg:
		default:
			log.Warnf("masterserver: node %s send buffer full, dropping command", n.ID)
		}
	}
}
