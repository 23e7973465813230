// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package masterserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/labtelemetry/hub/internal/errs"
	"github.com/labtelemetry/hub/internal/frame"
	"github.com/labtelemetry/hub/internal/hub"
	"github.com/labtelemetry/hub/pkg/log"
)

// handleNodeWS is the nodes endpoint (spec.md §4.4): one NodeSession
// per connection, read loop dispatching ReadingFrame/MetadataFrame into
// the hub, write pump pumping the session's Send channel (tick-driven
// broadcasts and forwarded client commands) onto the socket.
func (s *Server) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("masterserver: upgrading node connection: %v", err)
		return
	}

	session := &hub.NodeSession{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Send:       make(chan []byte, 16),
	}
	ctx, cancel := context.WithCancel(r.Context())
	session.Cancel = cancel

	s.hub.RegisterNode(session)
	log.Infof("masterserver: node %s connected from %s", session.ID, session.RemoteAddr)

	go s.writePump(ctx, conn, session.Send)

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("masterserver: node %s: recovered panic: %v", session.ID, rec)
		}
		cancel()
		if session.Label != "" {
			s.hub.RecordMetadata(session.ID, frame.CloseSentinel(session.Label))
		}
		s.hub.UnregisterNode(session.ID)
		conn.Close()
		log.Infof("masterserver: node %s disconnected", session.ID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		doc, isMeta, err := frame.Decode(msg)
		if err != nil {
			log.Warnf("%v: node %s: %v", errs.ErrFrameParseError, session.ID, err)
			continue
		}

		if isMeta {
			if user, _ := doc[frame.KeyUser].(string); user != "" {
				session.Label = user
			}
			s.hub.RecordMetadata(session.ID, frame.Metadata(doc))
			continue
		}

		s.hub.RecordReading(session.ID, frame.Reading(doc))
	}
}

// writePump is shared by the node and client endpoints: it is the only
// goroutine that calls conn.WriteMessage, since gorilla/websocket
// connections are not safe for concurrent writers.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("masterserver: write failed: %v", err)
				return
			}
		}
	}
}
