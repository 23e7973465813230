// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package masterserver implements C4, the master server: the dual
// WebSocket endpoints (nodes/clients), the status page, and the
// broadcast/persist ticks, grounded on
// original_source/servers/handler_initial.py and the teacher's
// gorilla/mux + gorilla/handlers router wiring in cmd/cc-backend/main.go.
package masterserver

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/labtelemetry/hub/internal/config"
	"github.com/labtelemetry/hub/internal/frame"
	"github.com/labtelemetry/hub/internal/hub"
	"github.com/labtelemetry/hub/internal/statuspage"
	"github.com/labtelemetry/hub/internal/store"
	"github.com/labtelemetry/hub/pkg/log"
)

// Server wires the comms hub (C3) and the relational store (C5) to the
// two WebSocket endpoints, the status page, and the two scheduled
// ticks (spec.md §4.4).
type Server struct {
	cfg      config.MasterConfig
	hub      *hub.Hub
	store    *store.Store
	upgrader websocket.Upgrader

	scheduler *schedulerHandle
}

// New builds a Server and binds its metadata-persistence observer onto
// the hub (spec.md §4.4 "the metadata observer persists...").
func New(cfg config.MasterConfig, h *hub.Hub, st *store.Store) *Server {
	s := &Server{
		cfg:   cfg,
		hub:   h,
		store: st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.BindMetadataObserver(s.persistMetadata)
	return s
}

// persistMetadata is the hub's metadata observer: it writes the new
// metadata value to the store. Per spec.md §5, a failing observer must
// not propagate past record_metadata, so panics here are recovered and
// logged rather than left to crash the event loop.
func (s *Server) persistMetadata(id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("masterserver: metadata observer panic for %s: %v", id, r)
		}
	}()

	m, ok := s.hub.Metadata(id)
	if !ok {
		return
	}
	label, _ := m[frame.KeyUser].(string)
	if label == "" {
		log.Warnf("masterserver: metadata for session %s has no user label, not persisting", id)
		return
	}
	if err := s.store.AppendMetadata(context.Background(), label, frame.Metadata(m)); err != nil {
		log.Warnf("masterserver: persisting metadata for %s: %v", label, err)
	}
}

// Router builds the mux.Router serving the nodes endpoint, the clients
// endpoint, and the status page, wrapped the way the teacher wraps its
// router: compression, panic recovery, permissive CORS (spec.md §6 lists
// no auth surface, so CORS is wide open by design, not by oversight).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(s.cfg.NodesPath, s.handleNodeWS)
	r.HandleFunc(s.cfg.ClientsPath, s.handleClientWS)
	r.HandleFunc(s.cfg.StatusPath, s.handleStatus)

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{"GET"}),
		handlers.AllowedOrigins([]string{"*"})))

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuspage.Render(w, s.hub)
}
