// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hub implements C3, the comms hub: the in-memory coordination
// record shared by the master server's endpoints and its ticks
// (spec.md §4.3). Per REDESIGN FLAGS §9 ("Cyclic references between hub
// and endpoints", "Global singletons"), the Hub is instance-scoped and
// owns the canonical session lists; endpoints hold only a reference to
// it and look sessions up by id at call time.
package hub

import (
	"github.com/labtelemetry/hub/internal/frame"
)

// NodeSession is one connected node, per spec.md §3.
type NodeSession struct {
	ID         string
	RemoteAddr string
	Label      string // populated once a MetadataFrame names the node; "user"
	Send       chan []byte
	Cancel     func()
}

// ClientSession is one connected browser/equivalent client, per spec.md §3.
type ClientSession struct {
	ID         string
	RemoteAddr string
	Send       chan []byte
}

// MetadataObserver is called after record_metadata stores a new value,
// with the NodeSession id whose metadata changed. Per spec.md §5, a
// failing observer must not propagate; Hub.RecordMetadata does not
// recover, so each observer recovers and logs its own panics.
type MetadataObserver func(id string)

// Hub is the C3 comms hub. The event loop (master server) is the only
// goroutine that mutates it, so no locking is required (spec.md §5
// "Shared-resource policy").
type Hub struct {
	nodes   []*NodeSession
	clients []*ClientSession

	snapshot map[string]frame.Reading  // NodeSession id -> latest ReadingFrame
	metadata map[string]frame.Metadata // NodeSession id -> latest MetadataFrame

	observers []MetadataObserver
}

func New() *Hub {
	return &Hub{
		snapshot: make(map[string]frame.Reading),
		metadata: make(map[string]frame.Metadata),
	}
}

// RegisterNode adds a node session to the hub, per spec.md §4.3.
func (h *Hub) RegisterNode(s *NodeSession) {
	h.nodes = append(h.nodes, s)
}

// UnregisterNode removes a node session and purges its snapshot and
// metadata entries atomically, satisfying spec.md §4.3 invariant (b) and
// the testable property in §8 ("neither the snapshot table nor the
// metadata table contains key i").
func (h *Hub) UnregisterNode(id string) {
	for i, n := range h.nodes {
		if n.ID == id {
			h.nodes = append(h.nodes[:i], h.nodes[i+1:]...)
			break
		}
	}
	delete(h.snapshot, id)
	delete(h.metadata, id)
}

// RegisterClient adds a client session to the hub.
func (h *Hub) RegisterClient(s *ClientSession) {
	h.clients = append(h.clients, s)
}

// UnregisterClient removes a client session.
func (h *Hub) UnregisterClient(s *ClientSession) {
	for i, c := range h.clients {
		if c == s {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
}

// RecordReading overwrites the prior snapshot for a node, per spec.md §4.3.
func (h *Hub) RecordReading(id string, r frame.Reading) {
	h.snapshot[id] = r
}

// RecordMetadata overwrites the prior metadata for a node and fires every
// bound observer before returning, per spec.md §4.3/§5. Observer panics
// are caught and logged by the caller-supplied recover, not here, to keep
// this package free of a logging dependency edge; callers bind an
// observer via BindMetadataObserver that already wraps its own recover.
func (h *Hub) RecordMetadata(id string, m frame.Metadata) {
	h.metadata[id] = m
	for _, obs := range h.observers {
		obs(id)
	}
}

// BindMetadataObserver registers an observer; observers are append-only
// for the lifetime of the hub (spec.md §4.3).
func (h *Hub) BindMetadataObserver(obs MetadataObserver) {
	h.observers = append(h.observers, obs)
}

// Metadata returns the current metadata value for a node id, used by
// observers reacting to RecordMetadata.
func (h *Hub) Metadata(id string) (frame.Metadata, bool) {
	m, ok := h.metadata[id]
	return m, ok
}

// Reading returns the current snapshot value for a node id.
func (h *Hub) Reading(id string) (frame.Reading, bool) {
	r, ok := h.snapshot[id]
	return r, ok
}

// Snapshot returns a copy of the full snapshot table, for tick A's
// broadcast (spec.md §4.4). A copy is returned so the caller can
// marshal it without racing a concurrent RecordReading (defensive even
// though the event-loop model makes that race impossible today).
func (h *Hub) Snapshot() map[string]frame.Reading {
	out := make(map[string]frame.Reading, len(h.snapshot))
	for k, v := range h.snapshot {
		out[k] = v
	}
	return out
}

// Nodes returns the currently registered node sessions.
func (h *Hub) Nodes() []*NodeSession {
	return append([]*NodeSession(nil), h.nodes...)
}

// Clients returns the currently registered client sessions.
func (h *Hub) Clients() []*ClientSession {
	return append([]*ClientSession(nil), h.clients...)
}

// NodeByID looks a node session up by id, for routing client commands.
func (h *Hub) NodeByID(id string) (*NodeSession, bool) {
	for _, n := range h.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}
