// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package masterserver

import (
	"context"
	"encoding/json"

	"github.com/go-co-op/gocron/v2"

	"github.com/labtelemetry/hub/internal/frame"
	"github.com/labtelemetry/hub/pkg/log"
)

// defaultDownlinkCommand is the wildcard no-op sent to every node on
// every tick A, per spec.md §4.4 ("tick A
// ... sends a default command to nodes"). Pin 31 is out of the
// actuation package's valid pin range, so it can never collide with a
// real pin assignment.
const defaultDownlinkCommand = "X,31,0"

// schedulerHandle wraps the gocron scheduler running the master's two
// periodic ticks, grounded on internal/taskManager's
// NewScheduler/NewJob/Start/Shutdown pattern.
type schedulerHandle struct {
	sched gocron.Scheduler
}

// StartTicks registers tick A (broadcast) and tick B (persist) and
// starts the scheduler. Periodicities come from cfg (spec.md §6 flags
// --periodicity/--database_periodicity).
func (s *Server) StartTicks() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.Periodicity),
		gocron.NewTask(s.broadcastTick),
	); err != nil {
		return err
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.DatabasePeriodicity),
		gocron.NewTask(s.persistTick),
	); err != nil {
		return err
	}

	sched.Start()
	s.scheduler = &schedulerHandle{sched: sched}
	return nil
}

// StopTicks shuts the scheduler down. Safe to call once StartTicks has
// succeeded; a nil scheduler (StartTicks never called, or it failed) is
// a no-op.
func (s *Server) StopTicks() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.sched.Shutdown()
}

// broadcastTick is tick A (spec.md §4.4): it marshals the hub's current
// snapshot to every connected client, then sends the default downlink
// command to every connected node. Per-connection send failures (full
// buffers) are isolated in the client and node loops below and never
// abort the tick.
func (s *Server) broadcastTick() {
	snapshot := s.hub.Snapshot()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.Errorf("masterserver: broadcastTick: marshaling snapshot: %v", err)
		return
	}

	for _, c := range s.hub.Clients() {
		select {
		case c.Send <- payload:
		default:
			log.Warnf("masterserver: client %s send buffer full, dropping broadcast", c.ID)
		}
	}

	cmd := []byte(defaultDownlinkCommand)
	for _, n := range s.hub.Nodes() {
		select {
		case n.Send <- cmd:
		default:
			log.Warnf("masterserver: node %s send buffer full, dropping default command", n.ID)
		}
	}
}

// persistTick is tick B (spec.md §4.4/§7): it appends every node's
// current snapshot reading to the store. A StoreError on one row is
// logged and the tick moves on to the next row rather than aborting,
// so a single misbehaving node's schema mismatch never blocks the rest
// of the fleet's persistence.
func (s *Server) persistTick() {
	ctx := context.Background()
	for id, reading := range s.hub.Snapshot() {
		label := reading.User()
		if label == "" {
			if n, ok := s.hub.NodeByID(id); ok {
				label = n.Label
			}
		}
		if label == "" {
			continue
		}

		if err := s.store.AppendReading(ctx, label, frame.Reading(reading)); err != nil {
			log.Warnf("masterserver: persistTick: appending reading for %s: %v", label, err)
		}
	}
}
