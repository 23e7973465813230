// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package hub

import (
	"testing"

	"github.com/labtelemetry/hub/internal/frame"
	"github.com/stretchr/testify/require"
)

func TestUnregisterNodePurgesSnapshotAndMetadata(t *testing.T) {
	h := New()
	n := &NodeSession{ID: "node-1"}
	h.RegisterNode(n)
	h.RecordReading(n.ID, frame.Reading{"ch0": 1.0})
	h.RecordMetadata(n.ID, frame.Metadata{"user": "bench-1"})

	h.UnregisterNode(n.ID)

	_, ok := h.Reading(n.ID)
	require.False(t, ok)
	_, ok = h.Metadata(n.ID)
	require.False(t, ok)
	_, ok = h.NodeByID(n.ID)
	require.False(t, ok)
}

func TestRecordMetadataFiresObservers(t *testing.T) {
	h := New()
	var seen []string
	h.BindMetadataObserver(func(id string) { seen = append(seen, id) })

	h.RecordMetadata("node-1", frame.Metadata{"user": "bench-1"})
	h.RecordMetadata("node-2", frame.Metadata{"user": "bench-2"})

	require.Equal(t, []string{"node-1", "node-2"}, seen)
}

func TestRecordReadingOverwritesPriorSnapshot(t *testing.T) {
	h := New()
	h.RecordReading("node-1", frame.Reading{"ch0": 1.0})
	h.RecordReading("node-1", frame.Reading{"ch0": 2.0})

	r, ok := h.Reading("node-1")
	require.True(t, ok)
	require.Equal(t, 2.0, r["ch0"])
}

func TestSnapshotIsACopy(t *testing.T) {
	h := New()
	h.RecordReading("node-1", frame.Reading{"ch0": 1.0})

	snap := h.Snapshot()
	snap["node-2"] = frame.Reading{"ch0": 9.0}

	_, ok := h.Reading("node-2")
	require.False(t, ok)
}

func TestRegisterAndUnregisterClient(t *testing.T) {
	h := New()
	c := &ClientSession{ID: "client-1"}
	h.RegisterClient(c)
	require.Len(t, h.Clients(), 1)

	h.UnregisterClient(c)
	require.Len(t, h.Clients(), 0)
}
