// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package masterserver

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/labtelemetry/hub/internal/config"
	"github.com/labtelemetry/hub/internal/hub"
	"github.com/labtelemetry/hub/internal/store"
)

func testServer(t *testing.T) (*Server, *sqlx.DB, *httptest.Server) {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.MasterConfig{
		NodesPath:   "/nodes_ws",
		ClientsPath: "/client_ws",
		StatusPath:  "/status",
	}
	s := New(cfg, hub.New(), st)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return s, db, srv
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestNodeEndpointRegistersAndPersistsMetadata(t *testing.T) {
	s, db, srv := testServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/nodes_ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"user":"bench_1","meta":true,"ch0":"voltage"}`)))

	require.Eventually(t, func() bool {
		return len(s.hub.Nodes()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"user":"bench_1","x":1.0,"error":false,"ch0":3.3}`)))

	require.Eventually(t, func() bool {
		nodes := s.hub.Nodes()
		if len(nodes) != 1 {
			return false
		}
		r, ok := s.hub.Reading(nodes[0].ID)
		return ok && r["ch0"] == 3.3
	}, time.Second, 5*time.Millisecond)

	var metaCount int
	require.NoError(t, db.Get(&metaCount, `SELECT COUNT(*) FROM metadata_list`))
	require.Equal(t, 1, metaCount)
}

func TestClientEndpointForwardsCommandsToNodes(t *testing.T) {
	s, _, srv := testServer(t)

	nodeConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/nodes_ws"), nil)
	require.NoError(t, err)
	defer nodeConn.Close()

	require.Eventually(t, func() bool {
		return len(s.hub.Nodes()) == 1
	}, time.Second, 5*time.Millisecond)

	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/client_ws"), nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.Eventually(t, func() bool {
		return len(s.hub.Clients()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("bench_1,0,1")))

	nodeConn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := nodeConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "bench_1,0,1", string(msg))
}

func TestStatusEndpointRenders(t *testing.T) {
	_, _, srv := testServer(t)

	resp, err := srv.Client().Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestBroadcastTickSendsSnapshotAndDefaultCommand(t *testing.T) {
	s, _, srv := testServer(t)

	nodeConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/nodes_ws"), nil)
	require.NoError(t, err)
	defer nodeConn.Close()

	require.NoError(t, nodeConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"user":"bench_1","x":1.0,"error":false,"ch0":3.3}`)))

	require.Eventually(t, func() bool {
		return len(s.hub.Nodes()) == 1
	}, time.Second, 5*time.Millisecond)

	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/client_ws"), nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.Eventually(t, func() bool {
		return len(s.hub.Clients()) == 1 && len(s.hub.Snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	s.broadcastTick()

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, snapshot, err := clientConn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(snapshot), `"ch0":3.3`)

	nodeConn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := nodeConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, defaultDownlinkCommand, string(msg))
}

func TestPersistTickAppendsSnapshotToStore(t *testing.T) {
	s, db, srv := testServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/nodes_ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"user":"bench_1","x":1.0,"error":false,"ch0":3.3}`)))

	require.Eventually(t, func() bool {
		return len(s.hub.Nodes()) == 1
	}, time.Second, 5*time.Millisecond)

	s.persistTick()

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM "bench_1"`))
	require.Equal(t, 1, count)
}
