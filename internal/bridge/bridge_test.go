package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/storage"
)

type stubPeers struct {
	list []storage.CachedPeer
}

func (s stubPeers) ListPeers() ([]storage.CachedPeer, error) { return s.list, nil }

func dialBridge(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(s.handleEvents))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	return conn
}

func TestReplayThenLiveEvents(t *testing.T) {
	bus := events.NewBus()
	s := New(bus, nil)
	defer s.Close()

	// Emitted before any client attached: kept in the replay window.
	bus.Emit(events.ChatMessage, map[string]any{"message": "earlier"})

	conn := dialBridge(t, s)

	var we wireEvent
	require.NoError(t, conn.ReadJSON(&we))
	require.Equal(t, events.ChatMessage, we.Event)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(we.Payload, &payload))
	require.Equal(t, "earlier", payload["message"])

	// Live traffic follows the backlog.
	bus.Emit(events.RoomCreated, map[string]any{"roomId": "r1"})
	require.NoError(t, conn.ReadJSON(&we))
	require.Equal(t, events.RoomCreated, we.Event)
}

func TestNonReplayedEventsAreLiveOnly(t *testing.T) {
	bus := events.NewBus()
	s := New(bus, nil)
	defer s.Close()

	// Progress events are not part of the replay window.
	bus.Emit(events.ConnectionProgress, map[string]any{"status": "connecting"})
	bus.Emit(events.RemoteAlert, map[string]any{"level": "high"})

	conn := dialBridge(t, s)

	var we wireEvent
	require.NoError(t, conn.ReadJSON(&we))
	require.Equal(t, events.RemoteAlert, we.Event, "only replayed kinds appear in the backlog")
}

func TestCachedPeersSnapshotSentFirst(t *testing.T) {
	bus := events.NewBus()
	s := New(bus, stubPeers{list: []storage.CachedPeer{
		{DeviceID: "cam-1", Label: "front door", RoomID: "room-1"},
	}})
	defer s.Close()

	bus.Emit(events.ChatMessage, map[string]any{"message": "earlier"})

	conn := dialBridge(t, s)

	// The peer cache arrives before any replayed traffic.
	var we wireEvent
	require.NoError(t, conn.ReadJSON(&we))
	require.Equal(t, cachedPeersEvent, we.Event)
	var peers []storage.CachedPeer
	require.NoError(t, json.Unmarshal(we.Payload, &peers))
	require.Len(t, peers, 1)
	require.Equal(t, "cam-1", peers[0].DeviceID)
	require.Equal(t, "room-1", peers[0].RoomID)

	require.NoError(t, conn.ReadJSON(&we))
	require.Equal(t, events.ChatMessage, we.Event)
}

func TestCloseUnsubscribesFromBus(t *testing.T) {
	bus := events.NewBus()
	s := New(bus, nil)
	require.NoError(t, s.Close())

	// Must not panic or accumulate after close.
	bus.Emit(events.ChatMessage, map[string]any{"message": "late"})
	require.Zero(t, s.replay.Len())
}
