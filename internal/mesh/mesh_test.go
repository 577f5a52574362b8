package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchmesh/internal/connman"
	"github.com/watchmesh/watchmesh/internal/dispatch"
	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/mediacall"
	"github.com/watchmesh/watchmesh/internal/proto"
	"github.com/watchmesh/watchmesh/internal/session"
	"github.com/watchmesh/watchmesh/internal/storage"
	"github.com/watchmesh/watchmesh/internal/transport"
	"github.com/watchmesh/watchmesh/internal/transport/transporttest"
)

type memStore struct {
	mu       sync.Mutex
	m        map[string]string
	touched  []string
	upserted []storage.CachedPeer
}

func newMemStore(id string) *memStore {
	s := &memStore{m: map[string]string{}}
	if id != "" {
		s.m["device_id"] = id
	}
	return s
}

func (s *memStore) GetMeta(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) TouchPeer(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, deviceID)
	return nil
}

func (s *memStore) UpsertPeer(p storage.CachedPeer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, p)
	return nil
}

func (s *memStore) touchedPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.touched...)
}

type testMesh struct {
	*Mesh
	bus   *events.Bus
	store *memStore
	clk   *clock.Mock
}

func newTestMesh(t *testing.T, net *transporttest.Network, id string, opts Options) *testMesh {
	t.Helper()
	bus := events.NewBus()
	store := newMemStore(id)
	clk := clock.NewMock()
	if opts.OpenSource == nil {
		opts.OpenSource = func(kind transport.CallKind) (transport.MediaSource, error) {
			return transporttest.NewStaticSource(kind, []byte("frame-"+id)), nil
		}
	}
	m := New(net, store, bus, clk, opts)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { m.Disconnect() })
	return &testMesh{Mesh: m, bus: bus, store: store, clk: clk}
}

func TestJoinRoomAndChatScenario(t *testing.T) {
	net := transporttest.NewNetwork()
	a := newTestMesh(t, net, "device-a", Options{})
	b := newTestMesh(t, net, "device-b", Options{})

	room := a.CreateRoom()
	require.Equal(t, "device-a", room.RoomID)

	var aPeers, bPeers []string
	a.bus.On(events.PeerConnected, func(p any) {
		aPeers = append(aPeers, p.(connman.PeerEvent).PeerID)
	})
	b.bus.On(events.PeerConnected, func(p any) {
		bPeers = append(bPeers, p.(connman.PeerEvent).PeerID)
	})

	require.NoError(t, b.JoinRoom(context.Background(), room.RoomID))
	require.Equal(t, []string{"device-b"}, aPeers)
	require.Equal(t, []string{"device-a"}, bPeers)

	// The joiner caches the host it joined.
	require.Equal(t, []storage.CachedPeer{{DeviceID: "device-a", RoomID: "device-a"}}, b.store.upserted)

	var aChat []dispatch.FromPeer
	a.bus.On(events.ChatMessage, func(p any) { aChat = append(aChat, p.(dispatch.FromPeer)) })
	var bChat []dispatch.FromPeer
	b.bus.On(events.ChatMessage, func(p any) { bChat = append(bChat, p.(dispatch.FromPeer)) })

	require.NoError(t, b.BroadcastChatMessage("hello"))

	// B sees its own message synchronously, flagged local.
	require.Len(t, bChat, 1)
	echo := bChat[0].Payload.(*proto.ChatMessage)
	require.True(t, echo.IsLocal)

	// A sees the remote copy attributed to B.
	require.Len(t, aChat, 1)
	require.Equal(t, "device-b", aChat[0].PeerID)
	msg := aChat[0].Payload.(*proto.ChatMessage)
	require.Equal(t, "hello", msg.Message)
	require.False(t, msg.IsLocal)
}

func TestJoinUnreachableFailsWithoutRoom(t *testing.T) {
	net := transporttest.NewNetwork()
	b := newTestMesh(t, net, "device-b", Options{})

	err := b.JoinRoom(context.Background(), "nobody-home")
	require.Error(t, err)
	_, ok := b.Room()
	require.False(t, ok)
}

func TestViewSwitchIsHostOnly(t *testing.T) {
	net := transporttest.NewNetwork()
	host := newTestMesh(t, net, "host", Options{})
	b := newTestMesh(t, net, "device-b", Options{})
	c := newTestMesh(t, net, "device-c", Options{})

	host.CreateRoom()
	require.NoError(t, b.JoinRoom(context.Background(), "host"))
	require.NoError(t, c.JoinRoom(context.Background(), "host"))

	var bSwitches []dispatch.FromPeer
	b.bus.On(events.ViewSwitch, func(p any) { bSwitches = append(bSwitches, p.(dispatch.FromPeer)) })

	require.NoError(t, host.BroadcastViewSwitch("device-b"))
	require.Len(t, bSwitches, 1)
	require.Equal(t, "device-b", bSwitches[0].Payload.(*proto.ViewSwitch).TargetDevice)

	// A joiner attempting the same produces no outbound message.
	err := c.BroadcastViewSwitch("device-b")
	require.ErrorIs(t, err, session.ErrNotHost)
	require.Len(t, bSwitches, 1)
}

func TestVideoRequestFlow(t *testing.T) {
	net := transporttest.NewNetwork()
	cam := newTestMesh(t, net, "cam", Options{})
	viewer := newTestMesh(t, net, "viewer", Options{})

	cam.CreateRoom()
	require.NoError(t, viewer.JoinRoom(context.Background(), "cam"))

	var requests []dispatch.FromPeer
	cam.bus.On(events.VideoRequest, func(p any) { requests = append(requests, p.(dispatch.FromPeer)) })
	var streams []string
	viewer.bus.On(events.RemoteVideo, func(p any) {
		streams = append(streams, p.(mediacall.StreamEvent).PeerID)
	})

	require.NoError(t, viewer.RequestVideoFromPeer("cam"))
	require.Len(t, requests, 1)
	require.Equal(t, "viewer", requests[0].Payload.(*proto.VideoRequest).RequesterID)

	// The camera owner reacts by starting its stream.
	require.NoError(t, cam.StartVideoStream(context.Background()))
	require.Equal(t, []string{"cam"}, streams)

	cam.StopVideoStream()
	require.Equal(t, []string{"viewer"}, cam.Peers(), "data connections survive call teardown")
}

func TestHeartbeatTouchesPeerStore(t *testing.T) {
	net := transporttest.NewNetwork()
	a := newTestMesh(t, net, "device-a", Options{})
	b := newTestMesh(t, net, "device-b", Options{HeartbeatInterval: 5 * time.Second})

	a.CreateRoom()
	require.NoError(t, b.JoinRoom(context.Background(), "device-a"))

	require.Eventually(t, func() bool {
		b.clk.Add(5 * time.Second)
		for _, id := range a.store.touchedPeers() {
			if id == "device-b" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
