// Package mesh is the facade over the networking core: one explicitly
// constructed component wiring identity, connections, rooms, message
// dispatch and media calls over an injected transport, storage and
// clock. UI collaborators hold a reference to a Mesh and subscribe to
// its event bus.
package mesh

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/watchmesh/watchmesh/internal/capture"
	"github.com/watchmesh/watchmesh/internal/connman"
	"github.com/watchmesh/watchmesh/internal/dispatch"
	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/mediacall"
	"github.com/watchmesh/watchmesh/internal/proto"
	"github.com/watchmesh/watchmesh/internal/session"
	"github.com/watchmesh/watchmesh/internal/storage"
	"github.com/watchmesh/watchmesh/internal/transport"
)

// Store is the persistence surface the mesh needs. *storage.DB
// satisfies it.
type Store interface {
	GetMeta(key string) (string, bool)
	SetMeta(key, value string) error
	TouchPeer(deviceID string) error
	UpsertPeer(p storage.CachedPeer) error
}

// Options tunes the mesh.
type Options struct {
	Connect connman.Options

	// HeartbeatInterval between liveness broadcasts. Zero disables the
	// heartbeat loop.
	HeartbeatInterval time.Duration

	// OpenSource acquires capture devices; defaults to capture.Open.
	OpenSource mediacall.OpenSourceFunc

	// VideoDisabled refuses video calls in both directions.
	VideoDisabled bool
}

// Mesh is the assembled networking core.
type Mesh struct {
	bus   *events.Bus
	store Store
	conn  *connman.Manager
	sess  *session.Controller
	disp  *dispatch.Dispatcher
	calls *mediacall.Manager
	clk   clock.Clock

	hbInterval time.Duration
	cancel     context.CancelFunc
}

// New wires the core. Init must be called before any other method.
func New(tr transport.Transport, store Store, bus *events.Bus, clk clock.Clock, opts Options) *Mesh {
	openSource := opts.OpenSource
	if openSource == nil {
		openSource = capture.Open
	}

	conn := connman.New(tr, store, bus, clk, opts.Connect)
	disp := dispatch.New(conn, bus, func(deviceID string) {
		if err := store.TouchPeer(deviceID); err != nil {
			log.Printf("MESH: touch peer %s: %v", deviceID, err)
		}
	})
	calls := mediacall.New(conn, bus, openSource, mediacall.Options{
		VideoDisabled: opts.VideoDisabled,
	})

	return &Mesh{
		bus:        bus,
		store:      store,
		conn:       conn,
		sess:       session.NewController(conn, bus),
		disp:       disp,
		calls:      calls,
		clk:        clk,
		hbInterval: opts.HeartbeatInterval,
	}
}

// Init opens the local endpoint under the persisted device identity and
// starts the heartbeat loop.
func (m *Mesh) Init(ctx context.Context) error {
	m.conn.OnEnvelope(m.disp.HandleEnvelope)
	m.conn.OnCall(m.calls.HandleIncomingCall)

	if err := m.conn.Open(ctx); err != nil {
		return err
	}

	if m.hbInterval > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.heartbeatLoop(hbCtx)
	}

	log.Printf("MESH: up as device %s", m.conn.LocalID())
	return nil
}

func (m *Mesh) heartbeatLoop(ctx context.Context) {
	t := m.clk.Ticker(m.hbInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.disp.BroadcastHeartbeat(); err != nil {
				log.Printf("MESH: heartbeat: %v", err)
			}
		}
	}
}

// LocalID returns this device's mesh identifier.
func (m *Mesh) LocalID() string { return m.conn.LocalID() }

// Peers returns the identifiers of all open connections.
func (m *Mesh) Peers() []string { return m.conn.Peers() }

// CreateRoom makes this device a room host.
func (m *Mesh) CreateRoom() session.Room { return m.sess.CreateRoom() }

// JoinRoom connects to the host with retry; progress events stream on
// the bus while this blocks. The host is recorded in the peer cache so
// late-attaching UIs can see which room this device last joined.
func (m *Mesh) JoinRoom(ctx context.Context, hostID string) error {
	if err := m.sess.JoinRoom(ctx, hostID); err != nil {
		return err
	}
	if err := m.store.UpsertPeer(storage.CachedPeer{DeviceID: hostID, RoomID: hostID}); err != nil {
		log.Printf("MESH: cache host %s: %v", hostID, err)
	}
	return nil
}

// Room returns the active room, if any.
func (m *Mesh) Room() (session.Room, bool) { return m.sess.Room() }

// BroadcastDetection reports detected objects to every open peer.
func (m *Mesh) BroadcastDetection(threats []proto.Threat) error {
	return m.disp.BroadcastDetection(threats)
}

// BroadcastAlert raises a threat alert to every open peer.
func (m *Mesh) BroadcastAlert(level, message string) error {
	return m.disp.BroadcastAlert(level, message)
}

// BroadcastChatMessage sends a chat message; the sender observes its own
// message synchronously with IsLocal set.
func (m *Mesh) BroadcastChatMessage(text string) error {
	return m.disp.BroadcastChatMessage(text)
}

// BroadcastWalkieStatus announces push-to-talk state.
func (m *Mesh) BroadcastWalkieStatus(active bool) error {
	return m.disp.BroadcastWalkieStatus(active)
}

// BroadcastViewSwitch tells every device to show targetDevice's view.
// Host-only: a joiner gets ErrNotHost and nothing is sent.
func (m *Mesh) BroadcastViewSwitch(targetDevice string) error {
	if err := m.sess.RequireHost(); err != nil {
		return err
	}
	return m.disp.BroadcastViewSwitch(targetDevice)
}

// StartAudioBroadcast opens the microphone and calls every open peer.
func (m *Mesh) StartAudioBroadcast(ctx context.Context) error {
	return m.calls.StartBroadcast(ctx, transport.KindAudio)
}

// StopAudioBroadcast releases the microphone and ends all audio calls.
func (m *Mesh) StopAudioBroadcast() {
	m.calls.StopBroadcast(transport.KindAudio)
}

// StartVideoStream opens the camera and calls every open peer.
func (m *Mesh) StartVideoStream(ctx context.Context) error {
	return m.calls.StartBroadcast(ctx, transport.KindVideo)
}

// StopVideoStream releases the camera and ends all video calls.
func (m *Mesh) StopVideoStream() {
	m.calls.StopBroadcast(transport.KindVideo)
}

// RequestVideoFromPeer asks one peer to start streaming its camera. The
// target owns the camera, so it initiates the call; we only consume once
// remote-video fires for that peer.
func (m *Mesh) RequestVideoFromPeer(peerID string) error {
	return m.disp.SendVideoRequest(peerID)
}

// Disconnect tears the whole core down: heartbeat, media calls, every
// connection, the endpoint, and the active room.
func (m *Mesh) Disconnect() error {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.calls.Close()
	m.sess.Clear()
	return m.conn.Close()
}
