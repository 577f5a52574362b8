// Package bridge exposes the event bus to UI collaborators over a local
// websocket. Presentation stays out of scope; this is only the event
// surface, with a bounded replay window so a UI that attaches late still
// sees recent chat and alerts.
package bridge

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/storage"
	"github.com/watchmesh/watchmesh/internal/util"
)

// cachedPeersEvent carries the persistent peer cache to each new client,
// ahead of replayed and live traffic. It never appears on the bus.
const cachedPeersEvent = "cached-peers"

const (
	replayWindow  = 50
	clientBuffer  = 64
	writeDeadline = 5 * time.Second
)

// forwarded is every bus event the bridge streams to clients.
var forwarded = []string{
	events.PeerConnected,
	events.PeerDisconnected,
	events.PeerError,
	events.ConnectionProgress,
	events.RoomCreated,
	events.RemoteDetection,
	events.RemoteAlert,
	events.DeviceInfo,
	events.ChatMessage,
	events.WalkieStatus,
	events.ViewSwitch,
	events.VideoRequest,
	events.Message,
	events.RemoteAudio,
	events.AudioEnded,
	events.AudioError,
	events.RemoteVideo,
	events.VideoEnded,
	events.VideoError,
}

// replayed events are kept in the ring buffer and sent to every new
// client before live traffic.
var replayed = map[string]bool{
	events.ChatMessage: true,
	events.RemoteAlert: true,
}

type wireEvent struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan wireEvent
}

// PeerLister supplies the cached peer list for new clients. *storage.DB
// satisfies it.
type PeerLister interface {
	ListPeers() ([]storage.CachedPeer, error)
}

// Server streams bus events to websocket clients on /events.
type Server struct {
	bus      *events.Bus
	peers    PeerLister
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	replay  *util.RingBuffer[wireEvent]
	offs    []func()

	srv *http.Server
}

// New creates a bridge bound to the bus. A nil peers lister disables the
// cached-peers snapshot. Start must be called to serve.
func New(bus *events.Bus, peers PeerLister) *Server {
	s := &Server{
		bus:     bus,
		peers:   peers,
		clients: make(map[*client]struct{}),
		replay:  util.NewRingBuffer[wireEvent](replayWindow),
		upgrader: websocket.Upgrader{
			// Local-only surface; the listener binds loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, name := range forwarded {
		name := name
		off := bus.On(name, func(payload any) { s.publish(name, payload) })
		s.offs = append(s.offs, off)
	}
	return s
}

func (s *Server) publish(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("BRIDGE: drop %s event: %v", event, err)
		return
	}
	we := wireEvent{Event: event, Payload: raw, Timestamp: time.Now().UnixMilli()}

	s.mu.Lock()
	if replayed[event] {
		s.replay.Push(we)
	}
	for c := range s.clients {
		select {
		case c.send <- we:
		default:
			// Slow client: drop it rather than block the bus.
			delete(s.clients, c)
			close(c.send)
		}
	}
	s.mu.Unlock()
}

// Start serves the websocket endpoint on addr until Close.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("BRIDGE: server: %v", err)
		}
	}()
	log.Printf("BRIDGE: listening on ws://%s/events", ln.Addr())
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan wireEvent, clientBuffer)}

	s.mu.Lock()
	backlog := s.replay.Last(replayWindow)
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	if we, ok := s.peersEvent(); ok {
		backlog = append([]wireEvent{we}, backlog...)
	}
	go s.writeLoop(c, backlog)

	// Discard inbound frames; the bridge is one-way. Read errors mean
	// the client went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(c)
				return
			}
		}
	}()
}

// peersEvent snapshots the persistent peer cache so a UI attaching late
// can render known devices before any live traffic arrives.
func (s *Server) peersEvent() (wireEvent, bool) {
	if s.peers == nil {
		return wireEvent{}, false
	}
	list, err := s.peers.ListPeers()
	if err != nil {
		log.Printf("BRIDGE: list cached peers: %v", err)
		return wireEvent{}, false
	}
	if list == nil {
		list = []storage.CachedPeer{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return wireEvent{}, false
	}
	return wireEvent{Event: cachedPeersEvent, Payload: raw, Timestamp: time.Now().UnixMilli()}, true
}

func (s *Server) writeLoop(c *client, backlog []wireEvent) {
	defer c.conn.Close()
	for _, we := range backlog {
		if err := s.write(c, we); err != nil {
			s.drop(c)
			return
		}
	}
	for we := range c.send {
		if err := s.write(c, we); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) write(c *client, we wireEvent) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteJSON(we)
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

// Close unsubscribes from the bus and stops the server.
func (s *Server) Close() error {
	for _, off := range s.offs {
		off()
	}
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	if s.srv != nil {
		return s.srv.Close()
	}
	return nil
}
