// Package connman owns the live peer connection set: opening the local
// endpoint under the device identity, the outward connect-with-retry
// state machine, unconditional inbound accept, and broadcast/unicast
// send.
package connman

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/identity"
	"github.com/watchmesh/watchmesh/internal/proto"
	"github.com/watchmesh/watchmesh/internal/transport"
)

// Options tunes the retry machine.
type Options struct {
	// MaxAttempts caps outward connection attempts per Connect call.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff: the wait before attempt
	// k+1 is BaseDelay * 2^(k-1).
	BaseDelay time.Duration

	// ConnectTimeout bounds a single attempt. Long enough for relayed
	// NAT traversal.
	ConnectTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 2 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	return out
}

// Progress is the payload of connection-progress events.
type Progress struct {
	PeerID      string `json:"peerId"`
	Status      string `json:"status"` // connecting|retrying|connected
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
}

// PeerEvent is the payload of peer-connected and peer-disconnected.
type PeerEvent struct {
	PeerID string `json:"peerId"`
}

// PeerErrorEvent is the payload of peer-error.
type PeerErrorEvent struct {
	PeerID string `json:"peerId"`
	Err    error  `json:"-"`
}

// Manager drives the connection lifecycle. All exported methods are safe
// for concurrent use.
type Manager struct {
	tr    transport.Transport
	store identity.Store
	bus   *events.Bus
	clk   clock.Clock
	opts  Options

	mu      sync.Mutex
	ep      transport.Endpoint
	localID string
	conns   map[string]transport.Conn
	closed  bool

	onEnvelope func(peerID string, env *proto.Envelope)
	onCall     func(transport.IncomingCall)
}

// New creates a Manager. Open must be called before anything else.
func New(tr transport.Transport, store identity.Store, bus *events.Bus, clk clock.Clock, opts Options) *Manager {
	return &Manager{
		tr:    tr,
		store: store,
		bus:   bus,
		clk:   clk,
		opts:  opts.withDefaults(),
		conns: make(map[string]transport.Conn),
	}
}

// LocalID returns the device identifier the endpoint is open under.
func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// OnEnvelope registers the single consumer for inbound envelopes. Must
// be set before Open.
func (m *Manager) OnEnvelope(fn func(peerID string, env *proto.Envelope)) {
	m.mu.Lock()
	m.onEnvelope = fn
	m.mu.Unlock()
}

// OnCall registers the single consumer for inbound media calls. Must be
// set before Open.
func (m *Manager) OnCall(fn func(transport.IncomingCall)) {
	m.mu.Lock()
	m.onCall = fn
	m.mu.Unlock()
}

// Open brings up the local endpoint under the persisted device identity.
// If the identifier is already claimed on the mesh the identity is
// regenerated and opening retried once; a second collision is fatal.
func (m *Manager) Open(ctx context.Context) error {
	id, err := identity.GetOrCreate(m.store)
	if err != nil {
		return err
	}

	ep, err := m.tr.Open(ctx, id)
	if errors.Is(err, transport.ErrIDTaken) {
		log.Printf("CONNMAN: identifier %s already claimed, regenerating", id)
		id, err = identity.Regenerate(m.store)
		if err != nil {
			return err
		}
		ep, err = m.tr.Open(ctx, id)
		if errors.Is(err, transport.ErrIDTaken) {
			return fmt.Errorf("identifier %s claimed again after regeneration: %w", id, err)
		}
	}
	if err != nil {
		return fmt.Errorf("open endpoint: %w", err)
	}

	m.mu.Lock()
	m.ep = ep
	m.localID = id
	m.mu.Unlock()

	m.installHandlers(ep)
	return nil
}

func (m *Manager) installHandlers(ep transport.Endpoint) {
	ep.OnConnection(func(c transport.Conn) { m.adopt(c) })
	ep.OnDown(func(err error) {
		log.Printf("CONNMAN: endpoint down: %v", err)
		go m.reopen()
	})
	m.mu.Lock()
	onCall := m.onCall
	m.mu.Unlock()
	if onCall != nil {
		ep.OnCall(onCall)
	}
}

// reopen re-establishes the local endpoint after a transport-level
// outage. In-flight per-peer retry machines are untouched.
func (m *Manager) reopen() {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		id := m.localID
		m.mu.Unlock()

		ep, err := m.tr.Open(context.Background(), id)
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				_ = ep.Close()
				return
			}
			m.ep = ep
			m.mu.Unlock()
			m.installHandlers(ep)
			log.Printf("CONNMAN: endpoint reopened as %s", id)
			return
		}
		log.Printf("CONNMAN: endpoint reopen failed: %v", err)
		m.clk.Sleep(m.opts.BaseDelay)
	}
}

// Connect runs the outward retry machine against targetID. It returns
// once a connection is Open, or with a diagnostic error after the final
// failed attempt. Non-transient errors (invalid target) fail immediately.
func (m *Manager) Connect(ctx context.Context, targetID string) error {
	m.mu.Lock()
	ep := m.ep
	m.mu.Unlock()
	if ep == nil {
		return errors.New("endpoint not open")
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		m.bus.Emit(events.ConnectionProgress, Progress{
			PeerID:      targetID,
			Status:      "connecting",
			Attempt:     attempt,
			MaxAttempts: m.opts.MaxAttempts,
		})

		conn, err := m.dialOnce(ctx, ep, targetID)
		if err == nil {
			m.adopt(conn)
			m.bus.Emit(events.ConnectionProgress, Progress{
				PeerID:      targetID,
				Status:      "connected",
				Attempt:     attempt,
				MaxAttempts: m.opts.MaxAttempts,
			})
			return nil
		}
		lastErr = err

		if errors.Is(err, transport.ErrInvalidTarget) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("connect to %s: %w", targetID, ctx.Err())
		}
		if attempt == m.opts.MaxAttempts {
			break
		}

		delay := m.opts.BaseDelay << (attempt - 1)
		t := m.clk.Timer(delay)
		m.bus.Emit(events.ConnectionProgress, Progress{
			PeerID:      targetID,
			Status:      "retrying",
			Attempt:     attempt + 1,
			MaxAttempts: m.opts.MaxAttempts,
		})
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("connect to %s: %w", targetID, ctx.Err())
		}
	}

	return fmt.Errorf("could not reach %s after %d attempts (peer offline, "+
		"behind a restrictive firewall, or needs a relay): %w",
		targetID, m.opts.MaxAttempts, lastErr)
}

// dialOnce bounds a single attempt with the configured timeout, driven
// by the injected clock.
func (m *Manager) dialOnce(ctx context.Context, ep transport.Endpoint, targetID string) (transport.Conn, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := m.clk.Timer(m.opts.ConnectTimeout)
	defer t.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-t.C:
			cancel()
		case <-done:
		}
	}()

	return ep.Connect(actx, targetID)
}

// adopt registers an open connection (either direction), wires its
// handlers, sends the identity handshake, and fires peer-connected.
// Setup runs exactly once per physical connection; a duplicate
// connection for an already-registered peer replaces the old one.
func (m *Manager) adopt(c transport.Conn) {
	peerID := c.PeerID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close()
		return
	}
	if old, ok := m.conns[peerID]; ok && old == c {
		// Already adopted this physical connection.
		m.mu.Unlock()
		return
	} else if ok {
		defer old.Close()
	}
	m.conns[peerID] = c
	localID := m.localID
	onEnvelope := m.onEnvelope
	m.mu.Unlock()

	c.OnData(func(env *proto.Envelope) {
		if onEnvelope != nil {
			onEnvelope(peerID, env)
		}
	})
	c.OnError(func(err error) {
		m.bus.Emit(events.PeerError, PeerErrorEvent{PeerID: peerID, Err: err})
	})
	c.OnClose(func() {
		m.mu.Lock()
		current := m.conns[peerID] == c
		if current {
			delete(m.conns, peerID)
		}
		m.mu.Unlock()
		if !current {
			// Superseded by a newer connection; the peer is still here.
			return
		}
		m.bus.Emit(events.PeerDisconnected, PeerEvent{PeerID: peerID})
	})

	// Identity handshake so the far side learns who we are right away.
	env, err := proto.NewEnvelope(proto.TypeDeviceInfo, proto.DeviceInfo{
		DeviceID:  localID,
		Timestamp: proto.NowMillis(),
	})
	if err == nil {
		if err := c.Send(env); err != nil {
			log.Printf("CONNMAN: handshake to %s failed: %v", peerID, err)
		}
	}

	m.bus.Emit(events.PeerConnected, PeerEvent{PeerID: peerID})
}

// Broadcast sends the envelope to every Open connection. Peers in any
// other state are silently skipped; there is no store-and-forward.
func (m *Manager) Broadcast(env *proto.Envelope) {
	for _, c := range m.openConns() {
		if err := c.Send(env); err != nil {
			log.Printf("CONNMAN: broadcast to %s failed: %v", c.PeerID(), err)
		}
	}
}

// SendTo sends the envelope to one peer.
func (m *Manager) SendTo(peerID string, env *proto.Envelope) error {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open connection to %s", peerID)
	}
	return c.Send(env)
}

// Peers returns the identifiers of all Open connections.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

func (m *Manager) openConns() []transport.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Call places a media call through the current endpoint.
func (m *Manager) Call(ctx context.Context, targetID string, src transport.MediaSource, meta transport.CallMeta) (transport.Call, error) {
	m.mu.Lock()
	ep := m.ep
	m.mu.Unlock()
	if ep == nil {
		return nil, errors.New("endpoint not open")
	}
	return ep.Call(ctx, targetID, src, meta)
}

// Close tears down every connection and the endpoint.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]transport.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]transport.Conn)
	ep := m.ep
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if ep != nil {
		return ep.Close()
	}
	return nil
}
