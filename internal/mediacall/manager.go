// Package mediacall manages audio and video calls as a concern layered
// on top of (and independent of) the data connections: a failing call
// never tears down the peer connection it rides beside.
package mediacall

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/transport"
)

// ErrVideoDisabled is returned when video is attempted on a device
// configured with video disabled.
var ErrVideoDisabled = errors.New("video is disabled on this device")

// Caller is the slice of the connection manager the call manager needs.
type Caller interface {
	LocalID() string
	Peers() []string
	Call(ctx context.Context, targetID string, src transport.MediaSource, meta transport.CallMeta) (transport.Call, error)
}

// OpenSourceFunc acquires the local capture device for a kind.
// capture.Open in production, a fake in tests.
type OpenSourceFunc func(kind transport.CallKind) (transport.MediaSource, error)

// StreamEvent is the payload of remote-audio and remote-video.
type StreamEvent struct {
	PeerID string
	Kind   transport.CallKind
	Stream transport.RemoteStream
}

// EndedEvent is the payload of audio-ended and video-ended.
type EndedEvent struct {
	PeerID string
	Kind   transport.CallKind
}

// ErrorEvent is the payload of audio-error and video-error. Scoped to
// one call; the parent data connection is unaffected.
type ErrorEvent struct {
	PeerID string
	Kind   transport.CallKind
	Err    error
}

type callKey struct {
	peerID string
	kind   transport.CallKind
}

// Options tunes the call manager.
type Options struct {
	// VideoDisabled refuses video entirely: outbound video broadcasts
	// fail with ErrVideoDisabled and inbound video calls are rejected.
	VideoDisabled bool
}

// Manager tracks at most one call per kind per peer, plus the shared
// capture source per kind while broadcasting.
type Manager struct {
	caller        Caller
	bus           *events.Bus
	openSource    OpenSourceFunc
	videoDisabled bool

	mu      sync.Mutex
	calls   map[callKey]transport.Call
	sources map[transport.CallKind]transport.MediaSource
}

// New creates a Manager.
func New(caller Caller, bus *events.Bus, openSource OpenSourceFunc, opts Options) *Manager {
	return &Manager{
		caller:        caller,
		bus:           bus,
		openSource:    openSource,
		videoDisabled: opts.VideoDisabled,
		calls:         make(map[callKey]transport.Call),
		sources:       make(map[transport.CallKind]transport.MediaSource),
	}
}

// StartBroadcast acquires the capture device for kind and calls every
// currently open peer. Acquisition failure is surfaced immediately with
// no partial state; per-peer call failures emit scoped error events and
// the broadcast continues to the remaining peers.
func (m *Manager) StartBroadcast(ctx context.Context, kind transport.CallKind) error {
	if kind == transport.KindVideo && m.videoDisabled {
		return ErrVideoDisabled
	}
	m.mu.Lock()
	if _, active := m.sources[kind]; active {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	src, err := m.openSource(kind)
	if err != nil {
		return fmt.Errorf("start %s broadcast: %w", kind, err)
	}

	m.mu.Lock()
	if _, active := m.sources[kind]; active {
		// Lost the race with a concurrent start.
		m.mu.Unlock()
		_ = src.Close()
		return nil
	}
	m.sources[kind] = src
	m.mu.Unlock()

	meta := transport.CallMeta{Kind: kind, From: m.caller.LocalID()}
	for _, peerID := range m.caller.Peers() {
		m.mu.Lock()
		_, exists := m.calls[callKey{peerID: peerID, kind: kind}]
		m.mu.Unlock()
		if exists {
			continue
		}

		call, err := m.caller.Call(ctx, peerID, src, meta)
		if err != nil {
			log.Printf("MEDIACALL: %s call to %s failed: %v", kind, peerID, err)
			m.emitError(peerID, kind, err)
			continue
		}
		m.adopt(call, kind)
	}
	return nil
}

// StopBroadcast closes the shared capture source for kind and every
// outstanding call of that kind, for all peers at once.
func (m *Manager) StopBroadcast(kind transport.CallKind) {
	m.mu.Lock()
	src := m.sources[kind]
	delete(m.sources, kind)
	var closing []transport.Call
	for k, c := range m.calls {
		if k.kind == kind {
			closing = append(closing, c)
		}
	}
	m.mu.Unlock()

	if src != nil {
		_ = src.Close()
	}
	for _, c := range closing {
		_ = c.Close()
	}
}

// Broadcasting reports whether a capture source for kind is active.
func (m *Manager) Broadcasting(kind transport.CallKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[kind]
	return ok
}

// HandleIncomingCall answers any offered call. Video calls are answered
// with the local stream only while we are streaming ourselves; otherwise
// the answer carries no media and the caller's stream is still received.
// Audio follows the same pattern.
func (m *Manager) HandleIncomingCall(ic transport.IncomingCall) {
	kind := ic.Meta().Kind
	if kind != transport.KindAudio && kind != transport.KindVideo {
		log.Printf("MEDIACALL: rejecting call from %s with unknown kind %q", ic.PeerID(), kind)
		_ = ic.Reject()
		return
	}
	if kind == transport.KindVideo && m.videoDisabled {
		log.Printf("MEDIACALL: rejecting video call from %s, video disabled", ic.PeerID())
		_ = ic.Reject()
		return
	}

	m.mu.Lock()
	src := m.sources[kind]
	m.mu.Unlock()

	call, err := ic.Answer(src)
	if err != nil {
		log.Printf("MEDIACALL: answer %s call from %s failed: %v", kind, ic.PeerID(), err)
		m.emitError(ic.PeerID(), kind, err)
		return
	}
	m.adopt(call, kind)
}

// adopt registers a live call and wires its lifecycle to the bus. An
// existing call of the same kind for the same peer is replaced.
func (m *Manager) adopt(call transport.Call, kind transport.CallKind) {
	key := callKey{peerID: call.PeerID(), kind: kind}

	m.mu.Lock()
	old := m.calls[key]
	m.calls[key] = call
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	call.OnStream(func(rs transport.RemoteStream) {
		event := events.RemoteAudio
		if kind == transport.KindVideo {
			event = events.RemoteVideo
		}
		m.bus.Emit(event, StreamEvent{PeerID: call.PeerID(), Kind: kind, Stream: rs})
	})
	call.OnError(func(err error) {
		m.emitError(call.PeerID(), kind, err)
	})
	call.OnClose(func() {
		m.mu.Lock()
		current := m.calls[key] == call
		if current {
			delete(m.calls, key)
		}
		m.mu.Unlock()
		if !current {
			// Superseded by a newer call for the same peer and kind.
			return
		}

		event := events.AudioEnded
		if kind == transport.KindVideo {
			event = events.VideoEnded
		}
		m.bus.Emit(event, EndedEvent{PeerID: call.PeerID(), Kind: kind})
	})
}

func (m *Manager) emitError(peerID string, kind transport.CallKind, err error) {
	event := events.AudioError
	if kind == transport.KindVideo {
		event = events.VideoError
	}
	m.bus.Emit(event, ErrorEvent{PeerID: peerID, Kind: kind, Err: err})
}

// ActiveCalls returns how many calls of kind are live.
func (m *Manager) ActiveCalls(kind transport.CallKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.calls {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// Close stops both broadcasts and drops every remaining call.
func (m *Manager) Close() {
	m.StopBroadcast(transport.KindAudio)
	m.StopBroadcast(transport.KindVideo)
}
