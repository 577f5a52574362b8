// Package transporttest provides an in-memory transport so the layers
// above can be tested without sockets, libp2p, or real timers.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/watchmesh/watchmesh/internal/proto"
	"github.com/watchmesh/watchmesh/internal/transport"
)

// Network is a process-local mesh. Every endpoint opened through it can
// dial every other by device identifier. DialErr, when set, is consulted
// on each Connect/Call so tests can inject failures.
type Network struct {
	mu  sync.Mutex
	eps map[string]*Endpoint

	// DialErr, when non-nil, is called before any dial. Returning a
	// non-nil error fails the dial with that error.
	DialErr func(from, to string) error
}

// NewNetwork creates an empty in-memory mesh.
func NewNetwork() *Network {
	return &Network{eps: make(map[string]*Endpoint)}
}

// Open implements transport.Transport.
func (n *Network) Open(_ context.Context, localID string) (transport.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if localID == "" {
		return nil, transport.ErrInvalidTarget
	}
	if _, ok := n.eps[localID]; ok {
		return nil, transport.ErrIDTaken
	}
	ep := &Endpoint{net: n, localID: localID}
	n.eps[localID] = ep
	return ep, nil
}

func (n *Network) get(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eps[id]
}

func (n *Network) remove(id string) {
	n.mu.Lock()
	delete(n.eps, id)
	n.mu.Unlock()
}

// TakeDown simulates a transport-level outage on one endpoint: it is
// removed from the mesh and its OnDown handler fires with err.
func (n *Network) TakeDown(deviceID string, err error) {
	ep := n.get(deviceID)
	if ep == nil {
		return
	}
	n.remove(deviceID)
	ep.mu.Lock()
	down := ep.onDown
	ep.mu.Unlock()
	if down != nil {
		down(err)
	}
}

// Endpoint is one in-memory device presence.
type Endpoint struct {
	net     *Network
	localID string

	mu           sync.Mutex
	onConnection func(transport.Conn)
	onCall       func(transport.IncomingCall)
	onDown       func(error)
	closed       bool
}

func (ep *Endpoint) LocalID() string { return ep.localID }

func (ep *Endpoint) OnConnection(fn func(transport.Conn)) {
	ep.mu.Lock()
	ep.onConnection = fn
	ep.mu.Unlock()
}

func (ep *Endpoint) OnCall(fn func(transport.IncomingCall)) {
	ep.mu.Lock()
	ep.onCall = fn
	ep.mu.Unlock()
}

func (ep *Endpoint) OnDown(fn func(error)) {
	ep.mu.Lock()
	ep.onDown = fn
	ep.mu.Unlock()
}

func (ep *Endpoint) dialCheck(targetID string) (*Endpoint, error) {
	if targetID == "" || targetID == ep.localID {
		return nil, fmt.Errorf("dial %q: %w", targetID, transport.ErrInvalidTarget)
	}
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	if fn := ep.net.DialErr; fn != nil {
		if err := fn(ep.localID, targetID); err != nil {
			return nil, err
		}
	}
	remote := ep.net.get(targetID)
	if remote == nil {
		return nil, fmt.Errorf("device %s not found on mesh", targetID)
	}
	return remote, nil
}

// Connect dials targetID and hands the far side to its OnConnection
// handler synchronously, so tests observe a fully wired pair on return.
func (ep *Endpoint) Connect(_ context.Context, targetID string) (transport.Conn, error) {
	remote, err := ep.dialCheck(targetID)
	if err != nil {
		return nil, err
	}

	local := &Conn{peerID: targetID}
	far := &Conn{peerID: ep.localID}
	local.peer = far
	far.peer = local

	remote.mu.Lock()
	fn := remote.onConnection
	remote.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("device %s refused connection", targetID)
	}
	fn(far)
	return local, nil
}

// Call places an in-memory media call.
func (ep *Endpoint) Call(_ context.Context, targetID string, src transport.MediaSource, meta transport.CallMeta) (transport.Call, error) {
	remote, err := ep.dialCheck(targetID)
	if err != nil {
		return nil, err
	}
	meta.From = ep.localID

	caller := &Call{peerID: targetID, meta: meta, src: src}
	callee := &Call{peerID: ep.localID, meta: meta}
	caller.peer = callee
	callee.peer = caller

	remote.mu.Lock()
	fn := remote.onCall
	remote.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("device %s does not accept calls", targetID)
	}
	fn(&IncomingCall{call: callee})
	return caller, nil
}

func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	ep.closed = true
	ep.mu.Unlock()
	ep.net.remove(ep.localID)
	return nil
}

// Conn is one half of an in-memory connection pair. Send delivers to the
// peer half synchronously; envelopes arriving before OnData is attached
// are buffered and replayed.
type Conn struct {
	peerID string
	peer   *Conn

	mu      sync.Mutex
	onData  func(*proto.Envelope)
	onClose func()
	onError func(error)
	pending []*proto.Envelope
	closed  bool
}

func (c *Conn) PeerID() string { return c.peerID }

func (c *Conn) Send(env *proto.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.mu.Unlock()
	c.peer.deliver(env)
	return nil
}

func (c *Conn) deliver(env *proto.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn := c.onData
	if fn == nil {
		c.pending = append(c.pending, env)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(env)
}

func (c *Conn) OnData(fn func(*proto.Envelope)) {
	c.mu.Lock()
	c.onData = fn
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, env := range queued {
		fn(env)
	}
}

// OnClose registers the close handler. If the pair already closed, fn
// fires immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// FailWith fires the connection's error handler and closes both halves,
// simulating a transport fault mid-connection.
func (c *Conn) FailWith(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	_ = c.Close()
}

func (c *Conn) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// IncomingCall wraps the callee half of a call pair until it is answered
// or rejected.
type IncomingCall struct {
	call *Call

	mu      sync.Mutex
	decided bool
}

func (ic *IncomingCall) PeerID() string           { return ic.call.peerID }
func (ic *IncomingCall) Meta() transport.CallMeta { return ic.call.meta }

func (ic *IncomingCall) Answer(src transport.MediaSource) (transport.Call, error) {
	ic.mu.Lock()
	if ic.decided {
		ic.mu.Unlock()
		return nil, fmt.Errorf("call from %s already decided", ic.call.peerID)
	}
	ic.decided = true
	ic.mu.Unlock()

	ic.call.src = src
	ic.call.start()
	ic.call.peer.start()
	return ic.call, nil
}

func (ic *IncomingCall) Reject() error {
	ic.mu.Lock()
	if ic.decided {
		ic.mu.Unlock()
		return nil
	}
	ic.decided = true
	ic.mu.Unlock()
	_ = ic.call.Close()
	return nil
}

// Call is one half of an in-memory call pair. Once answered, each half
// with a media source pumps frames into a RemoteStream delivered to the
// other half.
type Call struct {
	peerID string
	meta   transport.CallMeta
	peer   *Call
	src    transport.MediaSource

	mu            sync.Mutex
	onStream      func(transport.RemoteStream)
	onClose       func()
	onError       func(error)
	pendingStream []transport.RemoteStream
	started       bool
	closed        bool
}

func (c *Call) PeerID() string           { return c.peerID }
func (c *Call) Meta() transport.CallMeta { return c.meta }

// start begins pumping this half's source (if any) to the peer half.
func (c *Call) start() {
	c.mu.Lock()
	if c.started || c.src == nil {
		c.mu.Unlock()
		return
	}
	c.started = true
	src := c.src
	c.mu.Unlock()

	reader, err := src.NewReader()
	if err != nil {
		c.FailWith(err)
		return
	}
	rs := &Stream{peerID: c.peer.peerID, kind: c.meta.Kind, frames: make(chan []byte, 16)}
	c.peer.deliverStream(rs)
	go func() {
		defer close(rs.frames)
		defer reader.Close()
		for {
			data, release, err := reader.ReadFrame()
			if err != nil {
				return
			}
			frame := make([]byte, len(data))
			copy(frame, data)
			if release != nil {
				release()
			}
			select {
			case rs.frames <- frame:
			case <-rs.done():
				return
			}
		}
	}()
}

func (c *Call) deliverStream(rs transport.RemoteStream) {
	c.mu.Lock()
	fn := c.onStream
	if fn == nil {
		c.pendingStream = append(c.pendingStream, rs)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(rs)
}

func (c *Call) OnStream(fn func(transport.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	queued := c.pendingStream
	c.pendingStream = nil
	c.mu.Unlock()
	for _, rs := range queued {
		fn(rs)
	}
}

// OnClose registers the close handler. If the call already ended (a
// reject can complete before the caller attaches handlers), fn fires
// immediately.
func (c *Call) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Call) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// FailWith fires the error handler on this half and closes the call.
func (c *Call) FailWith(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	_ = c.Close()
}

func (c *Call) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *Call) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stream delivers frames pushed by the far half of a call.
type Stream struct {
	peerID string
	kind   transport.CallKind
	frames chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	initOnce  sync.Once
}

func (s *Stream) done() chan struct{} {
	s.initOnce.Do(func() { s.closed = make(chan struct{}) })
	return s.closed
}

func (s *Stream) PeerID() string           { return s.peerID }
func (s *Stream) Kind() transport.CallKind { return s.kind }

func (s *Stream) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-s.done():
		return nil, io.EOF
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done()) })
	return nil
}

// StaticSource is a MediaSource that serves a fixed frame repeatedly.
// Readers never block, making pump behavior deterministic in tests.
type StaticSource struct {
	kind  transport.CallKind
	frame []byte

	mu      sync.Mutex
	readers int
	closed  bool
}

// NewStaticSource creates a source of the given kind serving frame.
func NewStaticSource(kind transport.CallKind, frame []byte) *StaticSource {
	return &StaticSource{kind: kind, frame: frame}
}

func (s *StaticSource) Kind() transport.CallKind { return s.kind }

// Readers reports how many readers have been opened, so tests can assert
// fan-out.
func (s *StaticSource) Readers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers
}

// Closed reports whether Close was called.
func (s *StaticSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StaticSource) NewReader() (transport.FrameReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	s.readers++
	return &staticReader{src: s}, nil
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type staticReader struct {
	src *StaticSource

	mu     sync.Mutex
	closed bool
}

func (r *staticReader) ReadFrame() ([]byte, func(), error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed || r.src.Closed() {
		return nil, nil, io.EOF
	}
	return r.src.frame, func() {}, nil
}

func (r *staticReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
