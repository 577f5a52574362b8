package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/watchmesh/watchmesh/internal/proto"
)

// connHeader is the one-line identity exchange at the start of every
// message stream. The dialer writes first, the acceptor answers.
type connHeader struct {
	DeviceID string `json:"deviceId"`
}

// streamConn adapts one libp2p stream into a Conn. Envelopes travel as
// newline-delimited JSON on a persistent stream.
type streamConn struct {
	peerID string
	s      network.Stream

	writeMu sync.Mutex
	enc     *json.Encoder
	dec     *json.Decoder

	mu      sync.Mutex
	onData  func(*proto.Envelope)
	onClose func()
	onError func(error)
	pending []*proto.Envelope
	started bool
	ended   bool

	closeOnce sync.Once
	fireOnce  sync.Once
}

// dialConn performs the outbound side of the header exchange and starts
// the read loop. expectPeer is the device identifier we dialed; a stream
// answered by a different identifier is rejected.
func dialConn(s network.Stream, localID, expectPeer string) (*streamConn, error) {
	enc := json.NewEncoder(s)
	dec := json.NewDecoder(bufio.NewReader(s))

	if err := enc.Encode(connHeader{DeviceID: localID}); err != nil {
		return nil, fmt.Errorf("send identity header: %w", err)
	}
	var hdr connHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("read identity header: %w", err)
	}
	if hdr.DeviceID != expectPeer {
		return nil, fmt.Errorf("dialed %s but stream answered as %s", expectPeer, hdr.DeviceID)
	}

	c := &streamConn{peerID: hdr.DeviceID, s: s, enc: enc, dec: dec}
	c.start()
	return c, nil
}

// acceptConn performs the inbound side of the header exchange. The read
// loop is started by the caller once its handlers are attached.
func acceptConn(s network.Stream, localID string) (*streamConn, error) {
	enc := json.NewEncoder(s)
	dec := json.NewDecoder(bufio.NewReader(s))

	var hdr connHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("read identity header: %w", err)
	}
	if hdr.DeviceID == "" {
		return nil, fmt.Errorf("inbound stream sent empty identity header")
	}
	if err := enc.Encode(connHeader{DeviceID: localID}); err != nil {
		return nil, fmt.Errorf("send identity header: %w", err)
	}

	return &streamConn{peerID: hdr.DeviceID, s: s, enc: enc, dec: dec}, nil
}

func (c *streamConn) PeerID() string { return c.peerID }

func (c *streamConn) Send(env *proto.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("send to %s: %w", c.peerID, err)
	}
	return nil
}

// OnData registers the envelope handler. Envelopes that arrived before a
// handler was attached are replayed in order.
func (c *streamConn) OnData(fn func(*proto.Envelope)) {
	c.mu.Lock()
	c.onData = fn
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, env := range queued {
		fn(env)
	}
}

// OnClose registers the close handler; it fires immediately when the
// connection already ended.
func (c *streamConn) OnClose(fn func()) {
	c.mu.Lock()
	ended := c.ended
	c.onClose = fn
	c.mu.Unlock()
	if ended {
		fn()
	}
}

func (c *streamConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// start launches the read loop. Idempotent.
func (c *streamConn) start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.readLoop()
}

func (c *streamConn) readLoop() {
	for {
		var env proto.Envelope
		if err := c.dec.Decode(&env); err != nil {
			c.mu.Lock()
			onErr := c.onError
			c.mu.Unlock()
			if onErr != nil && !errors.Is(err, io.EOF) {
				onErr(fmt.Errorf("read from %s: %w", c.peerID, err))
			}
			c.teardown()
			return
		}

		c.mu.Lock()
		fn := c.onData
		if fn == nil {
			if len(c.pending) < 64 {
				c.pending = append(c.pending, &env)
			}
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()
		fn(&env)
	}
}

// teardown closes the stream and fires OnClose exactly once.
func (c *streamConn) teardown() {
	c.closeOnce.Do(func() { _ = c.s.Close() })
	c.fireOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *streamConn) Close() error {
	c.teardown()
	return nil
}
