package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// sigMsg is one call-signaling message on the /watchmesh/callsig stream.
// The first message on a stream is always an offer carrying the call
// kind, so the callee can decide how to answer from metadata alone.
type sigMsg struct {
	Type      string                   `json:"type"` // offer|answer|ice|hangup
	From      string                   `json:"from,omitempty"`
	Kind      CallKind                 `json:"kind,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// newMediaPC builds a PeerConnection with default codecs and interceptors.
// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
// terminate the call.
func newMediaPC() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
}

func codecTypeFor(kind CallKind) webrtc.RTPCodecType {
	if kind == KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func codecCapFor(kind CallKind) webrtc.RTPCodecCapability {
	if kind == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func sampleDurationFor(kind CallKind) time.Duration {
	if kind == KindVideo {
		return time.Second / 30
	}
	return 20 * time.Millisecond
}

// Call places an outbound media call to targetID.
func (ep *libp2pEndpoint) Call(ctx context.Context, targetID string, src MediaSource, meta CallMeta) (Call, error) {
	if strings.TrimSpace(targetID) == "" || targetID == ep.localID {
		return nil, fmt.Errorf("call %q: %w", targetID, ErrInvalidTarget)
	}
	if ep.ctx.Err() != nil {
		return nil, ErrClosed
	}
	meta.From = ep.localID

	info, err := ep.resolve(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := ep.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("dial %s for call: %w", targetID, err)
	}
	s, err := ep.host.NewStream(ctx, info.ID, protocol.ID(CallSigProtoID))
	if err != nil {
		return nil, fmt.Errorf("open signaling stream to %s: %w", targetID, err)
	}

	c, err := newRTCCall(targetID, meta, s)
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	if err := c.attachLocal(src); err != nil {
		c.teardown(false)
		return nil, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.teardown(false)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.teardown(false)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.sendSig(sigMsg{Type: "offer", From: ep.localID, Kind: meta.Kind, SDP: offer.SDP}); err != nil {
		c.teardown(false)
		return nil, err
	}

	go c.sigLoop()
	log.Printf("CALL [%s→%s]: %s call offered", ep.localID, targetID, meta.Kind)
	return c, nil
}

// handleCallStream accepts an inbound signaling stream. The stream's
// first message must be an offer; everything else is a protocol error.
func (ep *libp2pEndpoint) handleCallStream(s network.Stream) {
	dec := json.NewDecoder(bufio.NewReader(s))
	var offer sigMsg
	if err := dec.Decode(&offer); err != nil || offer.Type != "offer" || offer.From == "" {
		log.Printf("CALL: bad signaling stream from %s", s.Conn().RemotePeer())
		_ = s.Reset()
		return
	}

	ep.handlerMu.RLock()
	fn := ep.onCall
	ep.handlerMu.RUnlock()
	if fn == nil {
		log.Printf("CALL: incoming %s call from %s with no handler, rejecting", offer.Kind, offer.From)
		_ = s.Reset()
		return
	}

	fn(&inboundCall{s: s, dec: dec, offer: offer})
}

// inboundCall is an offered call waiting for Answer or Reject.
type inboundCall struct {
	s     network.Stream
	dec   *json.Decoder
	offer sigMsg

	mu      sync.Mutex
	decided bool
}

func (ic *inboundCall) PeerID() string { return ic.offer.From }

func (ic *inboundCall) Meta() CallMeta {
	return CallMeta{Kind: ic.offer.Kind, From: ic.offer.From}
}

func (ic *inboundCall) Answer(src MediaSource) (Call, error) {
	ic.mu.Lock()
	if ic.decided {
		ic.mu.Unlock()
		return nil, fmt.Errorf("call from %s already answered or rejected", ic.offer.From)
	}
	ic.decided = true
	ic.mu.Unlock()

	c, err := newRTCCall(ic.offer.From, ic.Meta(), ic.s)
	if err != nil {
		_ = ic.s.Reset()
		return nil, err
	}
	c.dec = ic.dec

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  ic.offer.SDP,
	}); err != nil {
		c.teardown(false)
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	if err := c.attachLocal(src); err != nil {
		c.teardown(false)
		return nil, err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.teardown(false)
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.teardown(false)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.sendSig(sigMsg{Type: "answer", SDP: answer.SDP}); err != nil {
		c.teardown(false)
		return nil, err
	}

	go c.sigLoop()
	return c, nil
}

func (ic *inboundCall) Reject() error {
	ic.mu.Lock()
	if ic.decided {
		ic.mu.Unlock()
		return nil
	}
	ic.decided = true
	ic.mu.Unlock()

	enc := json.NewEncoder(ic.s)
	_ = enc.Encode(sigMsg{Type: "hangup"})
	return ic.s.Close()
}

// rtcCall is an active WebRTC call bound to one signaling stream.
type rtcCall struct {
	peerID string
	meta   CallMeta
	pc     *webrtc.PeerConnection
	s      network.Stream

	writeMu sync.Mutex
	enc     *json.Encoder
	dec     *json.Decoder

	mu             sync.Mutex
	onStream       func(RemoteStream)
	onClose        func()
	onError        func(error)
	pendingStreams []RemoteStream
	reader         FrameReader
	ended          bool

	closeOnce sync.Once
	fireOnce  sync.Once
	pliOnce   sync.Once
}

func newRTCCall(peerID string, meta CallMeta, s network.Stream) (*rtcCall, error) {
	pc, err := newMediaPC()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &rtcCall{
		peerID: peerID,
		meta:   meta,
		pc:     pc,
		s:      s,
		enc:    json.NewEncoder(s),
		dec:    json.NewDecoder(bufio.NewReader(s)),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		_ = c.sendSig(sigMsg{Type: "ice", Candidate: &init})
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := KindAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		c.deliverStream(&remoteTrack{peerID: c.peerID, kind: kind, tr: tr})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.fail(fmt.Errorf("call to %s: connection failed", c.peerID))
		case webrtc.PeerConnectionStateClosed:
			c.teardown(false)
		}
	})

	return c, nil
}

// attachLocal wires the local media source into the call, or adds a
// recvonly transceiver when there is none so the SDP still carries a
// valid m-line for the call's kind.
func (c *rtcCall) attachLocal(src MediaSource) error {
	if src == nil {
		_, err := c.pc.AddTransceiverFromKind(codecTypeFor(c.meta.Kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add recvonly transceiver: %w", err)
		}
		return nil
	}

	reader, err := src.NewReader()
	if err != nil {
		return fmt.Errorf("open media reader: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(codecCapFor(c.meta.Kind), string(c.meta.Kind), "watchmesh")
	if err != nil {
		_ = reader.Close()
		return fmt.Errorf("create local track: %w", err)
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		_ = reader.Close()
		return fmt.Errorf("add local track: %w", err)
	}

	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	go c.drainRTCP(sender)
	go c.pumpFrames(reader, track)
	return nil
}

// pumpFrames feeds encoded frames from the capture reader into the track
// until either side ends.
func (c *rtcCall) pumpFrames(reader FrameReader, track *webrtc.TrackLocalStaticSample) {
	dur := sampleDurationFor(c.meta.Kind)
	for {
		data, release, err := reader.ReadFrame()
		if err != nil {
			return
		}
		werr := track.WriteSample(media.Sample{Data: data, Duration: dur})
		if release != nil {
			release()
		}
		if werr != nil {
			return
		}
	}
}

// drainRTCP keeps reading sender feedback so interceptors stay fed.
// Keyframe requests are logged once per call for diagnostics.
func (c *rtcCall) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				c.pliOnce.Do(func() {
					log.Printf("CALL [%s]: remote requested a keyframe", c.peerID)
				})
			}
		}
	}
}

func (c *rtcCall) deliverStream(rs RemoteStream) {
	c.mu.Lock()
	fn := c.onStream
	if fn == nil {
		c.pendingStreams = append(c.pendingStreams, rs)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(rs)
}

func (c *rtcCall) sendSig(m sigMsg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("signal %s to %s: %w", m.Type, c.peerID, err)
	}
	return nil
}

// sigLoop routes inbound signaling until the stream dies.
func (c *rtcCall) sigLoop() {
	for {
		var m sigMsg
		if err := c.dec.Decode(&m); err != nil {
			c.teardown(false)
			return
		}
		switch m.Type {
		case "answer":
			if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  m.SDP,
			}); err != nil {
				c.fail(fmt.Errorf("set remote answer from %s: %w", c.peerID, err))
				return
			}
		case "ice":
			if m.Candidate != nil {
				if err := c.pc.AddICECandidate(*m.Candidate); err != nil {
					log.Printf("CALL [%s]: add ICE candidate: %v", c.peerID, err)
				}
			}
		case "hangup":
			c.teardown(false)
			return
		}
	}
}

func (c *rtcCall) PeerID() string { return c.peerID }
func (c *rtcCall) Meta() CallMeta { return c.meta }

func (c *rtcCall) OnStream(fn func(RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	queued := c.pendingStreams
	c.pendingStreams = nil
	c.mu.Unlock()
	for _, rs := range queued {
		fn(rs)
	}
}

// OnClose registers the close handler; it fires immediately when the
// call already ended.
func (c *rtcCall) OnClose(fn func()) {
	c.mu.Lock()
	ended := c.ended
	c.onClose = fn
	c.mu.Unlock()
	if ended {
		fn()
	}
}

func (c *rtcCall) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *rtcCall) fail(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	c.teardown(false)
}

// teardown closes everything exactly once. When hangup is true a hangup
// signal is sent first so the far side ends promptly instead of waiting
// for ICE to time out.
func (c *rtcCall) teardown(hangup bool) {
	c.closeOnce.Do(func() {
		if hangup {
			_ = c.sendSig(sigMsg{Type: "hangup"})
		}
		c.mu.Lock()
		reader := c.reader
		c.mu.Unlock()
		if reader != nil {
			_ = reader.Close()
		}
		_ = c.pc.Close()
		_ = c.s.Close()
	})
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

func (c *rtcCall) Close() error {
	c.teardown(true)
	return nil
}

// remoteTrack adapts a pion remote track into a RemoteStream of encoded
// frame payloads.
type remoteTrack struct {
	peerID string
	kind   CallKind
	tr     *webrtc.TrackRemote
}

func (t *remoteTrack) PeerID() string { return t.peerID }
func (t *remoteTrack) Kind() CallKind { return t.kind }

func (t *remoteTrack) ReadFrame() ([]byte, error) {
	var pkt *rtp.Packet
	for {
		var err error
		pkt, _, err = t.tr.ReadRTP()
		if err != nil {
			return nil, err
		}
		// Padding-only packets carry no media.
		if len(pkt.Payload) == 0 {
			continue
		}
		return pkt.Payload, nil
	}
}

func (t *remoteTrack) Close() error { return nil }
