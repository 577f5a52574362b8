package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

const (
	// MsgProtoID carries the ndjson envelope channel between two devices.
	MsgProtoID = "/watchmesh/msg/1.0.0"

	// CallSigProtoID carries call signaling (offer/answer/ICE/hangup).
	CallSigProtoID = "/watchmesh/callsig/1.0.0"
)

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// LibP2POptions configures the libp2p transport.
type LibP2POptions struct {
	KeyFile        string
	ListenPort     int
	DirectoryTopic string
	MdnsTag        string

	// ClaimWindow is how long Open listens for a conflicting identifier
	// claim before considering the local identifier ours.
	ClaimWindow time.Duration

	// AnnounceInterval is how often the claim is re-published so late
	// joiners learn our addresses.
	AnnounceInterval time.Duration
}

func (o *LibP2POptions) withDefaults() LibP2POptions {
	out := *o
	if out.DirectoryTopic == "" {
		out.DirectoryTopic = "watchmesh.directory.v1"
	}
	if out.MdnsTag == "" {
		out.MdnsTag = "watchmesh-mdns"
	}
	if out.ClaimWindow <= 0 {
		out.ClaimWindow = 2 * time.Second
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = 5 * time.Second
	}
	return out
}

// LibP2P is the production Transport: libp2p streams for data, GossipSub
// for the device directory, WebRTC for media calls.
type LibP2P struct {
	opts LibP2POptions
}

// NewLibP2P creates the libp2p transport factory.
func NewLibP2P(opts LibP2POptions) *LibP2P {
	return &LibP2P{opts: opts.withDefaults()}
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent transport key from disk, or
// generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("WARNING: corrupt transport key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal transport key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save transport key: %w", err)
	}
	return priv, nil
}

// Open brings up the local endpoint under localID. It publishes an
// identifier claim and listens for ClaimWindow; if an older claim for the
// same identifier is seen, the endpoint is torn down and ErrIDTaken
// returned so the caller can regenerate its identity.
func (t *LibP2P) Open(ctx context.Context, localID string) (Endpoint, error) {
	if strings.TrimSpace(localID) == "" {
		return nil, ErrInvalidTarget
	}

	priv, err := loadOrCreateKey(t.opts.KeyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", t.opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, t.opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(t.opts.DirectoryTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	epCtx, cancel := context.WithCancel(context.Background())
	ep := &libp2pEndpoint{
		localID:    localID,
		host:       h,
		topic:      topic,
		sub:        sub,
		dir:        newDirectory(),
		claimedAt:  time.Now().UnixMilli(),
		interval:   t.opts.AnnounceInterval,
		conflictCh: make(chan struct{}),
		ctx:        epCtx,
		cancel:     cancel,
	}

	h.SetStreamHandler(protocol.ID(MsgProtoID), ep.handleMsgStream)
	h.SetStreamHandler(protocol.ID(CallSigProtoID), ep.handleCallStream)

	go ep.directoryLoop()
	ep.announce(false)

	// Listen briefly for a conflicting claim before committing to the id.
	select {
	case <-time.After(t.opts.ClaimWindow):
	case <-ctx.Done():
		_ = ep.Close()
		return nil, ctx.Err()
	case <-ep.conflictCh:
		_ = ep.Close()
		return nil, ErrIDTaken
	}

	go ep.announceLoop()
	log.Printf("TRANSPORT: endpoint open, device %s, peer %s", localID, h.ID())
	return ep, nil
}

type libp2pEndpoint struct {
	localID   string
	host      host.Host
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	dir       *directory
	claimedAt int64
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	handlerMu    sync.RWMutex
	onConnection func(Conn)
	onCall       func(IncomingCall)
	onDown       func(error)

	conflictOnce sync.Once
	conflictCh   chan struct{}

	closeOnce sync.Once
}

func (ep *libp2pEndpoint) LocalID() string { return ep.localID }

func (ep *libp2pEndpoint) OnConnection(fn func(Conn)) {
	ep.handlerMu.Lock()
	ep.onConnection = fn
	ep.handlerMu.Unlock()
}

func (ep *libp2pEndpoint) OnCall(fn func(IncomingCall)) {
	ep.handlerMu.Lock()
	ep.onCall = fn
	ep.handlerMu.Unlock()
}

func (ep *libp2pEndpoint) OnDown(fn func(error)) {
	ep.handlerMu.Lock()
	ep.onDown = fn
	ep.handlerMu.Unlock()
}

func (ep *libp2pEndpoint) signalConflict() {
	ep.conflictOnce.Do(func() { close(ep.conflictCh) })
}

// announce publishes our identifier claim (or a gone notice).
func (ep *libp2pEndpoint) announce(gone bool) {
	a := announcement{
		DeviceID:  ep.localID,
		PeerID:    ep.host.ID().String(),
		ClaimedAt: ep.claimedAt,
		Gone:      gone,
	}
	if !gone {
		a.Addrs = usableAddrs(ep.host.Addrs())
	}
	b, _ := json.Marshal(a)
	_ = ep.topic.Publish(ep.ctx, b)
}

func (ep *libp2pEndpoint) announceLoop() {
	t := time.NewTicker(ep.interval)
	defer t.Stop()
	for {
		select {
		case <-ep.ctx.Done():
			return
		case <-t.C:
			ep.announce(false)
		}
	}
}

// directoryLoop consumes directory announcements. A subscription error
// while the endpoint is still supposed to be up is a transport-level
// outage and fires OnDown.
func (ep *libp2pEndpoint) directoryLoop() {
	for {
		m, err := ep.sub.Next(ep.ctx)
		if err != nil {
			if ep.ctx.Err() == nil {
				ep.handlerMu.RLock()
				down := ep.onDown
				ep.handlerMu.RUnlock()
				if down != nil {
					down(fmt.Errorf("directory subscription lost: %w", err))
				}
			}
			return
		}

		var a announcement
		if err := json.Unmarshal(m.Data, &a); err != nil {
			continue
		}
		if a.DeviceID == "" || a.PeerID == "" {
			continue
		}
		if a.PeerID == ep.host.ID().String() {
			continue
		}

		if a.DeviceID == ep.localID {
			// Another peer claims our identifier. Oldest claim wins.
			if !a.Gone && olderClaim(a.ClaimedAt, a.PeerID, ep.claimedAt, ep.host.ID().String()) {
				ep.signalConflict()
			}
			continue
		}
		ep.dir.upsert(a)

		// Remember addresses so Connect can dial without another lookup.
		if info, ok := ep.dir.lookup(a.DeviceID); ok && len(info.Addrs) > 0 {
			ep.host.Peerstore().AddAddrs(info.ID, info.Addrs, ep.interval*4)
		}
	}
}

// Connect dials the device currently claiming targetID. The identifier is
// resolved through the directory; resolution polls until the ctx deadline
// so freshly announced devices are reachable.
func (ep *libp2pEndpoint) Connect(ctx context.Context, targetID string) (Conn, error) {
	if strings.TrimSpace(targetID) == "" || targetID == ep.localID {
		return nil, fmt.Errorf("dial %q: %w", targetID, ErrInvalidTarget)
	}
	if ep.ctx.Err() != nil {
		return nil, ErrClosed
	}

	info, err := ep.resolve(ctx, targetID)
	if err != nil {
		return nil, err
	}

	if err := ep.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("dial %s: %w", targetID, err)
	}

	s, err := ep.host.NewStream(ctx, info.ID, protocol.ID(MsgProtoID))
	if err != nil {
		return nil, fmt.Errorf("open message stream to %s: %w", targetID, err)
	}

	c, err := dialConn(s, ep.localID, targetID)
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	return c, nil
}

// resolve polls the directory for targetID until it appears or ctx ends.
func (ep *libp2pEndpoint) resolve(ctx context.Context, targetID string) (peer.AddrInfo, error) {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if info, ok := ep.dir.lookup(targetID); ok {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return peer.AddrInfo{}, fmt.Errorf("device %s not found on mesh: %w", targetID, ctx.Err())
		case <-ep.ctx.Done():
			return peer.AddrInfo{}, ErrClosed
		case <-tick.C:
		}
	}
}

// handleMsgStream accepts an inbound data connection. Any connection is
// accepted unconditionally; there is no allow-list at this layer.
func (ep *libp2pEndpoint) handleMsgStream(s network.Stream) {
	c, err := acceptConn(s, ep.localID)
	if err != nil {
		log.Printf("TRANSPORT: bad inbound stream from %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
		return
	}

	ep.handlerMu.RLock()
	fn := ep.onConnection
	ep.handlerMu.RUnlock()
	if fn == nil {
		log.Printf("TRANSPORT: inbound connection from %s with no handler, dropping", c.PeerID())
		_ = c.Close()
		return
	}
	fn(c)
	c.start()
}

func (ep *libp2pEndpoint) Close() error {
	var err error
	ep.closeOnce.Do(func() {
		ep.announce(true)
		ep.cancel()
		ep.sub.Cancel()
		err = ep.host.Close()
	})
	return err
}
