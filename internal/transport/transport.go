// Package transport defines the capability surface the mesh core needs
// from the underlying peer-to-peer layer: opening a local endpoint under
// a device identifier, dialing remote identifiers, exchanging envelopes
// over established connections, and placing/answering media calls.
//
// The libp2p-backed implementation lives in this package too; tests use
// the in-memory implementation from transporttest.
package transport

import (
	"context"
	"errors"

	"github.com/watchmesh/watchmesh/internal/proto"
)

// CallKind distinguishes audio from video calls. Both ride the same call
// primitive; receivers tell them apart purely from call metadata.
type CallKind string

const (
	KindAudio CallKind = "audio"
	KindVideo CallKind = "video"
)

// CallMeta travels with the call offer so the callee can decide how to
// answer before any media flows.
type CallMeta struct {
	Kind CallKind `json:"kind"`
	From string   `json:"from"`
}

var (
	// ErrIDTaken is returned by Open when the chosen device identifier is
	// already claimed by a live device on the mesh.
	ErrIDTaken = errors.New("transport: identifier already claimed")

	// ErrInvalidTarget marks a malformed or self-referential target
	// identifier. It is non-transient: retrying cannot help.
	ErrInvalidTarget = errors.New("transport: invalid target identifier")

	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("transport: endpoint closed")
)

// Transport opens local endpoints. There is one Transport per process.
type Transport interface {
	Open(ctx context.Context, localID string) (Endpoint, error)
}

// Endpoint is a live local presence on the mesh.
type Endpoint interface {
	LocalID() string

	// Connect dials the device with the given identifier and returns an
	// established connection. A wrapped ErrInvalidTarget means the target
	// can never be reached and retrying is pointless; any other error is
	// treated as transient by the caller.
	Connect(ctx context.Context, targetID string) (Conn, error)

	// Call places a media call. src may be nil for a receive-only call.
	Call(ctx context.Context, targetID string, src MediaSource, meta CallMeta) (Call, error)

	// OnConnection registers the handler for inbound connections.
	OnConnection(fn func(Conn))

	// OnCall registers the handler for inbound media calls.
	OnCall(fn func(IncomingCall))

	// OnDown registers the handler fired when the endpoint itself loses
	// its transport-level footing (distinct from a single peer closing).
	OnDown(fn func(error))

	Close() error
}

// Conn is an established data connection to one peer.
type Conn interface {
	PeerID() string
	Send(env *proto.Envelope) error
	OnData(fn func(*proto.Envelope))
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// IncomingCall is an offered media call awaiting an answer.
type IncomingCall interface {
	PeerID() string
	Meta() CallMeta

	// Answer accepts the call. src may be nil; the caller's stream is
	// still received.
	Answer(src MediaSource) (Call, error)
	Reject() error
}

// Call is an active media call, outbound or answered.
type Call interface {
	PeerID() string
	Meta() CallMeta
	OnStream(fn func(RemoteStream))
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// FrameReader yields encoded media frames. release must be called when
// the frame data has been consumed.
type FrameReader interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// MediaSource is a local capture device feeding one or more calls.
// NewReader returns an independent reader per consumer so a single
// camera or microphone can fan out to every connected peer.
type MediaSource interface {
	Kind() CallKind
	NewReader() (FrameReader, error)
	Close() error
}

// RemoteStream is media arriving from the far side of a call.
type RemoteStream interface {
	PeerID() string
	Kind() CallKind
	ReadFrame() ([]byte, error)
	Close() error
}
