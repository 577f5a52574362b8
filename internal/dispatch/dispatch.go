// Package dispatch translates between wire envelopes and domain events:
// inbound envelopes decode into typed bus events, outbound domain
// actions encode into stamped envelopes.
package dispatch

import (
	"log"

	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/proto"
)

// Sender is the slice of the connection manager the dispatcher needs.
type Sender interface {
	LocalID() string
	Broadcast(env *proto.Envelope)
	SendTo(peerID string, env *proto.Envelope) error
}

// TouchFunc refreshes a peer's last-seen record.
type TouchFunc func(deviceID string)

// FromPeer wraps a decoded payload with the connection it arrived on.
// Local chat echoes use the device's own identifier as PeerID.
type FromPeer struct {
	PeerID  string `json:"peerId"`
	Payload any    `json:"payload"`
}

// Dispatcher routes envelopes. Stateless apart from its collaborators.
type Dispatcher struct {
	sender Sender
	bus    *events.Bus
	touch  TouchFunc
}

// New creates a Dispatcher. touch may be nil.
func New(sender Sender, bus *events.Bus, touch TouchFunc) *Dispatcher {
	return &Dispatcher{sender: sender, bus: bus, touch: touch}
}

// HandleEnvelope decodes one inbound envelope and republishes it as a
// domain event. Unrecognized types surface as a generic message event,
// never dropped silently.
func (d *Dispatcher) HandleEnvelope(peerID string, env *proto.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		log.Printf("DISPATCH: bad %s envelope from %s: %v", env.Type, peerID, err)
		return
	}

	switch p := msg.(type) {
	case *proto.Detection:
		d.bus.Emit(events.RemoteDetection, FromPeer{PeerID: peerID, Payload: p})
	case *proto.ThreatAlert:
		d.bus.Emit(events.RemoteAlert, FromPeer{PeerID: peerID, Payload: p})
	case *proto.DeviceInfo:
		d.touchPeer(p.DeviceID)
		d.bus.Emit(events.DeviceInfo, FromPeer{PeerID: peerID, Payload: p})
	case *proto.ChatMessage:
		d.bus.Emit(events.ChatMessage, FromPeer{PeerID: peerID, Payload: p})
	case *proto.WalkieStatus:
		d.bus.Emit(events.WalkieStatus, FromPeer{PeerID: peerID, Payload: p})
	case *proto.ViewSwitch:
		// Receivers do not re-validate host privilege.
		d.bus.Emit(events.ViewSwitch, FromPeer{PeerID: peerID, Payload: p})
	case *proto.VideoRequest:
		d.bus.Emit(events.VideoRequest, FromPeer{PeerID: peerID, Payload: p})
	case nil:
		// Heartbeat: no domain event, just liveness.
		d.touchPeer(peerID)
	case *proto.Unknown:
		d.bus.Emit(events.Message, FromPeer{PeerID: peerID, Payload: p})
	}
}

func (d *Dispatcher) touchPeer(deviceID string) {
	if d.touch != nil && deviceID != "" {
		d.touch(deviceID)
	}
}

// BroadcastDetection sends a detection to every open peer.
func (d *Dispatcher) BroadcastDetection(threats []proto.Threat) error {
	return d.broadcast(proto.TypeDetection, proto.Detection{
		Threats:      threats,
		SourceDevice: d.sender.LocalID(),
		Timestamp:    proto.NowMillis(),
	})
}

// BroadcastAlert sends a threat alert to every open peer.
func (d *Dispatcher) BroadcastAlert(level, message string) error {
	return d.broadcast(proto.TypeThreatAlert, proto.ThreatAlert{
		Level:        level,
		Message:      message,
		SourceDevice: d.sender.LocalID(),
		Timestamp:    proto.NowMillis(),
	})
}

// BroadcastChatMessage sends a chat message and echoes it locally with
// IsLocal set, synchronously, so the sender sees its own message without
// a round trip.
func (d *Dispatcher) BroadcastChatMessage(text string) error {
	msg := proto.ChatMessage{
		Message:      text,
		SourceDevice: d.sender.LocalID(),
		Timestamp:    proto.NowMillis(),
	}
	if err := d.broadcast(proto.TypeChatMessage, msg); err != nil {
		return err
	}

	echo := msg
	echo.IsLocal = true
	d.bus.Emit(events.ChatMessage, FromPeer{PeerID: d.sender.LocalID(), Payload: &echo})
	return nil
}

// BroadcastWalkieStatus announces push-to-talk state.
func (d *Dispatcher) BroadcastWalkieStatus(active bool) error {
	return d.broadcast(proto.TypeWalkieStatus, proto.WalkieStatus{
		IsActive:     active,
		SourceDevice: d.sender.LocalID(),
		Timestamp:    proto.NowMillis(),
	})
}

// BroadcastViewSwitch tells every device to show targetDevice's view.
// The host gate lives with the caller; the dispatcher only encodes.
func (d *Dispatcher) BroadcastViewSwitch(targetDevice string) error {
	return d.broadcast(proto.TypeViewSwitch, proto.ViewSwitch{
		TargetDevice: targetDevice,
		SourceDevice: d.sender.LocalID(),
	})
}

// SendVideoRequest asks one peer to start streaming its camera.
func (d *Dispatcher) SendVideoRequest(peerID string) error {
	env, err := proto.NewEnvelope(proto.TypeVideoRequest, proto.VideoRequest{
		RequesterID: d.sender.LocalID(),
		Timestamp:   proto.NowMillis(),
	})
	if err != nil {
		return err
	}
	return d.sender.SendTo(peerID, env)
}

// BroadcastHeartbeat sends a bare liveness pulse.
func (d *Dispatcher) BroadcastHeartbeat() error {
	return d.broadcast(proto.TypeHeartbeat, nil)
}

func (d *Dispatcher) broadcast(t proto.MessageType, payload any) error {
	env, err := proto.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	d.sender.Broadcast(env)
	return nil
}
