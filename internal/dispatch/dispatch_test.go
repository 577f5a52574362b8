package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/proto"
)

type fakeSender struct {
	localID   string
	broadcast []*proto.Envelope
	sent      map[string][]*proto.Envelope
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{localID: id, sent: map[string][]*proto.Envelope{}}
}

func (f *fakeSender) LocalID() string { return f.localID }

func (f *fakeSender) Broadcast(env *proto.Envelope) {
	f.broadcast = append(f.broadcast, env)
}

func (f *fakeSender) SendTo(peerID string, env *proto.Envelope) error {
	f.sent[peerID] = append(f.sent[peerID], env)
	return nil
}

func TestChatBroadcastEchoesLocallyAndSynchronously(t *testing.T) {
	sender := newFakeSender("me")
	bus := events.NewBus()
	d := New(sender, bus, nil)

	var got []FromPeer
	bus.On(events.ChatMessage, func(payload any) {
		got = append(got, payload.(FromPeer))
	})

	require.NoError(t, d.BroadcastChatMessage("hi"))

	// Echo arrived before BroadcastChatMessage returned, no remote needed.
	require.Len(t, got, 1)
	require.Equal(t, "me", got[0].PeerID)
	msg := got[0].Payload.(*proto.ChatMessage)
	require.True(t, msg.IsLocal)
	require.Equal(t, "hi", msg.Message)
	require.Equal(t, "me", msg.SourceDevice)

	// The wire copy never carries IsLocal.
	require.Len(t, sender.broadcast, 1)
	var wire proto.ChatMessage
	require.NoError(t, json.Unmarshal(sender.broadcast[0].Data, &wire))
	require.False(t, wire.IsLocal)
}

func TestInboundEnvelopesRouteToTypedEvents(t *testing.T) {
	bus := events.NewBus()
	d := New(newFakeSender("me"), bus, nil)

	var detections, alerts, switches []FromPeer
	bus.On(events.RemoteDetection, func(p any) { detections = append(detections, p.(FromPeer)) })
	bus.On(events.RemoteAlert, func(p any) { alerts = append(alerts, p.(FromPeer)) })
	bus.On(events.ViewSwitch, func(p any) { switches = append(switches, p.(FromPeer)) })

	env, err := proto.NewEnvelope(proto.TypeDetection, proto.Detection{
		Threats:      []proto.Threat{{Label: "person", Confidence: 0.92}},
		SourceDevice: "cam-2",
		Timestamp:    proto.NowMillis(),
	})
	require.NoError(t, err)
	d.HandleEnvelope("cam-2", env)

	env, err = proto.NewEnvelope(proto.TypeThreatAlert, proto.ThreatAlert{Level: "high", Message: "intruder"})
	require.NoError(t, err)
	d.HandleEnvelope("cam-2", env)

	env, err = proto.NewEnvelope(proto.TypeViewSwitch, proto.ViewSwitch{TargetDevice: "cam-3", SourceDevice: "host"})
	require.NoError(t, err)
	d.HandleEnvelope("host", env)

	require.Len(t, detections, 1)
	require.Equal(t, "cam-2", detections[0].PeerID)
	require.Equal(t, "person", detections[0].Payload.(*proto.Detection).Threats[0].Label)
	require.Len(t, alerts, 1)
	require.Len(t, switches, 1)
	require.Equal(t, "cam-3", switches[0].Payload.(*proto.ViewSwitch).TargetDevice)
}

func TestUnknownTypeSurfacesAsGenericMessage(t *testing.T) {
	bus := events.NewBus()
	d := New(newFakeSender("me"), bus, nil)

	var got []FromPeer
	bus.On(events.Message, func(p any) { got = append(got, p.(FromPeer)) })

	d.HandleEnvelope("cam-9", &proto.Envelope{
		Type: "future-thing",
		Data: json.RawMessage(`{"x":1}`),
	})

	require.Len(t, got, 1)
	unk := got[0].Payload.(*proto.Unknown)
	require.Equal(t, proto.MessageType("future-thing"), unk.Type)
}

func TestHeartbeatTouchesPeerWithoutEvent(t *testing.T) {
	bus := events.NewBus()
	var touched []string
	d := New(newFakeSender("me"), bus, func(id string) { touched = append(touched, id) })

	fired := false
	bus.On(events.Message, func(any) { fired = true })

	d.HandleEnvelope("cam-4", &proto.Envelope{Type: proto.TypeHeartbeat})

	require.Equal(t, []string{"cam-4"}, touched)
	require.False(t, fired, "heartbeat must not produce a domain event")
}

func TestVideoRequestIsUnicast(t *testing.T) {
	sender := newFakeSender("viewer")
	d := New(sender, events.NewBus(), nil)

	require.NoError(t, d.SendVideoRequest("cam-1"))

	require.Empty(t, sender.broadcast)
	require.Len(t, sender.sent["cam-1"], 1)
	var req proto.VideoRequest
	require.NoError(t, json.Unmarshal(sender.sent["cam-1"][0].Data, &req))
	require.Equal(t, "viewer", req.RequesterID)
}

func TestOutboundHelpersStampSourceAndTimestamp(t *testing.T) {
	sender := newFakeSender("cam-7")
	d := New(sender, events.NewBus(), nil)

	require.NoError(t, d.BroadcastWalkieStatus(true))
	require.NoError(t, d.BroadcastAlert("low", "motion"))

	var ws proto.WalkieStatus
	require.NoError(t, json.Unmarshal(sender.broadcast[0].Data, &ws))
	require.True(t, ws.IsActive)
	require.Equal(t, "cam-7", ws.SourceDevice)
	require.NotZero(t, ws.Timestamp)

	var alert proto.ThreatAlert
	require.NoError(t, json.Unmarshal(sender.broadcast[1].Data, &alert))
	require.Equal(t, "cam-7", alert.SourceDevice)
	require.NotZero(t, alert.Timestamp)
}
