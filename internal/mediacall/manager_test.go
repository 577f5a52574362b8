package mediacall

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchmesh/internal/events"
	"github.com/watchmesh/watchmesh/internal/transport"
	"github.com/watchmesh/watchmesh/internal/transport/transporttest"
)

type testCaller struct {
	ep    transport.Endpoint
	peers []string
}

func (c *testCaller) LocalID() string { return c.ep.LocalID() }
func (c *testCaller) Peers() []string { return c.peers }

func (c *testCaller) Call(ctx context.Context, targetID string, src transport.MediaSource, meta transport.CallMeta) (transport.Call, error) {
	return c.ep.Call(ctx, targetID, src, meta)
}

// device bundles an endpoint with a call manager answering its calls.
type device struct {
	caller *testCaller
	mgr    *Manager
	bus    *events.Bus
	source *transporttest.StaticSource
}

func newDevice(t *testing.T, net *transporttest.Network, id string, kind transport.CallKind, frame []byte) *device {
	t.Helper()
	ep, err := net.Open(context.Background(), id)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	d := &device{
		caller: &testCaller{ep: ep},
		bus:    events.NewBus(),
		source: transporttest.NewStaticSource(kind, frame),
	}
	d.mgr = New(d.caller, d.bus, func(k transport.CallKind) (transport.MediaSource, error) {
		if k != kind {
			return nil, errors.New("wrong kind requested")
		}
		return d.source, nil
	}, Options{})
	ep.OnCall(d.mgr.HandleIncomingCall)
	t.Cleanup(d.mgr.Close)
	return d
}

func TestAudioBroadcastAndStop(t *testing.T) {
	net := transporttest.NewNetwork()
	a := newDevice(t, net, "a", transport.KindAudio, []byte("pcm"))
	b := newDevice(t, net, "b", transport.KindAudio, nil)
	a.caller.peers = []string{"b"}

	var streams []StreamEvent
	b.bus.On(events.RemoteAudio, func(p any) { streams = append(streams, p.(StreamEvent)) })
	var ended []EndedEvent
	b.bus.On(events.AudioEnded, func(p any) { ended = append(ended, p.(EndedEvent)) })

	require.NoError(t, a.mgr.StartBroadcast(context.Background(), transport.KindAudio))
	require.True(t, a.mgr.Broadcasting(transport.KindAudio))
	require.Equal(t, 1, a.mgr.ActiveCalls(transport.KindAudio))
	require.Equal(t, 1, b.mgr.ActiveCalls(transport.KindAudio))

	require.Len(t, streams, 1)
	require.Equal(t, "a", streams[0].PeerID)
	frame, err := streams[0].Stream.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("pcm"), frame)

	a.mgr.StopBroadcast(transport.KindAudio)
	require.False(t, a.mgr.Broadcasting(transport.KindAudio))
	require.True(t, a.source.Closed(), "stopping must release the capture device")
	require.Zero(t, a.mgr.ActiveCalls(transport.KindAudio))
	require.Zero(t, b.mgr.ActiveCalls(transport.KindAudio))
	require.Equal(t, []EndedEvent{{PeerID: "a", Kind: transport.KindAudio}}, ended)
}

func TestVideoAnsweredWithoutLocalStreamWhenNotStreaming(t *testing.T) {
	net := transporttest.NewNetwork()
	cam := newDevice(t, net, "cam", transport.KindVideo, []byte("vp8"))
	viewer := newDevice(t, net, "viewer", transport.KindVideo, nil)
	cam.caller.peers = []string{"viewer"}

	var viewerStreams, camStreams []StreamEvent
	viewer.bus.On(events.RemoteVideo, func(p any) { viewerStreams = append(viewerStreams, p.(StreamEvent)) })
	cam.bus.On(events.RemoteVideo, func(p any) { camStreams = append(camStreams, p.(StreamEvent)) })

	require.NoError(t, cam.mgr.StartBroadcast(context.Background(), transport.KindVideo))

	// The viewer receives the camera's stream; the viewer is not
	// streaming, so nothing flows back.
	require.Len(t, viewerStreams, 1)
	require.Equal(t, "cam", viewerStreams[0].PeerID)
	require.Empty(t, camStreams)
	require.Equal(t, 1, viewer.mgr.ActiveCalls(transport.KindVideo))
}

func TestStartBroadcastSurfacesAcquisitionFailure(t *testing.T) {
	net := transporttest.NewNetwork()
	ep, err := net.Open(context.Background(), "a")
	require.NoError(t, err)
	defer ep.Close()

	mgr := New(&testCaller{ep: ep, peers: []string{"b"}}, events.NewBus(),
		func(transport.CallKind) (transport.MediaSource, error) {
			return nil, errors.New("camera busy")
		}, Options{})

	err = mgr.StartBroadcast(context.Background(), transport.KindVideo)
	require.Error(t, err)
	require.False(t, mgr.Broadcasting(transport.KindVideo), "no partial state after acquisition failure")
	require.Zero(t, mgr.ActiveCalls(transport.KindVideo))
}

func TestPerPeerCallFailureIsScoped(t *testing.T) {
	net := transporttest.NewNetwork()
	a := newDevice(t, net, "a", transport.KindAudio, []byte("pcm"))
	_ = newDevice(t, net, "good", transport.KindAudio, nil)
	a.caller.peers = []string{"bad", "good"}

	net.DialErr = func(from, to string) error {
		if to == "bad" {
			return errors.New("unreachable")
		}
		return nil
	}

	var errs []ErrorEvent
	a.bus.On(events.AudioError, func(p any) { errs = append(errs, p.(ErrorEvent)) })

	require.NoError(t, a.mgr.StartBroadcast(context.Background(), transport.KindAudio))

	require.Len(t, errs, 1)
	require.Equal(t, "bad", errs[0].PeerID)
	require.Equal(t, 1, a.mgr.ActiveCalls(transport.KindAudio), "the healthy peer's call survives")
}

func TestReplacedCallEmitsNoEndedEvent(t *testing.T) {
	net := transporttest.NewNetwork()
	a := newDevice(t, net, "a", transport.KindAudio, nil)
	b := newDevice(t, net, "b", transport.KindAudio, nil)

	var ended []EndedEvent
	b.bus.On(events.AudioEnded, func(p any) { ended = append(ended, p.(EndedEvent)) })

	meta := transport.CallMeta{Kind: transport.KindAudio}
	_, err := a.caller.ep.Call(context.Background(), "b", nil, meta)
	require.NoError(t, err)
	_, err = a.caller.ep.Call(context.Background(), "b", nil, meta)
	require.NoError(t, err)

	// The second call supersedes the first; the peer never went away.
	require.Empty(t, ended)
	require.Equal(t, 1, b.mgr.ActiveCalls(transport.KindAudio))
}

func TestVideoDisabledRefusesAllVideo(t *testing.T) {
	net := transporttest.NewNetwork()
	cam := newDevice(t, net, "cam", transport.KindVideo, []byte("vp8"))
	cam.caller.peers = []string{"novid"}

	ep, err := net.Open(context.Background(), "novid")
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	mgr := New(&testCaller{ep: ep}, events.NewBus(),
		func(k transport.CallKind) (transport.MediaSource, error) {
			return transporttest.NewStaticSource(k, nil), nil
		}, Options{VideoDisabled: true})
	ep.OnCall(mgr.HandleIncomingCall)
	t.Cleanup(mgr.Close)

	// Outbound video is refused outright.
	err = mgr.StartBroadcast(context.Background(), transport.KindVideo)
	require.ErrorIs(t, err, ErrVideoDisabled)
	require.False(t, mgr.Broadcasting(transport.KindVideo))

	// Inbound video calls are rejected, so the caller's call dies too.
	require.NoError(t, cam.mgr.StartBroadcast(context.Background(), transport.KindVideo))
	require.Zero(t, mgr.ActiveCalls(transport.KindVideo))
	require.Zero(t, cam.mgr.ActiveCalls(transport.KindVideo))
}

func TestUnknownCallKindRejected(t *testing.T) {
	net := transporttest.NewNetwork()
	a := newDevice(t, net, "a", transport.KindAudio, nil)
	b := newDevice(t, net, "b", transport.KindAudio, nil)
	_ = b

	call, err := a.caller.ep.Call(context.Background(), "b", nil, transport.CallMeta{Kind: "screenshare"})
	require.NoError(t, err)

	closed := make(chan struct{})
	call.OnClose(func() { close(closed) })
	<-closed
	require.Zero(t, b.mgr.ActiveCalls(transport.KindAudio))
}
