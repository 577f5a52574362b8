package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchmesh/internal/events"
)

type fakeConnector struct {
	localID string
	err     error
	dialed  []string
}

func (f *fakeConnector) LocalID() string { return f.localID }

func (f *fakeConnector) Connect(_ context.Context, targetID string) error {
	f.dialed = append(f.dialed, targetID)
	return f.err
}

func TestCreateRoomUsesOwnIdentifier(t *testing.T) {
	bus := events.NewBus()
	var created []Room
	bus.On(events.RoomCreated, func(payload any) {
		created = append(created, payload.(Room))
	})

	c := NewController(&fakeConnector{localID: "host-1"}, bus)
	room := c.CreateRoom()

	require.Equal(t, "host-1", room.RoomID)
	require.True(t, room.IsHost)
	require.Equal(t, []Room{room}, created)
	require.NoError(t, c.RequireHost())
}

func TestJoinRoomRecordsOnSuccessOnly(t *testing.T) {
	conn := &fakeConnector{localID: "joiner", err: errors.New("unreachable")}
	c := NewController(conn, events.NewBus())

	require.Error(t, c.JoinRoom(context.Background(), "host-1"))
	_, ok := c.Room()
	require.False(t, ok, "failed join must not record a room")

	conn.err = nil
	require.NoError(t, c.JoinRoom(context.Background(), "host-1"))
	room, ok := c.Room()
	require.True(t, ok)
	require.Equal(t, Room{RoomID: "host-1", IsHost: false, HostDeviceID: "host-1"}, room)
	require.ErrorIs(t, c.RequireHost(), ErrNotHost)
}

func TestRejoinReplacesRoom(t *testing.T) {
	c := NewController(&fakeConnector{localID: "joiner"}, events.NewBus())

	require.NoError(t, c.JoinRoom(context.Background(), "host-1"))
	require.NoError(t, c.JoinRoom(context.Background(), "host-2"))

	room, _ := c.Room()
	require.Equal(t, "host-2", room.RoomID)
}

func TestClearDropsRoom(t *testing.T) {
	c := NewController(&fakeConnector{localID: "x"}, events.NewBus())
	c.CreateRoom()
	c.Clear()
	_, ok := c.Room()
	require.False(t, ok)
	require.ErrorIs(t, c.RequireHost(), ErrNoRoom)
}
