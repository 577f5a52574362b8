// Package session assigns host/joiner roles and maps the shareable room
// identifier to a device identifier.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/watchmesh/watchmesh/internal/events"
)

// ErrNotHost is returned when a host-only operation is attempted from a
// joiner. This is a client-side courtesy check, not a security boundary:
// the protocol cannot stop a misbehaving device from sending the same
// message type directly.
var ErrNotHost = errors.New("session: not the room host")

// ErrNoRoom is returned when an operation requires an active room.
var ErrNoRoom = errors.New("session: no active room")

// Room is the active session. Replaced, never mutated, on re-join;
// IsHost is immutable for the Room's lifetime.
type Room struct {
	RoomID       string `json:"roomId"`
	IsHost       bool   `json:"isHost"`
	HostDeviceID string `json:"hostDeviceId"`
}

// Connector is the slice of the connection manager the controller needs.
type Connector interface {
	LocalID() string
	Connect(ctx context.Context, targetID string) error
}

// Controller owns the single active Room.
type Controller struct {
	conn Connector
	bus  *events.Bus

	mu   sync.Mutex
	room *Room
}

// NewController creates a Controller with no active room.
func NewController(conn Connector, bus *events.Bus) *Controller {
	return &Controller{conn: conn, bus: bus}
}

// CreateRoom makes this device the host. The room identifier is the
// device's own identifier, so sharing it is all a joiner needs.
func (c *Controller) CreateRoom() Room {
	room := Room{
		RoomID:       c.conn.LocalID(),
		IsHost:       true,
		HostDeviceID: c.conn.LocalID(),
	}
	c.mu.Lock()
	c.room = &room
	c.mu.Unlock()

	c.bus.Emit(events.RoomCreated, room)
	return room
}

// JoinRoom connects to the host with the manager's full retry machine;
// progress events pass through unchanged. The Room is recorded only on
// success.
func (c *Controller) JoinRoom(ctx context.Context, hostID string) error {
	if err := c.conn.Connect(ctx, hostID); err != nil {
		return err
	}
	room := Room{
		RoomID:       hostID,
		IsHost:       false,
		HostDeviceID: hostID,
	}
	c.mu.Lock()
	c.room = &room
	c.mu.Unlock()
	return nil
}

// Room returns the active room, if any.
func (c *Controller) Room() (Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return Room{}, false
	}
	return *c.room, true
}

// RequireHost gates host-only operations.
func (c *Controller) RequireHost() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return ErrNoRoom
	}
	if !c.room.IsHost {
		return ErrNotHost
	}
	return nil
}

// Clear drops the active room. Called on disconnect.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.room = nil
	c.mu.Unlock()
}
