// Package events provides the in-process publish/subscribe bus that the
// networking core uses to notify UI collaborators without direct coupling.
package events

import "sync"

// Event names emitted by the core. UI collaborators subscribe to these;
// nothing in the core ever subscribes to its own events.
const (
	PeerConnected      = "peer-connected"
	PeerDisconnected   = "peer-disconnected"
	PeerError          = "peer-error"
	ConnectionProgress = "connection-progress"
	RoomCreated        = "room-created"

	RemoteDetection = "remote-detection"
	RemoteAlert     = "remote-alert"
	DeviceInfo      = "device-info"
	ChatMessage     = "chat-message"
	WalkieStatus    = "walkie-status"
	ViewSwitch      = "view-switch"
	VideoRequest    = "video-request"
	Message         = "message"

	RemoteAudio = "remote-audio"
	AudioEnded  = "audio-ended"
	AudioError  = "audio-error"
	RemoteVideo = "remote-video"
	VideoEnded  = "video-ended"
	VideoError  = "video-error"
)

// Handler receives the payload of an emitted event.
type Handler func(payload any)

type entry struct {
	id uint64
	fn Handler
}

// Bus is a minimal ordered pub/sub bus. Handlers for an event run in
// registration order. Handler panics are not recovered; a throwing
// handler is a bug in the collaborator, not a condition the core
// recovers from.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]entry
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]entry)}
}

// On registers a handler for an event and returns an unsubscribe func.
// Multiple handlers per event are permitted.
func (b *Bus) On(event string, fn Handler) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], entry{id: id, fn: fn})
	b.mu.Unlock()

	return func() { b.off(event, id) }
}

func (b *Bus) off(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	for i, e := range list {
		if e.id == id {
			b.subs[event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Emit calls every handler registered for event, in registration order.
// Handlers run synchronously on the caller's goroutine; they are invoked
// outside the bus lock so they may subscribe or unsubscribe freely.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	list := b.subs[event]
	handlers := make([]Handler, len(list))
	for i, e := range list {
		handlers[i] = e.fn
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
