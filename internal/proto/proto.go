// Package proto defines the wire envelope and typed payloads exchanged
// between mesh devices over the data channel.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags an envelope. New message kinds are a compile-time
// checked addition: add a constant, a payload struct, and a case in
// Envelope.Decode.
type MessageType string

const (
	TypeDetection    MessageType = "detection"
	TypeThreatAlert  MessageType = "threat-alert"
	TypeDeviceInfo   MessageType = "device-info"
	TypeChatMessage  MessageType = "chat-message"
	TypeWalkieStatus MessageType = "walkie-status"
	TypeViewSwitch   MessageType = "view-switch"
	TypeVideoRequest MessageType = "video-request"
	TypeHeartbeat    MessageType = "heartbeat"
)

// Envelope is the {type, data} wrapper around every data-channel message.
// It is stateless and never persisted.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Threat is one detected object inside a Detection payload.
type Threat struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Detection reports objects spotted by a device's detector.
type Detection struct {
	Threats      []Threat `json:"threats"`
	SourceDevice string   `json:"sourceDevice"`
	Timestamp    int64    `json:"timestamp"`
}

// ThreatAlert is a prioritized alert raised from a detection.
type ThreatAlert struct {
	Level        string `json:"level"`
	Message      string `json:"message"`
	SourceDevice string `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`
}

// DeviceInfo is the identity handshake sent right after a connection opens.
type DeviceInfo struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is a free-text message. IsLocal is only ever set on the
// sender's own local echo, never on the wire.
type ChatMessage struct {
	Message      string `json:"message"`
	SourceDevice string `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`
	IsLocal      bool   `json:"isLocal,omitempty"`
}

// WalkieStatus announces push-to-talk state.
type WalkieStatus struct {
	IsActive     bool   `json:"isActive"`
	SourceDevice string `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`
}

// ViewSwitch tells every device which camera view to show. Host-only on
// the sending side; receivers do not re-validate.
type ViewSwitch struct {
	TargetDevice string `json:"targetDevice"`
	SourceDevice string `json:"sourceDevice"`
}

// VideoRequest asks a peer to start streaming its camera. The target
// owns the camera, so it must be the one to initiate the call.
type VideoRequest struct {
	RequesterID string `json:"requesterId"`
	Timestamp   int64  `json:"timestamp"`
}

// Unknown carries an envelope whose type this version does not recognize.
// Unrecognized messages are surfaced, never dropped silently.
type Unknown struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Type: t}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return &Envelope{Type: t, Data: b}, nil
}

// Decode unmarshals the envelope's data into its typed payload.
// Heartbeats decode to nil. Unrecognized types decode to Unknown.
func (e *Envelope) Decode() (any, error) {
	switch e.Type {
	case TypeDetection:
		var p Detection
		return &p, e.unmarshal(&p)
	case TypeThreatAlert:
		var p ThreatAlert
		return &p, e.unmarshal(&p)
	case TypeDeviceInfo:
		var p DeviceInfo
		return &p, e.unmarshal(&p)
	case TypeChatMessage:
		var p ChatMessage
		return &p, e.unmarshal(&p)
	case TypeWalkieStatus:
		var p WalkieStatus
		return &p, e.unmarshal(&p)
	case TypeViewSwitch:
		var p ViewSwitch
		return &p, e.unmarshal(&p)
	case TypeVideoRequest:
		var p VideoRequest
		return &p, e.unmarshal(&p)
	case TypeHeartbeat:
		return nil, nil
	default:
		return &Unknown{Type: e.Type, Data: e.Data}, nil
	}
}

func (e *Envelope) unmarshal(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NowMillis is the timestamp format used across the wire protocol.
func NowMillis() int64 { return time.Now().UnixMilli() }
