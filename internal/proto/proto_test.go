package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeReturnsTypedPayload(t *testing.T) {
	env, err := NewEnvelope(TypeDetection, Detection{
		Threats:      []Threat{{Label: "person", Confidence: 0.9}},
		SourceDevice: "cam-1",
		Timestamp:    NowMillis(),
	})
	require.NoError(t, err)

	msg, err := env.Decode()
	require.NoError(t, err)
	det, ok := msg.(*Detection)
	require.True(t, ok)
	require.Equal(t, "person", det.Threats[0].Label)
}

func TestDecodeHeartbeatIsNil(t *testing.T) {
	env := &Envelope{Type: TypeHeartbeat}
	msg, err := env.Decode()
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestDecodeUnknownTypeIsSurfaced(t *testing.T) {
	env := &Envelope{Type: "telemetry-v2", Data: json.RawMessage(`{"foo":1}`)}
	msg, err := env.Decode()
	require.NoError(t, err)
	unk, ok := msg.(*Unknown)
	require.True(t, ok)
	require.Equal(t, MessageType("telemetry-v2"), unk.Type)
	require.JSONEq(t, `{"foo":1}`, string(unk.Data))
}

func TestDecodeRejectsMissingData(t *testing.T) {
	env := &Envelope{Type: TypeChatMessage}
	_, err := env.Decode()
	require.Error(t, err)
}

func TestIsLocalStaysOffTheWire(t *testing.T) {
	env, err := NewEnvelope(TypeChatMessage, ChatMessage{Message: "hi", SourceDevice: "a"})
	require.NoError(t, err)
	require.NotContains(t, string(env.Data), "isLocal")
}
