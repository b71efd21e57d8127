package operator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameRejectsUnknownTags(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"typing"}`))
	require.True(t, errors.Is(err, ErrUnknownFrameType))

	_, err = DecodeFrame([]byte(`{"content":"x"}`))
	require.True(t, errors.Is(err, ErrUnknownFrameType))

	_, err = DecodeFrame([]byte(`{"type":"message","from":{"role":"robot"},"content":"x"}`))
	require.True(t, errors.Is(err, ErrUnknownSender))

	_, err = DecodeFrame([]byte(`{"type":"message","content":"x"}`))
	require.True(t, errors.Is(err, ErrUnknownSender))
}

func TestDecodeFrameAcceptsKnownFrames(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"MESSAGE","from":{"role":"Operator","name":"Ana"},"content":"oi","timestamp":1767348000000}`))
	require.NoError(t, err)
	require.Equal(t, FrameMessage, f.Type)
	require.Equal(t, SenderOperator, f.From.Role)
	require.Equal(t, time.UnixMilli(1767348000000), f.Timestamp.Time)

	f, err = DecodeFrame([]byte(`{"type":"session_ended","timestamp":null}`))
	require.NoError(t, err)
	require.Equal(t, FrameSessionEnded, f.Type)
	require.True(t, f.Timestamp.IsZero())
}

func TestUserMessageWireShape(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	b, err := json.Marshal(NewUserMessage("Maria", "oi", at))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "message",
		"from": {"role": "user", "name": "Maria"},
		"content": "oi",
		"timestamp": "2026-03-04T05:06:07Z"
	}`, string(b))
}
