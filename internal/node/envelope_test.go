package node

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_Type(t *testing.T) {
	env := Envelope{Body: json.RawMessage(`{"type":"echo","msg_id":7,"echo":"hi"}`)}
	ty, err := env.Type()
	require.NoError(t, err)
	require.Equal(t, "echo", ty)
}

func TestEnvelope_HeaderFields(t *testing.T) {
	env := Envelope{Body: json.RawMessage(`{"type":"read_ok","in_reply_to":3,"value":9}`)}
	h, err := env.header()
	require.NoError(t, err)
	require.Equal(t, "read_ok", h.Type)
	require.Nil(t, h.MsgID)
	require.NotNil(t, h.InReplyTo)
	require.Equal(t, uint64(3), *h.InReplyTo)
}

func TestWithInReplyTo_PreservesOtherFields(t *testing.T) {
	raw, err := withInReplyTo(map[string]any{"type": "echo_ok", "echo": "hi"}, 42)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "echo_ok", decoded["type"])
	require.Equal(t, "hi", decoded["echo"])
	require.Equal(t, float64(42), decoded["in_reply_to"])
}

func TestWithMsgID_PreservesOtherFields(t *testing.T) {
	raw, err := withMsgID(map[string]any{"type": "read", "key": "x"}, 5)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "x", decoded["key"])
	require.Equal(t, float64(5), decoded["msg_id"])
}
