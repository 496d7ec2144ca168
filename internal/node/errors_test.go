package node

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRPCError_RoundTripsThroughBody(t *testing.T) {
	orig := NewRPCError(PreconditionFailed, "expected 1 got 2")
	raw, err := json.Marshal(orig.Body())
	require.NoError(t, err)

	var decoded ErrorBody
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "error", decoded.Type)
	require.Equal(t, PreconditionFailed, decoded.Code)
	require.Equal(t, orig.Text, decoded.Text)
}

func TestCode_WireValuesAreBitExact(t *testing.T) {
	cases := map[Code]uint64{
		Timeout:                0,
		NodeNotFound:           1,
		NotSupported:           10,
		TemporarilyUnavailable: 11,
		MalformedRequest:       12,
		Crash:                  13,
		Abort:                  14,
		KeyDoesNotExist:        20,
		KeyAlreadyExists:       21,
		PreconditionFailed:     22,
		TxnConflict:            30,
	}
	for code, want := range cases {
		require.Equal(t, want, uint64(code))
	}
}

func TestRPCError_ErrorStringIncludesText(t *testing.T) {
	err := NewRPCError(KeyDoesNotExist, "missing key")
	require.Contains(t, err.Error(), "missing key")
	require.Contains(t, err.Error(), "key-does-not-exist")
}
