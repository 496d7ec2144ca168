package txn

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/virgiel/maelstrom-go/internal/node"
)

// newStoreWithFakeKV wires a real *node.Node to an in-process fake lin-kv
// service: a goroutine that scans the node's outbound stream for requests
// addressed to "lin-kv", applies them against an in-memory map exactly as
// the harness's linearizable KV would, and writes the matching reply back
// onto the node's inbound stream.
func newStoreWithFakeKV(t *testing.T) *Store {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	initLine, err := json.Marshal(map[string]any{
		"src":  "c1",
		"dest": "n1",
		"body": map[string]any{"type": "init", "msg_id": 1, "node_id": "n1", "node_ids": []string{"n1"}},
	})
	require.NoError(t, err)
	go func() { _, _ = stdinW.Write(append(initLine, '\n')) }()

	n := node.NewWithStreams(zerolog.Nop(), stdinR, stdoutW)
	go runFakeLinKV(t, stdoutR, stdinW)
	return NewStore(n)
}

func runFakeLinKV(t *testing.T, requests io.Reader, replies io.Writer) {
	t.Helper()
	db := make(map[string]json.RawMessage)
	scanner := bufio.NewScanner(requests)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var env node.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if env.Dest != "lin-kv" {
			continue // ignore anything not addressed to the fake KV
		}
		var req struct {
			Type  string          `json:"type"`
			MsgID uint64          `json:"msg_id"`
			Key   json.RawMessage `json:"key"`
			Value json.RawMessage `json:"value"`
			From  json.RawMessage `json:"from"`
			To    json.RawMessage `json:"to"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		key := string(req.Key)

		var resp map[string]any
		switch req.Type {
		case "read":
			v, ok := db[key]
			if !ok {
				resp = map[string]any{"type": "error", "code": node.KeyDoesNotExist, "text": "not found"}
			} else {
				resp = map[string]any{"type": "read_ok", "value": v}
			}
		case "write":
			db[key] = req.Value
			resp = map[string]any{"type": "write_ok"}
		case "cas":
			v, ok := db[key]
			switch {
			case !ok:
				// create_if_not_exists is always true in this store's usage
				db[key] = req.To
				resp = map[string]any{"type": "cas_ok"}
			case string(v) != string(req.From):
				resp = map[string]any{"type": "error", "code": node.PreconditionFailed, "text": "cas mismatch"}
			default:
				db[key] = req.To
				resp = map[string]any{"type": "cas_ok"}
			}
		default:
			resp = map[string]any{"type": "error", "code": node.NotSupported, "text": "unknown op"}
		}

		line, err := withInReplyTo(resp, req.MsgID)
		if err != nil {
			continue
		}
		out, err := json.Marshal(node.Envelope{Src: "lin-kv", Dest: env.Src, Body: line})
		if err != nil {
			continue
		}
		_, _ = replies.Write(append(out, '\n'))
	}
}

func withInReplyTo(body map[string]any, msgID uint64) (json.RawMessage, error) {
	body["in_reply_to"] = msgID
	return json.Marshal(body)
}

func TestStore_FirstTransaction_WritesFromEmpty(t *testing.T) {
	s := newStoreWithFakeKV(t)

	out, err := s.Apply(json.RawMessage(`[["w",1,10],["r",1]]`))
	require.NoError(t, err)

	var ops [][]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &ops))
	require.Len(t, ops, 2)

	var read uint64
	require.NoError(t, json.Unmarshal(ops[1][2], &read))
	require.Equal(t, uint64(10), read)
}

func TestStore_SecondTransaction_ObservesPriorWrite(t *testing.T) {
	s := newStoreWithFakeKV(t)

	_, err := s.Apply(json.RawMessage(`[["w",5,99]]`))
	require.NoError(t, err)

	out, err := s.Apply(json.RawMessage(`[["r",5]]`))
	require.NoError(t, err)

	var ops [][]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &ops))
	var read uint64
	require.NoError(t, json.Unmarshal(ops[0][2], &read))
	require.Equal(t, uint64(99), read)
}

func TestStore_ReadMissingKey_ReturnsNull(t *testing.T) {
	s := newStoreWithFakeKV(t)

	out, err := s.Apply(json.RawMessage(`[["r",42]]`))
	require.NoError(t, err)

	var ops [][]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &ops))
	require.Equal(t, "null", string(ops[0][2]))
}
