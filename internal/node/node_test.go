package node

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, id string, nodeIDs []string) (*Node, *fakeStdin, *bufio.Reader) {
	t.Helper()
	stdin := newFakeStdin()
	stdoutR, stdoutW := io.Pipe()

	initLine, err := json.Marshal(map[string]any{
		"src":  "c1",
		"dest": id,
		"body": map[string]any{
			"type":     "init",
			"msg_id":   1,
			"node_id":  id,
			"node_ids": nodeIDs,
		},
	})
	require.NoError(t, err)
	stdin.writeLine(t, string(initLine))

	n := NewWithStreams(zerolog.Nop(), stdin, stdoutW)

	return n, stdin, bufio.NewReader(stdoutR)
}

// fakeStdin is an io.Reader/Writer pipe pair, so tests can push additional
// lines to a Node after construction the way a real harness would keep
// writing to stdin.
type fakeStdin struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newFakeStdin() *fakeStdin {
	r, w := io.Pipe()
	return &fakeStdin{r: r, w: w}
}

func (m *fakeStdin) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *fakeStdin) writeLine(t *testing.T, line string) {
	t.Helper()
	go func() {
		_, _ = m.w.Write([]byte(line + "\n"))
	}()
}

func TestNode_InitHandshake(t *testing.T) {
	n, _, out := newTestNode(t, "n3", []string{"n1", "n2", "n3"})
	require.Equal(t, "n3", n.ID())
	require.Equal(t, []string{"n1", "n2", "n3"}, n.NodeIDs())
	require.Equal(t, []string{"n1", "n2"}, n.OtherIDs())

	line, err := out.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"type":"init_ok"`)
	require.Contains(t, line, `"in_reply_to":1`)
}

func TestNode_Echo(t *testing.T) {
	n, stdin, out := newTestNode(t, "n1", []string{"n1"})
	_, err := out.ReadString('\n') // init_ok

	done := make(chan struct{})
	go func() {
		_ = n.Run(func(env Envelope) error {
			var body struct {
				Echo string `json:"echo"`
			}
			if err := env.DecodeBody(&body); err != nil {
				return err
			}
			n.Reply(env, map[string]any{"type": "echo_ok", "echo": body.Echo})
			close(done)
			return nil
		})
	}()

	stdin.writeLine(t, `{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":2,"echo":"hi"}}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	line, err := out.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.Contains(line, `"echo":"hi"`))
	require.True(t, strings.Contains(line, `"in_reply_to":2`))
}

func TestNode_RPC_Timeout(t *testing.T) {
	n, _, out := newTestNode(t, "n1", []string{"n1", "n2"})
	_, _ = out.ReadString('\n') // init_ok

	start := time.Now()
	_, err := n.RPC("n2", map[string]any{"type": "read", "key": "x"})
	elapsed := time.Since(start)

	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, Timeout, rpcErr.Code)
	require.GreaterOrEqual(t, elapsed, rpcTimeout)
}

func TestNode_RPC_MatchesByMsgID(t *testing.T) {
	n, stdin, out := newTestNode(t, "n1", []string{"n1", "n2"})
	_, _ = out.ReadString('\n') // init_ok

	done := make(chan struct{})
	go func() {
		_ = n.Run(func(Envelope) error { return nil })
		close(done)
	}()

	result := make(chan error, 1)
	go func() {
		_, err := n.RPC("n2", map[string]any{"type": "read", "key": "x"})
		result <- err
	}()

	// Drain the RPC request line off stdout to learn its msg_id.
	line, err := out.ReadString('\n')
	require.NoError(t, err)
	var req Envelope
	require.NoError(t, json.Unmarshal([]byte(line), &req))
	var reqBody struct {
		MsgID uint64 `json:"msg_id"`
	}
	require.NoError(t, req.DecodeBody(&reqBody))

	resp, err := json.Marshal(map[string]any{
		"src":  "n2",
		"dest": "n1",
		"body": map[string]any{"type": "read_ok", "value": 7, "in_reply_to": reqBody.MsgID},
	})
	require.NoError(t, err)
	stdin.writeLine(t, string(resp))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(rpcTimeout):
		t.Fatal("rpc never resolved")
	}
}
