// Command counter implements a grow-only counter: each node tracks its own
// delta plus every peer's last-known delta, and periodically gossips its
// own value to every other node regardless of whether it has changed.
package main

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/virgiel/maelstrom-go/internal/node"
)

// gossipInterval is how often this node resends its own delta to every
// peer, independent of whether the value has changed since the last tick.
const gossipInterval = 1 * time.Second

type counterState struct {
	mu     sync.Mutex
	deltas map[string]uint64
	selfID string
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)

	state := &counterState{deltas: make(map[string]uint64), selfID: n.ID()}

	go gossipLoop(n, state)

	if err := n.Run(func(env node.Envelope) error {
		ty, err := env.Type()
		if err != nil {
			return err
		}
		switch ty {
		case "add":
			handleAdd(n, state, env)
		case "read":
			handleRead(n, state, env)
		case "broadcast":
			handleBroadcast(n, state, env)
		default:
			n.ReplyError(env, node.NewRPCError(node.NotSupported, "unknown message type "+ty))
		}
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}

func handleAdd(n *node.Node, state *counterState, env node.Envelope) {
	var body struct {
		Delta uint64 `json:"delta"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	state.mu.Lock()
	state.deltas[state.selfID] += body.Delta
	state.mu.Unlock()

	n.Reply(env, map[string]any{"type": "add_ok"})
}

func handleRead(n *node.Node, state *counterState, env node.Envelope) {
	state.mu.Lock()
	var total uint64
	for _, d := range state.deltas {
		total += d
	}
	state.mu.Unlock()

	n.Reply(env, map[string]any{"type": "read_ok", "value": total})
}

// handleBroadcast absorbs a peer's gossiped delta. Deltas only ever grow,
// so the larger of the received value and what this node has on file for
// the sender is kept; a delayed, smaller gossip never lowers it.
func handleBroadcast(n *node.Node, state *counterState, env node.Envelope) {
	var body struct {
		Delta uint64 `json:"delta"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	state.mu.Lock()
	if body.Delta > state.deltas[env.Src] {
		state.deltas[env.Src] = body.Delta
	}
	state.mu.Unlock()

	n.Reply(env, map[string]any{"type": "broadcast_ok"})
}

func gossipLoop(n *node.Node, state *counterState) {
	ticker := time.NewTicker(gossipInterval)
	defer ticker.Stop()
	for range ticker.C {
		state.mu.Lock()
		self := state.deltas[state.selfID]
		state.mu.Unlock()

		for _, peer := range n.OtherIDs() {
			go func(peer string) {
				_, _ = n.RPC(peer, map[string]any{"type": "broadcast", "delta": self})
			}(peer)
		}
	}
}
