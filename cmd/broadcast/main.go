// Command broadcast implements single-value multicast with topology-based
// fan-out and a bounded-rate retry for any peer that does not acknowledge
// within the runtime's RPC timeout.
package main

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/virgiel/maelstrom-go/internal/node"
)

// retransmitBackoff bounds how fast an unacknowledged broadcast RPC is
// retried, so a partitioned peer cannot make this node spin.
const retransmitBackoff = 200 * time.Millisecond

type broadcastState struct {
	mu         sync.Mutex
	seen       map[uint64]struct{}
	neighbours []string
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)

	state := &broadcastState{seen: make(map[uint64]struct{})}

	if err := n.Run(func(env node.Envelope) error {
		ty, err := env.Type()
		if err != nil {
			return err
		}
		switch ty {
		case "broadcast":
			handleBroadcast(n, state, env)
		case "read":
			handleRead(n, state, env)
		case "topology":
			handleTopology(n, state, env)
		default:
			n.ReplyError(env, node.NewRPCError(node.NotSupported, "unknown message type "+ty))
		}
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}

func handleBroadcast(n *node.Node, state *broadcastState, env node.Envelope) {
	var body struct {
		Message uint64 `json:"message"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	state.mu.Lock()
	_, already := state.seen[body.Message]
	if !already {
		state.seen[body.Message] = struct{}{}
	}
	neighbours := append([]string(nil), state.neighbours...)
	state.mu.Unlock()

	if !already {
		for _, peer := range neighbours {
			if peer == env.Src {
				continue
			}
			go retransmit(n, peer, body.Message)
		}
	}

	n.Reply(env, map[string]any{"type": "broadcast_ok"})
}

// retransmit keeps issuing the broadcast RPC to peer until it succeeds,
// backing off between attempts instead of retrying as fast as possible.
func retransmit(n *node.Node, peer string, message uint64) {
	for {
		_, err := n.RPC(peer, map[string]any{"type": "broadcast", "message": message})
		if err == nil {
			return
		}
		time.Sleep(retransmitBackoff)
	}
}

func handleRead(n *node.Node, state *broadcastState, env node.Envelope) {
	state.mu.Lock()
	messages := make([]uint64, 0, len(state.seen))
	for m := range state.seen {
		messages = append(messages, m)
	}
	state.mu.Unlock()

	n.Reply(env, map[string]any{"type": "read_ok", "messages": messages})
}

func handleTopology(n *node.Node, state *broadcastState, env node.Envelope) {
	var body struct {
		Topology map[string][]string `json:"topology"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	state.mu.Lock()
	state.neighbours = body.Topology[n.ID()]
	state.mu.Unlock()

	n.Reply(env, map[string]any{"type": "topology_ok"})
}
