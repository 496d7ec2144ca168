// Command kafka implements the append-only log workload on top of lin-kv:
// each log key has an offset counter reserved via a compare-and-set retry
// loop, and every message is stored under its own "<key>_<offset>" entry so
// polling a key is just a sequential scan of those entries. Commit and
// list-committed-offsets track purely local, per-node state.
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/virgiel/maelstrom-go/internal/node"
)

type kafkaState struct {
	mu        sync.Mutex
	committed map[string]uint64
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)

	state := &kafkaState{committed: make(map[string]uint64)}

	if err := n.Run(func(env node.Envelope) error {
		ty, err := env.Type()
		if err != nil {
			return err
		}
		switch ty {
		case "send":
			handleSend(n, env)
		case "poll":
			handlePoll(n, env)
		case "commit_offsets":
			handleCommitOffsets(n, state, env)
		case "list_committed_offsets":
			handleListCommittedOffsets(n, state, env)
		default:
			n.ReplyError(env, node.NewRPCError(node.NotSupported, "unknown message type "+ty))
		}
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}

// offsetKey and entryKey give the lin-kv key names backing a log: one
// counter per log key tracking the next free offset, and one entry per
// (key, offset) pair holding the stored message.
func offsetKey(key string) string               { return "offset_" + key }
func entryKey(key string, offset uint64) string { return fmt.Sprintf("%s_%d", key, offset) }

func handleSend(n *node.Node, env node.Envelope) {
	var body struct {
		Key string `json:"key"`
		Msg uint64 `json:"msg"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	offset, err := reserveOffset(n, body.Key)
	if err != nil {
		if rpcErr, ok := err.(*node.RPCError); ok {
			n.ReplyError(env, rpcErr)
		} else {
			n.ReplyError(env, node.NewRPCError(node.Crash, err.Error()))
		}
		return
	}

	if err := n.Write(node.LinKV, entryKey(body.Key, offset), body.Msg); err != nil {
		n.ReplyError(env, node.NewRPCError(node.Crash, err.Error()))
		return
	}

	n.Reply(env, map[string]any{"type": "send_ok", "offset": offset})
}

// reserveOffset claims the next free offset for key by racing a
// compare-and-set against the key's offset counter, retrying from a fresh
// read whenever another node wins the race.
func reserveOffset(n *node.Node, key string) (uint64, error) {
	for {
		var current uint64
		err := n.Read(node.LinKV, offsetKey(key), &current)
		if err != nil {
			if rpcErr, ok := err.(*node.RPCError); !ok || rpcErr.Code != node.KeyDoesNotExist {
				return 0, err
			}
			current = 0
		}

		next := current + 1
		err = n.CAS(node.LinKV, offsetKey(key), current, next, true)
		if err == nil {
			return current, nil
		}
		if rpcErr, ok := err.(*node.RPCError); ok && rpcErr.Code == node.PreconditionFailed {
			continue
		}
		return 0, err
	}
}

func handlePoll(n *node.Node, env node.Envelope) {
	var body struct {
		Offsets map[string]uint64 `json:"offsets"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	var mu sync.Mutex
	msgs := make(map[string][][2]uint64, len(body.Offsets))

	g := new(errgroup.Group)
	for key, from := range body.Offsets {
		key, from := key, from
		g.Go(func() error {
			entries, err := pollKey(n, key, from)
			if err != nil {
				return err
			}
			mu.Lock()
			msgs[key] = entries
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		n.ReplyError(env, node.NewRPCError(node.Crash, err.Error()))
		return
	}

	n.Reply(env, map[string]any{"type": "poll_ok", "msgs": msgs})
}

// pollKey reads entries for key starting at offset from, stopping at the
// first missing offset.
func pollKey(n *node.Node, key string, from uint64) ([][2]uint64, error) {
	var entries [][2]uint64
	for offset := from; ; offset++ {
		var msg uint64
		err := n.Read(node.LinKV, entryKey(key, offset), &msg)
		if err != nil {
			if rpcErr, ok := err.(*node.RPCError); ok && rpcErr.Code == node.KeyDoesNotExist {
				break
			}
			return nil, err
		}
		entries = append(entries, [2]uint64{offset, msg})
	}
	return entries, nil
}

func handleCommitOffsets(n *node.Node, state *kafkaState, env node.Envelope) {
	var body struct {
		Offsets map[string]uint64 `json:"offsets"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	state.mu.Lock()
	for key, offset := range body.Offsets {
		state.committed[key] = offset
	}
	state.mu.Unlock()

	n.Reply(env, map[string]any{"type": "commit_offsets_ok"})
}

func handleListCommittedOffsets(n *node.Node, state *kafkaState, env node.Envelope) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := env.DecodeBody(&body); err != nil {
		n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	state.mu.Lock()
	offsets := make(map[string]uint64, len(body.Keys))
	for _, key := range body.Keys {
		if offset, ok := state.committed[key]; ok {
			offsets[key] = offset
		}
	}
	state.mu.Unlock()

	n.Reply(env, map[string]any{"type": "list_committed_offsets_ok", "offsets": offsets})
}
