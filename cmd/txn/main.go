// Command txn wires the single-root snapshot-isolated store to the "txn"
// message type.
package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog"

	"github.com/virgiel/maelstrom-go/internal/node"
	"github.com/virgiel/maelstrom-go/internal/txn"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)
	store := txn.NewStore(n)

	if err := n.Run(func(env node.Envelope) error {
		ty, err := env.Type()
		if err != nil {
			return err
		}
		if ty != "txn" {
			n.ReplyError(env, node.NewRPCError(node.NotSupported, "unknown message type "+ty))
			return nil
		}

		var body struct {
			Txn json.RawMessage `json:"txn"`
		}
		if err := env.DecodeBody(&body); err != nil {
			n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
			return nil
		}

		result, err := store.Apply(body.Txn)
		if err != nil {
			if rpcErr, ok := err.(*node.RPCError); ok {
				n.ReplyError(env, rpcErr)
			} else {
				n.ReplyError(env, node.NewRPCError(node.Crash, err.Error()))
			}
			return nil
		}

		n.Reply(env, map[string]any{"type": "txn_ok", "txn": result})
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}
