// Command datomic wires the batched per-key-indirection transactional
// engine to the "txn" message type: the runtime's dispatch goroutine only
// enqueues each request, leaving the actual read/commit work to the
// Actor's own batching goroutine.
package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/virgiel/maelstrom-go/internal/datomic"
	"github.com/virgiel/maelstrom-go/internal/node"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)
	actor := datomic.NewActor(n)

	go actor.Run()

	if err := n.Run(func(env node.Envelope) error {
		ty, err := env.Type()
		if err != nil {
			return err
		}
		if ty != "txn" {
			n.ReplyError(env, node.NewRPCError(node.NotSupported, "unknown message type "+ty))
			return nil
		}
		actor.Submit(env)
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}
