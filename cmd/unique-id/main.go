// Command unique-id answers "generate" requests with an id formed from
// this node's own identifier and a per-node monotonic counter, so
// uniqueness across the cluster follows from node id uniqueness alone.
package main

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/virgiel/maelstrom-go/internal/node"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)

	var counter atomic.Uint64

	if err := n.Run(func(env node.Envelope) error {
		ty, err := env.Type()
		if err != nil {
			return err
		}
		if ty != "generate" {
			n.ReplyError(env, node.NewRPCError(node.NotSupported, "unknown message type "+ty))
			return nil
		}
		id := n.ID() + strconv.FormatUint(counter.Add(1)-1, 10)
		n.Reply(env, map[string]any{"type": "generate_ok", "id": id})
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}
