// Command echo answers every "echo" request with an "echo_ok" carrying
// the same payload back.
package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog"

	"github.com/virgiel/maelstrom-go/internal/node"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)

	if err := n.Run(func(env node.Envelope) error {
		var body struct {
			Echo json.RawMessage `json:"echo"`
		}
		if err := env.DecodeBody(&body); err != nil {
			n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
			return nil
		}
		n.Reply(env, map[string]any{"type": "echo_ok", "echo": body.Echo})
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}
