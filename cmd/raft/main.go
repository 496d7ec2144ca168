// Command raft runs the Raft-replicated key/value store: every node in the
// cluster runs an identical Raft instance, and client "read"/"write"/"cas"
// requests are routed through it to be committed before they are answered.
package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/virgiel/maelstrom-go/internal/node"
	"github.com/virgiel/maelstrom-go/internal/raft"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	n := node.New(log)
	r := raft.New(n, log)

	go r.Run()

	if err := n.Run(func(env node.Envelope) error {
		return r.Handle(env)
	}); err != nil {
		log.Fatal().Err(err).Msg("run")
	}
}
