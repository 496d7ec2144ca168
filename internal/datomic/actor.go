package datomic

import (
	"encoding/json"

	"github.com/virgiel/maelstrom-go/internal/node"
)

// Actor serializes all access to a single Transactor behind a request
// channel: every envelope submitted between two drains of the channel is
// run through Transactor.Run as one batch, so the read/write fan-out in
// Run amortizes across however many client transactions arrived close
// together.
type Actor struct {
	n    *node.Node
	t    *Transactor
	reqs chan node.Envelope
}

// NewActor returns an Actor bound to n; call Run in its own goroutine to
// start draining.
func NewActor(n *node.Node) *Actor {
	return &Actor{n: n, t: NewTransactor(n), reqs: make(chan node.Envelope, 256)}
}

// Submit enqueues a client "txn" envelope for the next batch. Safe to
// call concurrently from multiple handler goroutines.
func (a *Actor) Submit(env node.Envelope) {
	a.reqs <- env
}

// Run drains the queue into successive batches forever. It never returns
// under normal operation.
func (a *Actor) Run() {
	for {
		envs := []node.Envelope{<-a.reqs}
		for drained := false; !drained; {
			select {
			case e := <-a.reqs:
				envs = append(envs, e)
			default:
				drained = true
			}
		}
		a.runBatch(envs)
	}
}

func (a *Actor) runBatch(envs []node.Envelope) {
	batch := make([][]rawOp, len(envs))
	for i, env := range envs {
		var body struct {
			Txn json.RawMessage `json:"txn"`
		}
		if err := env.DecodeBody(&body); err != nil {
			a.n.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
			batch[i] = nil
			continue
		}
		ops, err := parseTxn(body.Txn)
		if err != nil {
			if rpcErr, ok := err.(*node.RPCError); ok {
				a.n.ReplyError(env, rpcErr)
			}
			batch[i] = nil
			continue
		}
		batch[i] = ops
	}

	result, err := a.t.Run(batch)
	if err != nil {
		for i, env := range envs {
			if batch[i] == nil {
				continue // already answered during parsing
			}
			if rpcErr, ok := err.(*node.RPCError); ok {
				a.n.ReplyError(env, rpcErr)
			} else {
				a.n.ReplyError(env, node.NewRPCError(node.Crash, err.Error()))
			}
		}
		return
	}

	for i, env := range envs {
		if result[i] == nil {
			continue // already answered above (malformed request)
		}
		a.n.Reply(env, map[string]any{"type": "txn_ok", "txn": encodeTxn(result[i])})
	}
}
