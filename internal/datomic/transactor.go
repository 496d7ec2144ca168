// Package datomic implements the batched, per-key-indirection optimistic
// transactional engine: a root pointer indirects to a map of per-key
// value ids, and each per-key id indirects to an append-only list, so a
// batch of transactions reads and writes only the keys it actually
// touches instead of the whole store.
package datomic

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/virgiel/maelstrom-go/internal/node"
)

type rawOp struct {
	kind, key, value json.RawMessage
}

func parseTxn(raw json.RawMessage) ([]rawOp, error) {
	var tuples []json.RawMessage
	if err := json.Unmarshal(raw, &tuples); err != nil {
		return nil, node.NewRPCError(node.MalformedRequest, err.Error())
	}
	ops := make([]rawOp, len(tuples))
	for i, t := range tuples {
		var fields []json.RawMessage
		if err := json.Unmarshal(t, &fields); err != nil || len(fields) < 2 {
			return nil, node.NewRPCError(node.MalformedRequest, "malformed txn op")
		}
		ops[i].kind = fields[0]
		ops[i].key = fields[1]
		if len(fields) > 2 {
			ops[i].value = fields[2]
		}
	}
	return ops, nil
}

func encodeTxn(ops []rawOp) json.RawMessage {
	out := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		var fields []json.RawMessage
		if op.value == nil {
			fields = []json.RawMessage{op.kind, op.key}
		} else {
			fields = []json.RawMessage{op.kind, op.key, op.value}
		}
		b, _ := json.Marshal(fields)
		out[i] = b
	}
	b, _ := json.Marshal(out)
	return b
}

func opKind(op rawOp) (string, error) {
	var kind string
	if err := json.Unmarshal(op.kind, &kind); err != nil {
		return "", node.NewRPCError(node.MalformedRequest, err.Error())
	}
	return kind, nil
}

func opKeyU64(op rawOp) (uint64, error) {
	var key uint64
	if err := json.Unmarshal(op.key, &key); err != nil {
		return 0, node.NewRPCError(node.MalformedRequest, err.Error())
	}
	return key, nil
}

// Transactor runs batches of transactions against the root/per-key-id
// store. It is not safe for concurrent use by multiple goroutines; Actor
// is what serializes access to it.
type Transactor struct {
	n *node.Node

	root string
	mem  map[uint64]string // key -> per-key value id
}

// NewTransactor returns a Transactor bound to n, starting from an empty
// store until the first call to Run observes a committed root.
func NewTransactor(n *node.Node) *Transactor {
	return &Transactor{n: n, mem: make(map[uint64]string)}
}

// Run executes every transaction in batch as one atomic group, retrying
// the whole batch until its commit CAS succeeds, and returns each
// transaction's ops with every read slot filled in with its observed
// value (a list, or null if the key has never been written).
func (t *Transactor) Run(batch [][]rawOp) ([][]rawOp, error) {
	readID := make(map[uint64]struct{})
	writeID := make(map[uint64]string)
	for _, ops := range batch {
		for _, op := range ops {
			kind, err := opKind(op)
			if err != nil {
				return nil, err
			}
			key, err := opKeyU64(op)
			if err != nil {
				return nil, err
			}
			if _, writing := writeID[key]; !writing {
				readID[key] = struct{}{}
			}
			if kind == "append" {
				if _, ok := writeID[key]; !ok {
					writeID[key] = uuid.NewString()
				}
			}
		}
	}
	newRoot := uuid.NewString()
	cache := make(map[string][]uint64)

	for {
		if err := t.refreshRoot(); err != nil {
			return nil, err
		}

		if err := t.batchRead(readID, cache); err != nil {
			return nil, err
		}

		for _, ops := range batch {
			for i := range ops {
				kind, err := opKind(ops[i])
				if err != nil {
					return nil, err
				}
				key, err := opKeyU64(ops[i])
				if err != nil {
					return nil, err
				}
				current := t.currentValue(key, cache)

				switch kind {
				case "r":
					if current == nil {
						ops[i].value = json.RawMessage("null")
					} else {
						b, _ := json.Marshal(current)
						ops[i].value = b
					}
				case "append":
					var v uint64
					if err := json.Unmarshal(ops[i].value, &v); err != nil {
						return nil, node.NewRPCError(node.MalformedRequest, err.Error())
					}
					id := writeID[key]
					t.mem[key] = id
					cache[id] = append(append([]uint64(nil), current...), v)
				default:
					return nil, node.NewRPCError(node.MalformedRequest, "unknown op kind "+kind)
				}
			}
		}

		if len(writeID) == 0 {
			unchanged, err := t.rootUnchanged()
			if err != nil {
				return nil, err
			}
			if unchanged {
				return batch, nil
			}
			continue
		}

		committed, err := t.commit(writeID, newRoot, cache)
		if err != nil {
			return nil, err
		}
		if committed {
			return batch, nil
		}
	}
}

func (t *Transactor) currentValue(key uint64, cache map[string][]uint64) []uint64 {
	id, ok := t.mem[key]
	if !ok {
		return nil
	}
	return cache[id]
}

// batchRead reads, in parallel, every per-key id referenced by readID
// that is present in mem and not already cached — the fan-out that makes
// a batch of transactions cost one round of RPCs for the keys it
// actually touches instead of one round per transaction.
func (t *Transactor) batchRead(readID map[uint64]struct{}, cache map[string][]uint64) error {
	var g errgroup.Group
	var mu sync.Mutex
	for key := range readID {
		id, ok := t.mem[key]
		if !ok {
			continue
		}
		mu.Lock()
		_, cached := cache[id]
		mu.Unlock()
		if cached {
			continue
		}
		id := id
		g.Go(func() error {
			var list []uint64
			err := t.n.Read(node.LinKV, id, &list)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				cache[id] = list
			} else if rpcErr, ok := err.(*node.RPCError); !ok || rpcErr.Code != node.KeyDoesNotExist {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (t *Transactor) refreshRoot() error {
	var head *string
	if err := t.n.Read(node.LinKV, "root", &head); err != nil {
		if rpcErr, ok := err.(*node.RPCError); !ok || rpcErr.Code != node.KeyDoesNotExist {
			return err
		}
	}
	root := ""
	if head != nil {
		root = *head
	}
	if root == t.root {
		return nil
	}
	t.root = root
	if root == "" {
		t.mem = make(map[uint64]string)
		return nil
	}
	mem := make(map[uint64]string)
	if err := t.n.Read(node.LinKV, root, &mem); err != nil {
		return err
	}
	t.mem = mem
	return nil
}

func (t *Transactor) rootUnchanged() (bool, error) {
	var head *string
	if err := t.n.Read(node.LinKV, "root", &head); err != nil {
		if rpcErr, ok := err.(*node.RPCError); ok && rpcErr.Code == node.KeyDoesNotExist {
			return t.root == "", nil
		}
		return false, err
	}
	current := ""
	if head != nil {
		current = *head
	}
	return current == t.root, nil
}

// commit writes every freshly-appended per-key value and the new root
// map in parallel, then CASes root onto the new map. It returns
// (true, nil) on success and (false, nil) on a lost race, which Run
// retries with the same writeID/newRoot allocation.
func (t *Transactor) commit(writeID map[uint64]string, newRoot string, cache map[string][]uint64) (bool, error) {
	var g errgroup.Group
	for _, id := range writeID {
		id := id
		g.Go(func() error {
			return t.n.Write(node.LinKV, id, cache[id])
		})
	}
	g.Go(func() error {
		return t.n.Write(node.LinKV, newRoot, t.mem)
	})
	if err := g.Wait(); err != nil {
		return false, err
	}

	var from any
	if t.root != "" {
		from = t.root
	}
	err := t.n.CAS(node.LinKV, "root", from, newRoot, true)
	if err == nil {
		t.root = newRoot
		return true, nil
	}
	if rpcErr, ok := err.(*node.RPCError); ok && rpcErr.Code == node.PreconditionFailed {
		return false, nil
	}
	return false, err
}
