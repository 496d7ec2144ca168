// Package txn implements the single-root snapshot-isolated transactional
// store: one full key/value map per committed snapshot, a CAS'd pointer
// to the current one, and a retry-until-commit loop for every batch of
// read/write operations.
package txn

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/virgiel/maelstrom-go/internal/node"
)

// Store is a retry-until-CAS transactional map bound to a single Node's
// lin-kv client. A process runs exactly one Store.
type Store struct {
	n *node.Node

	mu       sync.Mutex
	rootID   string // empty means no root yet
	snapshot map[uint64]uint64
}

// NewStore returns a Store with no cached snapshot; the first transaction
// populates it from lin-kv.
func NewStore(n *node.Node) *Store {
	return &Store{n: n}
}

// Apply executes txn (a JSON array of ["r"|"w", key, value?] triples)
// against the store, retrying until its commit CAS succeeds, and returns
// the same array with every read slot filled in with its observed value.
func (s *Store) Apply(txn json.RawMessage) (json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(txn, &raw); err != nil {
		return nil, node.NewRPCError(node.MalformedRequest, err.Error())
	}
	ops := make([]rawOp, len(raw))
	for i, r := range raw {
		var tuple []json.RawMessage
		if err := json.Unmarshal(r, &tuple); err != nil || len(tuple) < 2 {
			return nil, node.NewRPCError(node.MalformedRequest, "malformed txn op")
		}
		ops[i].kind = tuple[0]
		ops[i].key = tuple[1]
		if len(tuple) > 2 {
			ops[i].value = tuple[2]
		}
	}

	for {
		prevRoot, working, err := s.loadSnapshot()
		if err != nil {
			return nil, err
		}

		wrote := false
		for i := range ops {
			var kind string
			if err := json.Unmarshal(ops[i].kind, &kind); err != nil {
				return nil, node.NewRPCError(node.MalformedRequest, err.Error())
			}
			var key uint64
			if err := json.Unmarshal(ops[i].key, &key); err != nil {
				return nil, node.NewRPCError(node.MalformedRequest, err.Error())
			}
			switch kind {
			case "r":
				v, ok := working[key]
				if ok {
					b, _ := json.Marshal(v)
					ops[i].value = b
				} else {
					ops[i].value = json.RawMessage("null")
				}
			case "w":
				var v uint64
				if err := json.Unmarshal(ops[i].value, &v); err != nil {
					return nil, node.NewRPCError(node.MalformedRequest, err.Error())
				}
				working[key] = v
				wrote = true
			default:
				return nil, node.NewRPCError(node.MalformedRequest, "unknown op kind "+kind)
			}
		}

		if !wrote {
			unchanged, err := s.headUnchanged(prevRoot)
			if err != nil {
				return nil, err
			}
			if unchanged {
				return encodeOps(ops), nil
			}
			continue
		}

		committed, err := s.commit(prevRoot, working)
		if err != nil {
			return nil, err
		}
		if committed {
			return encodeOps(ops), nil
		}
	}
}

type rawOp struct {
	kind, key, value json.RawMessage
}

func encodeOps(ops []rawOp) json.RawMessage {
	out := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		var tuple []json.RawMessage
		if op.value == nil {
			tuple = []json.RawMessage{op.kind, op.key}
		} else {
			tuple = []json.RawMessage{op.kind, op.key, op.value}
		}
		b, _ := json.Marshal(tuple)
		out[i] = b
	}
	b, _ := json.Marshal(out)
	return b
}

// loadSnapshot returns the current root id and a fresh in-memory copy of
// its map, reading through lin-kv only when the locally cached root is
// stale (the warm path described for the single-root variant).
func (s *Store) loadSnapshot() (string, map[uint64]uint64, error) {
	var head *string
	if err := s.n.Read(node.LinKV, "head", &head); err != nil {
		if rpcErr, ok := err.(*node.RPCError); !ok || rpcErr.Code != node.KeyDoesNotExist {
			return "", nil, err
		}
	}
	root := ""
	if head != nil {
		root = *head
	}

	s.mu.Lock()
	if root == s.rootID && s.snapshot != nil {
		working := cloneMap(s.snapshot)
		s.mu.Unlock()
		return root, working, nil
	}
	s.mu.Unlock()

	mem := make(map[uint64]uint64)
	if root != "" {
		if err := s.n.Read(node.LinKV, root, &mem); err != nil {
			return "", nil, err
		}
	}

	s.mu.Lock()
	s.rootID = root
	s.snapshot = cloneMap(mem)
	s.mu.Unlock()

	return root, cloneMap(mem), nil
}

func (s *Store) headUnchanged(prevRoot string) (bool, error) {
	var head *string
	if err := s.n.Read(node.LinKV, "head", &head); err != nil {
		if rpcErr, ok := err.(*node.RPCError); ok && rpcErr.Code == node.KeyDoesNotExist {
			return prevRoot == "", nil
		}
		return false, err
	}
	current := ""
	if head != nil {
		current = *head
	}
	return current == prevRoot, nil
}

// commit writes working under a fresh snapshot id and CASes head onto it
// from prevRoot. It returns (true, nil) on success and (false, nil) on a
// lost race (PreconditionFailed), which the caller retries from scratch.
func (s *Store) commit(prevRoot string, working map[uint64]uint64) (bool, error) {
	newID := uuid.NewString()
	if err := s.n.Write(node.LinKV, newID, working); err != nil {
		return false, err
	}

	var from any
	if prevRoot != "" {
		from = prevRoot
	}
	err := s.n.CAS(node.LinKV, "head", from, newID, true)
	if err == nil {
		s.mu.Lock()
		s.rootID = newID
		s.snapshot = cloneMap(working)
		s.mu.Unlock()
		return true, nil
	}
	if rpcErr, ok := err.(*node.RPCError); ok && rpcErr.Code == node.PreconditionFailed {
		return false, nil
	}
	return false, err
}

func cloneMap(m map[uint64]uint64) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
