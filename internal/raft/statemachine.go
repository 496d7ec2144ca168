package raft

import (
	"encoding/json"

	"github.com/virgiel/maelstrom-go/internal/node"
)

// StateMachine is the linearizable key/value map every committed log
// entry is applied against.
type StateMachine struct {
	db map[string]json.RawMessage
}

// NewStateMachine returns an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{db: make(map[string]json.RawMessage)}
}

type opRequest struct {
	Type string          `json:"type"`
	Key  json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	From  json.RawMessage `json:"from,omitempty"`
	To    json.RawMessage `json:"to,omitempty"`
}

type readOkBody struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type writeOkBody struct {
	Type string `json:"type"`
}

type casOkBody struct {
	Type string `json:"type"`
}

// Apply decodes and executes one client op body against the map,
// returning the response body to reply with (read_ok/write_ok/cas_ok),
// or an *node.RPCError with the matching code on failure.
func (m *StateMachine) Apply(raw json.RawMessage) (any, error) {
	var op opRequest
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, node.NewRPCError(node.MalformedRequest, err.Error())
	}
	key := string(op.Key)

	switch op.Type {
	case "read":
		v, ok := m.db[key]
		if !ok {
			return nil, node.NewRPCError(node.KeyDoesNotExist, "")
		}
		return readOkBody{Type: "read_ok", Value: v}, nil

	case "write":
		m.db[key] = op.Value
		return writeOkBody{Type: "write_ok"}, nil

	case "cas":
		v, ok := m.db[key]
		if !ok {
			return nil, node.NewRPCError(node.KeyDoesNotExist, "")
		}
		if !jsonEqual(v, op.From) {
			return nil, node.NewRPCError(node.PreconditionFailed, "")
		}
		m.db[key] = op.To
		return casOkBody{Type: "cas_ok"}, nil

	default:
		return nil, node.NewRPCError(node.NotSupported, "unknown op type "+op.Type)
	}
}

// jsonEqual compares two raw JSON scalars by their decoded value rather
// than byte-for-byte, so "1" and "1.0" (or differing whitespace) compare
// equal the way two equivalent JSON values should.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ab, errA := json.Marshal(av)
	bb, errB := json.Marshal(bv)
	return errA == nil && errB == nil && string(ab) == string(bb)
}
