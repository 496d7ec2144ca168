package node

import "encoding/json"

// KV identifies one of the three singleton peer services the harness
// supplies.
type KV string

const (
	LinKV KV = "lin-kv"
	SeqKV KV = "seq-kv"
	LWWKV KV = "lww-kv"
)

// Read performs a read RPC against kv and decodes body.value into v.
func (n *Node) Read(kv KV, key string, v any) error {
	env, err := n.RPC(string(kv), map[string]any{"type": "read", "key": key})
	if err != nil {
		return err
	}
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := env.DecodeBody(&body); err != nil {
		return err
	}
	return json.Unmarshal(body.Value, v)
}

// Write performs a write RPC against kv, discarding the success value.
func (n *Node) Write(kv KV, key string, value any) error {
	_, err := n.RPC(string(kv), map[string]any{"type": "write", "key": key, "value": value})
	return err
}

// CAS performs a compare-and-set RPC against kv. A failed precondition or
// missing key surfaces as an *RPCError with code PreconditionFailed or
// KeyDoesNotExist respectively.
func (n *Node) CAS(kv KV, key string, from, to any, createIfNotExists bool) error {
	_, err := n.RPC(string(kv), map[string]any{
		"type":                 "cas",
		"key":                  key,
		"from":                 from,
		"to":                   to,
		"create_if_not_exists": createIfNotExists,
	})
	return err
}
