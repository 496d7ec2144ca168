package node

import "encoding/json"

// NodeID is a short opaque identifier for a node or client, e.g. "n1",
// "c1", "lin-kv".
type NodeID = string

// Envelope is the outer JSON object every line of the protocol carries:
// {"src": ..., "dest": ..., "body": {...}}. Body is kept as a raw message
// so that only the two reserved correlation fields (msg_id/in_reply_to)
// and the type tag are ever inspected outside a handler or engine; the
// rest stays untouched dynamic JSON until something decodes it.
type Envelope struct {
	Src  NodeID          `json:"src,omitempty"`
	Dest NodeID          `json:"dest,omitempty"`
	Body json.RawMessage `json:"body"`
}

// header is the subset of a body every envelope may carry: the type tag
// plus the two reserved correlation fields.
type header struct {
	Type      string  `json:"type"`
	MsgID     *uint64 `json:"msg_id,omitempty"`
	InReplyTo *uint64 `json:"in_reply_to,omitempty"`
}

func (e Envelope) header() (header, error) {
	var h header
	if err := json.Unmarshal(e.Body, &h); err != nil {
		return header{}, err
	}
	return h, nil
}

// Type returns the body's "type" tag.
func (e Envelope) Type() (string, error) {
	h, err := e.header()
	if err != nil {
		return "", err
	}
	return h.Type, nil
}

// DecodeBody unmarshals the envelope body into v, a typed request/response
// struct. Handlers call this once at entry to move off the dynamic
// representation; they never hold onto json.RawMessage past that point.
func (e Envelope) DecodeBody(v any) error {
	return json.Unmarshal(e.Body, v)
}

// withInReplyTo returns body with in_reply_to merged in, used by Reply to
// stamp the correlation id onto an otherwise-typed response value.
func withInReplyTo(body any, msgID uint64) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	stamped, err := json.Marshal(msgID)
	if err != nil {
		return nil, err
	}
	asMap["in_reply_to"] = stamped
	return json.Marshal(asMap)
}

func withMsgID(body any, msgID uint64) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	stamped, err := json.Marshal(msgID)
	if err != nil {
		return nil, err
	}
	asMap["msg_id"] = stamped
	return json.Marshal(asMap)
}
