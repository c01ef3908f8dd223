package vines

import (
	"encoding/json"
	"fmt"
)

// Verb identifies the protocol message types.
type Verb string

const (
	VerbList     Verb = "list"
	VerbGossip   Verb = "gossip"
	VerbRequest  Verb = "request"
	VerbResponse Verb = "response"
	VerbVotes    Verb = "votes"
)

func knownVerb(v Verb) bool {
	switch v {
	case VerbList, VerbGossip, VerbRequest, VerbResponse, VerbVotes:
		return true
	default:
		return false
	}
}

// Meta carries the message type.
type Meta struct {
	Type Verb `json:"type"`
}

// Message is the self-describing wire record exchanged between peers. Data
// holds the verb-specific payload and is decoded by the handler for the
// verb.
type Message struct {
	Meta *Meta           `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Validate rejects records that do not match the schema: meta absent, type
// absent, or data absent.
func (m *Message) Validate() error {
	if m.Meta == nil {
		return fmt.Errorf("message missing meta")
	}
	if m.Meta.Type == "" {
		return fmt.Errorf("message missing type")
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("message missing data")
	}
	return nil
}

func newMessage(verb Verb, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", verb, err)
	}
	return &Message{
		Meta: &Meta{Type: verb},
		Data: data,
	}, nil
}

// keyVersion is the payload of 'gossip' and 'request' messages: a (key,
// version) pair from the versioned store.
type keyVersion struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

// keyValue is the payload of 'response' messages, carrying the full value
// for a key the receiver declared interest in.
type keyValue struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version uint64 `json:"version"`
}
