package vines

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Messages are framed as newline-delimited JSON records over the stream.

func encodeMessage(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(b, '\n'), nil
}

func decodeMessage(b []byte) (*Message, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("failed to decode message: empty frame")
	}

	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}
