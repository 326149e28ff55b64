package wire

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a message into a byte frame.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return data, nil
}

// Decode parses a byte frame back into a message. Truncated or malformed
// frames fail with an error wrapping ErrDecode; well-formed frames with
// unexpected payload content never fail here, the payload is opaque.
func Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &m, nil
}
