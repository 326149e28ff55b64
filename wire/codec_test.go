package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := NewRequest("aggregator@example.com", "clinic-a@example.com", []byte("weights"), time.Minute)

	frame, err := Encode(req)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, req.From, decoded.From)
	assert.Equal(t, req.To, decoded.To)
	assert.Equal(t, KindRequest, decoded.Kind)
	assert.Equal(t, req.Payload, decoded.Payload)
	assert.True(t, req.CreatedAt.Equal(decoded.CreatedAt))
	assert.True(t, req.ExpiresAt.Equal(decoded.ExpiresAt))
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.StringMatching(`[a-z]{1,8}@[a-z]{1,8}\.org`).Draw(t, "from")
		to := rapid.StringMatching(`[a-z]{1,8}@[a-z]{1,8}\.org`).Draw(t, "to")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")

		msg := NewRequest(from, to, payload, 0)
		frame, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.ID != msg.ID || decoded.From != from || decoded.To != to {
			t.Fatalf("envelope mismatch: %+v", decoded)
		}
		if len(payload) == 0 {
			if len(decoded.Payload) != 0 {
				t.Fatalf("expected empty payload, got %d bytes", len(decoded.Payload))
			}
		} else if string(decoded.Payload) != string(payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty frame", frame: nil},
		{name: "truncated json", frame: []byte(`{"id":"abc","from":`)},
		{name: "not json at all", frame: []byte("\x00\x01\x02garbage")},
		{name: "valid json missing envelope", frame: []byte(`{"payload":"aGk="}`)},
		{name: "bad kind", frame: []byte(`{"id":"a","from":"b","to":"c","kind":"gossip"}`)},
		{name: "response without correlation", frame: []byte(`{"id":"a","from":"b","to":"c","kind":"response"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecodeOpaquePayload(t *testing.T) {
	// Semantically odd but well-formed payloads must pass: the codec never
	// inspects payload content.
	msg := NewRequest("a@x.org", "b@x.org", []byte(`{"not":"a tensor"`), 0)
	frame, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, decoded.Payload)
}
