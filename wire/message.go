// Package wire defines the message envelope and byte-frame codec used by the
// file-backed transport. Payloads are opaque at this layer: any structure
// (model parameters, metrics, control records) belongs to the caller.
package wire

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind indicates the direction of a message.
type Kind string

const (
	// KindRequest marks a message initiating a request.
	KindRequest Kind = "request"
	// KindResponse marks a message answering a previously sent request.
	KindResponse Kind = "response"
)

// Message is the envelope carried by every frame exchanged through a mailbox.
type Message struct {
	// ID is the globally unique identifier of this message.
	ID string `json:"id"`
	// From is the sender identity.
	From string `json:"from"`
	// To is the recipient identity.
	To string `json:"to"`
	// Kind is the message direction (request or response).
	Kind Kind `json:"kind"`
	// CorrelationID links a response to the request it answers. Empty on requests.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is the instant after which the message should be discarded
	// unprocessed. Zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// Error carries a remote handler failure on error responses.
	Error string `json:"error,omitempty"`
	// Payload is the opaque application payload.
	Payload []byte `json:"payload,omitempty"`
}

// NewRequest creates a request message with a fresh ID and current timestamp.
func NewRequest(from, to string, payload []byte, ttl time.Duration) *Message {
	now := time.Now().UTC()
	m := &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Kind:      KindRequest,
		CreatedAt: now,
		Payload:   payload,
	}
	if ttl > 0 {
		m.ExpiresAt = now.Add(ttl)
	}
	return m
}

// NewResponse creates a response to req carrying payload. The response reuses
// the request ID as its correlation id so the two pair by name alone.
func NewResponse(req *Message, payload []byte) *Message {
	return &Message{
		ID:            uuid.New().String(),
		From:          req.To,
		To:            req.From,
		Kind:          KindResponse,
		CorrelationID: req.ID,
		CreatedAt:     time.Now().UTC(),
		Payload:       payload,
	}
}

// NewErrorResponse creates an explicit error response to req. Handler failures
// travel back as error responses so the requesting side never has to wait out
// its deadline to learn about a fast failure.
func NewErrorResponse(req *Message, handlerErr error) *Message {
	m := NewResponse(req, nil)
	m.Error = handlerErr.Error()
	return m
}

// Validate checks the envelope for structural completeness.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.From == "" {
		return ErrMissingFrom
	}
	if m.To == "" {
		return ErrMissingTo
	}
	if m.Kind != KindRequest && m.Kind != KindResponse {
		return ErrInvalidKind
	}
	if m.Kind == KindResponse && m.CorrelationID == "" {
		return ErrMissingCorrelation
	}
	return nil
}

// Expired reports whether the message expiry has passed at the given instant.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// IsError reports whether the message is an error response.
func (m *Message) IsError() bool {
	return m.Kind == KindResponse && m.Error != ""
}

const (
	requestSuffix  = ".request"
	responseSuffix = ".response"
)

// RequestName returns the mailbox entry name for a request with the given id.
func RequestName(id string) string { return id + requestSuffix }

// ResponseName returns the mailbox entry name for the response to request id.
// Request and response names differ only by suffix, so a watcher can pair them
// without any side index.
func ResponseName(id string) string { return id + responseSuffix }

// ParseName splits a mailbox entry name into the message id and kind.
func ParseName(name string) (id string, kind Kind, err error) {
	switch {
	case strings.HasSuffix(name, requestSuffix):
		return strings.TrimSuffix(name, requestSuffix), KindRequest, nil
	case strings.HasSuffix(name, responseSuffix):
		return strings.TrimSuffix(name, responseSuffix), KindResponse, nil
	default:
		return "", "", ErrBadName
	}
}
