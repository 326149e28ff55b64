package transport

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a pending request.
type Status int32

const (
	// StatusPending means no response has been observed yet.
	StatusPending Status = iota
	// StatusFulfilled means the first matching response resolved the request.
	StatusFulfilled
	// StatusTimedOut means the deadline elapsed without a response.
	StatusTimedOut
	// StatusCanceled means the owner withdrew the request early.
	StatusCanceled
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	case StatusTimedOut:
		return "timed_out"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Pending is the handle returned by Send. It resolves exactly once: the first
// matching response, the deadline, or a cancel wins; everything after that is
// a duplicate or stale delivery and is discarded.
type Pending struct {
	id        string
	recipient string
	sentAt    time.Time
	deadline  time.Time

	mu        sync.Mutex
	status    Status
	payload   []byte
	remoteErr string
	done      chan struct{}
}

func newPending(id, recipient string, sentAt, deadline time.Time) *Pending {
	return &Pending{
		id:        id,
		recipient: recipient,
		sentAt:    sentAt,
		deadline:  deadline,
		done:      make(chan struct{}),
	}
}

// ID returns the request message id.
func (p *Pending) ID() string { return p.id }

// Recipient returns the target identity.
func (p *Pending) Recipient() string { return p.recipient }

// Deadline returns the instant the request times out.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Status returns the current lifecycle state.
func (p *Pending) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// complete transitions the request to a terminal state. Only the first call
// wins; later calls report false so duplicates can be counted and dropped.
func (p *Pending) complete(status Status, payload []byte, remoteErr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusPending {
		return false
	}
	p.status = status
	p.payload = payload
	p.remoteErr = remoteErr
	close(p.done)
	return true
}
