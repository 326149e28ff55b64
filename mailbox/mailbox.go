// Package mailbox abstracts the directed, file-based channel between two
// identities. It is the sole seam to the external file-synchronization
// service: production binds it to a synced directory tree, tests bind it to
// an in-memory fake with injectable latency and redelivery.
//
// The namespace is conflict-free by construction: every entry name derives
// from a globally unique message id and is written by exactly one logical
// owner, so no locking protocol is required.
package mailbox

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the named entry is not (yet) visible at the address.
	ErrNotFound = errors.New("mailbox: entry not found")
)

// Address names a directed conversation slot: entries written by Sender and
// destined for Recipient. Both sides of one request/response exchange use the
// same address, distinguished by entry-name suffix.
type Address struct {
	// Recipient is the identity whose replica hosts the slot.
	Recipient string
	// Sender is the identity writing requests into the slot.
	Sender string
}

// Mailbox is the write/observe interface over the synchronization substrate.
// The substrate promises eventual, at-least-once, unordered delivery of
// fully written entries; nothing more.
type Mailbox interface {
	// Put atomically publishes data under name at addr. A remote reader must
	// never observe a partially written entry.
	Put(ctx context.Context, addr Address, name string, data []byte) error
	// List returns a snapshot of the entry names currently visible at addr,
	// in no particular order. A name may reappear across snapshots.
	List(ctx context.Context, addr Address) ([]string, error)
	// Get reads the named entry at addr, or ErrNotFound if not visible.
	Get(ctx context.Context, addr Address, name string) ([]byte, error)
}
