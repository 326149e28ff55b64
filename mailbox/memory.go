package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryMailbox is an in-memory Mailbox for tests. It models the
// synchronization substrate's weak guarantees deterministically: entries
// become visible only after a configurable latency, snapshots carry no order,
// and Redeliver makes an already-delivered entry surface again, as a sync
// service replaying a file would.
type MemoryMailbox struct {
	mu      sync.Mutex
	slots   map[Address]map[string]*memEntry
	latency time.Duration
	putErr  error
}

type memEntry struct {
	data      []byte
	visibleAt time.Time
}

// NewMemoryMailbox creates an empty in-memory mailbox with zero latency.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{slots: make(map[Address]map[string]*memEntry)}
}

// SetLatency delays visibility of subsequently put entries by d.
func (m *MemoryMailbox) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailPuts makes subsequent Put calls fail with err; nil restores normal
// operation.
func (m *MemoryMailbox) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// Put publishes data under name at addr, visible after the configured latency.
func (m *MemoryMailbox) Put(ctx context.Context, addr Address, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}

	slot, ok := m.slots[addr]
	if !ok {
		slot = make(map[string]*memEntry)
		m.slots[addr] = slot
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	slot[name] = &memEntry{data: buf, visibleAt: time.Now().Add(m.latency)}
	return nil
}

// List snapshots the names currently visible at addr.
func (m *MemoryMailbox) List(ctx context.Context, addr Address) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var names []string
	for name, e := range m.slots[addr] {
		if now.Before(e.visibleAt) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Get reads the named entry at addr if it is visible.
func (m *MemoryMailbox) Get(ctx context.Context, addr Address, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.slots[addr][name]
	if !ok || time.Now().Before(e.visibleAt) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	buf := make([]byte, len(e.data))
	copy(buf, e.data)
	return buf, nil
}

// Redeliver marks an existing entry as freshly visible, simulating duplicate
// delivery by the sync layer. It is a no-op for unknown names.
func (m *MemoryMailbox) Redeliver(addr Address, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.slots[addr][name]; ok {
		e.visibleAt = time.Now()
	}
}

// Remove deletes an entry outright, simulating loss before delivery.
func (m *MemoryMailbox) Remove(addr Address, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots[addr], name)
}

var _ Mailbox = (*MemoryMailbox)(nil)
