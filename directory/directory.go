// Package directory tracks the peer identities known to a session and their
// last-seen liveness. Chronic unreachability is reported distinctly from a
// single round's timeout so repeated rounds can deprioritize dead peers.
package directory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownNode indicates the identity was never registered.
var ErrUnknownNode = errors.New("directory: unknown node")

// Liveness classifies a node by how recently traffic to or from it was seen.
type Liveness string

const (
	// LivenessPending means the node is within the staleness threshold.
	LivenessPending Liveness = "pending"
	// LivenessUnreachable means last-seen exceeded the staleness threshold.
	LivenessUnreachable Liveness = "unreachable"
)

// Node is one registered peer.
type Node struct {
	Identity     string    `json:"identity"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Directory is an in-memory registry of session peers. Identities are bound
// at session setup and valid for the session lifetime.
type Directory struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	threshold time.Duration
	logger    *zap.Logger
}

// New creates a directory with the given staleness threshold.
func New(staleness time.Duration, logger *zap.Logger) *Directory {
	if staleness <= 0 {
		staleness = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		nodes:     make(map[string]*Node),
		threshold: staleness,
		logger:    logger.With(zap.String("component", "directory")),
	}
}

// Register binds an identity to the session. Re-registering refreshes
// last-seen and keeps the original registration time.
func (d *Directory) Register(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if n, ok := d.nodes[identity]; ok {
		n.LastSeen = now
		return
	}
	d.nodes[identity] = &Node{Identity: identity, RegisteredAt: now, LastSeen: now}
	d.logger.Info("node registered", zap.String("identity", identity))
}

// Touch updates last-seen on any observed traffic to or from identity.
// Unknown identities are ignored.
func (d *Directory) Touch(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[identity]; ok {
		n.LastSeen = time.Now()
	}
}

// Liveness classifies a registered node against the staleness threshold.
func (d *Directory) Liveness(identity string) (Liveness, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, ok := d.nodes[identity]
	if !ok {
		return "", ErrUnknownNode
	}
	if time.Since(n.LastSeen) > d.threshold {
		return LivenessUnreachable, nil
	}
	return LivenessPending, nil
}

// Nodes returns a snapshot of all registered nodes, sorted by identity.
func (d *Directory) Nodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Reachable returns the identities currently within the staleness threshold,
// sorted. A natural target set for the next round.
func (d *Directory) Reachable() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for id, n := range d.nodes {
		if time.Since(n.LastSeen) <= d.threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
