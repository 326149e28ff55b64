// Package fedgrid provides a top-level session over a file-synced peer
// network: request/response messaging through shared mailbox folders plus
// quorum-based broadcast rounds across a fixed peer set.
//
// Usage:
//
//	grid, err := fedgrid.Open(
//	    fedgrid.WithConfig(cfg),
//	    fedgrid.WithPeers("clinic-a@hospital-net.org", "clinic-b@hospital-net.org"),
//	)
//	result, err := grid.Round(ctx, weights, round.Options{MinComplete: 2})
//
// The same Grid serves both sides of the protocol: an orchestrator drives
// rounds with [Grid.Round] and [Grid.Call], a participant answers with
// [Grid.Serve].
package fedgrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fedgrid/fedgrid/config"
	"github.com/fedgrid/fedgrid/directory"
	"github.com/fedgrid/fedgrid/futures"
	"github.com/fedgrid/fedgrid/internal/metrics"
	"github.com/fedgrid/fedgrid/mailbox"
	"github.com/fedgrid/fedgrid/round"
	"github.com/fedgrid/fedgrid/transport"
)

// ErrMissingIdentity indicates Open was called without a node identity.
var ErrMissingIdentity = errors.New("fedgrid: identity not configured")

// Option configures the Grid created by [Open].
type Option func(*options)

type options struct {
	cfg    *config.Config
	peers  []string
	mb     mailbox.Mailbox
	logger *zap.Logger
	store  *futures.Store
}

// WithConfig supplies a full configuration. Defaults apply when omitted.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithIdentity sets this node's address within the sync tree.
func WithIdentity(identity string) Option {
	return func(o *options) {
		if o.cfg == nil {
			o.cfg = config.DefaultConfig()
		}
		o.cfg.Sync.Identity = identity
	}
}

// WithSyncRoot sets the local path of the synced folder tree.
func WithSyncRoot(root string) Option {
	return func(o *options) {
		if o.cfg == nil {
			o.cfg = config.DefaultConfig()
		}
		o.cfg.Sync.Root = root
	}
}

// WithPeers sets the peer identities this grid talks to.
func WithPeers(peers ...string) Option {
	return func(o *options) { o.peers = append(o.peers, peers...) }
}

// WithMailbox overrides the mailbox backend. Defaults to a filesystem
// mailbox rooted at the configured sync root.
func WithMailbox(mb mailbox.Mailbox) Option {
	return func(o *options) { o.mb = mb }
}

// WithLogger sets a custom zap logger. Defaults to one built from the
// log configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFuturesStore supplies an already-open persistence store. The Grid
// does not close stores it did not open.
func WithFuturesStore(s *futures.Store) Option {
	return func(o *options) { o.store = s }
}

// Grid is one node's session on the peer network. It owns the outbound
// tracker, the inbound watcher, the node directory and the round
// coordinator, all bound to a single identity and mailbox tree.
type Grid struct {
	cfg      *config.Config
	identity string
	peers    []string

	mb          mailbox.Mailbox
	sender      *transport.Sender
	receiver    *transport.Receiver
	coordinator *round.Coordinator
	dir         *directory.Directory

	store    *futures.Store
	ownStore bool
	logger   *zap.Logger
}

// Open assembles a Grid from the given options.
func Open(opts ...Option) (*Grid, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.Sync.Identity == "" {
		return nil, ErrMissingIdentity
	}

	logger := o.logger
	if logger == nil {
		logger = cfg.Log.BuildLogger()
	}
	logger = logger.With(zap.String("identity", cfg.Sync.Identity))

	mb := o.mb
	if mb == nil {
		mb = mailbox.NewFSMailbox(cfg.Sync.Root, cfg.Sync.AppName, logger)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	store := o.store
	ownStore := false
	if store == nil && cfg.Futures.Enabled {
		var err error
		store, err = futures.Open(cfg.Futures.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("fedgrid: open futures store: %w", err)
		}
		ownStore = true
	}

	sender := transport.NewSender(cfg.Sync.Identity, mb, transport.SenderConfig{
		PollInterval:    cfg.Transport.PollInterval,
		MaxPollInterval: cfg.Transport.MaxPollInterval,
		Metrics:         collector,
		Store:           store,
	}, logger)

	receiver := transport.NewReceiver(cfg.Sync.Identity, mb, transport.ReceiverConfig{
		PollInterval: cfg.Transport.ReceiverPollInterval,
		ScanRate:     rate.Limit(cfg.Transport.ScanRate),
		DedupWindow:  cfg.Transport.DedupWindow,
		DedupMaxSize: cfg.Transport.DedupMaxSize,
		Metrics:      collector,
	}, logger)

	dir := directory.New(cfg.Directory.Staleness, logger)
	for _, peer := range o.peers {
		dir.Register(peer)
		receiver.Watch(peer)
	}

	coordinator := round.NewCoordinator(sender, dir, round.CoordinatorConfig{
		DefaultTimeout: cfg.Round.DefaultTimeout,
		Metrics:        collector,
	}, logger)

	return &Grid{
		cfg:         cfg,
		identity:    cfg.Sync.Identity,
		peers:       append([]string(nil), o.peers...),
		mb:          mb,
		sender:      sender,
		receiver:    receiver,
		coordinator: coordinator,
		dir:         dir,
		store:       store,
		ownStore:    ownStore,
		logger:      logger,
	}, nil
}

// Identity returns this node's address.
func (g *Grid) Identity() string { return g.identity }

// Peers returns the configured peer identities.
func (g *Grid) Peers() []string {
	return append([]string(nil), g.peers...)
}

// Directory exposes the node directory for liveness queries.
func (g *Grid) Directory() *directory.Directory { return g.dir }

// Round broadcasts payload to every peer and collects responses under the
// round options. A zero MinComplete falls back to the configured default.
func (g *Grid) Round(ctx context.Context, payload []byte, opts round.Options) (*round.Result, error) {
	if opts.MinComplete == 0 {
		opts.MinComplete = g.cfg.Round.MinComplete
	}
	return g.coordinator.Broadcast(ctx, g.peers, payload, opts)
}

// Call sends one request to target and blocks for its response. A zero
// timeout falls back to the configured request TTL.
func (g *Grid) Call(ctx context.Context, target string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = g.cfg.Transport.RequestTTL
	}
	p, err := g.sender.Send(ctx, target, payload, timeout)
	if err != nil {
		return nil, err
	}
	data, err := g.sender.Wait(ctx, p)
	if err == nil {
		g.dir.Touch(target)
	}
	return data, err
}

// Serve answers incoming requests from the registered peers until ctx ends.
func (g *Grid) Serve(ctx context.Context, handler transport.Handler) error {
	return g.receiver.Serve(ctx, handler)
}

// Resume reloads waits persisted by a previous process. Callers pass each
// returned pending back to [Grid.Wait].
func (g *Grid) Resume() ([]*transport.Pending, error) {
	return g.sender.Resume()
}

// Wait blocks on a pending request, typically one returned by Resume.
func (g *Grid) Wait(ctx context.Context, p *transport.Pending) ([]byte, error) {
	return g.sender.Wait(ctx, p)
}

// StopAll fires a stop signal at every peer without waiting for replies.
// Delivery rides on the sync layer; peers that are offline pick the signal
// up when they next come online. Returns the first send error, if any.
func (g *Grid) StopAll(ctx context.Context, reason string) error {
	payload, err := json.Marshal(controlSignal{Control: controlStop, Reason: reason})
	if err != nil {
		return err
	}

	var firstErr error
	for _, peer := range g.peers {
		p, err := g.sender.Send(ctx, peer, payload, g.cfg.Transport.RequestTTL)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			g.logger.Warn("stop signal not sent", zap.String("peer", peer), zap.Error(err))
			continue
		}
		// Fire and forget: drop the wait immediately.
		g.sender.Cancel(p)
	}
	g.logger.Info("stop broadcast", zap.Int("peers", len(g.peers)), zap.String("reason", reason))
	return firstErr
}

// Close releases resources the Grid opened itself.
func (g *Grid) Close() error {
	if g.ownStore && g.store != nil {
		return g.store.Close()
	}
	return nil
}

const controlStop = "stop"

type controlSignal struct {
	Control string `json:"control"`
	Reason  string `json:"reason,omitempty"`
}

// StopReason reports whether payload is a stop signal and, if so, its
// reason. Handlers call it before interpreting payload as application data.
func StopReason(payload []byte) (reason string, ok bool) {
	var sig controlSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return "", false
	}
	if sig.Control != controlStop {
		return "", false
	}
	return sig.Reason, true
}
