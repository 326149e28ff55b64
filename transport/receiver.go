package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fedgrid/fedgrid/internal/idwindow"
	"github.com/fedgrid/fedgrid/internal/metrics"
	"github.com/fedgrid/fedgrid/mailbox"
	"github.com/fedgrid/fedgrid/wire"
)

// Handler processes an inbound request payload and returns the response
// payload. A returned error travels back to the requester as an explicit
// error response.
type Handler func(ctx context.Context, from string, payload []byte) ([]byte, error)

// ReceiverConfig holds configuration for the inbound watcher.
type ReceiverConfig struct {
	// PollInterval is the pause between scan sweeps.
	PollInterval time.Duration
	// ScanRate limits address scans per second across all watched peers.
	ScanRate rate.Limit
	// DedupWindow is how long processed request ids are remembered.
	DedupWindow time.Duration
	// DedupMaxSize bounds the processed-id set.
	DedupMaxSize int
	// Metrics receives transport counters. Optional.
	Metrics *metrics.Collector
}

// DefaultReceiverConfig returns a ReceiverConfig with sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		PollInterval: 500 * time.Millisecond,
		ScanRate:     rate.Limit(50),
		DedupWindow:  15 * time.Minute,
		DedupMaxSize: 10000,
	}
}

// Receiver watches the local mailbox addresses for inbound requests,
// deduplicates them by id, runs the handler and writes responses back. Under
// at-least-once delivery the same request file surfaces in many snapshots;
// the bounded id window guarantees the handler runs once per id.
type Receiver struct {
	identity string
	mb       mailbox.Mailbox
	config   ReceiverConfig
	logger   *zap.Logger
	window   *idwindow.Window
	limiter  *rate.Limiter

	mu    sync.Mutex
	peers map[string]struct{}
}

// NewReceiver creates a receiver serving requests addressed to identity.
func NewReceiver(identity string, mb mailbox.Mailbox, config ReceiverConfig, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultReceiverConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ScanRate <= 0 {
		config.ScanRate = def.ScanRate
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = def.DedupWindow
	}
	if config.DedupMaxSize <= 0 {
		config.DedupMaxSize = def.DedupMaxSize
	}
	return &Receiver{
		identity: identity,
		mb:       mb,
		config:   config,
		logger:   logger.With(zap.String("component", "receiver"), zap.String("identity", identity)),
		window:   idwindow.New(config.DedupWindow, config.DedupMaxSize),
		limiter:  rate.NewLimiter(config.ScanRate, 1),
		peers:    make(map[string]struct{}),
	}
}

// Watch adds a peer identity whose conversation slot should be scanned.
func (r *Receiver) Watch(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peer] = struct{}{}
}

// Serve scans the watched addresses until ctx ends, invoking handler for each
// newly observed request. It blocks the calling goroutine.
func (r *Receiver) Serve(ctx context.Context, handler Handler) error {
	r.logger.Info("receiver started", zap.Duration("poll_interval", r.config.PollInterval))

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("receiver stopped")
			return ctx.Err()
		case <-ticker.C:
			r.scan(ctx, handler)
		}
	}
}

// ScanOnce performs a single sweep over all watched addresses. Exposed for
// callers driving the loop themselves.
func (r *Receiver) ScanOnce(ctx context.Context, handler Handler) {
	r.scan(ctx, handler)
}

func (r *Receiver) scan(ctx context.Context, handler Handler) {
	r.mu.Lock()
	peers := make([]string, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, peer := range peers {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		addr := mailbox.Address{Recipient: r.identity, Sender: peer}
		names, err := r.mb.List(ctx, addr)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("mailbox list failed", zap.String("peer", peer), zap.Error(err))
			}
			continue
		}

		answered := make(map[string]struct{})
		for _, name := range names {
			if id, kind, err := wire.ParseName(name); err == nil && kind == wire.KindResponse {
				answered[id] = struct{}{}
			}
		}

		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			r.processEntry(ctx, addr, name, answered, handler)
		}
	}
}

func (r *Receiver) processEntry(ctx context.Context, addr mailbox.Address, name string, answered map[string]struct{}, handler Handler) {
	id, kind, err := wire.ParseName(name)
	if err != nil || kind != wire.KindRequest {
		return
	}
	if _, done := answered[id]; done {
		// Response already on disk, e.g. written before a restart.
		r.window.Mark(id)
		return
	}
	if !r.window.MarkIfNew(id) {
		return
	}

	frame, err := r.mb.Get(ctx, addr, name)
	if err != nil {
		r.logger.Warn("mailbox read failed", zap.String("name", name), zap.Error(err))
		r.window.Forget(id)
		return
	}

	req, err := wire.Decode(frame)
	if err != nil {
		// Dropped and logged, never propagated past the codec boundary. The
		// id stays marked so the broken file is not re-parsed every sweep.
		r.config.Metrics.RecordDecodeFailure()
		r.logger.Warn("dropping malformed request frame", zap.String("name", name), zap.Error(err))
		return
	}

	if req.Expired(time.Now()) {
		r.config.Metrics.RecordExpiredDropped()
		r.logger.Debug("dropping expired request",
			zap.String("id", req.ID),
			zap.Time("expires_at", req.ExpiresAt))
		return
	}

	r.logger.Debug("handling request", zap.String("id", req.ID), zap.String("from", req.From))

	out, handlerErr := handler(ctx, req.From, req.Payload)

	var resp *wire.Message
	if handlerErr != nil {
		resp = wire.NewErrorResponse(req, handlerErr)
		r.config.Metrics.RecordServed("error")
		r.logger.Warn("handler failed",
			zap.String("id", req.ID),
			zap.Error(handlerErr))
	} else {
		resp = wire.NewResponse(req, out)
		r.config.Metrics.RecordServed("success")
	}

	respFrame, err := wire.Encode(resp)
	if err != nil {
		r.logger.Error("failed to encode response", zap.String("id", req.ID), zap.Error(err))
		return
	}
	if err := r.mb.Put(ctx, addr, wire.ResponseName(req.ID), respFrame); err != nil {
		// The id stays marked: re-running the handler on the next sweep would
		// break once-per-id invocation. The requester falls back to its
		// deadline for this request.
		r.logger.Error("failed to publish response", zap.String("id", req.ID), zap.Error(err))
		return
	}
}
