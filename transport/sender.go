package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fedgrid/fedgrid/futures"
	"github.com/fedgrid/fedgrid/internal/metrics"
	"github.com/fedgrid/fedgrid/mailbox"
	"github.com/fedgrid/fedgrid/wire"
)

// SenderConfig holds configuration for the outbound tracker.
type SenderConfig struct {
	// PollInterval is the initial interval between response checks.
	PollInterval time.Duration
	// MaxPollInterval caps the backoff growth of the poll interval.
	MaxPollInterval time.Duration
	// Metrics receives transport counters. Optional.
	Metrics *metrics.Collector
	// Store persists pending requests across restarts. Optional.
	Store *futures.Store
}

// DefaultSenderConfig returns a SenderConfig with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		PollInterval:    250 * time.Millisecond,
		MaxPollInterval: 3 * time.Second,
	}
}

// Sender issues requests into remote mailboxes and tracks the pending waits
// keyed by message id. One write per request: the sender never retransmits,
// the synchronization layer owns redelivery.
type Sender struct {
	identity string
	mb       mailbox.Mailbox
	config   SenderConfig
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewSender creates a sender for the given local identity.
func NewSender(identity string, mb mailbox.Mailbox, config SenderConfig, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultSenderConfig().PollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = DefaultSenderConfig().MaxPollInterval
	}
	return &Sender{
		identity: identity,
		mb:       mb,
		config:   config,
		logger:   logger.With(zap.String("component", "sender"), zap.String("identity", identity)),
		pending:  make(map[string]*Pending),
	}
}

// Send writes a request frame named by a fresh message id into the
// recipient's mailbox and registers a pending wait with deadline now+timeout.
func (s *Sender) Send(ctx context.Context, recipient string, payload []byte, timeout time.Duration) (*Pending, error) {
	msg := wire.NewRequest(s.identity, recipient, payload, timeout)
	frame, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}

	addr := mailbox.Address{Recipient: recipient, Sender: s.identity}
	if err := s.mb.Put(ctx, addr, wire.RequestName(msg.ID), frame); err != nil {
		return nil, fmt.Errorf("send to %s: %w", recipient, err)
	}

	now := time.Now()
	p := newPending(msg.ID, recipient, now, now.Add(timeout))

	s.mu.Lock()
	s.pending[p.id] = p
	s.mu.Unlock()

	if s.config.Store != nil {
		if err := s.config.Store.Save(&futures.Future{
			ID:        p.id,
			Recipient: recipient,
			Sender:    s.identity,
			Deadline:  p.deadline,
		}); err != nil {
			s.logger.Warn("failed to persist future", zap.String("id", p.id), zap.Error(err))
		}
	}

	s.config.Metrics.RecordRequestSent(recipient)
	s.logger.Debug("request sent",
		zap.String("id", p.id),
		zap.String("recipient", recipient),
		zap.Duration("timeout", timeout))
	return p, nil
}

// Wait blocks until the request resolves: the first matching response frame
// observed in the mailbox, the deadline elapsing, a cancel, or ctx ending.
// Detection polls the mailbox with doubling backoff capped at MaxPollInterval.
// A remote handler failure resolves the wait with an ErrHandler-wrapped error
// rather than letting the deadline run out.
func (s *Sender) Wait(ctx context.Context, p *Pending) ([]byte, error) {
	if st := p.Status(); st != StatusPending {
		return s.outcome(p)
	}

	addr := mailbox.Address{Recipient: p.recipient, Sender: s.identity}
	interval := s.config.PollInterval

	deadlineTimer := time.NewTimer(time.Until(p.deadline))
	defer deadlineTimer.Stop()
	pollTimer := time.NewTimer(interval)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-p.done:
			return s.outcome(p)

		case <-deadlineTimer.C:
			if p.complete(StatusTimedOut, nil, "") {
				s.finish(p, futures.StatusTimedOut)
				s.config.Metrics.RecordResponse("timed_out", time.Since(p.sentAt))
				s.logger.Debug("request timed out",
					zap.String("id", p.id),
					zap.String("recipient", p.recipient))
			}
			return s.outcome(p)

		case <-pollTimer.C:
			if s.checkResponse(ctx, addr, p) {
				return s.outcome(p)
			}
			interval *= 2
			if interval > s.config.MaxPollInterval {
				interval = s.config.MaxPollInterval
			}
			pollTimer.Reset(interval)
		}
	}
}

// Cancel withdraws a pending request. Late responses for it are stale from
// now on and will never be read.
func (s *Sender) Cancel(p *Pending) {
	if p.complete(StatusCanceled, nil, "") {
		s.finish(p, futures.StatusCanceled)
		s.logger.Debug("request canceled", zap.String("id", p.id))
	}
}

// Resume re-registers pending requests persisted by a previous process so
// their waits can be picked up again after a restart.
func (s *Sender) Resume() ([]*Pending, error) {
	if s.config.Store == nil {
		return nil, nil
	}
	records, err := s.config.Store.ListPending()
	if err != nil {
		return nil, err
	}

	var resumed []*Pending
	s.mu.Lock()
	for _, f := range records {
		if _, exists := s.pending[f.ID]; exists {
			continue
		}
		p := newPending(f.ID, f.Recipient, f.CreatedAt, f.Deadline)
		s.pending[f.ID] = p
		resumed = append(resumed, p)
	}
	s.mu.Unlock()

	if len(resumed) > 0 {
		s.logger.Info("resumed pending requests", zap.Int("count", len(resumed)))
	}
	return resumed, nil
}

// PendingCount returns the number of registered unresolved requests.
func (s *Sender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// checkResponse looks for the response frame matching p. Returns true when p
// reached a terminal state.
func (s *Sender) checkResponse(ctx context.Context, addr mailbox.Address, p *Pending) bool {
	frame, err := s.mb.Get(ctx, addr, wire.ResponseName(p.id))
	if errors.Is(err, mailbox.ErrNotFound) {
		return false
	}
	if err != nil {
		s.logger.Warn("mailbox read failed", zap.String("id", p.id), zap.Error(err))
		return false
	}

	msg, err := wire.Decode(frame)
	if err != nil {
		// Malformed frames are dropped here and never propagated; the wait
		// keeps running until a valid frame or the deadline.
		s.config.Metrics.RecordDecodeFailure()
		s.logger.Warn("dropping malformed response frame",
			zap.String("id", p.id), zap.Error(err))
		return false
	}
	if msg.Kind != wire.KindResponse || msg.CorrelationID != p.id {
		// Decoded fine, just not the frame we are waiting on.
		s.config.Metrics.RecordMismatchedDropped()
		s.logger.Warn("dropping mismatched response frame",
			zap.String("id", p.id),
			zap.String("correlation_id", msg.CorrelationID))
		return false
	}

	if !p.complete(StatusFulfilled, msg.Payload, msg.Error) {
		// Already terminal. A withdrawn or expired request makes this a
		// stale late arrival; anything else is a duplicate delivery.
		if st := p.Status(); st == StatusCanceled || st == StatusTimedOut {
			s.config.Metrics.RecordStaleDropped()
		} else {
			s.config.Metrics.RecordDuplicateDropped()
		}
		return true
	}

	if msg.IsError() {
		s.finish(p, futures.StatusFulfilled)
		s.config.Metrics.RecordResponse("handler_error", time.Since(p.sentAt))
		s.logger.Debug("request failed remotely",
			zap.String("id", p.id),
			zap.String("error", msg.Error))
	} else {
		s.finish(p, futures.StatusFulfilled)
		s.config.Metrics.RecordResponse("fulfilled", time.Since(p.sentAt))
		s.logger.Debug("request fulfilled", zap.String("id", p.id))
	}
	return true
}

// outcome maps a terminal pending to the Wait return values.
func (s *Sender) outcome(p *Pending) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.status {
	case StatusFulfilled:
		if p.remoteErr != "" {
			return nil, fmt.Errorf("%w: %s", ErrHandler, p.remoteErr)
		}
		return p.payload, nil
	case StatusTimedOut:
		return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, p.id, p.recipient)
	case StatusCanceled:
		return nil, fmt.Errorf("%w: %s", ErrCanceled, p.id)
	default:
		return nil, fmt.Errorf("%w: %s", ErrCanceled, p.id)
	}
}

// finish drops the request from the pending registry and records its terminal
// status in the persistent store, if one is configured.
func (s *Sender) finish(p *Pending, storeStatus string) {
	s.mu.Lock()
	delete(s.pending, p.id)
	s.mu.Unlock()

	if s.config.Store != nil {
		if err := s.config.Store.SetStatus(p.id, storeStatus); err != nil &&
			!errors.Is(err, futures.ErrFutureNotFound) {
			s.logger.Warn("failed to update future", zap.String("id", p.id), zap.Error(err))
		}
	}
}
