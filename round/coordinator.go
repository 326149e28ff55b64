package round

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fedgrid/fedgrid/directory"
	"github.com/fedgrid/fedgrid/internal/metrics"
	"github.com/fedgrid/fedgrid/transport"
)

// CoordinatorConfig holds configuration for the round coordinator.
type CoordinatorConfig struct {
	// DefaultTimeout applies when Options.Timeout is zero.
	DefaultTimeout time.Duration
	// Metrics receives round counters. Optional.
	Metrics *metrics.Collector
}

// DefaultCoordinatorConfig returns a CoordinatorConfig with sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{DefaultTimeout: 5 * time.Minute}
}

// Coordinator runs broadcast rounds over an outbound tracker. The directory,
// when present, is touched on every observed response and consulted to mark
// chronically unreachable targets.
type Coordinator struct {
	sender *transport.Sender
	dir    *directory.Directory
	config CoordinatorConfig
	logger *zap.Logger
}

// NewCoordinator creates a coordinator on top of sender. dir may be nil.
func NewCoordinator(sender *transport.Sender, dir *directory.Directory, config CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultCoordinatorConfig().DefaultTimeout
	}
	return &Coordinator{
		sender: sender,
		dir:    dir,
		config: config,
		logger: logger.With(zap.String("component", "round")),
	}
}

type outcome struct {
	target     string
	pending    *transport.Pending
	payload    []byte
	err        error
	sendFailed bool
}

// Broadcast issues one request to every target concurrently and collects
// responses until MinComplete targets are fulfilled or the timeout elapses,
// whichever comes first. Remaining pendings are then canceled so their late
// responses are discarded as stale. The returned Result is always complete;
// an unmet quorum is the caller's decision to act on, not an error here.
func (c *Coordinator) Broadcast(ctx context.Context, targets []string, payload []byte, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Timeout <= 0 {
		opts.Timeout = c.config.DefaultTimeout
	}
	if opts.MinComplete <= 0 || opts.MinComplete > len(targets) {
		opts.MinComplete = len(targets)
	}

	result := &Result{
		Completed:   make(map[string][]byte),
		Failed:      make(map[string]error),
		States:      make(map[string]State),
		MinComplete: opts.MinComplete,
	}
	if len(targets) == 0 {
		return result, nil
	}

	c.logger.Info("round started",
		zap.Int("targets", len(targets)),
		zap.Int("min_complete", opts.MinComplete),
		zap.Duration("timeout", opts.Timeout))

	roundCtx, cancelRound := context.WithTimeout(ctx, opts.Timeout)
	defer cancelRound()

	for _, target := range targets {
		result.States[target] = StateSent
	}

	outcomes := make(chan outcome, len(targets))
	pendings := make([]*transport.Pending, 0, len(targets))

	// Each target gets its own goroutine for the send as well as the wait, so
	// one slow mailbox write never delays requests to the other targets.
	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			p, err := c.sender.Send(ctx, target, payload, opts.Timeout)
			if err != nil {
				outcomes <- outcome{target: target, err: err, sendFailed: true}
				return nil
			}
			data, err := c.sender.Wait(roundCtx, p)
			outcomes <- outcome{target: target, pending: p, payload: data, err: err}
			return nil
		})
	}

	fulfilled := 0
	for received := 0; received < len(targets); received++ {
		o := <-outcomes
		if o.pending != nil {
			pendings = append(pendings, o.pending)
		}
		switch {
		case o.sendFailed:
			// The request never left; classified as failed, not timed out.
			result.Failed[o.target] = o.err
			result.States[o.target] = StateFailed
			c.logger.Warn("send failed", zap.String("target", o.target), zap.Error(o.err))
		case o.err == nil:
			fulfilled++
			result.Completed[o.target] = o.payload
			result.States[o.target] = StateFulfilled
			if c.dir != nil {
				c.dir.Touch(o.target)
			}
		case errors.Is(o.err, transport.ErrHandler):
			// The target did answer, just unsuccessfully.
			result.Failed[o.target] = o.err
			result.States[o.target] = StateFailed
			if c.dir != nil {
				c.dir.Touch(o.target)
			}
		default:
			// Timeout, cancellation on quorum, or round deadline: no response
			// arrived inside this round.
			result.TimedOut = append(result.TimedOut, o.target)
			result.States[o.target] = StateTimedOut
		}

		if fulfilled >= opts.MinComplete {
			// Quorum reached: stop waiting for the stragglers. Their eventual
			// responses are stale and will be discarded.
			cancelRound()
		}
	}
	_ = g.Wait()

	// Withdraw whatever never reached a terminal state, so nothing lingers
	// in the pending registry past the round. No-op on resolved requests.
	for _, p := range pendings {
		c.sender.Cancel(p)
	}

	c.markUnreachable(result)

	result.Duration = time.Since(start)
	c.config.Metrics.RecordRound(result.Duration,
		len(result.Completed), len(result.TimedOut), len(result.Failed))
	c.logger.Info("round finished",
		zap.Int("completed", len(result.Completed)),
		zap.Int("timed_out", len(result.TimedOut)),
		zap.Int("failed", len(result.Failed)),
		zap.Bool("quorum_met", result.QuorumMet()),
		zap.Duration("duration", result.Duration))
	return result, ctx.Err()
}

// markUnreachable upgrades timed-out targets whose directory liveness already
// lapsed, so callers can tell a slow peer from a chronically absent one.
func (c *Coordinator) markUnreachable(result *Result) {
	if c.dir == nil {
		return
	}
	for _, target := range result.TimedOut {
		lv, err := c.dir.Liveness(target)
		if err == nil && lv == directory.LivenessUnreachable {
			result.States[target] = StateUnreachable
		}
	}
}
