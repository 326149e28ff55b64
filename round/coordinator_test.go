package round

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedgrid/fedgrid/directory"
	"github.com/fedgrid/fedgrid/mailbox"
	"github.com/fedgrid/fedgrid/transport"
)

const (
	aggregator = "aggregator@test.org"
	clinicA    = "clinic-a@test.org"
	clinicB    = "clinic-b@test.org"
	clinicC    = "clinic-c@test.org"
)

func fastSender(mb mailbox.Mailbox) *transport.Sender {
	return transport.NewSender(aggregator, mb, transport.SenderConfig{
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 40 * time.Millisecond,
	}, zap.NewNop())
}

// participant runs a receiver for identity with the given handler; nil handler
// echoes the payload. Returns a stop func.
func participant(t *testing.T, mb mailbox.Mailbox, identity string, handler transport.Handler) func() {
	t.Helper()
	if handler == nil {
		handler = func(ctx context.Context, from string, payload []byte) ([]byte, error) {
			return payload, nil
		}
	}
	cfg := transport.DefaultReceiverConfig()
	cfg.PollInterval = 10 * time.Millisecond
	r := transport.NewReceiver(identity, mb, cfg, zap.NewNop())
	r.Watch(aggregator)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx, handler)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestBroadcastAllComplete(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	defer participant(t, mb, clinicA, nil)()
	defer participant(t, mb, clinicB, nil)()

	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())
	result, err := c.Broadcast(context.Background(), []string{clinicA, clinicB}, []byte("round-1"), Options{
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	assert.Len(t, result.Completed, 2)
	assert.Equal(t, []byte("round-1"), result.Completed[clinicA])
	assert.Equal(t, []byte("round-1"), result.Completed[clinicB])
	assert.Empty(t, result.TimedOut)
	assert.Empty(t, result.Failed)
	assert.True(t, result.QuorumMet())
	assert.NoError(t, result.RequireQuorum())
	assert.Equal(t, StateFulfilled, result.States[clinicA])
}

// slowPutMailbox stamps when each Put begins and then holds it for delay,
// emulating a sluggish sync folder.
type slowPutMailbox struct {
	*mailbox.MemoryMailbox
	delay time.Duration

	mu     sync.Mutex
	starts []time.Time
}

func (m *slowPutMailbox) Put(ctx context.Context, addr mailbox.Address, name string, data []byte) error {
	m.mu.Lock()
	m.starts = append(m.starts, time.Now())
	m.mu.Unlock()
	time.Sleep(m.delay)
	return m.MemoryMailbox.Put(ctx, addr, name, data)
}

func TestBroadcastSendsConcurrently(t *testing.T) {
	const delay = 100 * time.Millisecond
	mb := &slowPutMailbox{MemoryMailbox: mailbox.NewMemoryMailbox(), delay: delay}

	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())
	targets := []string{clinicA, clinicB, clinicC, "clinic-d@test.org"}
	result, err := c.Broadcast(context.Background(), targets, []byte("w"), Options{
		Timeout: 400 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Len(t, result.TimedOut, len(targets))

	mb.mu.Lock()
	starts := append([]time.Time(nil), mb.starts...)
	mb.mu.Unlock()
	require.Len(t, starts, len(targets))

	first, last := starts[0], starts[0]
	for _, s := range starts[1:] {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	// All four requests go out together; issuing them one after another would
	// spread the Put starts by at least three full delays.
	assert.Less(t, last.Sub(first), delay)
}

func TestBroadcastQuorumShortCircuit(t *testing.T) {
	// Scenario: A responds promptly with "ok", B never does; quorum 1 out of
	// 2 with a generous timeout. The round must return as soon as A is in.
	mb := mailbox.NewMemoryMailbox()
	defer participant(t, mb, clinicA, func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	})()
	// clinicB has no receiver at all.

	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())

	start := time.Now()
	result, err := c.Broadcast(context.Background(), []string{clinicA, clinicB}, []byte("train"), Options{
		Timeout:     5 * time.Second,
		MinComplete: 1,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, map[string][]byte{clinicA: []byte("ok")}, result.Completed)
	assert.Equal(t, []string{clinicB}, result.TimedOut)
	assert.True(t, result.QuorumMet())
	// Far below the five-second deadline: the quorum short-circuited the wait.
	assert.Less(t, elapsed, 2*time.Second)
}

func TestBroadcastNeverBlocksPastTimeout(t *testing.T) {
	mb := mailbox.NewMemoryMailbox() // nobody answers

	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())

	start := time.Now()
	result, err := c.Broadcast(context.Background(), []string{clinicA, clinicB}, []byte("x"), Options{
		Timeout:     200 * time.Millisecond,
		MinComplete: 2,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Empty(t, result.Completed)
	assert.ElementsMatch(t, []string{clinicA, clinicB}, result.TimedOut)
	assert.False(t, result.QuorumMet())
	assert.Less(t, elapsed, time.Second)
}

func TestUnderQuorumResultIsComplete(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	defer participant(t, mb, clinicA, nil)()
	defer participant(t, mb, clinicB, func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		return nil, errors.New("gpu on fire")
	})()

	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())
	result, err := c.Broadcast(context.Background(), []string{clinicA, clinicB, clinicC}, []byte("x"), Options{
		Timeout:     500 * time.Millisecond,
		MinComplete: 3,
	})
	require.NoError(t, err)

	// Complete per-target picture despite the unmet quorum.
	assert.Len(t, result.Completed, 1)
	assert.Contains(t, result.Failed, clinicB)
	assert.ErrorIs(t, result.Failed[clinicB], transport.ErrHandler)
	assert.Equal(t, []string{clinicC}, result.TimedOut)
	assert.False(t, result.QuorumMet())

	qerr := result.RequireQuorum()
	require.Error(t, qerr)
	assert.ErrorIs(t, qerr, ErrQuorumNotMet)
	var quorumErr *QuorumError
	require.ErrorAs(t, qerr, &quorumErr)
	assert.Equal(t, 3, quorumErr.MinComplete)
	assert.Equal(t, 1, quorumErr.Completed)
	assert.ElementsMatch(t, []string{clinicB, clinicC}, quorumErr.Unresponsive)
	assert.Contains(t, qerr.Error(), "1/3")
}

func TestLateResponseDoesNotLeakIntoNextRound(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	sender := fastSender(mb)
	c := NewCoordinator(sender, nil, CoordinatorConfig{}, zap.NewNop())
	ctx := context.Background()

	// Round 1: clinicA is down, the round times out.
	r1, err := c.Broadcast(ctx, []string{clinicA}, []byte("round-1"), Options{
		Timeout: 150 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{clinicA}, r1.TimedOut)
	assert.Equal(t, 0, sender.PendingCount())

	// clinicA comes back and answers the stale round-1 request file, then
	// serves round 2 normally.
	var served atomic.Int64
	stop := participant(t, mb, clinicA, func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		served.Add(1)
		return payload, nil
	})
	defer stop()

	r2, err := c.Broadcast(ctx, []string{clinicA}, []byte("round-2"), Options{
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	// The late round-1 response was discarded as stale; round 2 carries only
	// its own payload.
	assert.Equal(t, []byte("round-2"), r2.Completed[clinicA])
	assert.Empty(t, r2.TimedOut)
	assert.GreaterOrEqual(t, served.Load(), int64(2), "both request files get answered")
}

func TestSendFailureClassifiedFailed(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	mb.FailPuts(errors.New("replica offline"))

	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())
	result, err := c.Broadcast(context.Background(), []string{clinicA}, []byte("x"), Options{
		Timeout: time.Second,
	})
	require.NoError(t, err)

	assert.Contains(t, result.Failed, clinicA)
	assert.Equal(t, StateFailed, result.States[clinicA])
	assert.Empty(t, result.TimedOut)
}

func TestTimedOutTargetMarkedUnreachable(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	dir := directory.New(20*time.Millisecond, nil)
	dir.Register(clinicA)
	time.Sleep(50 * time.Millisecond) // let the registration go stale

	c := NewCoordinator(fastSender(mb), dir, CoordinatorConfig{}, zap.NewNop())
	result, err := c.Broadcast(context.Background(), []string{clinicA}, []byte("x"), Options{
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{clinicA}, result.TimedOut)
	assert.Equal(t, StateUnreachable, result.States[clinicA])
}

func TestFulfilledTargetTouchesDirectory(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	defer participant(t, mb, clinicA, nil)()

	dir := directory.New(time.Minute, nil)
	dir.Register(clinicA)

	c := NewCoordinator(fastSender(mb), dir, CoordinatorConfig{}, zap.NewNop())
	before := dir.Nodes()[0].LastSeen

	_, err := c.Broadcast(context.Background(), []string{clinicA}, []byte("x"), Options{
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	after := dir.Nodes()[0].LastSeen
	assert.True(t, after.After(before))
}

func TestBroadcastNoTargets(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())

	result, err := c.Broadcast(context.Background(), nil, []byte("x"), Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.Empty(t, result.Completed)
	assert.True(t, result.QuorumMet())
}

func TestMinCompleteClamped(t *testing.T) {
	mb := mailbox.NewMemoryMailbox()
	defer participant(t, mb, clinicA, nil)()

	c := NewCoordinator(fastSender(mb), nil, CoordinatorConfig{}, zap.NewNop())
	result, err := c.Broadcast(context.Background(), []string{clinicA}, []byte("x"), Options{
		Timeout:     5 * time.Second,
		MinComplete: 99,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MinComplete)
	assert.True(t, result.QuorumMet())
}
