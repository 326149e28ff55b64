package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/fedgrid/fedgrid/mailbox"
	"github.com/fedgrid/fedgrid/wire"
)

// For any payload and any number of duplicate deliveries, the first observed
// matching response fulfills the wait exactly once; redundant deliveries never
// alter the result or raise.
func TestProperty_ExactlyOnceResolution(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("duplicate deliveries never change a resolved wait", prop.ForAll(
		func(payload []byte, redeliveries int) bool {
			ctx := context.Background()
			mb := mailbox.NewMemoryMailbox()
			s := NewSender(testServer, mb, fastSenderConfig(), zap.NewNop())

			p, err := s.Send(ctx, testClient, []byte("q"), 5*time.Second)
			if err != nil {
				t.Logf("send failed: %v", err)
				return false
			}

			addr := mailbox.Address{Recipient: testClient, Sender: testServer}
			reqFrame, err := mb.Get(ctx, addr, wire.RequestName(p.ID()))
			if err != nil {
				return false
			}
			req, err := wire.Decode(reqFrame)
			if err != nil {
				return false
			}
			respFrame, err := wire.Encode(wire.NewResponse(req, payload))
			if err != nil {
				return false
			}
			if err := mb.Put(ctx, addr, wire.ResponseName(p.ID()), respFrame); err != nil {
				return false
			}

			got, err := s.Wait(ctx, p)
			if err != nil {
				t.Logf("first wait failed: %v", err)
				return false
			}
			if string(got) != string(payload) {
				return false
			}

			for i := 0; i < redeliveries; i++ {
				mb.Redeliver(addr, wire.ResponseName(p.ID()))
				again, err := s.Wait(ctx, p)
				if err != nil {
					t.Logf("wait after redelivery failed: %v", err)
					return false
				}
				if string(again) != string(payload) {
					return false
				}
			}
			return p.Status() == StatusFulfilled
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(0, 5),
	))

	properties.Property("receiver invokes the handler once per id under redelivery", prop.ForAll(
		func(payload []byte, rescans int) bool {
			ctx := context.Background()
			mb := mailbox.NewMemoryMailbox()
			r := NewReceiver(testClient, mb, fastReceiverConfig(), zap.NewNop())
			r.Watch(testServer)

			msg := wire.NewRequest(testServer, testClient, payload, 0)
			frame, err := wire.Encode(msg)
			if err != nil {
				return false
			}
			addr := mailbox.Address{Recipient: testClient, Sender: testServer}
			if err := mb.Put(ctx, addr, wire.RequestName(msg.ID), frame); err != nil {
				return false
			}

			var calls atomic.Int64
			handler := func(ctx context.Context, from string, payload []byte) ([]byte, error) {
				calls.Add(1)
				return payload, nil
			}

			r.ScanOnce(ctx, handler)
			for i := 0; i < rescans; i++ {
				mb.Redeliver(addr, wire.RequestName(msg.ID))
				r.ScanOnce(ctx, handler)
			}
			return calls.Load() == 1
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
