package tether

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tether/pkg/envelope"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...Option) (*LocalRegistry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{
		WithClock(clock.Now),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	reg, err := NewRegistry(opts...)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg, clock
}

func TestRegistry_RegisterReplacesExistingSession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	first, second := &recordingOutbound{}, &recordingOutbound{}

	reg.Register("p1", first)
	reg.Register("p1", second)

	require.Equal(t, 1, reg.Len())
	got := first.Received()
	require.Len(t, got, 1)
	require.Equal(t, envelope.Disconnect, got[0].Category())
	require.True(t, first.Released())
	require.False(t, second.Released())

	require.NoError(t, reg.Send(context.Background(), "p1", envelope.New(envelope.Custom(1), []byte("hi"))))
	require.Len(t, first.Received(), 1, "replaced handle must not receive anymore")
	require.Len(t, second.Received(), 1)
}

func TestRegistry_ReplacementKeepsLastSend(t *testing.T) {
	reg, clock := newTestRegistry(t)
	reg.Register("p1", &recordingOutbound{})
	require.NoError(t, reg.Send(context.Background(), "p1", envelope.NewPong()))
	stamped := clock.Now()

	clock.Set(stamped.Add(10 * time.Second))
	reg.Register("p1", &recordingOutbound{})

	last, ok := reg.LastSend("p1")
	require.True(t, ok)
	require.Equal(t, stamped, last)
}

func TestRegistry_SendStampsLastSend(t *testing.T) {
	reg, clock := newTestRegistry(t)
	out := &recordingOutbound{}
	reg.Register("p1", out)

	last, ok := reg.LastSend("p1")
	require.True(t, ok)
	require.True(t, last.IsZero(), "fresh sessions have never been sent to")

	require.NoError(t, reg.Send(context.Background(), "p1", envelope.NewPong()))
	last, _ = reg.LastSend("p1")
	require.Equal(t, clock.Now(), last)
	require.Len(t, out.Received(), 1)
}

func TestRegistry_SendToAbsentPeerSucceeds(t *testing.T) {
	reg, _ := newTestRegistry(t)
	other := &recordingOutbound{}
	reg.Register("p1", other)

	require.NoError(t, reg.Send(context.Background(), "absent", envelope.NewPong()))
	require.Equal(t, []string{"p1"}, reg.Peers())
	require.Empty(t, other.Received())
	last, _ := reg.LastSend("p1")
	require.True(t, last.IsZero())
}

func TestRegistry_SweepStale(t *testing.T) {
	reg, clock := newTestRegistry(t)
	base := clock.Now()
	old, recent := &recordingOutbound{}, &recordingOutbound{}
	reg.Register("old", old)
	reg.Register("recent", recent)

	require.NoError(t, reg.Send(context.Background(), "old", envelope.NewPong()))
	clock.Set(base.Add(2 * time.Second))
	require.NoError(t, reg.Send(context.Background(), "recent", envelope.NewPong()))

	// old was last sent to 31s ago, recent 29s ago.
	require.Equal(t, 1, reg.SweepStale(base.Add(31*time.Second)))
	require.Equal(t, []string{"recent"}, reg.Peers())
	require.True(t, old.Released())
	require.False(t, recent.Released())
}

func TestRegistry_SweepRemovesNeverSentTo(t *testing.T) {
	reg, clock := newTestRegistry(t)
	reg.Register("silent", &recordingOutbound{})
	require.Equal(t, 1, reg.SweepStale(clock.Now()))
	require.Zero(t, reg.Len())
}

func TestRegistry_SendRetriesThenFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	out := &recordingOutbound{failWith: ErrQueueFull}
	reg.Register("p1", out)

	start := time.Now()
	err := reg.Send(context.Background(), "p1", envelope.NewPong())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.ErrorIs(t, err, ErrQueueFull)
	var failure *DeliveryError
	require.True(t, errors.As(err, &failure))
	require.Equal(t, "p1", failure.PeerID)
	require.Equal(t, 6, failure.Attempts)
	require.Len(t, out.Attempts(), 6)
	require.GreaterOrEqual(t, elapsed, 5*time.Second)
	require.Less(t, elapsed, 7*time.Second)

	attempts := out.Attempts()
	for i := 1; i < len(attempts); i++ {
		require.GreaterOrEqual(t, attempts[i].Sub(attempts[i-1]), 900*time.Millisecond)
	}

	// Send only reports, the caller evicts.
	require.Equal(t, 1, reg.Len())
	require.True(t, reg.Evict(failure))
	require.Zero(t, reg.Len())
	require.True(t, out.Released())
}

func TestRegistry_RetryDoesNotBlockRegistry(t *testing.T) {
	reg, _ := newTestRegistry(t, WithSendRetry(3, 200*time.Millisecond))
	reg.Register("dead", &recordingOutbound{failWith: ErrQueueClosed})
	alive := &recordingOutbound{}
	reg.Register("alive", alive)

	done := make(chan error, 1)
	go func() {
		done <- reg.Send(context.Background(), "dead", envelope.NewPong())
	}()

	require.Eventually(t, func() bool {
		return reg.Send(context.Background(), "alive", envelope.NewPong()) == nil &&
			len(alive.Received()) > 0
	}, 150*time.Millisecond, 10*time.Millisecond)

	require.ErrorIs(t, <-done, ErrDeliveryFailed)
}

func TestRegistry_EvictSparesNewerSession(t *testing.T) {
	reg, _ := newTestRegistry(t, WithSendRetry(1, 0))
	reg.Register("p1", &recordingOutbound{failWith: ErrQueueClosed})

	err := reg.Send(context.Background(), "p1", envelope.NewPong())
	var failure *DeliveryError
	require.ErrorAs(t, err, &failure)

	newer := &recordingOutbound{}
	reg.Register("p1", newer)
	require.False(t, reg.Evict(failure))
	require.Equal(t, 1, reg.Len())
	require.False(t, newer.Released())
}

func TestRegistry_SendHonoursContext(t *testing.T) {
	reg, _ := newTestRegistry(t, WithSendRetry(6, time.Hour))
	reg.Register("p1", &recordingOutbound{failWith: ErrQueueFull})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := reg.Send(ctx, "p1", envelope.NewPong())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrDeliveryFailed)
}

func TestRegistry_NotifyNotActive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p1, p2 := &recordingOutbound{}, &recordingOutbound{}
	reg.Register("p1", p1)
	reg.Register("p2", p2)

	reg.NotifyNotActive(context.Background(), []string{"p2"})

	require.Equal(t, 1, countCategory(p1.Received(), envelope.Expired))
	require.Len(t, p1.Received(), 1)
	require.Empty(t, p2.Received())
	require.Equal(t, 2, reg.Len(), "expired peers are not removed")
}

func TestRegistry_Remove(t *testing.T) {
	reg, _ := newTestRegistry(t)
	out := &recordingOutbound{}
	reg.Register("p1", out)

	reg.Remove("p1")
	reg.Remove("p1")
	require.Zero(t, reg.Len())
	require.True(t, out.Released())
	_, ok := reg.LastSend("p1")
	require.False(t, ok)
}

func TestRegistry_InboundFanout(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub1, sub2 := reg.Subscribe(), reg.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	msg := Inbound{Category: envelope.Custom(2), Payload: []byte("state"), PeerID: "p1"}
	reg.Forward(msg)

	for _, sub := range []*Subscription[Inbound]{sub1, sub2} {
		select {
		case got := <-sub.C():
			require.Equal(t, msg, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the message")
		}
	}
}
