package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
)

type arbiterFixture struct {
	clock  *stepClock
	stream *broker.MockStream
	broker *broker.MockBroker
	push   *PushManager
	pull   *PullScheduler
	arb    *Arbiter
}

// newArbiterFixture wires a full feed stack over mocks with millisecond
// cadences: supervisor 5ms, monitor 5ms, staleness 50ms.
func newArbiterFixture(t *testing.T) *arbiterFixture {
	t.Helper()
	clock := &stepClock{t: sessionTime(t, 10, 0)}
	oracle := testOracle(t, clock)
	stream := broker.NewMockStream()
	b := broker.NewMockBroker()
	push := NewPushManager(stream, oracle, 5*time.Millisecond, testLogger())
	pull := NewPullScheduler(b, oracle, 5*time.Millisecond, time.Hour, testLogger())
	arb := NewArbiter(push, pull, oracle, 5*time.Millisecond, 50*time.Millisecond, testLogger())
	return &arbiterFixture{clock: clock, stream: stream, broker: b, push: push, pull: pull, arb: arb}
}

func (f *arbiterFixture) start(ctx context.Context) {
	go f.push.Run(ctx)
	go f.arb.Run(ctx)
}

func TestArbiterActivatesFallbackOnStalePush(t *testing.T) {
	f := newArbiterFixture(t)
	f.broker.SetLTP(1001, 51.30)
	f.push.Subscribe([]uint32{1001})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.start(ctx)

	require.Eventually(t, f.stream.Connected, time.Second, time.Millisecond)

	// Connected but silent: stale after the threshold, fallback comes up
	// within a monitor cycle.
	require.Eventually(t, f.pull.FallbackActive, time.Second, time.Millisecond)

	price, err := f.arb.Price(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, 51.30, price)
}

func TestArbiterDeactivatesFallbackWhenPushRecovers(t *testing.T) {
	f := newArbiterFixture(t)
	f.broker.SetLTP(1001, 51.30)
	f.push.Subscribe([]uint32{1001})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.start(ctx)

	require.Eventually(t, f.pull.FallbackActive, time.Second, time.Millisecond)

	// Ticks resume; arbiter retires the fallback within a cycle.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.stream.EmitTick(broker.Tick{InstrumentToken: 1001, LastPrice: 52.00})
			}
		}
	}()

	require.Eventually(t, func() bool { return !f.pull.FallbackActive() },
		time.Second, time.Millisecond)
}

func TestArbiterIgnoresStalePushWithoutSubscriptions(t *testing.T) {
	f := newArbiterFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.start(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.pull.FallbackActive(), "no subscriptions means nothing to fall back for")
}

func TestArbiterPricePrefersFreshPush(t *testing.T) {
	f := newArbiterFixture(t)
	f.broker.SetLTP(1001, 40.00)
	f.push.Subscribe([]uint32{1001})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.start(ctx)
	require.Eventually(t, f.stream.Connected, time.Second, time.Millisecond)

	f.stream.EmitTick(broker.Tick{InstrumentToken: 1001, LastPrice: 52.75})
	require.Eventually(t, func() bool {
		price, err := f.arb.Price(ctx, 1001)
		return err == nil && price == 52.75
	}, time.Second, time.Millisecond, "fresh push price should win over the broker's")
}

func TestArbiterPriceFallsBackToSyncLookup(t *testing.T) {
	f := newArbiterFixture(t)
	f.broker.SetLTP(1001, 40.00)

	// Push stale, no fallback snapshot: the read goes straight to the broker.
	price, err := f.arb.Price(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, 40.00, price)

	_, err = f.arb.Price(context.Background(), 9999)
	assert.Error(t, err)
}

func TestArbiterHealth(t *testing.T) {
	f := newArbiterFixture(t)
	f.push.Subscribe([]uint32{1001, 1002})

	h := f.arb.Health()
	assert.False(t, h.PushConnected)
	assert.False(t, h.FallbackActive)
	assert.True(t, h.LastPushUpdateAt.IsZero())
	assert.Equal(t, 2, h.Subscribed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.start(ctx)
	require.Eventually(t, f.stream.Connected, time.Second, time.Millisecond)

	f.stream.EmitTick(broker.Tick{InstrumentToken: 1001, LastPrice: 50})
	require.Eventually(t, func() bool {
		h := f.arb.Health()
		return h.PushConnected && !h.LastPushUpdateAt.IsZero()
	}, time.Second, time.Millisecond)
}
