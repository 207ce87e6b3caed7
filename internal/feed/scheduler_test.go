package feed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
)

func testScheduler(t *testing.T, b broker.Broker) *PullScheduler {
	t.Helper()
	clock := &stepClock{t: sessionTime(t, 10, 0)}
	return NewPullScheduler(b, testOracle(t, clock), 5*time.Millisecond, time.Hour, testLogger())
}

func TestPullSchedulerPopulatesCaches(t *testing.T) {
	b := broker.NewMockBroker()
	b.SetFunds(broker.Funds{Available: 85000, Used: 15000})
	b.SetPositions([]broker.Position{{TradingSymbol: "NIFTY26JAN22150CE", Quantity: 300}})

	s := testScheduler(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return s.positions.Load() != nil && s.funds.Load() != nil && s.profile.Load() != nil
	}, time.Second, time.Millisecond)

	positions, err := s.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "NIFTY26JAN22150CE", positions[0].TradingSymbol)

	funds, err := s.Funds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 85000.0, funds.Available)
}

func TestPullSchedulerCacheMissFetchesSynchronously(t *testing.T) {
	b := broker.NewMockBroker()
	b.SetFunds(broker.Funds{Available: 42000})
	s := testScheduler(t, b)

	// No Run: every read is a miss served inline.
	funds, err := s.Funds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42000.0, funds.Available)

	_, err = s.Positions(context.Background())
	require.NoError(t, err)

	_, err = s.Profile(context.Background())
	require.NoError(t, err)
}

func TestPullSchedulerCredentialsExpiredStopsLoop(t *testing.T) {
	b := broker.NewMockBroker()
	b.SetErr(&broker.CredentialsExpiredError{Message: "token invalid"})

	s := testScheduler(t, b)
	var escalations atomic.Int32
	s.SetCredentialsExpiredHandler(func(err error) {
		assert.True(t, broker.IsCredentialsExpired(err))
		escalations.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// All three loops die on first fetch, each escalating exactly once.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler loops did not stop on expired credentials")
	}
	assert.Equal(t, int32(3), escalations.Load())
}

func TestPullSchedulerTransientErrorKeepsLooping(t *testing.T) {
	b := broker.NewMockBroker()
	b.SetErr(&broker.APIError{Status: 503, Message: "gateway timeout"})

	s := testScheduler(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, s.funds.Load())

	// Broker recovers; the loop picks it up on the next cadence.
	b.SetErr(nil)
	require.Eventually(t, func() bool { return s.funds.Load() != nil },
		time.Second, time.Millisecond)
}

func TestFallbackLoopLifecycle(t *testing.T) {
	b := broker.NewMockBroker()
	b.SetLTP(1001, 51.30)

	s := testScheduler(t, b)
	s.SetPriceTokenSource(func() []uint32 { return []uint32{1001} })

	assert.False(t, s.FallbackActive())
	_, _, ok := s.Price(1001)
	assert.False(t, ok, "no fallback snapshot before activation")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.ActivateFallback(ctx)
	assert.True(t, s.FallbackActive())
	s.ActivateFallback(ctx) // idempotent

	require.Eventually(t, func() bool {
		price, _, ok := s.Price(1001)
		return ok && price == 51.30
	}, time.Second, time.Millisecond)

	s.DeactivateFallback()
	assert.False(t, s.FallbackActive())
	s.DeactivateFallback() // idempotent
}

func TestFallbackLoopStopsItselfOnExpiredCredentials(t *testing.T) {
	b := broker.NewMockBroker()
	b.SetErr(&broker.CredentialsExpiredError{Message: "token invalid"})

	s := testScheduler(t, b)
	s.SetPriceTokenSource(func() []uint32 { return []uint32{1001} })

	var escalations atomic.Int32
	s.SetCredentialsExpiredHandler(func(error) { escalations.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.ActivateFallback(ctx)

	require.Eventually(t, func() bool { return !s.FallbackActive() },
		time.Second, time.Millisecond)
	assert.Equal(t, int32(1), escalations.Load())
}
