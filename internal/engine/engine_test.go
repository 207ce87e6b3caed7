package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/config"
	"github.com/eddiefleurent/dunder_scalper/internal/feed"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
	"github.com/eddiefleurent/dunder_scalper/internal/models"
	"github.com/eddiefleurent/dunder_scalper/internal/orders"
	"github.com/eddiefleurent/dunder_scalper/internal/retry"
	"github.com/eddiefleurent/dunder_scalper/internal/storage"
)

const testConfigID = "test-config"

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// stubFeed satisfies Feed with canned prices and subscription tracking.
type stubFeed struct {
	mu         sync.Mutex
	prices     map[uint32]float64
	subscribed map[uint32]bool
}

func newStubFeed() *stubFeed {
	return &stubFeed{prices: make(map[uint32]float64), subscribed: make(map[uint32]bool)}
}

func (f *stubFeed) SetPrice(token uint32, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[token] = price
}

func (f *stubFeed) Price(_ context.Context, token uint32) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[token], nil
}

func (f *stubFeed) Positions(context.Context) ([]broker.Position, error) { return nil, nil }
func (f *stubFeed) Funds(context.Context) (broker.Funds, error)          { return broker.Funds{}, nil }
func (f *stubFeed) Health() feed.Health                                  { return feed.Health{} }

func (f *stubFeed) Subscribe(tokens []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tokens {
		f.subscribed[t] = true
	}
}

func (f *stubFeed) Unsubscribe(tokens []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tokens {
		delete(f.subscribed, t)
	}
}

func (f *stubFeed) Subscribed(token uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[token]
}

type fixture struct {
	clock  *stepClock
	cfg    *config.Config
	broker *broker.MockBroker
	store  *storage.MockStorage
	feed   *stubFeed
	engine *Engine
}

func istLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// sessionTime is a Tuesday at hh:mm IST, inside the default session.
func sessionTime(t *testing.T, hh, mm int) time.Time {
	t.Helper()
	return time.Date(2026, 1, 20, hh, mm, 0, 0, istLocation(t))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Broker.APIKey = "k"
	cfg.Broker.AccessToken = "t"
	cfg.Strategy.CapitalAllocationPct = 16
	cfg.Strategy.TargetPct = 10
	cfg.Strategy.StoplossPct = 5
	cfg.Storage.Path = "x.db"
	cfg.Engine.MonitorInterval = "5ms"
	require.NoError(t, cfg.Validate())
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &stepClock{t: sessionTime(t, 10, 0)},
		cfg:    testConfig(t),
		broker: broker.NewMockBroker(),
		store:  storage.NewMockStorage(),
		feed:   newStubFeed(),
	}
	f.feed.SetPrice(1001, 50)
	f.engine = New(testConfigID, Deps{
		Config:  f.cfg,
		Broker:  f.broker,
		Feed:    f.feed,
		Storage: f.store,
		Oracle:  marketclock.NewOracle(f.cfg, f.clock),
		Logger:  log.New(io.Discard, "", 0),
		Orders: orders.Config{
			PollInterval: 2 * time.Millisecond,
			Timeout:      500 * time.Millisecond,
			CallTimeout:  time.Second,
		},
		Retry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Timeout:        time.Second,
		},
	})
	t.Cleanup(func() {
		f.engine.mu.Lock()
		if f.engine.runCancel != nil {
			f.engine.runCancel()
		}
		f.engine.mu.Unlock()
	})
	return f
}

func ceEntry() EntryRequest {
	return EntryRequest{
		OptionType:    models.OptionCE,
		Trigger:       "sma_crossover_up",
		TradingSymbol: "NIFTY26JAN22150CE",
		Exchange:      "NFO",
		Token:         1001,
		Strike:        22150,
	}
}

func TestStartRequiresMarketOpen(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(sessionTime(t, 8, 0))
	err := f.engine.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrMarketClosed)

	f.clock.Set(sessionTime(t, 10, 0))
	require.NoError(t, f.engine.Start(context.Background(), nil))
	assert.Equal(t, models.EngineRunning, f.engine.Status().State.Status)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	before := f.engine.Status().State

	err := f.engine.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	after := f.engine.Status().State
	assert.Equal(t, before.TransitionCounts, after.TransitionCounts)
	assert.Equal(t, before.RecoveryCount, after.RecoveryCount)
}

func TestStartRefreshesFundsAndSubscribesBenchmark(t *testing.T) {
	f := newFixture(t)
	f.broker.SetFunds(broker.Funds{Available: 250000})
	require.NoError(t, f.engine.Start(context.Background(), nil))

	st := f.engine.Status().State
	assert.Equal(t, 250000.0, st.AvailableFunds)
	assert.True(t, f.feed.Subscribed(f.cfg.Strategy.BenchmarkToken))
}

func TestResolverPrewarmsExpectedContracts(t *testing.T) {
	f := newFixture(t)
	f.feed.SetPrice(f.cfg.Strategy.BenchmarkToken, 22120)

	resolved := make(map[string]uint32)
	f.engine.resolver = func(optionType models.OptionType, strike float64) (uint32, error) {
		token := uint32(9000 + int(strike)/50)
		resolved[fmt.Sprintf("%s-%d", optionType, int(strike))] = token
		return token, nil
	}

	require.NoError(t, f.engine.Start(context.Background(), nil))

	// ATM and one gap beyond, per side, around spot 22120.
	for _, key := range []string{"CE-22100", "CE-22050", "PE-22150", "PE-22200"} {
		token, ok := resolved[key]
		require.True(t, ok, "expected contract %s resolved", key)
		assert.True(t, f.feed.Subscribed(token), "expected contract %s subscribed", key)
	}
}

func TestCrashRecoveryForcesPausedAndCountsIt(t *testing.T) {
	f := newFixture(t)
	crashed := models.NewEngineState(testConfigID)
	crashed.Status = models.EngineRunning
	crashed.RecoveryCount = 2
	require.NoError(t, f.store.SaveEngineState(context.Background(), crashed))

	require.NoError(t, f.engine.Start(context.Background(), nil))

	st := f.engine.Status().State
	assert.Equal(t, models.EnginePaused, st.Status)
	assert.Equal(t, 3, st.RecoveryCount)

	alerts, err := f.store.GetAlerts(context.Background(), testConfigID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
}

func TestEnterPositionReferenceSizing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))

	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)
	assert.Equal(t, 4, p.Lots)
	assert.Equal(t, 300, p.Quantity)
	assert.Equal(t, 15000.0, p.AllocatedCapital)
	assert.Equal(t, 55.0, p.TargetPrice)
	assert.Equal(t, 47.5, p.StoplossPrice)

	st := f.engine.Status().State
	assert.Equal(t, 85000.0, st.AvailableFunds)
	assert.Equal(t, 15000.0, st.AllocatedFunds)
	assert.True(t, f.feed.Subscribed(1001))

	require.Len(t, f.broker.PlacedOrders(), 1)
	placed := f.broker.PlacedOrders()[0]
	assert.Equal(t, broker.TransactionBuy, placed.TransactionType)
	assert.Equal(t, 300, placed.Quantity)
	assert.Equal(t, "MARKET", placed.OrderType)
}

func TestEnterPositionDeduplicatesByKey(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))

	_, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)

	_, err = f.engine.EnterPosition(context.Background(), ceEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
	assert.Len(t, f.broker.PlacedOrders(), 1)
}

func TestEnterPositionRespectsOrderWindow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))

	// Market still open but past the entry cutoff.
	f.clock.Set(sessionTime(t, 15, 16))
	_, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order window")
}

func TestEnterPositionGatedWhilePaused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	require.NoError(t, f.engine.Pause(context.Background()))

	_, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.Error(t, err)

	require.NoError(t, f.engine.Resume(context.Background()))
	_, err = f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)
}

func TestResumeRefusedAfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	require.NoError(t, f.engine.Pause(context.Background()))

	f.clock.Set(sessionTime(t, 16, 0))
	err := f.engine.Resume(context.Background())
	require.ErrorIs(t, err, ErrMarketClosed)
}

func TestSuspendEntriesPerSide(t *testing.T) {
	f := newFixture(t)
	f.feed.SetPrice(1002, 50)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	require.NoError(t, f.engine.SetEntrySuspension(context.Background(), "CE", true))

	_, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspended")

	pe := EntryRequest{
		OptionType: models.OptionPE, Trigger: "sma_crossover_down",
		TradingSymbol: "NIFTY26JAN22200PE", Exchange: "NFO", Token: 1002, Strike: 22200,
	}
	_, err = f.engine.EnterPosition(context.Background(), pe)
	require.NoError(t, err, "PE side unaffected by CE suspension")

	require.NoError(t, f.engine.SetEntrySuspension(context.Background(), "CE", false))
	_, err = f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)
}

func TestEntryFillConfirmationViaPush(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)

	f.engine.HandleOrderUpdate(broker.OrderUpdate{
		OrderID: p.EntryOrderID, Status: broker.OrderStatusComplete,
		AveragePrice: 50.10, FilledQuantity: 300,
	})

	got, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, got.Status)
	assert.Equal(t, 50.10, got.EntryPrice)

	// Funds stay allocated while the position is open.
	st := f.engine.Status().State
	assert.Equal(t, 85000.0, st.AvailableFunds)
	assert.Equal(t, 15000.0, st.AllocatedFunds)
}

func TestEntryRejectionReleasesAllocation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)

	f.engine.HandleOrderUpdate(broker.OrderUpdate{
		OrderID: p.EntryOrderID, Status: broker.OrderStatusRejected,
	})

	st := f.engine.Status().State
	assert.Equal(t, 100000.0, st.AvailableFunds)
	assert.Equal(t, 0.0, st.AllocatedFunds)
	assert.Equal(t, models.EngineRunning, st.Status, "a rejection never changes engine state")
	assert.Equal(t, 0, f.engine.Status().ActivePositions)

	// The key is free again.
	_, err = f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)
}

func TestExitFillFoldsPnLIntoAvailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)

	f.engine.HandleOrderUpdate(broker.OrderUpdate{
		OrderID: p.EntryOrderID, Status: broker.OrderStatusComplete,
		AveragePrice: 50, FilledQuantity: 300,
	})

	// Price crosses target; the monitor places the exit.
	f.feed.SetPrice(1001, 55.5)
	var got *models.Position
	require.Eventually(t, func() bool {
		var gerr error
		got, gerr = f.store.GetPosition(context.Background(), p.ID)
		return gerr == nil && got.ExitOrderID != ""
	}, time.Second, time.Millisecond, "monitor should submit a target exit")

	exit := f.broker.PlacedOrders()[1]
	assert.Equal(t, broker.TransactionSell, exit.TransactionType)
	f.engine.HandleOrderUpdate(broker.OrderUpdate{
		OrderID: got.ExitOrderID, Status: broker.OrderStatusComplete,
		AveragePrice: 55.5, FilledQuantity: 300,
	})

	st := f.engine.Status().State
	assert.InDelta(t, 101650.0, st.AvailableFunds, 1e-9) // 85000 + 15000 + (55.5-50)*300
	assert.Equal(t, 0.0, st.AllocatedFunds)
	assert.Equal(t, 0, f.engine.Status().ActivePositions)
}

func TestStopSquaresOffBeforeReportingStopped(t *testing.T) {
	f := newFixture(t)
	f.broker.AutoFill = true
	f.broker.FillPrices = map[string]float64{"NIFTY26JAN22150CE": 50}
	require.NoError(t, f.engine.Start(context.Background(), nil))

	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, gerr := f.store.GetPosition(context.Background(), p.ID)
		return gerr == nil && got.Status == models.PositionOpen
	}, time.Second, time.Millisecond)

	f.broker.FillPrices["NIFTY26JAN22150CE"] = 52
	require.NoError(t, f.engine.Stop(context.Background()))

	st := f.engine.Status()
	assert.Equal(t, models.EngineStopped, st.State.Status)
	assert.Equal(t, 0, st.ActivePositions)

	active, err := f.store.GetActivePositions(context.Background(), testConfigID)
	require.NoError(t, err)
	assert.Empty(t, active, "no position may remain open after stop")

	// 85000 + 15000 + (52-50)*300
	assert.InDelta(t, 100600.0, st.State.AvailableFunds, 1e-9)
}

func TestStopDuringMonitorExitSellsOnce(t *testing.T) {
	f := newFixture(t)
	f.broker.AutoFill = true
	f.broker.FillPrices = map[string]float64{"NIFTY26JAN22150CE": 50}
	require.NoError(t, f.engine.Start(context.Background(), nil))

	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, gerr := f.store.GetPosition(context.Background(), p.ID)
		return gerr == nil && got.Status == models.PositionOpen
	}, time.Second, time.Millisecond)

	// Slow down order placement so the monitor's target exit is still in
	// flight when Stop snapshots the book.
	f.broker.FillPrices["NIFTY26JAN22150CE"] = 56
	f.broker.SetPlaceDelay(150 * time.Millisecond)
	f.feed.SetPrice(1001, 55.5)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, f.engine.Stop(context.Background()))

	var sells int
	for _, o := range f.broker.PlacedOrders() {
		if o.TransactionType == broker.TransactionSell {
			sells++
		}
	}
	assert.Equal(t, 1, sells, "the position must be sold exactly once")

	st := f.engine.Status()
	assert.Equal(t, models.EngineStopped, st.State.Status)
	assert.Equal(t, 0, st.ActivePositions)
	// 85000 + 15000 + (56-50)*300
	assert.InDelta(t, 101800.0, st.State.AvailableFunds, 1e-9)
}

func TestSettlementCorrectsFundInvariant(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)

	// Corrupt the stored allocation well beyond the rupee tolerance.
	f.engine.mu.Lock()
	f.engine.state.AllocatedFunds = 25000
	f.engine.mu.Unlock()

	f.engine.HandleOrderUpdate(broker.OrderUpdate{
		OrderID: p.EntryOrderID, Status: broker.OrderStatusComplete,
		AveragePrice: 50, FilledQuantity: 300,
	})

	st := f.engine.Status().State
	assert.Equal(t, 15000.0, st.AllocatedFunds, "allocation corrected to the position sum")
	assert.Equal(t, models.EnginePaused, st.Status, "mismatch pauses the engine")

	alerts, err := f.store.GetAlerts(context.Background(), testConfigID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, models.AlertCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "fund accounting mismatch")
}

func TestStopCancelsUnfilledEntries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))
	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)

	require.NoError(t, f.engine.Stop(context.Background()))

	got, gerr := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.PositionRejected, got.Status)
	assert.Contains(t, f.broker.Cancelled, p.EntryOrderID)

	st := f.engine.Status().State
	assert.Equal(t, models.EngineStopped, st.Status)
	assert.Equal(t, 100000.0, st.AvailableFunds)
	assert.Equal(t, 0.0, st.AllocatedFunds)
}

func TestStopWhenStoppedIsNoOp(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestCredentialsExpiryPausesWithCriticalAlert(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Start(context.Background(), nil))

	f.engine.HandleCredentialsExpired(&broker.CredentialsExpiredError{Message: "token invalid"})

	st := f.engine.Status().State
	assert.Equal(t, models.EnginePaused, st.Status)

	alerts, err := f.store.GetAlerts(context.Background(), testConfigID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, models.AlertCritical, alerts[0].Severity)

	// A second expiry while paused must not error or transition.
	f.engine.HandleCredentialsExpired(&broker.CredentialsExpiredError{Message: "still invalid"})
	assert.Equal(t, models.EnginePaused, f.engine.Status().State.Status)
}

func TestAutomaticSquareOffAtCutoff(t *testing.T) {
	f := newFixture(t)
	f.broker.AutoFill = true
	f.broker.FillPrices = map[string]float64{"NIFTY26JAN22150CE": 51}
	require.NoError(t, f.engine.Start(context.Background(), nil))

	p, err := f.engine.EnterPosition(context.Background(), ceEntry())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, gerr := f.store.GetPosition(context.Background(), p.ID)
		return gerr == nil && got.Status == models.PositionOpen
	}, time.Second, time.Millisecond)

	f.clock.Set(sessionTime(t, 15, 21))
	require.Eventually(t, func() bool {
		return f.engine.Status().State.Status == models.EngineStopped
	}, 2*time.Second, 5*time.Millisecond, "square-off window should stop the engine")

	active, err := f.store.GetActivePositions(context.Background(), testConfigID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestContractExpiryFilterRejectsOtherExpiries(t *testing.T) {
	f := newFixture(t)
	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, istLocation(t))
	require.NoError(t, f.engine.Start(context.Background(), &expiry))

	other := time.Date(2026, 2, 26, 0, 0, 0, 0, istLocation(t))
	req := ceEntry()
	req.Expiry = &other
	_, err := f.engine.EnterPosition(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expiry")

	req.Expiry = &expiry
	_, err = f.engine.EnterPosition(context.Background(), req)
	require.NoError(t, err)
}
