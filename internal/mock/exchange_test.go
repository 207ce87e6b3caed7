package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
)

func newTestExchange() *Exchange {
	return NewExchange(Options{
		IndexLevel:   22000,
		TickInterval: 2 * time.Millisecond,
	})
}

func TestResolveContractIsStable(t *testing.T) {
	x := newTestExchange()
	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)

	symbol, token := x.ResolveContract(true, 22000, expiry)
	assert.Equal(t, "NIFTY26JAN22000CE", symbol)
	assert.NotZero(t, token)

	again, sameToken := x.ResolveContract(true, 22000, expiry)
	assert.Equal(t, symbol, again)
	assert.Equal(t, token, sameToken)

	_, putToken := x.ResolveContract(false, 22000, expiry)
	assert.NotEqual(t, token, putToken)
}

func TestPremiumsTrackIntrinsicValue(t *testing.T) {
	x := newTestExchange()
	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)
	_, itm := x.ResolveContract(true, 21500, expiry) // 500 in the money
	_, otm := x.ResolveContract(true, 22500, expiry) // 500 out of the money

	ltps, err := x.GetLTP(context.Background(), []uint32{itm, otm})
	require.NoError(t, err)
	assert.Greater(t, ltps[itm], 500.0)
	assert.Less(t, ltps[otm], 100.0)
	assert.GreaterOrEqual(t, ltps[otm], minPremium)
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	x := newTestExchange()
	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)
	symbol, token := x.ResolveContract(true, 22000, expiry)

	id, err := x.PlaceOrder(context.Background(), broker.OrderParams{
		Exchange:        "NFO",
		TradingSymbol:   symbol,
		TransactionType: broker.TransactionBuy,
		Quantity:        75,
		Product:         "MIS",
		OrderType:       "MARKET",
		Validity:        "DAY",
	})
	require.NoError(t, err)

	orders, err := x.GetOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, id, orders[0].OrderID)
	assert.Equal(t, broker.OrderStatusComplete, orders[0].Status)
	assert.Equal(t, 75, orders[0].FilledQuantity)
	assert.Positive(t, orders[0].AveragePrice)

	positions, err := x.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, token, positions[0].InstrumentToken)
	assert.Equal(t, 75, positions[0].Quantity)
}

func TestSellFlattensPosition(t *testing.T) {
	x := newTestExchange()
	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)
	symbol, token := x.ResolveContract(true, 22000, expiry)

	buy := broker.OrderParams{
		Exchange: "NFO", TradingSymbol: symbol, TransactionType: broker.TransactionBuy,
		Quantity: 75, Product: "MIS", OrderType: "MARKET", Validity: "DAY",
	}
	_, err := x.PlaceOrder(context.Background(), buy)
	require.NoError(t, err)

	sell := buy
	sell.TransactionType = broker.TransactionSell
	_, err = x.PlaceOrder(context.Background(), sell)
	require.NoError(t, err)

	positions, err := x.GetPositions(context.Background())
	require.NoError(t, err)
	for _, p := range positions {
		if p.InstrumentToken == token {
			assert.Zero(t, p.Quantity)
		}
	}
}

func TestStreamEmitsTicksForSubscriptions(t *testing.T) {
	x := newTestExchange()

	var mu sync.Mutex
	seen := make(map[uint32]int)
	err := x.Connect(context.Background(), []uint32{256265}, func(tick broker.Tick) {
		mu.Lock()
		seen[tick.InstrumentToken]++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer func() { _ = x.Disconnect() }()
	assert.True(t, x.Connected())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[256265] >= 3
	}, time.Second, time.Millisecond)

	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)
	_, token := x.ResolveContract(true, 22000, expiry)
	require.NoError(t, x.Subscribe([]uint32{token}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[token] >= 1
	}, time.Second, time.Millisecond)

	require.NoError(t, x.Disconnect())
	assert.False(t, x.Connected())
	require.NoError(t, x.Disconnect(), "disconnect is idempotent")
}

func TestOrderPostbackDeliveredWhenConnected(t *testing.T) {
	x := newTestExchange()
	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)
	symbol, _ := x.ResolveContract(true, 22000, expiry)

	updates := make(chan broker.OrderUpdate, 1)
	require.NoError(t, x.Connect(context.Background(), nil, func(broker.Tick) {}, func(u broker.OrderUpdate) {
		updates <- u
	}))
	defer func() { _ = x.Disconnect() }()

	id, err := x.PlaceOrder(context.Background(), broker.OrderParams{
		Exchange: "NFO", TradingSymbol: symbol, TransactionType: broker.TransactionBuy,
		Quantity: 75, Product: "MIS", OrderType: "MARKET", Validity: "DAY",
	})
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, id, u.OrderID)
		assert.Equal(t, broker.OrderStatusComplete, u.Status)
	case <-time.After(time.Second):
		t.Fatal("no order postback received")
	}
}

func TestUnknownContractRejected(t *testing.T) {
	x := newTestExchange()
	_, err := x.PlaceOrder(context.Background(), broker.OrderParams{
		Exchange: "NFO", TradingSymbol: "NIFTY26JAN99999CE", TransactionType: broker.TransactionBuy,
		Quantity: 75, Product: "MIS", OrderType: "MARKET", Validity: "DAY",
	})
	require.Error(t, err)
	assert.True(t, broker.IsOrderRejected(err))
}
