// Package mock simulates the exchange for paper trading: a random-walk
// benchmark index, derived option premiums, instant market-order fills, and
// a push stream that emits ticks and order postbacks. One Exchange serves as
// both the Broker and the Stream so paper mode swaps in with two
// assignments.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/util"
)

const (
	tickSize   = 0.05
	minPremium = 0.05
)

// secureFloat64 returns a uniform random float64 in [0, 1).
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

type contract struct {
	symbol string
	isCall bool
	strike float64
	expiry time.Time
}

// Exchange is the simulated broker and push feed.
type Exchange struct {
	mu sync.Mutex

	index      float64 // benchmark level
	volatility float64 // per-step fractional move scale

	benchmarkToken  uint32
	benchmarkSymbol string
	contracts       map[uint32]*contract
	nextToken       uint32

	funds     broker.Funds
	positions map[uint32]*broker.Position
	orders    []broker.Order

	connected     bool
	subscribed    map[uint32]bool
	onTick        func(broker.Tick)
	onOrderUpdate func(broker.OrderUpdate)
	tickInterval  time.Duration
	stopTicks     context.CancelFunc
	tickerDone    chan struct{}

	nextOrderID int64
}

// Compile-time checks that paper mode really can swap the Exchange in.
var (
	_ broker.Broker = (*Exchange)(nil)
	_ broker.Stream = (*Exchange)(nil)
)

// Options configures the simulation.
type Options struct {
	IndexLevel      float64 // starting benchmark level
	Volatility      float64 // per-step fractional move, e.g. 0.0005
	AvailableFunds  float64
	BenchmarkToken  uint32
	BenchmarkSymbol string
	TickInterval    time.Duration
}

// NewExchange builds a simulator. Zero fields take defaults roughly matching
// a quiet NIFTY session.
func NewExchange(opts Options) *Exchange {
	if opts.IndexLevel <= 0 {
		opts.IndexLevel = 22000
	}
	if opts.Volatility <= 0 {
		opts.Volatility = 0.0005
	}
	if opts.AvailableFunds <= 0 {
		opts.AvailableFunds = 100000
	}
	if opts.BenchmarkToken == 0 {
		opts.BenchmarkToken = 256265
	}
	if opts.BenchmarkSymbol == "" {
		opts.BenchmarkSymbol = "NIFTY 50"
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Exchange{
		index:           opts.IndexLevel,
		volatility:      opts.Volatility,
		benchmarkToken:  opts.BenchmarkToken,
		benchmarkSymbol: opts.BenchmarkSymbol,
		contracts:       make(map[uint32]*contract),
		funds:           broker.Funds{Available: opts.AvailableFunds},
		positions:       make(map[uint32]*broker.Position),
		subscribed:      make(map[uint32]bool),
		tickInterval:    opts.TickInterval,
		nextToken:       opts.BenchmarkToken + 1,
	}
}

// ResolveContract registers (or finds) the synthetic option contract for a
// strike and side, returning its trading symbol and instrument token.
func (x *Exchange) ResolveContract(isCall bool, strike float64, expiry time.Time) (string, uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()

	side := "PE"
	if isCall {
		side = "CE"
	}
	symbol := fmt.Sprintf("NIFTY%s%d%s",
		strings.ToUpper(expiry.Format("06Jan")), int(strike), side)

	for token, c := range x.contracts {
		if c.symbol == symbol {
			return symbol, token
		}
	}
	x.nextToken++
	token := x.nextToken
	x.contracts[token] = &contract{symbol: symbol, isCall: isCall, strike: strike, expiry: expiry}
	return symbol, token
}

// step advances the random walk one increment.
func (x *Exchange) step() {
	move := (secureFloat64()*2 - 1) * x.volatility * x.index
	x.index = util.RoundToTick(x.index+move, tickSize)
}

// priceLocked computes the simulated last price for a token. Option premiums
// are intrinsic value plus a small time-value cushion.
func (x *Exchange) priceLocked(token uint32) (float64, bool) {
	if token == x.benchmarkToken {
		return x.index, true
	}
	c, ok := x.contracts[token]
	if !ok {
		return 0, false
	}
	intrinsic := x.index - c.strike
	if !c.isCall {
		intrinsic = c.strike - x.index
	}
	timeValue := x.index * 0.002
	premium := math.Max(intrinsic, 0) + timeValue
	return math.Max(util.RoundToTick(premium, tickSize), minPremium), true
}

// GetQuote returns simulated quotes for tokens.
func (x *Exchange) GetQuote(_ context.Context, tokens []uint32) (map[uint32]broker.Quote, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	quotes := make(map[uint32]broker.Quote, len(tokens))
	for _, t := range tokens {
		if price, ok := x.priceLocked(t); ok {
			quotes[t] = broker.Quote{InstrumentToken: t, LastPrice: price, Timestamp: time.Now()}
		}
	}
	return quotes, nil
}

// GetLTP returns simulated last prices for tokens.
func (x *Exchange) GetLTP(_ context.Context, tokens []uint32) (map[uint32]float64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ltps := make(map[uint32]float64, len(tokens))
	for _, t := range tokens {
		if price, ok := x.priceLocked(t); ok {
			ltps[t] = price
		}
	}
	return ltps, nil
}

// GetPositions returns the simulated position book.
func (x *Exchange) GetPositions(_ context.Context) ([]broker.Position, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]broker.Position, 0, len(x.positions))
	for _, p := range x.positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetFunds returns the simulated margin snapshot.
func (x *Exchange) GetFunds(_ context.Context) (broker.Funds, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.funds, nil
}

// GetProfile returns a fixed paper-trading identity.
func (x *Exchange) GetProfile(_ context.Context) (broker.Profile, error) {
	return broker.Profile{UserID: "PAPER1", UserName: "Paper Trader"}, nil
}

// GetOrders returns the simulated order book.
func (x *Exchange) GetOrders(_ context.Context) ([]broker.Order, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]broker.Order, len(x.orders))
	copy(out, x.orders)
	return out, nil
}

// PlaceOrder fills a market order instantly at the simulated price, adjusts
// the position book and funds, and emits a COMPLETE postback on the stream.
func (x *Exchange) PlaceOrder(_ context.Context, params broker.OrderParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	x.mu.Lock()
	token := x.tokenForSymbolLocked(params.TradingSymbol)
	price, ok := x.priceLocked(token)
	if !ok {
		x.mu.Unlock()
		return "", &broker.OrderRejectedError{Reason: fmt.Sprintf("unknown contract %s", params.TradingSymbol)}
	}

	id := fmt.Sprintf("paper-%d", atomic.AddInt64(&x.nextOrderID, 1))
	order := broker.Order{
		OrderID:         id,
		TradingSymbol:   params.TradingSymbol,
		Exchange:        params.Exchange,
		InstrumentToken: token,
		Status:          broker.OrderStatusComplete,
		TransactionType: string(params.TransactionType),
		Quantity:        params.Quantity,
		FilledQuantity:  params.Quantity,
		AveragePrice:    price,
		OrderTimestamp:  time.Now(),
	}
	x.orders = append(x.orders, order)
	x.applyFillLocked(token, params, price)

	update := broker.OrderUpdate{
		OrderID:         id,
		Status:          broker.OrderStatusComplete,
		TradingSymbol:   params.TradingSymbol,
		InstrumentToken: token,
		FilledQuantity:  params.Quantity,
		AveragePrice:    price,
		Timestamp:       time.Now(),
	}
	postback := x.onOrderUpdate
	connected := x.connected
	x.mu.Unlock()

	if connected && postback != nil {
		postback(update)
	}
	return id, nil
}

func (x *Exchange) tokenForSymbolLocked(symbol string) uint32 {
	if symbol == x.benchmarkSymbol {
		return x.benchmarkToken
	}
	for token, c := range x.contracts {
		if c.symbol == symbol {
			return token
		}
	}
	return 0
}

func (x *Exchange) applyFillLocked(token uint32, params broker.OrderParams, price float64) {
	qty := params.Quantity
	if params.TransactionType == broker.TransactionSell {
		qty = -qty
	}
	p, ok := x.positions[token]
	if !ok {
		p = &broker.Position{
			TradingSymbol:   params.TradingSymbol,
			Exchange:        params.Exchange,
			InstrumentToken: token,
			Product:         params.Product,
		}
		x.positions[token] = p
	}
	if qty > 0 && p.Quantity >= 0 {
		total := p.AveragePrice*float64(p.Quantity) + price*float64(qty)
		p.AveragePrice = total / float64(p.Quantity+qty)
	}
	p.Quantity += qty
	p.LastPrice = price

	cost := price * float64(qty)
	x.funds.Available -= cost
	x.funds.Used += cost
}

// ModifyOrder is unsupported in the simulation; market orders fill at once.
func (x *Exchange) ModifyOrder(_ context.Context, orderID string, _ broker.OrderParams) error {
	return &broker.OrderRejectedError{OrderID: orderID, Reason: "paper orders fill immediately"}
}

// CancelOrder succeeds trivially; nothing rests on the simulated book.
func (x *Exchange) CancelOrder(_ context.Context, _ string) error { return nil }

// Connect starts the tick emitter for the subscribed tokens.
func (x *Exchange) Connect(_ context.Context, tokens []uint32, onTick func(broker.Tick), onOrderUpdate func(broker.OrderUpdate)) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.connected {
		return nil
	}
	x.connected = true
	x.onTick = onTick
	x.onOrderUpdate = onOrderUpdate
	for _, t := range tokens {
		x.subscribed[t] = true
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	x.stopTicks = cancel
	x.tickerDone = make(chan struct{})
	go x.emitTicks(tickCtx, x.tickerDone)
	return nil
}

func (x *Exchange) emitTicks(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(x.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.mu.Lock()
			x.step()
			var ticks []broker.Tick
			for t := range x.subscribed {
				if price, ok := x.priceLocked(t); ok {
					ticks = append(ticks, broker.Tick{InstrumentToken: t, LastPrice: price, Timestamp: time.Now()})
				}
			}
			emit := x.onTick
			x.mu.Unlock()
			if emit != nil {
				for _, tick := range ticks {
					emit(tick)
				}
			}
		}
	}
}

// Subscribe adds tokens to the tick emitter.
func (x *Exchange) Subscribe(tokens []uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.connected {
		return fmt.Errorf("paper stream not connected")
	}
	for _, t := range tokens {
		x.subscribed[t] = true
	}
	return nil
}

// Unsubscribe removes tokens from the tick emitter.
func (x *Exchange) Unsubscribe(tokens []uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.connected {
		return fmt.Errorf("paper stream not connected")
	}
	for _, t := range tokens {
		delete(x.subscribed, t)
	}
	return nil
}

// Disconnect stops the tick emitter. Idempotent.
func (x *Exchange) Disconnect() error {
	x.mu.Lock()
	if !x.connected {
		x.mu.Unlock()
		return nil
	}
	x.connected = false
	cancel := x.stopTicks
	done := x.tickerDone
	x.stopTicks = nil
	x.tickerDone = nil
	x.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Connected reports whether the tick emitter is live.
func (x *Exchange) Connected() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.connected
}

// IndexLevel returns the current benchmark level.
func (x *Exchange) IndexLevel() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index
}
