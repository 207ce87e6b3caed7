package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockBroker is an in-memory Broker for tests. All fields are guarded by
// one mutex; error injection applies to the next matching call.
type MockBroker struct {
	mu sync.Mutex

	LTPs      map[uint32]float64
	Positions []Position
	Funds     Funds
	Profile   Profile
	Orders    []Order

	// Err, when set, is returned by every call until cleared.
	Err error
	// PlaceErr overrides Err for PlaceOrder.
	PlaceErr error
	// PlaceDelay makes PlaceOrder sleep before taking the lock, letting
	// tests hold a placement in flight while other calls proceed.
	PlaceDelay time.Duration

	// AutoFill makes placed orders land in the order book already
	// COMPLETE, filled at FillPrices[tradingsymbol].
	AutoFill   bool
	FillPrices map[string]float64

	Placed    []OrderParams
	Cancelled []string

	nextOrderID int64
}

// Ensure MockBroker implements Broker at compile time.
var _ Broker = (*MockBroker)(nil)

// NewMockBroker returns a mock with sane defaults.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		LTPs:  make(map[uint32]float64),
		Funds: Funds{Available: 100000},
	}
}

// SetLTP sets the last traded price for a token.
func (m *MockBroker) SetLTP(token uint32, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LTPs[token] = price
}

// SetErr arranges for subsequent calls to fail with err (nil clears).
func (m *MockBroker) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// SetPlaceDelay makes every subsequent PlaceOrder sleep before recording.
func (m *MockBroker) SetPlaceDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceDelay = d
}

// SetFunds replaces the funds snapshot.
func (m *MockBroker) SetFunds(f Funds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Funds = f
}

// SetPositions replaces the broker-side position list.
func (m *MockBroker) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions = positions
}

// SetOrders replaces the broker-side order list.
func (m *MockBroker) SetOrders(orders []Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = orders
}

// PlacedOrders returns a copy of every order submitted so far.
func (m *MockBroker) PlacedOrders() []OrderParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderParams, len(m.Placed))
	copy(out, m.Placed)
	return out
}

// GetQuote returns quotes assembled from the configured LTPs.
func (m *MockBroker) GetQuote(_ context.Context, tokens []uint32) (map[uint32]Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	quotes := make(map[uint32]Quote, len(tokens))
	for _, t := range tokens {
		if price, ok := m.LTPs[t]; ok {
			quotes[t] = Quote{InstrumentToken: t, LastPrice: price, Timestamp: time.Now()}
		}
	}
	return quotes, nil
}

// GetLTP returns the configured LTPs for tokens.
func (m *MockBroker) GetLTP(_ context.Context, tokens []uint32) (map[uint32]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	ltps := make(map[uint32]float64, len(tokens))
	for _, t := range tokens {
		if price, ok := m.LTPs[t]; ok {
			ltps[t] = price
		}
	}
	return ltps, nil
}

// GetPositions returns the configured positions.
func (m *MockBroker) GetPositions(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

// GetFunds returns the configured funds snapshot.
func (m *MockBroker) GetFunds(_ context.Context) (Funds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Funds{}, m.Err
	}
	return m.Funds, nil
}

// GetProfile returns the configured profile.
func (m *MockBroker) GetProfile(_ context.Context) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Profile{}, m.Err
	}
	return m.Profile, nil
}

// GetOrders returns the configured order list.
func (m *MockBroker) GetOrders(_ context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Order, len(m.Orders))
	copy(out, m.Orders)
	return out, nil
}

// PlaceOrder records the order and returns a synthetic order id.
func (m *MockBroker) PlaceOrder(_ context.Context, params OrderParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	delay := m.PlaceDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	if m.Err != nil {
		return "", m.Err
	}
	m.Placed = append(m.Placed, params)
	id := fmt.Sprintf("mock-order-%d", atomic.AddInt64(&m.nextOrderID, 1))
	order := Order{
		OrderID:         id,
		TradingSymbol:   params.TradingSymbol,
		Exchange:        params.Exchange,
		Status:          OrderStatusOpen,
		TransactionType: string(params.TransactionType),
		Quantity:        params.Quantity,
		OrderTimestamp:  time.Now(),
	}
	if m.AutoFill {
		order.Status = OrderStatusComplete
		order.FilledQuantity = params.Quantity
		order.AveragePrice = m.FillPrices[params.TradingSymbol]
	}
	m.Orders = append(m.Orders, order)
	return id, nil
}

// ModifyOrder validates and succeeds unless an error is injected.
func (m *MockBroker) ModifyOrder(_ context.Context, _ string, params OrderParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

// CancelOrder records the cancellation and marks the order CANCELLED in the
// book.
func (m *MockBroker) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Cancelled = append(m.Cancelled, orderID)
	for i := range m.Orders {
		if m.Orders[i].OrderID == orderID {
			m.Orders[i].Status = OrderStatusCancelled
		}
	}
	return nil
}

// MockStream is an in-memory Stream for tests. Ticks and order updates are
// injected with EmitTick / EmitOrderUpdate.
type MockStream struct {
	mu            sync.Mutex
	connected     bool
	subscribed    map[uint32]bool
	onTick        func(Tick)
	onOrderUpdate func(OrderUpdate)

	ConnectErr error
	// ConnectCount tracks how many times Connect succeeded.
	ConnectCount int
}

// Ensure MockStream implements Stream at compile time.
var _ Stream = (*MockStream)(nil)

// NewMockStream returns an unconnected mock stream.
func NewMockStream() *MockStream {
	return &MockStream{subscribed: make(map[uint32]bool)}
}

// Connect records the callbacks and marks the stream connected.
func (m *MockStream) Connect(_ context.Context, tokens []uint32, onTick func(Tick), onOrderUpdate func(OrderUpdate)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	m.ConnectCount++
	m.onTick = onTick
	m.onOrderUpdate = onOrderUpdate
	for _, t := range tokens {
		m.subscribed[t] = true
	}
	return nil
}

// Subscribe records tokens.
func (m *MockStream) Subscribe(tokens []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("push feed not connected")
	}
	for _, t := range tokens {
		m.subscribed[t] = true
	}
	return nil
}

// Unsubscribe removes tokens.
func (m *MockStream) Unsubscribe(tokens []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("push feed not connected")
	}
	for _, t := range tokens {
		delete(m.subscribed, t)
	}
	return nil
}

// Disconnect marks the stream disconnected.
func (m *MockStream) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Connected reports the connection state.
func (m *MockStream) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribed reports whether a token is currently subscribed.
func (m *MockStream) Subscribed(token uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[token]
}

// EmitTick delivers a tick to the registered callback.
func (m *MockStream) EmitTick(tick Tick) {
	m.mu.Lock()
	cb := m.onTick
	m.mu.Unlock()
	if cb != nil {
		cb(tick)
	}
}

// EmitOrderUpdate delivers an order update to the registered callback.
func (m *MockStream) EmitOrderUpdate(update OrderUpdate) {
	m.mu.Lock()
	cb := m.onOrderUpdate
	m.mu.Unlock()
	if cb != nil {
		cb(update)
	}
}
