// Package broker abstracts the brokerage: REST capabilities (quotes,
// positions, funds, orders) behind the Broker interface and the push feed
// behind the Stream interface. Every REST call may fail with a distinguished
// credentials-expired condition, an order rejection, or a transient failure;
// see errors.go for the taxonomy.
package broker

import (
	"context"
	"time"
)

// TransactionType is the order side.
type TransactionType string

const (
	// TransactionBuy opens or adds to a long position.
	TransactionBuy TransactionType = "BUY"
	// TransactionSell closes or shorts.
	TransactionSell TransactionType = "SELL"
)

// OrderStatus values as reported by the broker.
const (
	OrderStatusOpen           = "OPEN"
	OrderStatusComplete       = "COMPLETE"
	OrderStatusRejected       = "REJECTED"
	OrderStatusCancelled      = "CANCELLED"
	OrderStatusTriggerPending = "TRIGGER PENDING"
)

// Quote is a point-in-time snapshot for one instrument.
type Quote struct {
	InstrumentToken uint32    `json:"instrument_token"`
	LastPrice       float64   `json:"last_price"`
	Timestamp       time.Time `json:"timestamp"`
}

// Position is a broker-side position row (ground truth for reconciliation).
type Position struct {
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	InstrumentToken uint32  `json:"instrument_token"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	PnL             float64 `json:"pnl"`
}

// Funds is the broker margin snapshot.
type Funds struct {
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
}

// Profile identifies the authenticated broker account.
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
}

// Order is a broker-side order row.
type Order struct {
	OrderID         string    `json:"order_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	TradingSymbol   string    `json:"tradingsymbol"`
	Exchange        string    `json:"exchange"`
	InstrumentToken uint32    `json:"instrument_token"`
	Status          string    `json:"status"`
	StatusMessage   string    `json:"status_message"`
	TransactionType string    `json:"transaction_type"`
	Quantity        int       `json:"quantity"`
	FilledQuantity  int       `json:"filled_quantity"`
	Price           float64   `json:"price"`
	AveragePrice    float64   `json:"average_price"`
	OrderTimestamp  time.Time `json:"order_timestamp"`
}

// OrderParams carries everything needed to place an order. Optional fields
// are pointers so "unset" is distinct from zero; Validate runs once at
// construction time, not inside the API call.
type OrderParams struct {
	Exchange        string
	TradingSymbol   string
	TransactionType TransactionType
	Quantity        int
	Product         string // e.g. MIS
	OrderType       string // MARKET | LIMIT | SL | SL-M
	Validity        string // DAY | IOC
	Price           *float64
	TriggerPrice    *float64
	Tag             string
}

// Validate checks the parameter combination before submission.
func (p *OrderParams) Validate() error {
	if p.TradingSymbol == "" {
		return &APIError{Status: 400, ErrorType: "InputException", Message: "tradingsymbol is required"}
	}
	if p.Quantity <= 0 {
		return &APIError{Status: 400, ErrorType: "InputException", Message: "quantity must be positive"}
	}
	if p.TransactionType != TransactionBuy && p.TransactionType != TransactionSell {
		return &APIError{Status: 400, ErrorType: "InputException", Message: "transaction_type must be BUY or SELL"}
	}
	switch p.OrderType {
	case "LIMIT":
		if p.Price == nil {
			return &APIError{Status: 400, ErrorType: "InputException", Message: "LIMIT order requires price"}
		}
	case "SL", "SL-M":
		if p.TriggerPrice == nil {
			return &APIError{Status: 400, ErrorType: "InputException", Message: "stoploss order requires trigger_price"}
		}
	case "MARKET", "":
	default:
		return &APIError{Status: 400, ErrorType: "InputException", Message: "unknown order_type " + p.OrderType}
	}
	return nil
}

// Tick is an inbound push quote event.
type Tick struct {
	InstrumentToken uint32
	LastPrice       float64
	Timestamp       time.Time
}

// OrderUpdate is an inbound push order-status event.
type OrderUpdate struct {
	OrderID         string
	Status          string
	TradingSymbol   string
	InstrumentToken uint32
	FilledQuantity  int
	AveragePrice    float64
	Timestamp       time.Time
}

// Broker defines the REST capabilities consumed by this process.
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, tokens []uint32) (map[uint32]Quote, error)
	GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error)

	// Account
	GetPositions(ctx context.Context) ([]Position, error)
	GetFunds(ctx context.Context) (Funds, error)
	GetProfile(ctx context.Context) (Profile, error)

	// Orders
	GetOrders(ctx context.Context) ([]Order, error)
	PlaceOrder(ctx context.Context, params OrderParams) (string, error)
	ModifyOrder(ctx context.Context, orderID string, params OrderParams) error
	CancelOrder(ctx context.Context, orderID string) error
}

// Stream defines the push-feed capabilities. One live connection per
// process; the feed supervisor owns its lifecycle.
type Stream interface {
	// Connect opens the push connection subscribed to tokens. onTick and
	// onOrderUpdate are invoked from the read path and must not block.
	Connect(ctx context.Context, tokens []uint32, onTick func(Tick), onOrderUpdate func(OrderUpdate)) error
	// Subscribe adds tokens to the live subscription.
	Subscribe(tokens []uint32) error
	// Unsubscribe removes tokens from the live subscription.
	Unsubscribe(tokens []uint32) error
	// Disconnect closes the connection. Idempotent.
	Disconnect() error
	// Connected reports whether the connection is currently up.
	Connected() bool
}
