package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OptionType distinguishes calls from puts in exchange nomenclature.
type OptionType string

const (
	// OptionCE is a call option.
	OptionCE OptionType = "CE"
	// OptionPE is a put option.
	OptionPE OptionType = "PE"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	// PositionPending means the entry order is submitted but not filled.
	PositionPending PositionStatus = "pending"
	// PositionOpen means the entry fill is confirmed.
	PositionOpen PositionStatus = "open"
	// PositionClosed means the exit fill is confirmed.
	PositionClosed PositionStatus = "closed"
	// PositionRejected means the broker refused the entry order.
	PositionRejected PositionStatus = "rejected"
)

// OrderLegStatus tracks one leg (entry or exit) of a position.
type OrderLegStatus string

const (
	// LegPending means the leg order is awaiting fill.
	LegPending OrderLegStatus = "pending"
	// LegComplete means the leg filled.
	LegComplete OrderLegStatus = "complete"
	// LegRejected means the broker refused the leg.
	LegRejected OrderLegStatus = "rejected"
)

// PositionTransition defines a valid position lifecycle transition.
type PositionTransition struct {
	From        PositionStatus
	To          PositionStatus
	Condition   string
	Description string
}

// ValidPositionTransitions is the position lifecycle table.
var ValidPositionTransitions = []PositionTransition{
	{PositionPending, PositionOpen, "entry_filled", "Entry fill confirmed"},
	{PositionPending, PositionRejected, "entry_rejected", "Broker rejected entry, funds released"},
	{PositionOpen, PositionClosed, "exit_filled", "Exit fill confirmed"},
}

// Position is one trade: a single option contract bought on a signal and
// exited on target, stoploss, square-off, or operator stop.
type Position struct {
	ID       string `json:"id"`
	ConfigID string `json:"config_id"`

	TradingSymbol   string     `json:"tradingsymbol"`
	Exchange        string     `json:"exchange"`
	InstrumentToken uint32     `json:"instrument_token"`
	OptionType      OptionType `json:"option_type"`
	Strike          float64    `json:"strike"`
	// Trigger names the signal that opened the trade, e.g. "sma_crossover_up".
	// One open position per (option_type, trigger) key at a time.
	Trigger string `json:"trigger"`

	Quantity int `json:"quantity"`
	Lots     int `json:"lots"`

	EntryOrderID     string         `json:"entry_order_id"`
	ExitOrderID      string         `json:"exit_order_id,omitempty"`
	EntryOrderStatus OrderLegStatus `json:"order_status_entry"`
	ExitOrderStatus  OrderLegStatus `json:"order_status_exit,omitempty"`

	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	EntryTime  *time.Time `json:"entry_time,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`

	TargetPrice      float64 `json:"target_price"`
	StoplossPrice    float64 `json:"stoploss_price"`
	AllocatedCapital float64 `json:"allocated_capital"`
	RealizedPnL      float64 `json:"realized_pnl"`

	Status    PositionStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewPosition creates a pending position for a just-submitted entry order.
func NewPosition(configID string, optionType OptionType, trigger string) *Position {
	now := time.Now().UTC()
	return &Position{
		ID:               uuid.NewString(),
		ConfigID:         configID,
		OptionType:       optionType,
		Trigger:          trigger,
		Status:           PositionPending,
		EntryOrderStatus: LegPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Key is the de-duplication key: exactly one open or pending position may
// exist per key at a time.
func (p *Position) Key() string {
	return fmt.Sprintf("%s_%s", p.OptionType, p.Trigger)
}

// IsActive reports whether the position still holds (or may soon hold)
// allocated capital.
func (p *Position) IsActive() bool {
	return p.Status == PositionPending || p.Status == PositionOpen
}

// Transition moves the position to a new status, validating against the
// table and stamping entry/exit times.
func (p *Position) Transition(to PositionStatus, condition string) error {
	valid := false
	for _, tr := range ValidPositionTransitions {
		if tr.From == p.Status && tr.To == to && tr.Condition == condition {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid position transition from %s to %s with condition %q", p.Status, to, condition)
	}

	now := time.Now().UTC()
	switch to {
	case PositionOpen:
		p.EntryOrderStatus = LegComplete
		if p.EntryTime == nil {
			p.EntryTime = &now
		}
	case PositionRejected:
		p.EntryOrderStatus = LegRejected
	case PositionClosed:
		p.ExitOrderStatus = LegComplete
		if p.ExitTime == nil {
			p.ExitTime = &now
		}
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

// Validate checks per-status invariants before persisting.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position missing id")
	}
	if p.OptionType != OptionCE && p.OptionType != OptionPE {
		return fmt.Errorf("position %s: option type must be CE or PE, got %q", p.ID, p.OptionType)
	}
	switch p.Status {
	case PositionPending:
		if p.EntryOrderID == "" {
			return fmt.Errorf("pending position %s missing entry order id", p.ID)
		}
		if p.AllocatedCapital <= 0 {
			return fmt.Errorf("pending position %s has no allocated capital", p.ID)
		}
	case PositionOpen:
		if p.EntryPrice <= 0 {
			return fmt.Errorf("open position %s missing entry price", p.ID)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("open position %s has non-positive quantity", p.ID)
		}
	case PositionClosed:
		if p.ExitTime == nil {
			return fmt.Errorf("closed position %s missing exit time", p.ID)
		}
	case PositionRejected:
	default:
		return fmt.Errorf("position %s has unknown status %q", p.ID, p.Status)
	}
	return nil
}

// Copy returns a deep copy of the position.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	dup := *p
	if p.EntryTime != nil {
		t := *p.EntryTime
		dup.EntryTime = &t
	}
	if p.ExitTime != nil {
		t := *p.ExitTime
		dup.ExitTime = &t
	}
	return &dup
}
