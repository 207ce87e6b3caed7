// Package orders confirms order fills. The push feed's order postbacks are
// the primary signal; PollOrderStatus is the fallback for orders whose
// postback never arrives. Both paths converge on the same terminal-status
// handling, so a fill observed twice is applied once.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/models"
	"github.com/eddiefleurent/dunder_scalper/internal/storage"
)

// Config contains timing knobs for the fallback poller.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig is the default poller configuration.
var DefaultConfig = Config{
	PollInterval: 5 * time.Second,
	Timeout:      5 * time.Minute,
	CallTimeout:  7 * time.Second,
}

// Result reports a terminal order outcome to the engine, which settles the
// fund ledger and de-duplication bookkeeping.
type Result struct {
	Position *models.Position
	IsEntry  bool
	Filled   bool
	Status   string
}

// Manager applies order outcomes to positions.
type Manager struct {
	broker   broker.Broker
	storage  storage.Interface
	logger   *log.Logger
	config   Config
	onResult func(Result)
}

// NewManager creates an order manager.
func NewManager(b broker.Broker, store storage.Interface, logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if store == nil {
		panic("orders.NewManager: storage must not be nil")
	}
	return &Manager{broker: b, storage: store, logger: logger, config: cfg}
}

// SetResultHandler registers the callback invoked on every terminal order
// outcome. Call before the manager starts receiving events.
func (m *Manager) SetResultHandler(fn func(Result)) {
	m.onResult = fn
}

// HandleOrderUpdate consumes one push order postback. Non-terminal statuses
// and orders that belong to nobody are ignored.
func (m *Manager) HandleOrderUpdate(ctx context.Context, update broker.OrderUpdate) {
	if !isTerminalStatus(update.Status) {
		return
	}

	position, isEntry, err := m.findPosition(ctx, update.OrderID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Printf("order update %s: position lookup failed: %v", update.OrderID, err)
		}
		return
	}

	switch update.Status {
	case broker.OrderStatusComplete:
		m.applyFill(ctx, position, isEntry, update.AveragePrice, update.FilledQuantity)
	case broker.OrderStatusRejected, broker.OrderStatusCancelled:
		m.applyFailure(ctx, position, isEntry, update.Status)
	}
}

// PollOrderStatus polls the broker order book until the order reaches a
// terminal status or the timeout fires. It is the backstop for a lost
// postback; run it in its own goroutine per submitted order.
func (m *Manager) PollOrderStatus(ctx context.Context, positionID, orderID string, isEntry bool) {
	m.logger.Printf("polling order %s for position %s", orderID, positionID)

	pollCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollCtx.Done():
			m.handleTimeout(ctx, positionID, orderID, isEntry)
			return
		case <-ticker.C:
			order, err := m.lookupOrder(pollCtx, orderID)
			if err != nil {
				if broker.IsCredentialsExpired(err) {
					m.logger.Printf("order %s poll stopping, credentials expired", orderID)
					return
				}
				m.logger.Printf("order %s status check failed: %v", orderID, err)
				continue
			}
			if order == nil || !isTerminalStatus(order.Status) {
				continue
			}

			position, err := m.storage.GetPosition(ctx, positionID)
			if err != nil {
				m.logger.Printf("order %s: position %s lookup failed: %v", orderID, positionID, err)
				return
			}
			switch order.Status {
			case broker.OrderStatusComplete:
				m.applyFill(ctx, position, isEntry, order.AveragePrice, order.FilledQuantity)
			case broker.OrderStatusRejected, broker.OrderStatusCancelled:
				m.applyFailure(ctx, position, isEntry, order.Status)
			}
			return
		}
	}
}

// IsOrderTerminal reports whether an order has reached a terminal status.
func (m *Manager) IsOrderTerminal(ctx context.Context, orderID string) (bool, error) {
	order, err := m.lookupOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order == nil {
		return false, fmt.Errorf("order %s not found in order book", orderID)
	}
	return isTerminalStatus(order.Status), nil
}

func (m *Manager) lookupOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	orders, err := m.broker.GetOrders(callCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch order book: %w", err)
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, nil
}

// findPosition resolves which position an order belongs to and which leg it
// is. Entry legs are indexed; exit legs require a scan of active positions.
func (m *Manager) findPosition(ctx context.Context, orderID string) (*models.Position, bool, error) {
	position, err := m.storage.GetPositionByEntryOrder(ctx, orderID)
	if err == nil {
		return position, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	position, err = m.storage.GetPositionByExitOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return position, false, nil
}

// applyFill records a confirmed fill. Already-settled legs are skipped so
// the push and poll paths cannot double-apply.
func (m *Manager) applyFill(ctx context.Context, position *models.Position, isEntry bool, avgPrice float64, filledQty int) {
	if filledQty > 0 && filledQty < position.Quantity {
		m.logger.Printf("position %s: partial fill %d of %d reported on a COMPLETE order",
			position.ID, filledQty, position.Quantity)
	}

	if isEntry {
		if position.Status != models.PositionPending {
			return
		}
		position.EntryPrice = avgPrice
		if err := position.Transition(models.PositionOpen, "entry_filled"); err != nil {
			m.logger.Printf("position %s: %v", position.ID, err)
			return
		}
		m.logger.Printf("position %s entry filled at %.2f x%d", position.ID, avgPrice, position.Quantity)
	} else {
		if position.Status != models.PositionOpen {
			return
		}
		position.ExitPrice = avgPrice
		position.RealizedPnL = (avgPrice - position.EntryPrice) * float64(position.Quantity)
		if err := position.Transition(models.PositionClosed, "exit_filled"); err != nil {
			m.logger.Printf("position %s: %v", position.ID, err)
			return
		}
		m.logger.Printf("position %s exit filled at %.2f, realized pnl %.2f",
			position.ID, avgPrice, position.RealizedPnL)
	}

	if err := m.storage.SavePosition(ctx, position); err != nil {
		m.logger.Printf("position %s: save after fill failed: %v", position.ID, err)
		return
	}
	m.report(Result{Position: position, IsEntry: isEntry, Filled: true, Status: broker.OrderStatusComplete})
}

// applyFailure records a rejected or cancelled leg. A failed entry kills
// the position; a failed exit clears the exit leg so the engine can place a
// fresh one.
func (m *Manager) applyFailure(ctx context.Context, position *models.Position, isEntry bool, status string) {
	if isEntry {
		if position.Status != models.PositionPending {
			return
		}
		if err := position.Transition(models.PositionRejected, "entry_rejected"); err != nil {
			m.logger.Printf("position %s: %v", position.ID, err)
			return
		}
		m.logger.Printf("position %s entry %s, releasing allocation", position.ID, status)
	} else {
		if position.Status != models.PositionOpen || position.ExitOrderID == "" {
			return
		}
		position.ExitOrderID = ""
		position.ExitOrderStatus = ""
		position.UpdatedAt = time.Now().UTC()
		m.logger.Printf("position %s exit order %s, position stays open for retry", position.ID, status)
	}

	if err := m.storage.SavePosition(ctx, position); err != nil {
		m.logger.Printf("position %s: save after %s failed: %v", position.ID, status, err)
		return
	}
	m.report(Result{Position: position, IsEntry: isEntry, Filled: false, Status: status})
}

// handleTimeout fires when polling gives up. The order book and broker
// positions are checked once more before declaring the order lost: a fill
// whose postback and polls all went missing must not strand the position.
func (m *Manager) handleTimeout(ctx context.Context, positionID, orderID string, isEntry bool) {
	position, err := m.storage.GetPosition(ctx, positionID)
	if err != nil {
		m.logger.Printf("order %s timeout: position %s lookup failed: %v", orderID, positionID, err)
		return
	}

	brokerPositions, err := m.broker.GetPositions(ctx)
	if err == nil && m.heldAtBroker(position, brokerPositions, isEntry) {
		m.logger.Printf("order %s timed out but broker holds the position, treating as filled", orderID)
		price := position.EntryPrice
		if order, lookupErr := m.lookupOrder(ctx, orderID); lookupErr == nil && order != nil {
			price = order.AveragePrice
		}
		m.applyFill(ctx, position, isEntry, price, position.Quantity)
		return
	}

	m.logger.Printf("order %s for position %s timed out unconfirmed", orderID, positionID)
	alert := models.NewAlert(position.ConfigID, models.AlertWarning,
		fmt.Sprintf("order %s unconfirmed after %s, manual check required", orderID, m.config.Timeout))
	alert.PositionID = position.ID
	if err := m.storage.SaveAlert(ctx, alert); err != nil {
		m.logger.Printf("order %s timeout: alert save failed: %v", orderID, err)
	}
}

// heldAtBroker reports whether the broker's position book confirms the leg:
// a held quantity for an entry, a flat book for an exit.
func (m *Manager) heldAtBroker(position *models.Position, brokerPositions []broker.Position, isEntry bool) bool {
	var held int
	for _, bp := range brokerPositions {
		if bp.InstrumentToken == position.InstrumentToken {
			held = bp.Quantity
			break
		}
	}
	if isEntry {
		return held >= position.Quantity
	}
	return held == 0
}

func (m *Manager) report(result Result) {
	if m.onResult != nil {
		m.onResult(result)
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case broker.OrderStatusComplete, broker.OrderStatusRejected, broker.OrderStatusCancelled:
		return true
	}
	return false
}
