// Package engine drives the trading lifecycle for one configuration:
// start/stop/pause/resume, entry and exit order flow, fund accounting, the
// position monitor, and reconciliation against the broker's book. One
// Engine instance owns one configuration's state; all mutation goes through
// its mutex, and the Registry supervises the set of live engines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/config"
	"github.com/eddiefleurent/dunder_scalper/internal/feed"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
	"github.com/eddiefleurent/dunder_scalper/internal/models"
	"github.com/eddiefleurent/dunder_scalper/internal/orders"
	"github.com/eddiefleurent/dunder_scalper/internal/retry"
	"github.com/eddiefleurent/dunder_scalper/internal/storage"
	"github.com/eddiefleurent/dunder_scalper/internal/strategy"
)

// fundTolerance is the rupee tolerance for the fund-accounting invariant.
const fundTolerance = 1.0

// Same-state lifecycle requests are no-ops, reported with these sentinels
// so the ops surface can tell "nothing to do" from a real failure.
var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrAlreadyPaused  = errors.New("engine already paused")
	ErrNotRunning     = errors.New("engine not running")
	ErrStopping       = errors.New("stop already in progress")
	ErrMarketClosed   = errors.New("market is closed")
)

// Feed is the market-data surface the engine consumes; *feed.Arbiter is the
// production implementation.
type Feed interface {
	Price(ctx context.Context, token uint32) (float64, error)
	Positions(ctx context.Context) ([]broker.Position, error)
	Funds(ctx context.Context) (broker.Funds, error)
	Subscribe(tokens []uint32)
	Unsubscribe(tokens []uint32)
	Health() feed.Health
}

// ContractResolver maps a strike and side to a tradeable instrument token.
// Optional; without it the subscription set skips speculative contracts.
type ContractResolver func(optionType models.OptionType, strike float64) (uint32, error)

// Deps bundles the engine's collaborators.
type Deps struct {
	Config  *config.Config
	Broker  broker.Broker
	Feed    Feed
	Storage storage.Interface
	Oracle  *marketclock.Oracle
	Logger  *log.Logger

	// Resolver enables pre-warming subscriptions for the contracts the
	// strategy is expected to trade next.
	Resolver ContractResolver

	// Orders and Retry override the confirmation and placement timing
	// knobs; zero values take the package defaults.
	Orders orders.Config
	Retry  retry.Config
}

// EntryRequest describes one prospective entry, fully resolved to a
// tradeable contract.
type EntryRequest struct {
	OptionType    models.OptionType
	Trigger       string
	TradingSymbol string
	Exchange      string
	Token         uint32
	Strike        float64
	Expiry        *time.Time
}

// Status is a point-in-time engine snapshot for the ops surface.
type Status struct {
	State           *models.EngineState `json:"state"`
	ActivePositions int                 `json:"active_positions"`
	Positions       []*models.Position  `json:"positions"`
	Feed            feed.Health         `json:"feed"`
}

// Engine runs one trading configuration.
type Engine struct {
	configID string
	cfg      *config.Config
	broker   broker.Broker
	feed     Feed
	storage  storage.Interface
	oracle   *marketclock.Oracle
	orders   *orders.Manager
	retry    *retry.Client
	resolver ContractResolver
	logger   *log.Logger

	mu        sync.Mutex
	state     *models.EngineState
	stopping  bool
	positions map[string]*models.Position // active, by id
	keys      map[string]string           // dedup key -> position id

	runCancel context.CancelFunc
	runCtx    context.Context
}

// New creates an engine for configID. Call Start to bring it live.
func New(configID string, d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	e := &Engine{
		configID:  configID,
		cfg:       d.Config,
		broker:    d.Broker,
		feed:      d.Feed,
		storage:   d.Storage,
		oracle:    d.Oracle,
		logger:    d.Logger,
		resolver:  d.Resolver,
		positions: make(map[string]*models.Position),
		keys:      make(map[string]string),
	}
	e.orders = orders.NewManager(d.Broker, d.Storage, d.Logger, d.Orders)
	e.orders.SetResultHandler(e.handleOrderResult)
	if d.Retry == (retry.Config{}) {
		e.retry = retry.NewClient(d.Broker, d.Logger)
	} else {
		e.retry = retry.NewClient(d.Broker, d.Logger, d.Retry)
	}
	return e
}

// ConfigID returns the configuration this engine owns.
func (e *Engine) ConfigID() string { return e.configID }

// HandleOrderUpdate feeds a push order postback into fill confirmation.
// Safe to call from the push dispatch path; storage and state updates
// happen inline.
func (e *Engine) HandleOrderUpdate(update broker.OrderUpdate) {
	e.orders.HandleOrderUpdate(context.Background(), update)
}

// HandleCredentialsExpired is the escalation hook for any loop that dies on
// an expired broker session.
func (e *Engine) HandleCredentialsExpired(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseForCredentialsLocked(err)
}

// Start brings the engine live. A crash signature in the stored state
// (status left running) forces a paused start with reconciliation before
// any entry is accepted. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context, contractExpiry *time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != nil && e.state.IsActive() {
		return ErrAlreadyRunning
	}
	now := e.oracle.Now()
	if !e.oracle.IsMarketOpen(now) {
		return fmt.Errorf("cannot start: %w", ErrMarketClosed)
	}

	state, err := e.storage.GetEngineState(ctx, e.configID)
	if errors.Is(err, storage.ErrNotFound) {
		state = models.NewEngineState(e.configID)
	} else if err != nil {
		return fmt.Errorf("loading engine state: %w", err)
	}

	recovering := state.Status == models.EngineRunning
	if recovering {
		state.RecoveryCount++
		e.logger.Printf("engine %s: crash signature found, recovery #%d", e.configID, state.RecoveryCount)
	}
	// A stored paused or running status belongs to a dead process; the
	// lifecycle restarts from stopped.
	state.Status = models.EngineStopped

	if recovering {
		if err := state.Transition(models.EnginePaused, "recovery_start"); err != nil {
			return err
		}
	} else {
		if err := state.Transition(models.EngineRunning, "started"); err != nil {
			return err
		}
	}
	state.ContractExpiry = contractExpiry

	funds, err := e.broker.GetFunds(ctx)
	if err != nil {
		if broker.IsCredentialsExpired(err) {
			return err
		}
		return fmt.Errorf("refreshing funds: %w", err)
	}
	state.AvailableFunds = funds.Available

	active, err := e.storage.GetActivePositions(ctx, e.configID)
	if err != nil {
		return fmt.Errorf("loading active positions: %w", err)
	}
	e.positions = make(map[string]*models.Position, len(active))
	e.keys = make(map[string]string, len(active))
	state.AllocatedFunds = 0
	for _, p := range active {
		e.positions[p.ID] = p
		e.keys[p.Key()] = p.ID
		state.AllocatedFunds += p.AllocatedCapital
	}

	e.state = state

	if recovering {
		e.alertLocked(ctx, models.AlertWarning,
			fmt.Sprintf("engine recovered from crash (recovery #%d), entries gated until review", state.RecoveryCount), "")
		if _, err := e.reconcileLocked(ctx); err != nil {
			e.logger.Printf("engine %s: recovery reconciliation failed: %v", e.configID, err)
		}
	}

	e.rebuildSubscriptionsLocked(ctx)

	if err := e.storage.SaveEngineState(ctx, e.state); err != nil {
		return fmt.Errorf("persisting engine state: %w", err)
	}

	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	go e.run(e.runCtx)

	e.logger.Printf("engine %s started: status=%s available=%.2f allocated=%.2f positions=%d",
		e.configID, e.state.Status, e.state.AvailableFunds, e.state.AllocatedFunds, len(e.positions))
	return nil
}

// Stop squares off every active position and only then marks the engine
// stopped. A square-off failure leaves the engine in its prior state with
// capital still accounted for.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == nil || e.state.Status == models.EngineStopped {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if e.stopping {
		e.mu.Unlock()
		return ErrStopping
	}
	e.stopping = true
	active := e.activePositionsLocked()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.stopping = false
		e.mu.Unlock()
	}()

	if len(active) > 0 {
		e.logger.Printf("engine %s: squaring off %d positions before stop", e.configID, len(active))
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range active {
			p := p
			g.Go(func() error { return e.squareOff(gctx, p) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("square-off incomplete, engine not stopped: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.Transition(models.EngineStopped, "squared_off"); err != nil {
		return err
	}
	if err := e.storage.SaveEngineState(ctx, e.state); err != nil {
		return fmt.Errorf("persisting engine state: %w", err)
	}
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
	e.logger.Printf("engine %s stopped", e.configID)
	return nil
}

// Pause gates new entries. Open positions continue to be monitored.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil || e.state.Status == models.EngineStopped {
		return ErrNotRunning
	}
	if e.state.Status == models.EnginePaused {
		return ErrAlreadyPaused
	}
	if err := e.state.Transition(models.EnginePaused, "pause_requested"); err != nil {
		return err
	}
	return e.storage.SaveEngineState(ctx, e.state)
}

// Resume reopens entries. It re-checks the market: resuming after the close
// is refused.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil || e.state.Status == models.EngineStopped {
		return ErrNotRunning
	}
	if e.state.Status == models.EngineRunning {
		return ErrAlreadyRunning
	}
	if !e.oracle.IsMarketOpen(e.oracle.Now()) {
		return fmt.Errorf("cannot resume: %w", ErrMarketClosed)
	}
	if err := e.state.Transition(models.EngineRunning, "resume_requested"); err != nil {
		return err
	}
	return e.storage.SaveEngineState(ctx, e.state)
}

// SetEntrySuspension gates one side's entries ("CE", "PE", or "both")
// without touching open positions.
func (e *Engine) SetEntrySuspension(ctx context.Context, side string, suspended bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrNotRunning
	}
	switch side {
	case "CE":
		e.state.SuspendedCE = suspended
	case "PE":
		e.state.SuspendedPE = suspended
	case "both", "":
		e.state.SuspendedCE = suspended
		e.state.SuspendedPE = suspended
	default:
		return fmt.Errorf("unknown side %q, want CE, PE, or both", side)
	}
	e.state.UpdatedAt = time.Now().UTC()
	return e.storage.SaveEngineState(ctx, e.state)
}

// Status returns a snapshot of the engine, its positions, and the feed.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		ActivePositions: len(e.positions),
		Positions:       e.activePositionsLocked(),
	}
	if e.state != nil {
		s.State = e.state.Copy()
	} else {
		s.State = models.NewEngineState(e.configID)
	}
	if e.feed != nil {
		s.Feed = e.feed.Health()
	}
	return s
}

// EnterPosition sizes and submits a new entry. Funds are allocated before
// the order leaves the process so concurrent signals cannot double-spend.
func (e *Engine) EnterPosition(ctx context.Context, req EntryRequest) (*models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil || e.state.Status != models.EngineRunning {
		return nil, fmt.Errorf("entries closed: %w", ErrNotRunning)
	}
	now := e.oracle.Now()
	if !e.oracle.IsOrderWindow(now) {
		return nil, fmt.Errorf("outside order window")
	}
	if (req.OptionType == models.OptionCE && e.state.SuspendedCE) ||
		(req.OptionType == models.OptionPE && e.state.SuspendedPE) {
		return nil, fmt.Errorf("%s entries suspended", req.OptionType)
	}
	if e.state.ContractExpiry != nil && req.Expiry != nil {
		want := e.state.ContractExpiry.Format("2006-01-02")
		got := req.Expiry.Format("2006-01-02")
		if want != got {
			return nil, fmt.Errorf("contract expiry %s does not match filter %s", got, want)
		}
	}

	key := fmt.Sprintf("%s_%s", req.OptionType, req.Trigger)
	if id, exists := e.keys[key]; exists {
		return nil, fmt.Errorf("position %s already active for key %s", id, key)
	}

	premium, err := e.feed.Price(ctx, req.Token)
	if err != nil {
		if broker.IsCredentialsExpired(err) {
			e.pauseForCredentialsLocked(err)
		}
		return nil, fmt.Errorf("premium lookup: %w", err)
	}

	sizing, err := strategy.SizePosition(
		e.state.AvailableFunds, e.cfg.Strategy.CapitalAllocationPct, premium, e.cfg.Strategy.LotSize)
	if err != nil {
		return nil, fmt.Errorf("sizing entry: %w", err)
	}
	bracket := strategy.ComputeBracket(premium, e.cfg.Strategy.TargetPct, e.cfg.Strategy.StoplossPct, e.cfg.Strategy.TickSize)

	position := models.NewPosition(e.configID, req.OptionType, req.Trigger)
	position.TradingSymbol = req.TradingSymbol
	position.Exchange = req.Exchange
	position.InstrumentToken = req.Token
	position.Strike = req.Strike
	position.Quantity = sizing.Quantity
	position.Lots = sizing.Lots
	position.AllocatedCapital = sizing.CapitalRequired
	position.TargetPrice = bracket.Target
	position.StoplossPrice = bracket.Stoploss

	// Allocation happens-before submission.
	e.state.AvailableFunds -= sizing.CapitalRequired
	e.state.AllocatedFunds += sizing.CapitalRequired
	if err := e.storage.SaveEngineState(ctx, e.state); err != nil {
		e.state.AvailableFunds += sizing.CapitalRequired
		e.state.AllocatedFunds -= sizing.CapitalRequired
		return nil, fmt.Errorf("persisting allocation: %w", err)
	}

	orderID, err := e.broker.PlaceOrder(ctx, broker.OrderParams{
		Exchange:        req.Exchange,
		TradingSymbol:   req.TradingSymbol,
		TransactionType: broker.TransactionBuy,
		Quantity:        sizing.Quantity,
		Product:         "MIS",
		OrderType:       "MARKET",
		Validity:        "DAY",
		Tag:             position.ID[:8],
	})
	if err != nil {
		e.state.AvailableFunds += sizing.CapitalRequired
		e.state.AllocatedFunds -= sizing.CapitalRequired
		if serr := e.storage.SaveEngineState(ctx, e.state); serr != nil {
			e.logger.Printf("engine %s: allocation rollback persist failed: %v", e.configID, serr)
		}
		if broker.IsCredentialsExpired(err) {
			e.pauseForCredentialsLocked(err)
		} else if broker.IsOrderRejected(err) {
			e.alertLocked(ctx, models.AlertWarning, fmt.Sprintf("entry rejected: %v", err), position.ID)
		}
		return nil, fmt.Errorf("placing entry order: %w", err)
	}

	position.EntryOrderID = orderID
	if err := e.storage.SavePosition(ctx, position); err != nil {
		return nil, fmt.Errorf("persisting position: %w", err)
	}

	e.positions[position.ID] = position
	e.keys[key] = position.ID
	e.feed.Subscribe([]uint32{req.Token})

	runCtx := e.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	go e.orders.PollOrderStatus(runCtx, position.ID, orderID, true)

	e.logger.Printf("engine %s: entry submitted %s %s x%d order=%s allocated=%.2f",
		e.configID, req.TradingSymbol, req.OptionType, sizing.Quantity, orderID, sizing.CapitalRequired)
	return position.Copy(), nil
}

// run is the position monitor loop.
func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorCycle(ctx)
		}
	}
}

// monitorCycle checks open positions against their brackets and triggers
// the end-of-day square-off.
func (e *Engine) monitorCycle(ctx context.Context) {
	now := e.oracle.Now()
	if e.oracle.IsSquareOffTime(now) {
		e.logger.Printf("engine %s: square-off window reached", e.configID)
		// Stop cancels this loop's context; run it elsewhere.
		go func() {
			if err := e.Stop(context.Background()); err != nil &&
				!errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrStopping) {
				e.logger.Printf("engine %s: square-off stop failed: %v", e.configID, err)
			}
		}()
		return
	}

	e.mu.Lock()
	if e.stopping {
		// Stop owns every exit while it squares off.
		e.mu.Unlock()
		return
	}
	var open []*models.Position
	for _, p := range e.positions {
		if p.Status == models.PositionOpen && p.ExitOrderID == "" && p.ExitOrderStatus != models.LegPending {
			open = append(open, p.Copy())
		}
	}
	e.mu.Unlock()

	for _, p := range open {
		price, err := e.feed.Price(ctx, p.InstrumentToken)
		if err != nil {
			if broker.IsCredentialsExpired(err) {
				e.HandleCredentialsExpired(err)
				return
			}
			e.logger.Printf("engine %s: price check for %s failed: %v", e.configID, p.TradingSymbol, err)
			continue
		}
		switch {
		case price >= p.TargetPrice:
			e.exitPosition(ctx, p, "target")
		case price <= p.StoplossPrice:
			e.exitPosition(ctx, p, "stoploss")
		}
	}
}

// exitPosition submits a market exit for an open position. The position is
// claimed under the lock before the order leaves the process, so only one
// path (monitor or square-off) can ever sell it.
func (e *Engine) exitPosition(ctx context.Context, p *models.Position, reason string) {
	if _, owned, _ := e.claimExit(p.ID); !owned {
		return
	}
	e.logger.Printf("engine %s: exiting %s (%s)", e.configID, p.TradingSymbol, reason)

	orderID, err := e.retry.PlaceOrderWithRetry(ctx, broker.OrderParams{
		Exchange:        p.Exchange,
		TradingSymbol:   p.TradingSymbol,
		TransactionType: broker.TransactionSell,
		Quantity:        p.Quantity,
		Product:         "MIS",
		OrderType:       "MARKET",
		Validity:        "DAY",
		Tag:             p.ID[:8],
	})
	if err != nil {
		e.releaseExitClaim(p.ID)
		if broker.IsCredentialsExpired(err) {
			e.HandleCredentialsExpired(err)
			return
		}
		e.logger.Printf("engine %s: exit order for %s failed, will retry next cycle: %v",
			e.configID, p.TradingSymbol, err)
		return
	}

	e.recordExitOrder(ctx, p.ID, orderID)

	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	go e.orders.PollOrderStatus(runCtx, p.ID, orderID, false)
}

// claimExit marks a position's exit as in flight. It returns any exit order
// id already recorded, whether the caller now owns placement, and whether
// the position still needs an exit at all. Exactly one caller is ever owner.
func (e *Engine) claimExit(id string) (orderID string, owned, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live, ok := e.positions[id]
	if !ok || live.Status != models.PositionOpen {
		return "", false, false
	}
	if live.ExitOrderID != "" {
		return live.ExitOrderID, false, true
	}
	if live.ExitOrderStatus == models.LegPending {
		return "", false, true
	}
	live.ExitOrderStatus = models.LegPending
	return "", true, true
}

// releaseExitClaim undoes a claim whose placement failed so the next cycle
// can try again.
func (e *Engine) releaseExitClaim(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if live, ok := e.positions[id]; ok && live.ExitOrderID == "" {
		live.ExitOrderStatus = ""
	}
}

// recordExitOrder stores the exit order id on the claimed position.
func (e *Engine) recordExitOrder(ctx context.Context, id, orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live, ok := e.positions[id]
	if !ok {
		return
	}
	live.ExitOrderID = orderID
	live.ExitOrderStatus = models.LegPending
	live.UpdatedAt = time.Now().UTC()
	if err := e.storage.SavePosition(ctx, live); err != nil {
		e.logger.Printf("engine %s: persisting exit leg failed: %v", e.configID, err)
	}
}

// squareOff flattens one position and waits for the terminal confirmation.
func (e *Engine) squareOff(ctx context.Context, p *models.Position) error {
	switch p.Status {
	case models.PositionPending:
		// Entry never confirmed: cancel it and wait for the terminal status
		// to settle the allocation.
		if err := e.broker.CancelOrder(ctx, p.EntryOrderID); err != nil && !broker.IsTransient(err) {
			e.logger.Printf("engine %s: cancel of entry %s failed: %v", e.configID, p.EntryOrderID, err)
		}
		e.orders.PollOrderStatus(ctx, p.ID, p.EntryOrderID, true)
	case models.PositionOpen:
		orderID, err := e.ensureExitOrder(ctx, p)
		if err != nil {
			return err
		}
		if orderID != "" {
			e.orders.PollOrderStatus(ctx, p.ID, orderID, false)
		}
	default:
		return nil
	}

	final, err := e.storage.GetPosition(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("verifying square-off of %s: %w", p.ID, err)
	}
	if final.IsActive() {
		return fmt.Errorf("position %s still %s after square-off", p.ID, final.Status)
	}
	return nil
}

// ensureExitOrder returns the exit order covering an open position, placing
// one only after winning the claim. If the monitor already has a placement
// in flight it waits for that order id instead of submitting a second sell.
// An empty id with a nil error means the position settled in the meantime.
func (e *Engine) ensureExitOrder(ctx context.Context, p *models.Position) (string, error) {
	for {
		orderID, owned, active := e.claimExit(p.ID)
		switch {
		case !active:
			return "", nil
		case orderID != "":
			return orderID, nil
		case owned:
			orderID, err := e.retry.PlaceOrderWithRetry(ctx, broker.OrderParams{
				Exchange:        p.Exchange,
				TradingSymbol:   p.TradingSymbol,
				TransactionType: broker.TransactionSell,
				Quantity:        p.Quantity,
				Product:         "MIS",
				OrderType:       "MARKET",
				Validity:        "DAY",
				Tag:             p.ID[:8],
			})
			if err != nil {
				e.releaseExitClaim(p.ID)
				return "", fmt.Errorf("square-off order for %s: %w", p.TradingSymbol, err)
			}
			e.recordExitOrder(ctx, p.ID, orderID)
			return orderID, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// handleOrderResult settles the fund ledger when the order manager reports
// a terminal outcome, from either the push or the poll path.
func (e *Engine) handleOrderResult(r orders.Result) {
	if r.Position == nil || r.Position.ConfigID != e.configID {
		return
	}
	ctx := context.Background()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return
	}

	p := r.Position
	// The push and poll paths can both report the same terminal outcome;
	// the first settlement removes the position, so duplicates land here.
	if _, tracked := e.positions[p.ID]; !tracked {
		return
	}
	switch {
	case r.IsEntry && r.Filled:
		e.positions[p.ID] = p.Copy()
		e.logger.Printf("engine %s: position %s open at %.2f", e.configID, p.TradingSymbol, p.EntryPrice)

	case r.IsEntry && !r.Filled:
		// Rejected entry: reverse the allocation with zero P&L.
		e.state.AvailableFunds += p.AllocatedCapital
		e.state.AllocatedFunds -= p.AllocatedCapital
		e.removePositionLocked(p)
		e.alertLocked(ctx, models.AlertWarning,
			fmt.Sprintf("entry order %s %s, allocation %.2f released", p.EntryOrderID, r.Status, p.AllocatedCapital), p.ID)
		if err := e.storage.SaveEngineState(ctx, e.state); err != nil {
			e.logger.Printf("engine %s: persisting released allocation failed: %v", e.configID, err)
		}

	case !r.IsEntry && r.Filled:
		// Exit fill: fold allocation plus realized P&L back into available.
		e.state.AvailableFunds += p.AllocatedCapital + p.RealizedPnL
		e.state.AllocatedFunds -= p.AllocatedCapital
		e.removePositionLocked(p)
		if err := e.storage.SaveEngineState(ctx, e.state); err != nil {
			e.logger.Printf("engine %s: persisting exit settlement failed: %v", e.configID, err)
		}
		e.logger.Printf("engine %s: position %s closed, pnl %.2f, available %.2f",
			e.configID, p.TradingSymbol, p.RealizedPnL, e.state.AvailableFunds)

	case !r.IsEntry && !r.Filled:
		// Exit leg failed; the monitor will place a fresh one.
		if live, ok := e.positions[p.ID]; ok {
			live.ExitOrderID = ""
			live.ExitOrderStatus = ""
		}
	}

	e.checkFundInvariantLocked(ctx)
}

// checkFundInvariantLocked verifies allocated_funds equals the sum over
// active positions. Beyond tolerance the stored value is corrected and the
// engine pauses defensively.
func (e *Engine) checkFundInvariantLocked(ctx context.Context) {
	var computed float64
	for _, p := range e.positions {
		computed += p.AllocatedCapital
	}
	diff := e.state.AllocatedFunds - computed
	if diff < 0 {
		diff = -diff
	}
	if diff <= fundTolerance {
		return
	}

	violation := &broker.InvariantViolationError{Expected: computed, Actual: e.state.AllocatedFunds}
	e.logger.Printf("engine %s: %v, auto-correcting", e.configID, violation)
	e.state.AllocatedFunds = computed

	if e.state.Status == models.EngineRunning {
		if err := e.state.Transition(models.EnginePaused, "invariant_violation"); err != nil {
			e.logger.Printf("engine %s: %v", e.configID, err)
		}
	}
	e.alertLocked(ctx, models.AlertCritical, violation.Error(), "")
	if err := e.storage.SaveEngineState(ctx, e.state); err != nil {
		e.logger.Printf("engine %s: persisting corrected funds failed: %v", e.configID, err)
	}
}

// pauseForCredentialsLocked forces paused with a critical alert. Requires
// e.mu held. Repeat expiries while already paused only log.
func (e *Engine) pauseForCredentialsLocked(err error) {
	if e.state == nil || e.state.Status != models.EngineRunning {
		e.logger.Printf("engine %s: credentials expired: %v", e.configID, err)
		return
	}
	ctx := context.Background()
	if terr := e.state.Transition(models.EnginePaused, "credentials_expired"); terr != nil {
		e.logger.Printf("engine %s: %v", e.configID, terr)
		return
	}
	e.alertLocked(ctx, models.AlertCritical,
		fmt.Sprintf("broker credentials expired, re-authentication required: %v", err), "")
	if serr := e.storage.SaveEngineState(ctx, e.state); serr != nil {
		e.logger.Printf("engine %s: persisting pause failed: %v", e.configID, serr)
	}
}

// rebuildSubscriptionsLocked computes the subscription set: the benchmark,
// every active position's instrument, the instruments on today's order
// book, and (when a resolver is wired) the contracts expected around the
// current benchmark level. Requires e.mu held.
func (e *Engine) rebuildSubscriptionsLocked(ctx context.Context) {
	tokens := map[uint32]bool{e.cfg.Strategy.BenchmarkToken: true}
	for _, p := range e.positions {
		tokens[p.InstrumentToken] = true
	}
	if orderRows, err := e.broker.GetOrders(ctx); err == nil {
		for _, o := range orderRows {
			if o.InstrumentToken != 0 {
				tokens[o.InstrumentToken] = true
			}
		}
	} else {
		e.logger.Printf("engine %s: order book fetch for subscriptions failed: %v", e.configID, err)
	}

	if e.resolver != nil {
		if spot, err := e.feed.Price(ctx, e.cfg.Strategy.BenchmarkToken); err == nil && spot > 0 {
			ceStrikes, peStrikes := strategy.ExpectedStrikes(spot, e.cfg.Strategy.StrikeGap)
			for _, strike := range ceStrikes {
				if token, rerr := e.resolver(models.OptionCE, strike); rerr == nil {
					tokens[token] = true
				}
			}
			for _, strike := range peStrikes {
				if token, rerr := e.resolver(models.OptionPE, strike); rerr == nil {
					tokens[token] = true
				}
			}
		}
	}

	set := make([]uint32, 0, len(tokens))
	for t := range tokens {
		set = append(set, t)
	}
	e.feed.Subscribe(set)
}

func (e *Engine) activePositionsLocked() []*models.Position {
	out := make([]*models.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Copy())
	}
	return out
}

func (e *Engine) removePositionLocked(p *models.Position) {
	delete(e.positions, p.ID)
	delete(e.keys, p.Key())

	// Unsubscribe the instrument unless another active position or the
	// benchmark still needs it.
	if p.InstrumentToken == e.cfg.Strategy.BenchmarkToken {
		return
	}
	for _, other := range e.positions {
		if other.InstrumentToken == p.InstrumentToken {
			return
		}
	}
	e.feed.Unsubscribe([]uint32{p.InstrumentToken})
}

func (e *Engine) alertLocked(ctx context.Context, severity models.AlertSeverity, message, positionID string) {
	alert := models.NewAlert(e.configID, severity, message)
	alert.PositionID = positionID
	if err := e.storage.SaveAlert(ctx, alert); err != nil {
		e.logger.Printf("engine %s: alert save failed: %v", e.configID, err)
	}
}
