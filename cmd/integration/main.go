// Command integration exercises the whole stack end to end against the
// paper exchange: feeds, engine lifecycle, an entry, reconciliation, and the
// square-off on stop. It needs no credentials and leaves no state behind.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/config"
	"github.com/eddiefleurent/dunder_scalper/internal/engine"
	"github.com/eddiefleurent/dunder_scalper/internal/feed"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
	"github.com/eddiefleurent/dunder_scalper/internal/mock"
	"github.com/eddiefleurent/dunder_scalper/internal/models"
	"github.com/eddiefleurent/dunder_scalper/internal/orders"
	"github.com/eddiefleurent/dunder_scalper/internal/storage"
	"github.com/eddiefleurent/dunder_scalper/internal/strategy"
)

const configID = "paper-e2e"

func main() {
	logger := log.New(os.Stdout, "[e2e] ", log.LstdFlags)
	if err := run(logger); err != nil {
		logger.Fatalf("FAILED: %v", err)
	}
	logger.Println("PASSED")
}

// paperConfig keeps every session window open so the harness runs at any
// hour.
func paperConfig(dbPath string) (*config.Config, error) {
	cfg := &config.Config{}
	cfg.Environment.Mode = "paper"
	cfg.Broker.APIKey = "paper"
	cfg.Broker.AccessToken = "paper"
	cfg.Market.TradingDays = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
	cfg.Market.Open = "00:01"
	cfg.Market.Close = "23:59"
	cfg.Market.PushStart = "00:01"
	cfg.Market.OrderStart = "00:01"
	cfg.Market.OrderEnd = "23:58"
	cfg.Market.SquareOff = "23:59"
	cfg.Strategy.CapitalAllocationPct = 16
	cfg.Strategy.TargetPct = 10
	cfg.Strategy.StoplossPct = 5
	cfg.Storage.Path = dbPath
	cfg.Engine.MonitorInterval = "200ms"
	cfg.Engine.FastPoll = "200ms"
	cfg.Engine.ArbiterInterval = "200ms"
	cfg.Engine.SupervisorInterval = "200ms"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(logger *log.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dir, err := os.MkdirTemp("", "paper-e2e-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	cfg, err := paperConfig(filepath.Join(dir, "e2e.db"))
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	x := mock.NewExchange(mock.Options{
		BenchmarkToken:  cfg.Strategy.BenchmarkToken,
		BenchmarkSymbol: cfg.Strategy.BenchmarkSymbol,
		TickInterval:    100 * time.Millisecond,
	})
	oracle := marketclock.NewOracle(cfg, marketclock.SystemClock{})

	push := feed.NewPushManager(x, oracle, cfg.SupervisorInterval(), logger)
	pull := feed.NewPullScheduler(x, oracle, cfg.FastPoll(), cfg.SlowPoll(), logger)
	arbiter := feed.NewArbiter(push, pull, oracle, cfg.ArbiterInterval(), cfg.StalenessThreshold(), logger)

	e := engine.New(configID, engine.Deps{
		Config:  cfg,
		Broker:  x,
		Feed:    arbiter,
		Storage: store,
		Oracle:  oracle,
		Logger:  logger,
		Resolver: func(optionType models.OptionType, strike float64) (uint32, error) {
			_, token := x.ResolveContract(optionType == models.OptionCE, strike, time.Now().AddDate(0, 0, 7))
			return token, nil
		},
		Orders: orders.Config{
			PollInterval: 200 * time.Millisecond,
			Timeout:      30 * time.Second,
			CallTimeout:  5 * time.Second,
		},
	})
	push.OnOrderUpdate(e.HandleOrderUpdate)
	pull.SetCredentialsExpiredHandler(e.HandleCredentialsExpired)

	go push.Run(ctx)
	go pull.Run(ctx)
	go arbiter.Run(ctx)

	if err := e.Start(ctx, nil); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	logger.Printf("engine running, index at %.2f", x.IndexLevel())

	// Resolve the at-the-money call and enter.
	spot := x.IndexLevel()
	strike := strategy.SelectStrike(spot, models.OptionCE, cfg.Strategy.StrikeGap)
	expiry := time.Now().AddDate(0, 0, 7)
	symbol, token := x.ResolveContract(true, strike, expiry)

	position, err := e.EnterPosition(ctx, engine.EntryRequest{
		OptionType:    models.OptionCE,
		Trigger:       strategy.TriggerCrossoverUp,
		TradingSymbol: symbol,
		Exchange:      cfg.Strategy.Exchange,
		Token:         token,
		Strike:        strike,
	})
	if err != nil {
		return fmt.Errorf("entering position: %w", err)
	}
	logger.Printf("entry submitted: %s x%d, allocated %.2f", symbol, position.Quantity, position.AllocatedCapital)

	if err := waitForStatus(ctx, store, position.ID, models.PositionOpen); err != nil {
		return fmt.Errorf("waiting for entry fill: %w", err)
	}
	logger.Println("entry filled")

	report, err := e.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}
	if !report.Clean {
		return fmt.Errorf("reconciliation not clean: orphaned=%v missing=%v",
			report.OrphanedOrders, report.MissingPositions)
	}
	logger.Println("reconciliation clean")

	if err := e.Stop(ctx); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	if err := waitForStatus(ctx, store, position.ID, models.PositionClosed); err != nil {
		return fmt.Errorf("waiting for square-off: %w", err)
	}

	status := e.Status()
	if status.State.Status != models.EngineStopped {
		return fmt.Errorf("engine is %s, want stopped", status.State.Status)
	}
	if status.State.AllocatedFunds != 0 {
		return fmt.Errorf("allocated funds %.2f after stop, want 0", status.State.AllocatedFunds)
	}

	closed, err := store.GetPosition(ctx, position.ID)
	if err != nil {
		return err
	}
	logger.Printf("squared off at %.2f, realized pnl %.2f, available %.2f",
		closed.ExitPrice, closed.RealizedPnL, status.State.AvailableFunds)
	return nil
}

func waitForStatus(ctx context.Context, store storage.Interface, positionID string, want models.PositionStatus) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p, err := store.GetPosition(ctx, positionID)
			if err != nil {
				continue
			}
			if p.Status == want {
				return nil
			}
		}
	}
}
