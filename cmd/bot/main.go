// Command bot runs the options scalper: market clock, push and pull feeds
// with arbitration, the trading engine registry, and the ops dashboard. In
// paper mode the broker and push stream are replaced by an in-process
// exchange simulation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/config"
	"github.com/eddiefleurent/dunder_scalper/internal/dashboard"
	"github.com/eddiefleurent/dunder_scalper/internal/engine"
	"github.com/eddiefleurent/dunder_scalper/internal/feed"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
	"github.com/eddiefleurent/dunder_scalper/internal/mock"
	"github.com/eddiefleurent/dunder_scalper/internal/models"
	"github.com/eddiefleurent/dunder_scalper/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		configID   = flag.String("config-id", "default", "trading configuration id")
		autoStart  = flag.Bool("start", false, "start the engine immediately if the market is open")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}

	if err := run(cfg, *configID, *autoStart, logger); err != nil {
		logger.Fatalf("bot: %v", err)
	}
	logger.Println("bot stopped")
}

func run(cfg *config.Config, configID string, autoStart bool, logger *log.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("closing storage: %v", err)
		}
	}()

	var (
		b        broker.Broker
		stream   broker.Stream
		resolver engine.ContractResolver
	)
	if cfg.IsPaper() {
		logger.Println("paper mode: trading against the simulated exchange")
		x := mock.NewExchange(mock.Options{
			BenchmarkToken:  cfg.Strategy.BenchmarkToken,
			BenchmarkSymbol: cfg.Strategy.BenchmarkSymbol,
		})
		b, stream = x, x
		resolver = func(optionType models.OptionType, strike float64) (uint32, error) {
			_, token := x.ResolveContract(optionType == models.OptionCE, strike, nextWeeklyExpiry(time.Now()))
			return token, nil
		}
	} else {
		logger.Println("live mode: real orders will be placed")
		kite := broker.NewKiteClient(cfg.Broker.APIEndpoint, cfg.Broker.APIKey, cfg.Broker.AccessToken,
			cfg.Broker.RateLimit, logger)
		b = broker.NewCircuitBreakerBroker(kite)
		stream = broker.NewStreamClient(cfg.Broker.WSEndpoint, cfg.Broker.APIKey, cfg.Broker.AccessToken, logger)
	}

	oracle := marketclock.NewOracle(cfg, marketclock.SystemClock{})

	push := feed.NewPushManager(stream, oracle, cfg.SupervisorInterval(), logger)
	pull := feed.NewPullScheduler(b, oracle, cfg.FastPoll(), cfg.SlowPoll(), logger)
	arbiter := feed.NewArbiter(push, pull, oracle, cfg.ArbiterInterval(), cfg.StalenessThreshold(), logger)

	registry := engine.NewRegistry(func(id string) (*engine.Engine, error) {
		return engine.New(id, engine.Deps{
			Config:   cfg,
			Broker:   b,
			Feed:     arbiter,
			Storage:  store,
			Oracle:   oracle,
			Logger:   logger,
			Resolver: resolver,
		}), nil
	})

	// Order postbacks and credential escalations fan out to every live
	// engine; each engine ignores events that are not its own.
	push.OnOrderUpdate(func(update broker.OrderUpdate) {
		for _, id := range registry.ConfigIDs() {
			if e, ok := registry.Get(id); ok {
				e.HandleOrderUpdate(update)
			}
		}
	})
	pull.SetCredentialsExpiredHandler(func(err error) {
		for _, id := range registry.ConfigIDs() {
			if e, ok := registry.Get(id); ok {
				e.HandleCredentialsExpired(err)
			}
		}
	})

	go push.Run(ctx)
	go pull.Run(ctx)
	go arbiter.Run(ctx)

	if autoStart {
		if err := registry.Start(ctx, configID, nil); err != nil {
			logger.Printf("auto-start skipped: %v", err)
		}
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dashLogger.SetLevel(logrusLevel(cfg.Environment.LogLevel))
		dash = dashboard.NewServer(dashboard.Config{
			Addr:            cfg.Dashboard.ListenAddr,
			AuthToken:       cfg.Dashboard.AuthToken,
			DefaultConfigID: configID,
		}, registry, store, dashLogger)
		go func() {
			if err := dash.Start(); err != nil && err != http.ErrServerClosed {
				logger.Printf("dashboard: %v", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Println("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Printf("stopping engines: %v", err)
	}
	if dash != nil {
		if err := dash.Shutdown(shutdownCtx); err != nil {
			logger.Printf("dashboard shutdown: %v", err)
		}
	}
	return nil
}

// nextWeeklyExpiry returns the upcoming Thursday, the weekly index option
// expiry.
func nextWeeklyExpiry(now time.Time) time.Time {
	days := (int(time.Thursday) - int(now.Weekday()) + 7) % 7
	return now.AddDate(0, 0, days)
}

func logrusLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
