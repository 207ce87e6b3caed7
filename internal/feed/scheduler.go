package feed

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
)

// snapshot pairs a fetched value with its fetch time. Caches are replaced
// whole via atomic.Pointer, never mutated in place, so readers get a
// consistent view without locking.
type snapshot[T any] struct {
	value T
	at    time.Time
}

// PullScheduler polls the broker REST API on adaptive cadences: fast while
// the market is open, slow outside it. The profile loop always runs slow.
// The price loop is the push feed's fallback and is started and stopped
// only by the Arbiter.
type PullScheduler struct {
	broker   broker.Broker
	oracle   *marketclock.Oracle
	fastPoll time.Duration
	slowPoll time.Duration
	logger   *log.Logger

	positions atomic.Pointer[snapshot[[]broker.Position]]
	funds     atomic.Pointer[snapshot[broker.Funds]]
	profile   atomic.Pointer[snapshot[broker.Profile]]
	prices    atomic.Pointer[snapshot[map[uint32]float64]]

	// priceTokens supplies the instruments the fallback loop should fetch;
	// wired to the push manager's subscription set.
	priceTokens func() []uint32

	// onCredentialsExpired fires once per loop that dies on an expired
	// session.
	onCredentialsExpired func(error)

	fallbackMu     sync.Mutex
	fallbackCancel context.CancelFunc
	fallbackDone   chan struct{}
}

// NewPullScheduler creates a scheduler over b. priceTokens supplies the
// fallback loop's instrument set and may be nil until SetPriceTokenSource
// is called.
func NewPullScheduler(b broker.Broker, oracle *marketclock.Oracle, fastPoll, slowPoll time.Duration, logger *log.Logger) *PullScheduler {
	if fastPoll <= 0 {
		fastPoll = time.Second
	}
	if slowPoll <= 0 {
		slowPoll = 15 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &PullScheduler{
		broker:      b,
		oracle:      oracle,
		fastPoll:    fastPoll,
		slowPoll:    slowPoll,
		logger:      logger,
		priceTokens: func() []uint32 { return nil },
	}
}

// SetPriceTokenSource wires the instrument set the fallback price loop
// fetches. Call before Run.
func (s *PullScheduler) SetPriceTokenSource(fn func() []uint32) {
	if fn != nil {
		s.priceTokens = fn
	}
}

// SetCredentialsExpiredHandler registers the escalation hook invoked when a
// loop stops on an expired session. Call before Run.
func (s *PullScheduler) SetCredentialsExpiredHandler(fn func(error)) {
	s.onCredentialsExpired = fn
}

// Run starts the positions, funds, and profile loops and blocks until ctx
// is cancelled. The fallback price loop is not part of Run; the Arbiter
// owns its lifecycle.
func (s *PullScheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		s.loop(ctx, "positions", s.adaptiveInterval, s.refreshPositions)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "funds", s.adaptiveInterval, s.refreshFunds)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "profile", func() time.Duration { return s.slowPoll }, s.refreshProfile)
	}()

	wg.Wait()
	s.DeactivateFallback()
}

// adaptiveInterval picks the poll cadence from market state.
func (s *PullScheduler) adaptiveInterval() time.Duration {
	if s.oracle.IsMarketOpen(s.oracle.Now()) {
		return s.fastPoll
	}
	return s.slowPoll
}

// loop runs fetch on a cadence recomputed each iteration. A transient error
// is logged and the loop continues; expired credentials stop the loop for
// good after escalating once.
func (s *PullScheduler) loop(ctx context.Context, name string, interval func() time.Duration, fetch func(context.Context) error) {
	if err := fetch(ctx); s.handleLoopError(name, err) {
		return
	}
	timer := time.NewTimer(interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := fetch(ctx); s.handleLoopError(name, err) {
				return
			}
			timer.Reset(interval())
		}
	}
}

// handleLoopError reports whether the loop should stop.
func (s *PullScheduler) handleLoopError(name string, err error) bool {
	if err == nil {
		return false
	}
	if broker.IsCredentialsExpired(err) {
		s.logger.Printf("pull scheduler: %s loop stopping, credentials expired: %v", name, err)
		if s.onCredentialsExpired != nil {
			s.onCredentialsExpired(err)
		}
		return true
	}
	s.logger.Printf("pull scheduler: %s fetch failed: %v", name, err)
	return false
}

func (s *PullScheduler) refreshPositions(ctx context.Context) error {
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return err
	}
	s.positions.Store(&snapshot[[]broker.Position]{value: positions, at: time.Now()})
	return nil
}

func (s *PullScheduler) refreshFunds(ctx context.Context) error {
	funds, err := s.broker.GetFunds(ctx)
	if err != nil {
		return err
	}
	s.funds.Store(&snapshot[broker.Funds]{value: funds, at: time.Now()})
	return nil
}

func (s *PullScheduler) refreshProfile(ctx context.Context) error {
	profile, err := s.broker.GetProfile(ctx)
	if err != nil {
		return err
	}
	s.profile.Store(&snapshot[broker.Profile]{value: profile, at: time.Now()})
	return nil
}

func (s *PullScheduler) refreshPrices(ctx context.Context) error {
	tokens := s.priceTokens()
	if len(tokens) == 0 {
		return nil
	}
	ltps, err := s.broker.GetLTP(ctx, tokens)
	if err != nil {
		return err
	}
	s.prices.Store(&snapshot[map[uint32]float64]{value: ltps, at: time.Now()})
	return nil
}

// ActivateFallback starts the fallback price loop at the fast cadence. A
// second activation while running is a no-op.
func (s *PullScheduler) ActivateFallback(ctx context.Context) {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	if s.fallbackCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.fallbackCancel = cancel
	s.fallbackDone = done
	s.logger.Printf("pull scheduler: price fallback loop starting")

	go func() {
		s.loop(loopCtx, "price fallback", func() time.Duration { return s.fastPoll }, s.refreshPrices)
		close(done)
		// The loop can die on its own (expired credentials). Clear the
		// bookkeeping unless DeactivateFallback already claimed it.
		s.fallbackMu.Lock()
		if s.fallbackDone == done {
			s.fallbackCancel, s.fallbackDone = nil, nil
		}
		s.fallbackMu.Unlock()
	}()
}

// DeactivateFallback stops the fallback price loop and waits for it to
// exit. A no-op when the loop is not running.
func (s *PullScheduler) DeactivateFallback() {
	s.fallbackMu.Lock()
	cancel, done := s.fallbackCancel, s.fallbackDone
	s.fallbackCancel, s.fallbackDone = nil, nil
	s.fallbackMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Printf("pull scheduler: price fallback loop stopped")
}

// FallbackActive reports whether the fallback price loop is running.
func (s *PullScheduler) FallbackActive() bool {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	return s.fallbackCancel != nil
}

// Positions returns the cached position list, fetching synchronously on a
// cache miss.
func (s *PullScheduler) Positions(ctx context.Context) ([]broker.Position, error) {
	if snap := s.positions.Load(); snap != nil {
		return snap.value, nil
	}
	if err := s.refreshPositions(ctx); err != nil {
		return nil, err
	}
	return s.positions.Load().value, nil
}

// Funds returns the cached fund summary, fetching synchronously on a cache
// miss.
func (s *PullScheduler) Funds(ctx context.Context) (broker.Funds, error) {
	if snap := s.funds.Load(); snap != nil {
		return snap.value, nil
	}
	if err := s.refreshFunds(ctx); err != nil {
		return broker.Funds{}, err
	}
	return s.funds.Load().value, nil
}

// Profile returns the cached account profile, fetching synchronously on a
// cache miss.
func (s *PullScheduler) Profile(ctx context.Context) (broker.Profile, error) {
	if snap := s.profile.Load(); snap != nil {
		return snap.value, nil
	}
	if err := s.refreshProfile(ctx); err != nil {
		return broker.Profile{}, err
	}
	return s.profile.Load().value, nil
}

// Price returns the fallback-cached price for token and the snapshot time.
func (s *PullScheduler) Price(token uint32) (float64, time.Time, bool) {
	snap := s.prices.Load()
	if snap == nil {
		return 0, time.Time{}, false
	}
	price, ok := snap.value[token]
	return price, snap.at, ok
}
