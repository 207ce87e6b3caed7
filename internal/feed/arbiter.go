package feed

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
)

// pricePoint is one instrument's last push price and when it arrived.
type pricePoint struct {
	Price float64
	At    time.Time
}

// Health is the feed picture exposed to the dashboard and the engine.
type Health struct {
	PushConnected    bool      `json:"push_connected"`
	LastPushUpdateAt time.Time `json:"last_push_update_at"`
	FallbackActive   bool      `json:"fallback_active"`
	Subscribed       int       `json:"subscribed"`
}

// Arbiter decides which data path serves reads. Its monitor loop activates
// the pull fallback when the push feed goes stale inside the session window
// and retires it when push data resumes. Price reads answer by freshness,
// not by which path is nominally active.
type Arbiter struct {
	push      *PushManager
	pull      *PullScheduler
	oracle    *marketclock.Oracle
	interval  time.Duration
	staleness time.Duration
	logger    *log.Logger

	// pushPrices is replaced whole by the dispatch observer, the only
	// writer.
	pushPrices atomic.Pointer[map[uint32]pricePoint]
}

// NewArbiter wires the arbiter over both feed paths. It registers itself as
// a tick observer on push and claims the scheduler's price token source.
func NewArbiter(push *PushManager, pull *PullScheduler, oracle *marketclock.Oracle, interval, staleness time.Duration, logger *log.Logger) *Arbiter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if staleness <= 0 {
		staleness = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	a := &Arbiter{
		push:      push,
		pull:      pull,
		oracle:    oracle,
		interval:  interval,
		staleness: staleness,
		logger:    logger,
	}
	empty := make(map[uint32]pricePoint)
	a.pushPrices.Store(&empty)
	push.OnTick(a.recordTick)
	pull.SetPriceTokenSource(push.SubscribedTokens)
	return a
}

// recordTick runs on the push dispatch goroutine; it is the sole writer of
// the push price cache.
func (a *Arbiter) recordTick(tick broker.Tick) {
	old := *a.pushPrices.Load()
	next := make(map[uint32]pricePoint, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	at := tick.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	next[tick.InstrumentToken] = pricePoint{Price: tick.LastPrice, At: at}
	a.pushPrices.Store(&next)
}

// Run drives the monitor loop until ctx is cancelled. The fallback loop is
// stopped on the way out.
func (a *Arbiter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.pull.DeactivateFallback()
			return
		case <-ticker.C:
			a.evaluate(ctx)
		}
	}
}

// evaluate is one monitor cycle: stale push inside the window with live
// subscriptions turns the fallback on; fresh push turns it off.
func (a *Arbiter) evaluate(ctx context.Context) {
	pushFresh := a.push.IsFresh(a.staleness)
	inWindow := a.oracle.IsPushWindow(a.oracle.Now())
	active := a.pull.FallbackActive()

	switch {
	case inWindow && !pushFresh && a.push.SubscribedCount() > 0 && !active:
		a.logger.Printf("feed arbiter: push feed stale, activating pull fallback")
		a.pull.ActivateFallback(ctx)
	case pushFresh && active:
		a.logger.Printf("feed arbiter: push feed recovered, deactivating pull fallback")
		a.pull.DeactivateFallback()
	case !inWindow && active:
		a.pull.DeactivateFallback()
	}
}

// Price returns the freshest known price for token. Push data wins while
// the push feed is fresh; otherwise the fallback cache answers, and as a
// last resort the broker is queried synchronously.
func (a *Arbiter) Price(ctx context.Context, token uint32) (float64, error) {
	if a.push.IsFresh(a.staleness) {
		if p, ok := (*a.pushPrices.Load())[token]; ok {
			return p.Price, nil
		}
	}
	if price, at, ok := a.pull.Price(token); ok && time.Since(at) < a.staleness {
		return price, nil
	}
	ltps, err := a.pull.broker.GetLTP(ctx, []uint32{token})
	if err != nil {
		return 0, fmt.Errorf("price lookup for token %d: %w", token, err)
	}
	price, ok := ltps[token]
	if !ok {
		return 0, fmt.Errorf("no price for token %d", token)
	}
	return price, nil
}

// Positions proxies the pull scheduler's position cache.
func (a *Arbiter) Positions(ctx context.Context) ([]broker.Position, error) {
	return a.pull.Positions(ctx)
}

// Funds proxies the pull scheduler's fund cache.
func (a *Arbiter) Funds(ctx context.Context) (broker.Funds, error) {
	return a.pull.Funds(ctx)
}

// Profile proxies the pull scheduler's profile cache.
func (a *Arbiter) Profile(ctx context.Context) (broker.Profile, error) {
	return a.pull.Profile(ctx)
}

// Subscribe adds tokens to the push subscription set.
func (a *Arbiter) Subscribe(tokens []uint32) {
	a.push.Subscribe(tokens)
}

// Unsubscribe removes tokens from the push subscription set.
func (a *Arbiter) Unsubscribe(tokens []uint32) {
	a.push.Unsubscribe(tokens)
}

// Health snapshots the current feed state.
func (a *Arbiter) Health() Health {
	return Health{
		PushConnected:    a.push.Connected(),
		LastPushUpdateAt: a.push.LastDataAt(),
		FallbackActive:   a.pull.FallbackActive(),
		Subscribed:       a.push.SubscribedCount(),
	}
}
