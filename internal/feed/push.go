// Package feed unifies the two market-data paths: the push websocket
// (managed by PushManager under a session-window supervisor) and the pull
// poller (PullScheduler). The Arbiter sits on top, judging push freshness
// and switching consumers to the polling fallback when the stream goes
// silent. Consumers read quotes, positions, and funds only through the
// Arbiter.
package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
)

const (
	// tickBuffer bounds the fan-out queue between the stream read path and
	// observers. Overflow drops the oldest tick: a fresher price is already
	// behind it.
	tickBuffer = 1024
	// orderBuffer bounds the order-update queue. Order updates are never
	// dropped silently; overflow is logged loudly.
	orderBuffer = 256
)

// PushManager owns the single push connection. Its supervisor loop derives
// the connection lifecycle entirely from the session window: business logic
// never toggles the connection directly.
type PushManager struct {
	stream   broker.Stream
	oracle   *marketclock.Oracle
	interval time.Duration
	logger   *log.Logger

	mu         sync.Mutex
	subscribed map[uint32]bool
	lastDataAt time.Time

	tickCh  chan broker.Tick
	orderCh chan broker.OrderUpdate

	observerMu     sync.RWMutex
	tickObservers  []func(broker.Tick)
	orderObservers []func(broker.OrderUpdate)

	wg sync.WaitGroup
}

// NewPushManager creates a manager supervising stream against the push
// window at the given cadence.
func NewPushManager(stream broker.Stream, oracle *marketclock.Oracle, interval time.Duration, logger *log.Logger) *PushManager {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &PushManager{
		stream:     stream,
		oracle:     oracle,
		interval:   interval,
		logger:     logger,
		subscribed: make(map[uint32]bool),
		tickCh:     make(chan broker.Tick, tickBuffer),
		orderCh:    make(chan broker.OrderUpdate, orderBuffer),
	}
}

// OnTick registers a tick observer. Observers run on the dispatch
// goroutine, decoupled from the network read loop.
func (m *PushManager) OnTick(fn func(broker.Tick)) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.tickObservers = append(m.tickObservers, fn)
}

// OnOrderUpdate registers an order-status observer.
func (m *PushManager) OnOrderUpdate(fn func(broker.OrderUpdate)) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.orderObservers = append(m.orderObservers, fn)
}

// Run starts the supervisor and dispatch loops and blocks until ctx is
// cancelled. The connection is closed on the way out.
func (m *PushManager) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch(ctx)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.stream.Disconnect(); err != nil {
				m.logger.Printf("push feed: disconnect on shutdown: %v", err)
			}
			m.wg.Wait()
			return
		case <-ticker.C:
			m.supervise(ctx)
		}
	}
}

// supervise reconciles the connection state with the push window.
func (m *PushManager) supervise(ctx context.Context) {
	inWindow := m.oracle.IsPushWindow(m.oracle.Now())
	connected := m.stream.Connected()

	switch {
	case inWindow && !connected:
		if err := m.connect(ctx); err != nil {
			if broker.IsCredentialsExpired(err) {
				m.logger.Printf("push feed: connect refused, credentials expired: %v", err)
			} else {
				m.logger.Printf("push feed: connect failed, will retry: %v", err)
			}
		}
	case !inWindow && connected:
		if err := m.stream.Disconnect(); err != nil {
			m.logger.Printf("push feed: disconnect failed: %v", err)
		} else {
			m.logger.Printf("push feed: disconnected, outside push window")
		}
	}
}

func (m *PushManager) connect(ctx context.Context) error {
	tokens := m.SubscribedTokens()
	err := m.stream.Connect(ctx, tokens, m.enqueueTick, m.enqueueOrderUpdate)
	if err == nil {
		m.logger.Printf("push feed: connected with %d subscriptions", len(tokens))
	}
	return err
}

// enqueueTick runs on the stream read path: record freshness, then hand off
// without blocking. On overflow the oldest tick is dropped.
func (m *PushManager) enqueueTick(tick broker.Tick) {
	m.mu.Lock()
	m.lastDataAt = time.Now()
	m.mu.Unlock()

	select {
	case m.tickCh <- tick:
	default:
		select {
		case <-m.tickCh:
		default:
		}
		select {
		case m.tickCh <- tick:
		default:
		}
	}
}

// enqueueOrderUpdate also refreshes lastDataAt: an order postback proves the
// connection is alive.
func (m *PushManager) enqueueOrderUpdate(update broker.OrderUpdate) {
	m.mu.Lock()
	m.lastDataAt = time.Now()
	m.mu.Unlock()

	select {
	case m.orderCh <- update:
	default:
		m.logger.Printf("push feed: order update queue full, dropping update for order %s (status %s)",
			update.OrderID, update.Status)
	}
}

func (m *PushManager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-m.tickCh:
			m.observerMu.RLock()
			observers := m.tickObservers
			m.observerMu.RUnlock()
			for _, fn := range observers {
				fn(tick)
			}
		case update := <-m.orderCh:
			m.observerMu.RLock()
			observers := m.orderObservers
			m.observerMu.RUnlock()
			for _, fn := range observers {
				fn(update)
			}
		}
	}
}

// Subscribe adds tokens to the subscription set, delta-updating the live
// connection when present.
func (m *PushManager) Subscribe(tokens []uint32) {
	added := make([]uint32, 0, len(tokens))
	m.mu.Lock()
	for _, t := range tokens {
		if !m.subscribed[t] {
			m.subscribed[t] = true
			added = append(added, t)
		}
	}
	m.mu.Unlock()

	if len(added) > 0 && m.stream.Connected() {
		if err := m.stream.Subscribe(added); err != nil {
			m.logger.Printf("push feed: subscribe %d tokens failed: %v", len(added), err)
		}
	}
}

// Unsubscribe removes tokens from the subscription set.
func (m *PushManager) Unsubscribe(tokens []uint32) {
	removed := make([]uint32, 0, len(tokens))
	m.mu.Lock()
	for _, t := range tokens {
		if m.subscribed[t] {
			delete(m.subscribed, t)
			removed = append(removed, t)
		}
	}
	m.mu.Unlock()

	if len(removed) > 0 && m.stream.Connected() {
		if err := m.stream.Unsubscribe(removed); err != nil {
			m.logger.Printf("push feed: unsubscribe %d tokens failed: %v", len(removed), err)
		}
	}
}

// SubscribedTokens returns the current subscription set.
func (m *PushManager) SubscribedTokens() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]uint32, 0, len(m.subscribed))
	for t := range m.subscribed {
		tokens = append(tokens, t)
	}
	return tokens
}

// SubscribedCount returns the size of the subscription set.
func (m *PushManager) SubscribedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribed)
}

// IsFresh reports whether the connection is up and data arrived within
// threshold.
func (m *PushManager) IsFresh(threshold time.Duration) bool {
	if !m.stream.Connected() {
		return false
	}
	m.mu.Lock()
	last := m.lastDataAt
	m.mu.Unlock()
	return !last.IsZero() && time.Since(last) < threshold
}

// LastDataAt returns the timestamp of the last inbound push message.
func (m *PushManager) LastDataAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDataAt
}

// Connected reports whether the push connection is up.
func (m *PushManager) Connected() bool {
	return m.stream.Connected()
}
