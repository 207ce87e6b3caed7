package feed

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_scalper/internal/config"
	"github.com/eddiefleurent/dunder_scalper/internal/marketclock"
)

// stepClock is a settable Clock so tests can move in and out of session
// windows without waiting.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func istLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// sessionTime returns a Tuesday at the given wall-clock time in IST.
func sessionTime(t *testing.T, hh, mm int) time.Time {
	t.Helper()
	return time.Date(2026, 1, 20, hh, mm, 0, 0, istLocation(t))
}

// testOracle builds an oracle with default session windows over clock.
func testOracle(t *testing.T, clock marketclock.Clock) *marketclock.Oracle {
	t.Helper()
	cfg := &config.Config{}
	cfg.Market.Timezone = "Asia/Kolkata"
	cfg.Broker.APIKey = "k"
	cfg.Broker.AccessToken = "t"
	cfg.Strategy.CapitalAllocationPct = 16
	cfg.Strategy.TargetPct = 10
	cfg.Strategy.StoplossPct = 5
	cfg.Storage.Path = "x.db"
	require.NoError(t, cfg.Validate())
	return marketclock.NewOracle(cfg, clock)
}
