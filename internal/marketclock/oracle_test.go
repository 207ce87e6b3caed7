package marketclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_scalper/internal/config"
)

func testOracle(t *testing.T) *Oracle {
	t.Helper()
	cfg := &config.Config{
		Market: config.MarketConfig{
			Timezone: "Asia/Kolkata",
			Holidays: []string{"2026-01-26"}, // Republic Day, a Monday
		},
	}
	cfg.Broker.APIKey = "k"
	cfg.Broker.AccessToken = "t"
	cfg.Strategy.CapitalAllocationPct = 16
	cfg.Strategy.TargetPct = 10
	cfg.Strategy.StoplossPct = 5
	cfg.Storage.Path = "x.db"
	// Validate applies the session window defaults (09:15-15:30 etc.).
	require.NoError(t, cfg.Validate())
	return NewOracle(cfg, SystemClock{})
}

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

func at(t *testing.T, day time.Time, hh, mm int) time.Time {
	t.Helper()
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, ist(t))
}

func TestIsTradingDay(t *testing.T) {
	o := testOracle(t)
	loc := ist(t)

	tuesday := time.Date(2026, 1, 20, 12, 0, 0, 0, loc)
	saturday := time.Date(2026, 1, 24, 12, 0, 0, 0, loc)
	holiday := time.Date(2026, 1, 26, 12, 0, 0, 0, loc) // Monday, in holiday set

	assert.True(t, o.IsTradingDay(tuesday))
	assert.False(t, o.IsTradingDay(saturday))
	assert.False(t, o.IsTradingDay(holiday))
}

func TestSessionWindows(t *testing.T) {
	o := testOracle(t)
	day := time.Date(2026, 1, 20, 0, 0, 0, 0, ist(t)) // Tuesday

	tests := []struct {
		name      string
		hh, mm    int
		open      bool
		push      bool
		order     bool
		squareOff bool
	}{
		{"pre push window", 8, 59, false, false, false, false},
		{"push pre-warm before open", 9, 5, false, true, false, false},
		{"market open bell", 9, 15, true, true, false, false},
		{"order window opens", 9, 20, true, true, true, false},
		{"midday", 12, 30, true, true, true, false},
		{"last entry minute", 15, 15, true, true, true, false},
		{"entries closed, still open", 15, 17, true, true, false, false},
		{"square-off", 15, 20, true, true, false, true},
		{"market close", 15, 30, true, true, false, true},
		{"after close", 15, 31, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := at(t, day, tt.hh, tt.mm)
			assert.Equal(t, tt.open, o.IsMarketOpen(now), "IsMarketOpen")
			assert.Equal(t, tt.push, o.IsPushWindow(now), "IsPushWindow")
			assert.Equal(t, tt.order, o.IsOrderWindow(now), "IsOrderWindow")
			assert.Equal(t, tt.squareOff, o.IsSquareOffTime(now), "IsSquareOffTime")
		})
	}
}

func TestWindowsClosedOnNonTradingDay(t *testing.T) {
	o := testOracle(t)
	sundayNoon := time.Date(2026, 1, 25, 12, 0, 0, 0, ist(t))

	assert.False(t, o.IsMarketOpen(sundayNoon))
	assert.False(t, o.IsPushWindow(sundayNoon))
	assert.False(t, o.IsOrderWindow(sundayNoon))
	assert.False(t, o.IsSquareOffTime(sundayNoon))
}

func TestFixedClock(t *testing.T) {
	o := testOracle(t)
	instant := time.Date(2026, 1, 20, 10, 0, 0, 0, ist(t))
	o.clock = FixedClock{T: instant}
	assert.Equal(t, instant, o.Now())
}
