// Package marketclock answers market-session questions: whether today is a
// trading day, whether the market is open, and which of the intraday windows
// (push pre-warm, order placement, square-off) is active. All predicates are
// pure functions of the supplied time, so callers inject a Clock and tests
// pin it wherever they like. Nothing else in the process should consult
// wall-clock time for a market decision.
package marketclock

import (
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/config"
)

// Clock supplies the current time. The real implementation wraps time.Now;
// tests substitute a fixed or stepped clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a preset instant, for tests.
type FixedClock struct {
	T time.Time
}

// Now returns the preset instant.
func (c FixedClock) Now() time.Time { return c.T }

// minuteOfDay is a wall-clock position within a day, minutes since midnight.
type minuteOfDay int

func clockMinute(t time.Time) minuteOfDay {
	return minuteOfDay(t.Hour()*60 + t.Minute())
}

func parseMinute(hhmm string, loc *time.Location) minuteOfDay {
	t, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		return 0
	}
	return clockMinute(t)
}

// Oracle evaluates session predicates against configured windows and the
// holiday calendar. Immutable after construction; safe for concurrent use.
type Oracle struct {
	clock       Clock
	loc         *time.Location
	tradingDays map[time.Weekday]bool
	holidays    map[string]bool

	open      minuteOfDay
	close     minuteOfDay
	pushStart minuteOfDay
	orderFrom minuteOfDay
	orderTo   minuteOfDay
	squareOff minuteOfDay
}

// NewOracle builds an Oracle from the market configuration. Window strings
// are assumed validated by config.Load.
func NewOracle(cfg *config.Config, clock Clock) *Oracle {
	if clock == nil {
		clock = SystemClock{}
	}
	loc := cfg.Location()
	return &Oracle{
		clock:       clock,
		loc:         loc,
		tradingDays: cfg.TradingWeekdays(),
		holidays:    cfg.HolidayDates(),
		open:        parseMinute(cfg.Market.Open, loc),
		close:       parseMinute(cfg.Market.Close, loc),
		pushStart:   parseMinute(cfg.Market.PushStart, loc),
		orderFrom:   parseMinute(cfg.Market.OrderStart, loc),
		orderTo:     parseMinute(cfg.Market.OrderEnd, loc),
		squareOff:   parseMinute(cfg.Market.SquareOff, loc),
	}
}

// Now returns the current time in the market timezone.
func (o *Oracle) Now() time.Time {
	return o.clock.Now().In(o.loc)
}

// IsTradingDay reports whether t falls on a configured trading weekday that
// is not in the holiday set.
func (o *Oracle) IsTradingDay(t time.Time) bool {
	local := t.In(o.loc)
	if !o.tradingDays[local.Weekday()] {
		return false
	}
	return !o.holidays[local.Format("2006-01-02")]
}

// IsMarketOpen reports whether t is inside the trading session.
func (o *Oracle) IsMarketOpen(t time.Time) bool {
	if !o.IsTradingDay(t) {
		return false
	}
	m := clockMinute(t.In(o.loc))
	return m >= o.open && m <= o.close
}

// IsPushWindow reports whether the push connection window is active. It
// opens before the market does so the connection is warm at the bell.
func (o *Oracle) IsPushWindow(t time.Time) bool {
	if !o.IsTradingDay(t) {
		return false
	}
	m := clockMinute(t.In(o.loc))
	return m >= o.pushStart && m <= o.close
}

// IsOrderWindow reports whether new entries may be placed at t.
func (o *Oracle) IsOrderWindow(t time.Time) bool {
	if !o.IsTradingDay(t) {
		return false
	}
	m := clockMinute(t.In(o.loc))
	return m >= o.orderFrom && m <= o.orderTo
}

// IsSquareOffTime reports whether the end-of-day flatten window has begun.
func (o *Oracle) IsSquareOffTime(t time.Time) bool {
	if !o.IsTradingDay(t) {
		return false
	}
	return clockMinute(t.In(o.loc)) >= o.squareOff
}
