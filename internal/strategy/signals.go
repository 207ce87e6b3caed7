package strategy

import (
	"github.com/eddiefleurent/dunder_scalper/internal/models"
)

// Trigger names for entry signals; they become part of the position
// de-duplication key.
const (
	TriggerCrossoverUp   = "sma_crossover_up"
	TriggerCrossoverDown = "sma_crossover_down"
	TriggerBandBreakUp   = "band_break_up"
	TriggerBandBreakDown = "band_break_down"
)

// IndicatorSnapshot is the indicator engine's output for the latest candle:
// fast/slow moving averages for this candle and the previous one, plus the
// Bollinger band edges.
type IndicatorSnapshot struct {
	Close     float64
	FastMA    float64
	SlowMA    float64
	PrevFast  float64
	PrevSlow  float64
	UpperBand float64
	LowerBand float64
}

// Signal is one entry recommendation.
type Signal struct {
	OptionType models.OptionType
	Trigger    string
}

// Evaluate maps an indicator snapshot to entry signals. A bullish fast/slow
// crossover or a close above the upper band buys a call; the mirror
// conditions buy a put. At most one signal per side is emitted per snapshot.
func Evaluate(snap IndicatorSnapshot) []Signal {
	var signals []Signal

	switch {
	case snap.PrevFast <= snap.PrevSlow && snap.FastMA > snap.SlowMA:
		signals = append(signals, Signal{OptionType: models.OptionCE, Trigger: TriggerCrossoverUp})
	case snap.UpperBand > 0 && snap.Close > snap.UpperBand:
		signals = append(signals, Signal{OptionType: models.OptionCE, Trigger: TriggerBandBreakUp})
	}

	switch {
	case snap.PrevFast >= snap.PrevSlow && snap.FastMA < snap.SlowMA:
		signals = append(signals, Signal{OptionType: models.OptionPE, Trigger: TriggerCrossoverDown})
	case snap.LowerBand > 0 && snap.Close < snap.LowerBand:
		signals = append(signals, Signal{OptionType: models.OptionPE, Trigger: TriggerBandBreakDown})
	}

	return signals
}
