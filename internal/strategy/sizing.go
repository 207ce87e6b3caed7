// Package strategy holds the trade-decision boundary: position sizing from
// available capital, bracket price construction, strike selection, and the
// mapping from indicator snapshots to entry signals. Indicator computation
// itself (moving averages, bands) lives upstream; this package only consumes
// its outputs.
package strategy

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/dunder_scalper/internal/models"
	"github.com/eddiefleurent/dunder_scalper/internal/util"
)

// Sizing is the capital outcome for one prospective entry.
type Sizing struct {
	CapitalPerTrade float64
	Lots            int
	Quantity        int
	CapitalRequired float64
}

// SizePosition computes lot count and capital for an entry. Capital per
// trade is a fixed percentage of the funds available right now; lots are
// whole multiples of the contract lot size that fit inside it.
func SizePosition(availableFunds, allocationPct, premium float64, lotSize int) (Sizing, error) {
	if availableFunds <= 0 {
		return Sizing{}, fmt.Errorf("no funds available")
	}
	if premium <= 0 {
		return Sizing{}, fmt.Errorf("premium must be positive, got %.2f", premium)
	}
	if lotSize <= 0 {
		return Sizing{}, fmt.Errorf("lot size must be positive, got %d", lotSize)
	}

	capitalPerTrade := availableFunds * allocationPct / 100
	lotCost := premium * float64(lotSize)
	lots := int(math.Floor(capitalPerTrade / lotCost))
	if lots <= 0 {
		return Sizing{}, fmt.Errorf("capital %.2f cannot cover one lot costing %.2f", capitalPerTrade, lotCost)
	}

	quantity := lots * lotSize
	return Sizing{
		CapitalPerTrade: capitalPerTrade,
		Lots:            lots,
		Quantity:        quantity,
		CapitalRequired: premium * float64(quantity),
	}, nil
}

// Bracket is the target/stoploss pair derived from an entry price.
type Bracket struct {
	Target   float64
	Stoploss float64
}

// ComputeBracket builds target and stoploss prices around entry, rounded to
// the exchange tick.
func ComputeBracket(entryPrice, targetPct, stoplossPct, tickSize float64) Bracket {
	return Bracket{
		Target:   util.RoundToTick(entryPrice*(1+targetPct/100), tickSize),
		Stoploss: util.RoundToTick(entryPrice*(1-stoplossPct/100), tickSize),
	}
}

// SelectStrike picks the at-the-money strike for a side: calls round the
// spot down to the strike gap, puts round up.
func SelectStrike(spot float64, optionType models.OptionType, gap int) float64 {
	if optionType == models.OptionPE {
		return util.CeilToStrike(spot, gap)
	}
	return util.FloorToStrike(spot, gap)
}

// ExpectedStrikes returns the strikes worth pre-subscribing for the current
// spot: the ATM strike per side plus one gap beyond it.
func ExpectedStrikes(spot float64, gap int) (ce []float64, pe []float64) {
	atmCE := util.FloorToStrike(spot, gap)
	atmPE := util.CeilToStrike(spot, gap)
	return []float64{atmCE, atmCE - float64(gap)}, []float64{atmPE, atmPE + float64(gap)}
}
