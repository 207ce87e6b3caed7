// Package util provides common utility functions for price and strike math.
package util

import "math"

// quantizeEpsilon absorbs binary representation error in x/tick (e.g.
// 1.30/0.05 evaluating a hair above 26) without masking genuinely
// off-boundary prices.
const quantizeEpsilon = 1e-13

func quantize(x, tick float64) float64 {
	q := x / tick
	if r := math.Round(q); math.Abs(q-r) <= quantizeEpsilon {
		return r
	}
	return q
}

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 51.27 becomes 51.25.
func RoundToTick(x, tick float64) float64 {
	if tick == 0 {
		return x
	}
	tick = math.Abs(tick)
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	if tick == 0 {
		return x
	}
	tick = math.Abs(tick)
	return math.Floor(quantize(x, tick)) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick == 0 {
		return x
	}
	tick = math.Abs(tick)
	return math.Ceil(quantize(x, tick)) * tick
}

// FloorToStrike rounds price down to the nearest strike gap multiple, for
// picking the at-the-money call strike.
func FloorToStrike(price float64, gap int) float64 {
	if gap <= 0 {
		return price
	}
	return FloorToTick(price, float64(gap))
}

// CeilToStrike rounds price up to the nearest strike gap multiple, for
// picking the at-the-money put strike.
func CeilToStrike(price float64, gap int) float64 {
	if gap <= 0 {
		return price
	}
	return CeilToTick(price, float64(gap))
}
