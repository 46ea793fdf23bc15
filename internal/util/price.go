// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.32 becomes 101.30.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(tick) {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the tick grid.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(tick) {
		return x
	}
	return math.Floor(x/tick) * tick
}

// CeilToTick rounds x up to the tick grid.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(tick) {
		return x
	}
	return math.Ceil(x/tick) * tick
}

// Bps converts a price difference into basis points of the reference price.
func Bps(diff, ref float64) float64 {
	if ref == 0 {
		return 0
	}
	return diff / ref * 10000
}

// FromBps converts basis points of the reference price into price units.
func FromBps(bps, ref float64) float64 {
	return bps / 10000 * ref
}

// ShortID returns the first 8 characters of an id for log lines.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
