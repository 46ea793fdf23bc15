// Package exit implements the dynamic exit planner: breakeven lock, ATR
// trailing, give-back and time stops. The planner is pure; the engine
// owns order placement and stop monotonicity.
package exit

import (
	"math"
	"time"

	"tradexec/internal/models"
)

// ATR computes Wilder's average true range over the given period. It
// returns 0 when fewer than period+1 candles are available.
func ATR(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1].Close))
	}
	// Seed with a simple average, then smooth.
	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func trueRange(c models.Candle, prevClose float64) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prevClose)
	lc := math.Abs(c.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// Series aggregates a tick stream into fixed-interval candles so the
// planner can compute ATR without a separate history feed.
type Series struct {
	interval time.Duration
	maxLen   int
	candles  []models.Candle
	current  *models.Candle
	bucket   time.Time
}

// NewSeries creates a series of interval-wide candles, keeping at most
// maxLen completed candles.
func NewSeries(interval time.Duration, maxLen int) *Series {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxLen <= 0 {
		maxLen = 120
	}
	return &Series{interval: interval, maxLen: maxLen}
}

// AddTick folds a tick into the series, completing the working candle
// when its interval elapses.
func (s *Series) AddTick(price float64, volume int64, at time.Time) {
	bucket := at.Truncate(s.interval)
	if s.current == nil || !bucket.Equal(s.bucket) {
		if s.current != nil {
			s.candles = append(s.candles, *s.current)
			if len(s.candles) > s.maxLen {
				s.candles = s.candles[len(s.candles)-s.maxLen:]
			}
		}
		s.current = &models.Candle{
			Open: price, High: price, Low: price, Close: price,
			Ts: bucket,
		}
		s.bucket = bucket
	}
	c := s.current
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
}

// Candles returns the completed candles, oldest first.
func (s *Series) Candles() []models.Candle {
	return s.candles
}

// ATR computes the ATR of the completed candles.
func (s *Series) ATR(period int) float64 {
	return ATR(s.candles, period)
}
