package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradexec/internal/models"
)

func candle(ts time.Time, o, h, l, c float64) models.Candle {
	return models.Candle{Open: o, High: h, Low: l, Close: c, Ts: ts}
}

func TestATR(t *testing.T) {
	ts := time.Now()
	candles := []models.Candle{
		candle(ts, 100, 100, 100, 100),
		candle(ts, 100, 102, 98, 100),
		candle(ts, 100, 103, 99, 101),
		candle(ts, 101, 105, 101, 104),
	}
	assert.InDelta(t, 4.0, ATR(candles, 2), 1e-9)
}

func TestATRGapUsesPrevClose(t *testing.T) {
	ts := time.Now()
	candles := []models.Candle{
		candle(ts, 100, 100, 100, 100),
		// Gap up: range is 1 but distance from prev close is 11.
		candle(ts, 110, 111, 110, 110),
		candle(ts, 110, 111, 110, 110),
	}
	got := ATR(candles, 2)
	assert.InDelta(t, 6.0, got, 1e-9, "true range should include the gap")
}

func TestATRInsufficientData(t *testing.T) {
	ts := time.Now()
	candles := []models.Candle{
		candle(ts, 100, 101, 99, 100),
		candle(ts, 100, 101, 99, 100),
	}
	assert.Zero(t, ATR(candles, 2))
	assert.Zero(t, ATR(nil, 14))
	assert.Zero(t, ATR(candles, 0))
}

func TestSeriesBuildsCandles(t *testing.T) {
	s := NewSeries(time.Minute, 10)
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	s.AddTick(100, 10, base)
	s.AddTick(102, 5, base.Add(20*time.Second))
	s.AddTick(99, 5, base.Add(40*time.Second))
	assert.Empty(t, s.Candles(), "working candle not complete yet")

	s.AddTick(101, 10, base.Add(70*time.Second))
	candles := s.Candles()
	assert.Len(t, candles, 1)
	c := candles[0]
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 102.0, c.High)
	assert.Equal(t, 99.0, c.Low)
	assert.Equal(t, 99.0, c.Close)
	assert.Equal(t, int64(20), c.Volume)
}

func TestSeriesCapsLength(t *testing.T) {
	s := NewSeries(time.Minute, 3)
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		s.AddTick(100+float64(i), 1, base.Add(time.Duration(i)*time.Minute))
	}
	assert.Len(t, s.Candles(), 3)
}
