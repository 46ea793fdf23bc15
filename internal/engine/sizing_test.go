package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradexec/internal/config"
	"tradexec/internal/models"
)

func sizingEngine() *Engine {
	return &Engine{cfg: config.Default()}
}

func TestDeriveStopLoss(t *testing.T) {
	e := sizingEngine()

	t.Run("signal stop wins", func(t *testing.T) {
		sig := models.Signal{Side: models.SideBuy, StopLoss: 96}
		assert.InDelta(t, 96, e.deriveStopLoss(sig, testInstrument, 100, true), 1e-9)
	})

	t.Run("option pct mode", func(t *testing.T) {
		sig := models.Signal{Side: models.SideBuy}
		// 12% of 100.
		assert.InDelta(t, 88, e.deriveStopLoss(sig, testInstrument, 100, true), 1e-9)
	})

	t.Run("option points mode", func(t *testing.T) {
		pts := sizingEngine()
		pts.cfg.Options.SLMode = "POINTS"
		pts.cfg.Options.SLPoints = 7.5
		sig := models.Signal{Side: models.SideBuy}
		assert.InDelta(t, 92.5, pts.deriveStopLoss(sig, testInstrument, 100, true), 1e-9)
	})

	t.Run("non-option uses candle range", func(t *testing.T) {
		sig := models.Signal{Side: models.SideBuy, Candle: models.Candle{High: 105, Low: 101}}
		assert.InDelta(t, 96, e.deriveStopLoss(sig, testInstrument, 100, false), 1e-9)

		sig.Side = models.SideSell
		assert.InDelta(t, 104, e.deriveStopLoss(sig, testInstrument, 100, false), 1e-9)
	})

	t.Run("no derivable stop", func(t *testing.T) {
		sig := models.Signal{Side: models.SideBuy}
		assert.Zero(t, e.deriveStopLoss(sig, testInstrument, 100, false))
	})
}

func TestCheckStopQuality(t *testing.T) {
	e := sizingEngine()

	assert.NoError(t, e.checkStopQuality(models.SideBuy, 100, 96, testInstrument))
	assert.NoError(t, e.checkStopQuality(models.SideSell, 100, 104, testInstrument))

	assert.ErrorContains(t, e.checkStopQuality(models.SideBuy, 100, 0, testInstrument), "SL_MISSING")
	assert.ErrorContains(t, e.checkStopQuality(models.SideBuy, 100, 101, testInstrument), "SL_ILLOGICAL")
	assert.ErrorContains(t, e.checkStopQuality(models.SideSell, 100, 99, testInstrument), "SL_ILLOGICAL")

	// Two ticks is the floor; one tick away is too tight.
	assert.ErrorContains(t, e.checkStopQuality(models.SideBuy, 100, 99.95, testInstrument), "SL_TOO_TIGHT")

	// 6% away against a 5% ceiling.
	assert.ErrorContains(t, e.checkStopQuality(models.SideBuy, 100, 94, testInstrument), "SL_TOO_WIDE")
}

func TestSizePosition(t *testing.T) {
	t.Run("lot normalization", func(t *testing.T) {
		e := sizingEngine()
		s, err := e.sizePosition(models.SideBuy, 100, 96, testInstrument)
		require.NoError(t, err)
		assert.Equal(t, 3, s.lots)
		assert.Equal(t, 225, s.qty)
		assert.InDelta(t, 4, s.riskPts, 1e-9)
		assert.InDelta(t, 900, s.riskInr, 1e-9)
		assert.InDelta(t, 96, s.stopLoss, 1e-9)
		assert.False(t, s.fitted)
	})

	t.Run("strict policy blocks below one lot", func(t *testing.T) {
		e := sizingEngine()
		// 1000 of risk at 20 per unit fits 50 units, under one 75-lot.
		_, err := e.sizePosition(models.SideBuy, 100, 80, testInstrument)
		assert.ErrorContains(t, err, "LOT_RISK_CAP_BLOCK")
	})

	t.Run("force one lot tightens the stop", func(t *testing.T) {
		e := sizingEngine()
		e.cfg.Risk.LotPolicy = "FORCE_ONE_LOT"
		s, err := e.sizePosition(models.SideBuy, 100, 80, testInstrument)
		require.NoError(t, err)
		assert.Equal(t, 1, s.lots)
		assert.Equal(t, 75, s.qty)
		assert.True(t, s.fitted)
		// 1100 cap over 75 units, floored to the tick.
		assert.InDelta(t, 85.35, s.stopLoss, 1e-9)
		assert.InDelta(t, 14.65, s.riskPts, 1e-9)
	})

	t.Run("force one lot blocks when stop cannot fit", func(t *testing.T) {
		e := sizingEngine()
		e.cfg.Risk.LotPolicy = "FORCE_ONE_LOT"
		e.cfg.Risk.RiskPerTradeInr = 5
		_, err := e.sizePosition(models.SideBuy, 100, 80, testInstrument)
		assert.ErrorContains(t, err, "LOT_RISK_CAP_BLOCK")
	})

	t.Run("freeze quantity caps lots", func(t *testing.T) {
		e := sizingEngine()
		// 0.50 per unit fits 26 lots; the exchange freeze allows 24.
		s, err := e.sizePosition(models.SideBuy, 100, 99.5, testInstrument)
		require.NoError(t, err)
		assert.Equal(t, 24, s.lots)
		assert.Equal(t, 1800, s.qty)
	})

	t.Run("zero risk distance", func(t *testing.T) {
		e := sizingEngine()
		_, err := e.sizePosition(models.SideBuy, 100, 100, testInstrument)
		assert.ErrorContains(t, err, "SL_MISSING")
	})
}

func TestFitStop(t *testing.T) {
	e := sizingEngine()

	stop, ok := e.fitStop(models.SideSell, 100, testInstrument, 14.6667)
	require.True(t, ok)
	assert.InDelta(t, 114.65, stop, 1e-9)

	_, ok = e.fitStop(models.SideBuy, 100, testInstrument, 0.07)
	assert.False(t, ok)
}

func TestPlannedTarget(t *testing.T) {
	e := sizingEngine()

	assert.InDelta(t, 108, e.plannedTarget(models.SideBuy, 100, 4, testInstrument), 1e-9)
	assert.InDelta(t, 92, e.plannedTarget(models.SideSell, 100, 4, testInstrument), 1e-9)

	e.cfg.Stops.RRTarget = 0
	assert.Zero(t, e.plannedTarget(models.SideBuy, 100, 4, testInstrument))
}

func TestTP1Split(t *testing.T) {
	e := sizingEngine()

	// Disabled by default.
	tp1, runner := e.tp1Split(225, 75)
	assert.Zero(t, tp1)
	assert.Equal(t, 225, runner)

	e.cfg.Stops.TP1Enabled = true

	tp1, runner = e.tp1Split(225, 75)
	assert.Equal(t, 150, tp1)
	assert.Equal(t, 75, runner)

	tp1, runner = e.tp1Split(150, 75)
	assert.Equal(t, 75, tp1)
	assert.Equal(t, 75, runner)

	tp1, runner = e.tp1Split(300, 75)
	assert.Equal(t, 150, tp1)
	assert.Equal(t, 150, runner)

	// A single lot never splits.
	tp1, runner = e.tp1Split(75, 75)
	assert.Zero(t, tp1)
	assert.Equal(t, 75, runner)
}
