package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradexec/internal/config"
	"tradexec/internal/models"
)

func testPlanner() *Planner {
	cfg := config.ExitPlanConfig{
		Enabled:           true,
		BELockCostMult:    3.0,
		TrailArmR:         1.0,
		TrailATRMult:      1.5,
		ATRPeriod:         14,
		TimeStopAfter:     config.Duration(25 * time.Minute),
		HardTrailGiveBack: 0.6,
	}
	stops := config.StopConfig{BEBufferTicks: 1}
	return NewPlanner(cfg, stops)
}

func liveTrade() *models.Trade {
	return &models.Trade{
		ID:              "t-1",
		InstrumentToken: 256265,
		Instrument:      models.Instrument{TickSize: 0.05, LotSize: 75},
		Side:            models.SideBuy,
		Qty:             75,
		Status:          models.StatusLive,
		EntryPrice:      100,
		StopLoss:        95,
		InitialStopLoss: 95,
		RiskPts:         5,
		MinGreenPts:     0.8,
		PeakLtp:         100,
		EntryFilledAt:   time.Now().Add(-time.Minute),
	}
}

func TestPlanIdleBelowAllThresholds(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	tr.PeakLtp = 100.5

	a := p.Plan(tr, 100.5, 1.0, time.Now())
	assert.Equal(t, ActionNone, a.Kind)
}

func TestPlanBreakevenLock(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	// Profit 3 pts >= 3 * 0.8 min-green.
	tr.PeakLtp = 103

	a := p.Plan(tr, 103, 0, time.Now())
	assert.Equal(t, ActionMoveSL, a.Kind)
	// Entry + min green + 1 tick buffer, on the tick grid.
	assert.InDelta(t, 100.85, a.NewStop, 1e-9)
	assert.Equal(t, "breakeven lock", a.Reason)
}

func TestPlanBreakevenLockShort(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	tr.Side = models.SideSell
	tr.StopLoss = 105
	tr.PeakLtp = 97

	a := p.Plan(tr, 97, 0, time.Now())
	assert.Equal(t, ActionMoveSL, a.Kind)
	assert.InDelta(t, 99.15, a.NewStop, 1e-9)
}

func TestPlanATRTrailAfterArm(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	tr.BELocked = true
	tr.StopLoss = 100.85
	// Peak profit 6 pts >= 1.0 * 5 risk pts arms the trail.
	tr.PeakLtp = 106

	a := p.Plan(tr, 105.5, 2.0, time.Now())
	assert.Equal(t, ActionMoveSL, a.Kind)
	// 106 - 1.5*2.0 = 103.
	assert.InDelta(t, 103, a.NewStop, 1e-9)
}

func TestPlanTrailNeverLoosens(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	tr.BELocked = true
	tr.PeakLtp = 106
	tr.StopLoss = 104 // already tighter than the trail would set

	a := p.Plan(tr, 105.5, 2.0, time.Now())
	assert.Equal(t, ActionNone, a.Kind)
}

func TestPlanGiveBackExit(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	tr.BELocked = true
	tr.PeakLtp = 106 // peak profit 6 pts, armed

	// Profit now 2 pts: retained 33% <= 40% threshold.
	a := p.Plan(tr, 102, 2.0, time.Now())
	assert.Equal(t, ActionExit, a.Kind)
	assert.Contains(t, a.Reason, "gave back")
}

func TestPlanTimeStop(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	tr.EntryFilledAt = time.Now().Add(-30 * time.Minute)
	tr.PeakLtp = 100.3

	a := p.Plan(tr, 100.3, 0, time.Now())
	assert.Equal(t, ActionExit, a.Kind)
	assert.Contains(t, a.Reason, "below charges")
}

func TestPlanTimeStopSkippedWhenGreen(t *testing.T) {
	p := testPlanner()
	tr := liveTrade()
	tr.EntryFilledAt = time.Now().Add(-30 * time.Minute)
	tr.PeakLtp = 101.5

	a := p.Plan(tr, 101.5, 0, time.Now())
	assert.NotEqual(t, ActionExit, a.Kind)
}

func TestPlanSkipsDisabledAndFlat(t *testing.T) {
	p := testPlanner()

	tr := liveTrade()
	tr.DynExitDisabled = true
	assert.Equal(t, ActionNone, p.Plan(tr, 110, 2, time.Now()).Kind)

	tr = liveTrade()
	tr.Status = models.StatusExitedTarget
	assert.Equal(t, ActionNone, p.Plan(tr, 110, 2, time.Now()).Kind)

	off := NewPlanner(config.ExitPlanConfig{}, config.StopConfig{})
	assert.Equal(t, ActionNone, off.Plan(liveTrade(), 110, 2, time.Now()).Kind)
}
