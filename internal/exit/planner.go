package exit

import (
	"fmt"
	"time"

	"tradexec/internal/config"
	"tradexec/internal/models"
	"tradexec/internal/util"
)

// ActionKind classifies the planner's recommendation.
type ActionKind int

// Planner recommendations, in increasing severity.
const (
	ActionNone ActionKind = iota
	ActionMoveSL
	ActionExit
)

// Action is the planner's recommendation for one evaluation. MoveSL
// carries the proposed stop; Exit asks the engine to flatten at market.
type Action struct {
	Kind    ActionKind
	NewStop float64
	Reason  string
}

// Planner evaluates live trades against the dynamic exit rules. It
// never mutates the trade; the engine applies the recommendation and
// records the outcome.
type Planner struct {
	cfg   config.ExitPlanConfig
	stops config.StopConfig
}

// NewPlanner builds a planner from the exit-plan and stop config.
func NewPlanner(cfg config.ExitPlanConfig, stops config.StopConfig) *Planner {
	return &Planner{cfg: cfg, stops: stops}
}

// Plan evaluates one trade at the given last price. atr may be 0 when
// not enough candles have completed; the ATR trail is skipped then.
//
// Severity order: give-back exit, time stop, breakeven lock, ATR trail.
// All proposed stops respect stop monotonicity; a proposal that would
// loosen the current stop degrades to no action.
func (p *Planner) Plan(tr *models.Trade, ltp, atr float64, now time.Time) Action {
	if !p.cfg.Enabled || tr.DynExitDisabled {
		return Action{}
	}
	if tr.EntryPrice == 0 || tr.LiveQty() == 0 || ltp <= 0 {
		return Action{}
	}

	dir := 1.0
	if tr.Side == models.SideSell {
		dir = -1
	}
	profitPts := dir * (ltp - tr.EntryPrice)
	peakProfit := dir * (tr.PeakLtp - tr.EntryPrice)
	tick := tr.Instrument.TickSize

	trailArmed := tr.RiskPts > 0 && peakProfit >= p.cfg.TrailArmR*tr.RiskPts

	if trailArmed && p.cfg.HardTrailGiveBack > 0 && peakProfit > 0 {
		retained := profitPts / peakProfit
		if retained <= 1-p.cfg.HardTrailGiveBack {
			return Action{
				Kind:   ActionExit,
				Reason: fmt.Sprintf("gave back %.0f%% of peak %.2f pts", (1-retained)*100, peakProfit),
			}
		}
	}

	if p.cfg.TimeStopAfter > 0 && !tr.EntryFilledAt.IsZero() {
		age := now.Sub(tr.EntryFilledAt)
		if age >= p.cfg.TimeStopAfter.Std() && profitPts < tr.MinGreenPts {
			return Action{
				Kind:   ActionExit,
				Reason: fmt.Sprintf("flat after %s, profit %.2f pts below charges", age.Truncate(time.Second), profitPts),
			}
		}
	}

	if !tr.BELocked && tr.MinGreenPts > 0 && profitPts >= p.cfg.BELockCostMult*tr.MinGreenPts {
		be := tr.EntryPrice + dir*(tr.MinGreenPts+float64(p.stops.BEBufferTicks)*tick)
		be = util.RoundToTick(be, tick)
		if p.improves(tr, be, dir, tick) {
			return Action{Kind: ActionMoveSL, NewStop: be, Reason: "breakeven lock"}
		}
	}

	if trailArmed && atr > 0 && p.cfg.TrailATRMult > 0 {
		trail := tr.PeakLtp - dir*p.cfg.TrailATRMult*atr
		trail = util.RoundToTick(trail, tick)
		if p.improves(tr, trail, dir, tick) {
			return Action{
				Kind:    ActionMoveSL,
				NewStop: trail,
				Reason:  fmt.Sprintf("atr trail %.2f off peak %.2f", p.cfg.TrailATRMult*atr, tr.PeakLtp),
			}
		}
	}

	return Action{}
}

// improves requires the proposal to tighten the stop by at least one
// tick; equal or looser stops are dropped to avoid modify churn.
func (p *Planner) improves(tr *models.Trade, proposed, dir, tick float64) bool {
	if proposed <= 0 || !tr.SLImprovesOrEqual(proposed) {
		return false
	}
	if tr.StopLoss == 0 {
		return true
	}
	return dir*(proposed-tr.StopLoss) >= tick-1e-9
}
