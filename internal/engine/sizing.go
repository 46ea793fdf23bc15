package engine

import (
	"fmt"
	"math"

	"tradexec/internal/models"
	"tradexec/internal/util"
)

// sizing is the result of quantity normalization for an accepted signal.
type sizing struct {
	qty      int
	lots     int
	stopLoss float64 // possibly tightened by the stop-loss fitter
	riskPts  float64
	riskInr  float64
	fitted   bool
}

// blockError is a sizing or gate refusal with a stable decision code.
type blockError struct {
	code   string
	detail string
}

func (e *blockError) Error() string { return e.code + ": " + e.detail }

func block(code, format string, args ...interface{}) *blockError {
	return &blockError{code: code, detail: fmt.Sprintf(format, args...)}
}

// deriveStopLoss fills in a stop when the signal does not carry one.
// Options use the configured percent/points mode; futures and equity
// fall back to the signal candle's range.
func (e *Engine) deriveStopLoss(sig models.Signal, inst models.Instrument, entry float64, isOption bool) float64 {
	if sig.StopLoss > 0 {
		return sig.StopLoss
	}
	var dist float64
	if isOption {
		switch e.cfg.Options.SLMode {
		case "POINTS":
			dist = e.cfg.Options.SLPoints
		default: // PCT
			dist = entry * e.cfg.Options.StopPct / 100
		}
	} else {
		dist = sig.Candle.Range()
	}
	if dist <= 0 {
		return 0
	}
	if sig.Side == models.SideBuy {
		return util.RoundToTick(entry-dist, inst.TickSize)
	}
	return util.RoundToTick(entry+dist, inst.TickSize)
}

// checkStopQuality validates the stop against the side, the minimum
// tick distance and the maximum percent distance.
func (e *Engine) checkStopQuality(side models.Side, entry, stop float64, inst models.Instrument) error {
	if stop <= 0 {
		return block("SL_MISSING", "no stop loss derivable for signal")
	}
	if side == models.SideBuy && stop >= entry {
		return block("SL_ILLOGICAL", "buy stop %.2f not below entry %.2f", stop, entry)
	}
	if side == models.SideSell && stop <= entry {
		return block("SL_ILLOGICAL", "sell stop %.2f not above entry %.2f", stop, entry)
	}
	dist := math.Abs(entry - stop)
	if minDist := float64(e.cfg.Stops.MinSLTicks) * inst.TickSize; dist < minDist {
		return block("SL_TOO_TIGHT", "stop %.2f pts away, minimum %.2f", dist, minDist)
	}
	if maxPct := e.cfg.Stops.MaxSLPctAway; maxPct > 0 && entry > 0 {
		if dist/entry*100 > maxPct {
			return block("SL_TOO_WIDE", "stop %.1f%% away, maximum %.1f%%", dist/entry*100, maxPct)
		}
	}
	return nil
}

// sizePosition converts the per-trade risk budget into a lot-normalized
// quantity and enforces the post-normalization risk cap. When the cap
// cannot fit even one lot under FORCE_ONE_LOT, the stop-loss fitter
// tightens the stop toward entry before giving up.
func (e *Engine) sizePosition(side models.Side, entry, stop float64, inst models.Instrument) (*sizing, error) {
	perUnit := math.Abs(entry - stop)
	if perUnit <= 0 {
		return nil, block("SL_MISSING", "zero per-unit risk")
	}
	lotSize := inst.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}
	riskCap := e.cfg.Risk.RiskPerTradeInr

	rawQty := int(riskCap / perUnit)
	lots := rawQty / lotSize
	if lots < 1 {
		if e.cfg.Risk.LotPolicy != "FORCE_ONE_LOT" {
			return nil, block("LOT_RISK_CAP_BLOCK",
				"risk %.0f fits %d units, below one lot of %d", riskCap, rawQty, lotSize)
		}
		lots = 1
	}

	if inst.FreezeQty > 0 {
		if maxLots := inst.FreezeQty / lotSize; maxLots >= 1 && lots > maxLots {
			lots = maxLots
		}
	}

	s := &sizing{stopLoss: stop}
	if e.cfg.Risk.LotRiskCapEnforce {
		eps := 1 + e.cfg.Risk.LotRiskCapEpsPct/100
		for lots > 1 && perUnit*float64(lots*lotSize) > riskCap*eps {
			lots--
		}
		if perUnit*float64(lots*lotSize) > riskCap*eps {
			// One lot still busts the cap: tighten the stop so one-lot
			// risk fits, or block.
			fitted, ok := e.fitStop(side, entry, inst, riskCap*eps/float64(lotSize))
			if !ok {
				return nil, block("LOT_RISK_CAP_BLOCK",
					"one lot risks %.0f against cap %.0f and the stop cannot be tightened",
					perUnit*float64(lotSize), riskCap)
			}
			s.stopLoss = fitted
			s.fitted = true
			perUnit = math.Abs(entry - fitted)
		}
	}

	s.lots = lots
	s.qty = lots * lotSize
	s.riskPts = perUnit
	s.riskInr = perUnit * float64(s.qty)
	return s, nil
}

// fitStop moves the stop toward entry until per-unit risk fits the
// budget, keeping at least the minimum tick distance.
func (e *Engine) fitStop(side models.Side, entry float64, inst models.Instrument, maxPerUnit float64) (float64, bool) {
	minDist := float64(e.cfg.Stops.MinSLTicks) * inst.TickSize
	if maxPerUnit < minDist {
		return 0, false
	}
	dist := util.FloorToTick(maxPerUnit, inst.TickSize)
	if dist < minDist {
		return 0, false
	}
	if side == models.SideBuy {
		return util.RoundToTick(entry-dist, inst.TickSize), true
	}
	return util.RoundToTick(entry+dist, inst.TickSize), true
}

// plannedTarget derives the take-profit from the risk distance and the
// configured reward ratio.
func (e *Engine) plannedTarget(side models.Side, entry, riskPts float64, inst models.Instrument) float64 {
	if e.cfg.Stops.RRTarget <= 0 || riskPts <= 0 {
		return 0
	}
	if side == models.SideBuy {
		return util.RoundToTick(entry+e.cfg.Stops.RRTarget*riskPts, inst.TickSize)
	}
	return util.RoundToTick(entry-e.cfg.Stops.RRTarget*riskPts, inst.TickSize)
}

// tp1Split computes the scale-out quantities. Both legs must be whole
// lots; trades that cannot split cleanly run a single target.
func (e *Engine) tp1Split(qty, lotSize int) (tp1Qty, runnerQty int) {
	if !e.cfg.Stops.TP1Enabled || lotSize <= 0 {
		return 0, qty
	}
	lots := qty / lotSize
	if lots < 2 {
		return 0, qty
	}
	tp1Lots := int(math.Round(float64(lots) * e.cfg.Stops.TP1QtyPct / 100))
	if tp1Lots < 1 {
		tp1Lots = 1
	}
	if tp1Lots >= lots {
		tp1Lots = lots - 1
	}
	return tp1Lots * lotSize, (lots - tp1Lots) * lotSize
}
