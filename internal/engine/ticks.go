package engine

import (
	"time"

	"tradexec/internal/broker"
	"tradexec/internal/config"
	"tradexec/internal/exit"
	"tradexec/internal/models"
	"tradexec/internal/util"
)

const atrSeriesLen = 120

// handleTick folds one tick into market state and runs the tick-driven
// checks: peak tracking, watchdog arming, the virtual target, the daily
// loss brake and the session clocks.
func (e *Engine) handleTick(t models.Tick) {
	e.lastTick[t.InstrumentToken] = t

	s, ok := e.series[t.InstrumentToken]
	if !ok {
		s = exit.NewSeries(time.Minute, atrSeriesLen)
		e.series[t.InstrumentToken] = s
	}
	s.AddTick(t.LastPrice, 0, t.Timestamp)

	e.checkScheduleClocks(t.Timestamp)

	tr := e.activeOn(t.InstrumentToken)
	if tr == nil || tr.LiveQty() == 0 {
		return
	}
	ltp := t.LastPrice

	e.trackPeak(tr, ltp)
	tr = e.activeOn(t.InstrumentToken)
	if tr == nil {
		return
	}

	if tr.TargetVirtual && tr.TargetPrice > 0 && e.targetTouched(tr) {
		e.fireVirtualTarget(tr, ltp)
		return
	}

	if tr.SLOrderID != "" {
		if e.stopBreached(tr) {
			e.armSLWatchdog(tr)
		} else {
			e.disarmSLWatchdog(tr.ID)
		}
	}
	if tr.TargetOrderID != "" {
		if e.targetTouched(tr) {
			e.armTargetWatchdog(tr)
		} else {
			e.disarmTargetWatchdog(tr.ID)
		}
	}

	if e.throttled("daily_pnl", 2*time.Second) {
		state := e.risk.UpdateOpenPnl(tr.UnrealizedPnl(ltp))
		if state == models.DailyHardStop && e.cfg.Risk.AutoFlattenOnHardStop {
			e.logger.Printf("engine: daily hard stop with open position, flattening trade %s",
				util.ShortID(tr.ID))
			e.panicExitTrade(tr, "DAILY_HARD_STOP", false)
		}
	}
}

// trackPeak advances the trade's most-favorable-price watermark, which
// feeds the trail and give-back rules. Sub-tick improvements are not
// persisted: every watermark write is a full state save, and the trail
// rounds to tick anyway.
func (e *Engine) trackPeak(tr *models.Trade, ltp float64) {
	step := tr.Instrument.TickSize
	improved := false
	if tr.Side == models.SideBuy {
		improved = ltp > tr.PeakLtp && ltp-tr.PeakLtp >= step
	} else {
		improved = tr.PeakLtp == 0 || (ltp < tr.PeakLtp && tr.PeakLtp-ltp >= step)
	}
	if !improved {
		return
	}
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.PeakLtp = ltp
		return nil
	}); err != nil {
		e.logger.Printf("engine: tracking peak on trade %s: %v", util.ShortID(tr.ID), err)
	}
}

// checkScheduleClocks fires the force-flatten and EOD product
// conversion clocks. Each fires at most once per session.
func (e *Engine) checkScheduleClocks(at time.Time) {
	if !e.throttled("schedule_clocks", time.Second) {
		return
	}
	local := at.In(e.loc)

	if !e.flattenFired && e.cfg.Schedule.ForceFlattenAt != "" {
		if clock, err := config.ParseClock(e.cfg.Schedule.ForceFlattenAt); err == nil && clock.At(local) {
			e.flattenFired = true
			e.logger.Printf("engine: force flatten clock %s reached", e.cfg.Schedule.ForceFlattenAt)
			e.risk.Kill("force flatten clock")
			if tr := e.active; tr != nil && tr.IsActive() {
				e.panicExitTrade(tr, "FORCE_FLATTEN", false)
			}
		}
	}

	if !e.eodConverted && e.cfg.Schedule.EodConvertAt != "" {
		if clock, err := config.ParseClock(e.cfg.Schedule.EodConvertAt); err == nil && clock.At(local) {
			e.eodConverted = true
			e.convertToOvernight()
		}
	}
}

// convertToOvernight converts the active intraday position to the
// carry-forward product ahead of the broker's square-off sweep.
func (e *Engine) convertToOvernight() {
	tr := e.active
	if tr == nil || tr.LiveQty() == 0 || tr.Product != models.ProductMIS {
		return
	}
	positionType := "long"
	if tr.Side == models.SideSell {
		positionType = "short"
	}
	err := e.broker.ConvertPosition(e.ctx, broker.ConvertParams{
		Exchange:        tr.Instrument.Exchange,
		Tradingsymbol:   tr.Instrument.Tradingsymbol,
		TransactionType: string(tr.Side),
		Quantity:        tr.LiveQty(),
		OldProduct:      string(models.ProductMIS),
		NewProduct:      string(models.ProductNRML),
		PositionType:    positionType,
	})
	if err != nil {
		e.logger.Printf("engine: eod product conversion failed on trade %s: %v",
			util.ShortID(tr.ID), err)
		return
	}
	if _, uerr := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.Product = models.ProductNRML
		t.RecordEvent("EOD_CONVERTED", e.now(), nil)
		return nil
	}); uerr != nil {
		e.logger.Printf("engine: recording eod conversion: %v", uerr)
	}
	e.logger.Printf("engine: trade %s converted MIS -> NRML for overnight carry", util.ShortID(tr.ID))
}

// exitLoop is the periodic dynamic-exit evaluation: ask the planner,
// apply its action, re-arm.
func (e *Engine) exitLoop() {
	defer e.sched.schedule(taskExitLoop, "", e.cfg.ExitPlan.Interval.Std(), e.exitLoop)

	tr := e.active
	if tr == nil || tr.LiveQty() == 0 {
		return
	}
	tick, ok := e.lastTick[tr.InstrumentToken]
	if !ok {
		return
	}
	var atr float64
	if s := e.series[tr.InstrumentToken]; s != nil {
		atr = s.ATR(e.cfg.ExitPlan.ATRPeriod)
	}

	action := e.planner.Plan(tr, tick.LastPrice, atr, e.now())
	switch action.Kind {
	case exit.ActionMoveSL:
		if err := e.moveStop(tr, action.NewStop, tr.LiveQty(), action.Reason); err != nil {
			e.logger.Printf("engine: exit plan stop move failed on trade %s: %v",
				util.ShortID(tr.ID), err)
			return
		}
		if action.Reason == "breakeven lock" && !tr.BELocked {
			if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.BELocked = true
				return nil
			}); err != nil {
				e.logger.Printf("engine: recording breakeven lock: %v", err)
			}
		}
	case exit.ActionExit:
		e.logger.Printf("engine: exit plan flattening trade %s: %s", util.ShortID(tr.ID), action.Reason)
		e.cancelSiblings(tr, "", "exit plan: "+action.Reason)
		if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
			if t.ExitReason == "" {
				t.ExitReason = "EXIT_PLAN | " + action.Reason
			}
			return nil
		}); err != nil {
			e.logger.Printf("engine: recording exit plan reason: %v", err)
		}
		if err := e.placeMarketExit(tr, models.RoleTarget, tr.LiveQty(), false); err != nil {
			e.guardFail(tr, "EXIT_PLAN_FAILED | "+err.Error())
		}
	}
}
