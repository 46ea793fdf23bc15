package engine

import (
	"strings"

	"tradexec/internal/broker"
	"tradexec/internal/models"
	"tradexec/internal/util"
)

// panicExitTrade is the flatten-at-any-cost path: cancel every working
// leg, size the exit from the broker's own position book, and fire a
// market order that bypasses halt and rate budgets. evenIfClosed runs
// the flatten even when internal state says the trade is done, for the
// double-fill case where the book disagrees with us.
func (e *Engine) panicExitTrade(tr *models.Trade, reason string, evenIfClosed bool) {
	if !evenIfClosed && !tr.IsActive() {
		return
	}
	if !e.tryLock("panic", tr.ID) {
		return
	}
	defer e.unlock("panic", tr.ID)

	e.logger.Printf("engine: PANIC EXIT on trade %s: %s", util.ShortID(tr.ID), reason)
	e.cancelWorkingLegs(tr, "panic exit: "+reason)

	signed, known := e.brokerLiveQty(tr)
	if known && signed == 0 {
		e.logger.Printf("engine: panic exit on trade %s: broker already flat", util.ShortID(tr.ID))
		if tr.IsActive() {
			if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.Status = models.StatusClosed
				t.CloseReason = reason + " | ALREADY_FLAT"
				t.ClosedAt = e.now()
				t.RecordEvent("PANIC_EXIT_FLAT", e.now(), nil)
				return nil
			}); err != nil {
				e.logger.Printf("engine: closing already-flat trade: %v", err)
			} else {
				e.risk.RecordClose(tr.InstrumentToken, tr.RealizedPnl())
			}
		}
		return
	}
	qty, side := flattenLeg(signed, known, tr)
	if qty == 0 {
		e.logger.Printf("engine: panic exit on trade %s: no quantity to flatten", util.ShortID(tr.ID))
		return
	}

	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		if t.ExitReason == "" {
			t.ExitReason = reason
		}
		t.RecordEvent("PANIC_EXIT", e.now(), map[string]interface{}{
			"reason": reason, "qty": qty,
		})
		return nil
	}); err != nil {
		e.logger.Printf("engine: recording panic exit: %v", err)
	}

	if err := e.placeFlattenMarket(tr, models.RolePanicExit, side, qty, true); err != nil {
		e.logger.Printf("engine: CRITICAL panic exit placement failed on trade %s: %v",
			util.ShortID(tr.ID), err)
		e.retryPanicExit(tr.ID)
		return
	}
	tradeID := tr.ID
	e.sched.schedule(taskPanicWatchdog, tradeID, e.cfg.Watchdogs.PanicExitFillTimeout.Std(),
		func() { e.firePanicWatchdog(tradeID) })
}

// retryPanicExit re-fires the panic exit after a rejection, a lapse or
// a fill timeout, up to the retry budget. Exhaustion is the one place
// the engine gives up on flattening itself: halt, kill, and scream for
// an operator.
func (e *Engine) retryPanicExit(tradeID string) {
	tr, err := e.store.GetTrade(tradeID)
	if err != nil {
		return
	}
	e.panicRetries[tradeID]++
	attempt := e.panicRetries[tradeID]
	if attempt > e.cfg.Watchdogs.PanicExitMaxRetries {
		e.logger.Printf("engine: CRITICAL panic exit retries exhausted on trade %s, manual intervention required",
			util.ShortID(tradeID))
		e.risk.Kill("panic exit retries exhausted")
		e.halt("panic exit retries exhausted on trade " + util.ShortID(tradeID))
		if _, uerr := e.updateTrade(tradeID, func(t *models.Trade) error {
			t.RecordEvent("PANIC_EXIT_EXHAUSTED", e.now(), map[string]interface{}{"attempts": attempt - 1})
			return nil
		}); uerr != nil {
			e.logger.Printf("engine: recording panic exhaustion: %v", uerr)
		}
		return
	}

	e.logger.Printf("engine: panic exit retry %d/%d on trade %s",
		attempt, e.cfg.Watchdogs.PanicExitMaxRetries, util.ShortID(tradeID))
	if tr.PanicExitOrderID != "" {
		if o, ok := e.orderState(tr.PanicExitOrderID); ok && o.Status.IsWorking() {
			e.cancelLeg(tr, tr.PanicExitOrderID, "panic exit retry")
		}
	}

	signed, known := e.brokerLiveQty(tr)
	if known && signed == 0 {
		e.logger.Printf("engine: panic retry on trade %s: broker flat, standing down", util.ShortID(tradeID))
		return
	}
	qty, side := flattenLeg(signed, known, tr)
	if qty == 0 {
		return
	}
	if err := e.placeFlattenMarket(tr, models.RolePanicExit, side, qty, true); err != nil {
		e.logger.Printf("engine: panic exit retry placement failed on trade %s: %v",
			util.ShortID(tradeID), err)
	}
	e.sched.schedule(taskPanicWatchdog, tradeID, e.cfg.Watchdogs.PanicExitFillTimeout.Std(),
		func() { e.firePanicWatchdog(tradeID) })
}

// firePanicWatchdog runs when a panic exit order has not filled inside
// its window.
func (e *Engine) firePanicWatchdog(tradeID string) {
	tr, err := e.store.GetTrade(tradeID)
	if err != nil {
		return
	}
	if tr.PanicExitOrderID != "" {
		if o, ok := e.orderState(tr.PanicExitOrderID); ok && o.Status == broker.StatusComplete {
			return
		}
	}
	if qty, known := e.brokerLiveQty(tr); known && qty == 0 {
		return
	}
	e.retryPanicExit(tradeID)
}

// cancelWorkingLegs cancels every order of the trade that can still
// fill, entry included.
func (e *Engine) cancelWorkingLegs(tr *models.Trade, why string) {
	for _, orderID := range []string{tr.EntryOrderID, tr.SLOrderID, tr.TargetOrderID, tr.TP1OrderID} {
		if orderID == "" {
			continue
		}
		if o, ok := e.orderState(orderID); ok && !o.Status.IsWorking() {
			continue
		}
		e.cancelLeg(tr, orderID, why)
	}
}

// brokerLiveQty reads the broker's signed net position for the trade's
// contract. The second return is false when the position book could not
// be read, in which case callers fall back to internal state.
func (e *Engine) brokerLiveQty(tr *models.Trade) (int, bool) {
	positions, err := e.broker.GetPositions(e.ctx)
	if err != nil {
		e.logger.Printf("engine: reading positions for panic sizing: %v", err)
		return 0, false
	}
	for _, p := range positions.Net {
		if !strings.EqualFold(p.Tradingsymbol, tr.Instrument.Tradingsymbol) ||
			!strings.EqualFold(p.Exchange, tr.Instrument.Exchange) {
			continue
		}
		if p.Product != "" && !strings.EqualFold(p.Product, string(tr.Product)) {
			continue
		}
		return p.Quantity, true
	}
	return 0, true
}

// flattenLeg turns a signed broker position into the order that makes
// it flat. Without a broker read it falls back to internal state and
// the trade's own direction.
func flattenLeg(signed int, known bool, tr *models.Trade) (int, string) {
	if known {
		if signed > 0 {
			return signed, string(models.SideSell)
		}
		return -signed, string(models.SideBuy)
	}
	qty := tr.LiveQty()
	if qty == 0 {
		qty = tr.Qty
	}
	return qty, string(tr.Side.Opposite())
}
