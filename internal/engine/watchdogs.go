package engine

import (
	"fmt"

	"tradexec/internal/broker"
	"tradexec/internal/models"
	"tradexec/internal/util"
)

// orderState returns the freshest known state of an order: the last
// postback if one was seen, else the tail of the broker's order history.
func (e *Engine) orderState(orderID string) (broker.Order, bool) {
	if o, ok := e.lastOrderByID[orderID]; ok {
		return o, true
	}
	history, err := e.broker.GetOrderHistory(e.ctx, orderID)
	if err != nil || len(history) == 0 {
		return broker.Order{}, false
	}
	o := history[len(history)-1]
	o.Normalize()
	e.lastOrderByID[orderID] = o
	return o, true
}

// entryLimitTimeout fires when a limit entry has rested unfilled past
// the configured window. Zero fills convert to a market entry exactly
// once; any partial fill just cancels the remainder and lets the
// CANCELLED postback protect what filled.
func (e *Engine) entryLimitTimeout(tradeID string) {
	tr, err := e.store.GetTrade(tradeID)
	if err != nil {
		return
	}
	if tr.Status != models.StatusEntryPlaced && tr.Status != models.StatusEntryOpen {
		return
	}
	if tr.EntryOrderID == "" {
		return
	}
	o, known := e.orderState(tr.EntryOrderID)
	if known && !o.Status.IsWorking() {
		return
	}
	filled := 0
	if known {
		filled = o.FilledQuantity
	}

	e.logger.Printf("engine: entry limit timed out on trade %s (filled %d/%d)",
		util.ShortID(tr.ID), filled, tr.Qty)
	e.expectCancel(tr.EntryOrderID, "entry limit timeout")
	if err := e.admitOrder(true); err != nil {
		return
	}
	if err := e.broker.CancelOrder(e.ctx, e.cfg.Orders.DefaultVariety, tr.EntryOrderID); err != nil {
		if broker.KindOf(err) == broker.KindNotCancellable {
			// Filled or already dead under us; the postback settles it.
			return
		}
		e.logger.Printf("engine: cancelling timed-out entry %s: %v", tr.EntryOrderID, err)
		return
	}
	if filled > 0 {
		// The cancel postback carries the partial; exits get sized there.
		return
	}

	// Market fallback, once. The timeout task never re-arms for this
	// trade, so a second conversion cannot happen.
	if err := e.admitOrder(false); err != nil {
		e.failEntry(tr, "RATE_LIMIT", err)
		return
	}
	params := broker.OrderParams{
		Exchange:        tr.Instrument.Exchange,
		Tradingsymbol:   tr.Instrument.Tradingsymbol,
		TransactionType: string(tr.Side),
		Quantity:        tr.Qty,
		Product:         string(tr.Product),
		OrderType:       broker.OrderTypeMarket,
		Validity:        broker.ValidityDay,
		Tag:             broker.BuildTag(tr.ID, models.RoleEntry.RoleCode()),
	}
	if e.cfg.Orders.EnforceMarketProtection {
		params.MarketProtection = e.cfg.Orders.MarketProtection
	}
	orderID, err := e.placer.Place(e.ctx, e.cfg.Orders.DefaultVariety, params)
	if err != nil {
		e.entryPlacementError(tr, err)
		return
	}
	if lerr := e.store.LinkOrder(models.OrderLink{
		OrderID: orderID, TradeID: tr.ID, Role: models.RoleEntry, CreatedAt: e.now(),
	}); lerr != nil {
		e.logger.Printf("engine: linking fallback entry %s: %v", orderID, lerr)
	}
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.EntryOrderID = orderID
		t.Status = models.StatusEntryOpen
		t.RecordEvent("ENTRY_MARKET_FALLBACK", e.now(), map[string]interface{}{
			"order_id": orderID,
		})
		return nil
	}); err != nil {
		e.logger.Printf("engine: recording entry fallback: %v", err)
	}
	e.drainOrphans(orderID)
}

// armSLWatchdog starts the stop-fill deadline once the tape has crossed
// the trigger. Re-arming while pending is a no-op so the deadline is
// measured from the first breach.
func (e *Engine) armSLWatchdog(tr *models.Trade) {
	wd := e.cfg.Watchdogs.SL
	if !wd.Enabled || tr.SLOrderID == "" {
		return
	}
	if e.sched.pending(taskSLWatchdog, tr.ID) {
		return
	}
	tradeID := tr.ID
	e.sched.schedule(taskSLWatchdog, tradeID, wd.OpenFor.Std(), func() { e.fireSLWatchdog(tradeID) })
	e.logger.Printf("engine: sl watchdog armed on trade %s (fires in %s)", util.ShortID(tradeID), wd.OpenFor.Std())
}

// disarmSLWatchdog clears the deadline when price moves back off the
// trigger before it fires.
func (e *Engine) disarmSLWatchdog(tradeID string) {
	e.sched.cancel(taskSLWatchdog, tradeID)
}

// fireSLWatchdog runs when a breached stop failed to fill inside the
// window: the stop is presumed stuck, so cancel it and exit at market.
func (e *Engine) fireSLWatchdog(tradeID string) {
	tr, err := e.store.GetTrade(tradeID)
	if err != nil || !tr.IsActive() || tr.LiveQty() == 0 {
		return
	}
	if tr.SLOrderID != "" {
		if o, ok := e.orderState(tr.SLOrderID); ok && !o.Status.IsWorking() {
			return
		}
	}
	wd := e.cfg.Watchdogs.SL
	if wd.RequireLtpBreach && !e.stopBreached(tr) {
		return
	}

	e.logger.Printf("engine: SL WATCHDOG FIRED on trade %s, stop %.2f stuck", util.ShortID(tr.ID), tr.StopLoss)
	if _, uerr := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.RecordEvent("SL_WATCHDOG_FIRED", e.now(), map[string]interface{}{
			"trigger": t.StopLoss, "order_id": t.SLOrderID,
		})
		return nil
	}); uerr != nil {
		e.logger.Printf("engine: recording sl watchdog: %v", uerr)
	}
	if wd.KillSwitchOnFire {
		e.risk.Kill("sl watchdog fired")
	}
	e.panicExitTrade(tr, "SL_WATCHDOG", false)
}

// stopBreached reports whether the last tick is at or through the stop
// trigger, padded by the configured buffer.
func (e *Engine) stopBreached(tr *models.Trade) bool {
	tick, ok := e.lastTick[tr.InstrumentToken]
	if !ok || tr.StopLoss <= 0 {
		return false
	}
	buf := util.FromBps(e.cfg.Watchdogs.SL.TriggerBpsBuffer, tr.StopLoss)
	if tr.Side == models.SideBuy {
		return tick.LastPrice <= tr.StopLoss+buf
	}
	return tick.LastPrice >= tr.StopLoss-buf
}

// armTargetWatchdog starts the target-fill deadline once the tape has
// traded through the target price.
func (e *Engine) armTargetWatchdog(tr *models.Trade) {
	wd := e.cfg.Watchdogs.Target
	if !wd.Enabled || tr.TargetOrderID == "" {
		return
	}
	if e.sched.pending(taskTargetWatchdog, tr.ID) {
		return
	}
	tradeID := tr.ID
	e.sched.schedule(taskTargetWatchdog, tradeID, wd.OpenFor.Std(), func() { e.fireTargetWatchdog(tradeID) })
}

func (e *Engine) disarmTargetWatchdog(tradeID string) {
	e.sched.cancel(taskTargetWatchdog, tradeID)
}

// fireTargetWatchdog handles a target limit the tape traded through
// without filling: nudge the price toward the market up to the retry
// budget, then give up and take the exit at market.
func (e *Engine) fireTargetWatchdog(tradeID string) {
	tr, err := e.store.GetTrade(tradeID)
	if err != nil || !tr.IsActive() || tr.LiveQty() == 0 || tr.TargetOrderID == "" {
		return
	}
	if o, ok := e.orderState(tr.TargetOrderID); ok && !o.Status.IsWorking() {
		return
	}
	if !e.targetTouched(tr) {
		return
	}

	wd := e.cfg.Watchdogs.Target
	nudges := e.targetNudges[tr.ID]
	if nudges < wd.Retries {
		e.targetNudges[tr.ID] = nudges + 1
		if err := e.nudgeTarget(tr); err != nil {
			e.logger.Printf("engine: target nudge %d failed on trade %s: %v",
				nudges+1, util.ShortID(tr.ID), err)
		}
		tradeID := tr.ID
		e.sched.schedule(taskTargetWatchdog, tradeID, wd.OpenFor.Std(), func() { e.fireTargetWatchdog(tradeID) })
		return
	}

	e.logger.Printf("engine: target watchdog exhausted on trade %s, taking market exit", util.ShortID(tr.ID))
	e.cancelLeg(tr, tr.TargetOrderID, "target watchdog exhausted")
	if err := e.placeMarketExit(tr, models.RoleTarget, tr.LiveQty(), false); err != nil {
		e.guardFail(tr, fmt.Sprintf("TARGET_WATCHDOG_EXIT_FAILED | %v", err))
	}
}

// targetTouched reports whether the tape is at or through the target.
func (e *Engine) targetTouched(tr *models.Trade) bool {
	tick, ok := e.lastTick[tr.InstrumentToken]
	if !ok || tr.TargetPrice <= 0 {
		return false
	}
	buf := util.FromBps(e.cfg.Watchdogs.Target.TriggerBpsBuffer, tr.TargetPrice)
	if tr.Side == models.SideBuy {
		return tick.LastPrice >= tr.TargetPrice-buf
	}
	return tick.LastPrice <= tr.TargetPrice+buf
}

// nudgeTarget modifies the resting target one step toward the touch so
// it can fill instead of sitting behind the queue.
func (e *Engine) nudgeTarget(tr *models.Trade) error {
	quote, err := e.fetchQuote(tr.Instrument)
	if err != nil {
		return err
	}
	tick := tr.Instrument.TickSize
	var price float64
	if tr.Side == models.SideBuy {
		// Exit sells; step down toward the bid.
		price = util.RoundToTick(tr.TargetPrice-tick, tick)
		if bid := quote.BestBid(); bid > 0 && price < bid {
			price = bid
		}
	} else {
		price = util.RoundToTick(tr.TargetPrice+tick, tick)
		if ask := quote.BestAsk(); ask > 0 && price > ask {
			price = ask
		}
	}
	if err := e.admitOrder(false); err != nil {
		return err
	}
	if err := e.broker.ModifyOrder(e.ctx, e.cfg.Orders.DefaultVariety, tr.TargetOrderID,
		broker.ModifyParams{Price: price}); err != nil {
		if broker.KindOf(err) != broker.KindNotModified {
			return err
		}
	}
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.TargetPrice = price
		t.RecordEvent("TARGET_NUDGED", e.now(), map[string]interface{}{"price": price})
		return nil
	}); err != nil {
		return err
	}
	return nil
}
