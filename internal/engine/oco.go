package engine

import (
	"fmt"

	"tradexec/internal/broker"
	"tradexec/internal/models"
	"tradexec/internal/util"
)

// onSLUpdate applies stop-loss postbacks. A fill closes the trade and
// cancels the sibling; any failure of this leg is fatal for the trade.
func (e *Engine) onSLUpdate(tr *models.Trade, o broker.Order, expectedCancel bool) {
	switch o.Status {
	case broker.StatusComplete:
		if e.detectDoubleFill(tr, o) {
			return
		}
		e.sched.cancel(taskSLWatchdog, tr.ID)
		e.cancelSiblings(tr, o.OrderID, "oco: sl filled")
		e.settleExit(tr, o, models.RoleSL, models.StatusExitedSL, "SL | FILLED")

	case broker.StatusRejected:
		e.guardFail(tr, fmt.Sprintf("SL_REJECTED | %s", o.StatusMessage))

	case broker.StatusCancelled:
		if !expectedCancel && tr.IsActive() && tr.LiveQty() > 0 {
			e.guardFail(tr, "SL_CANCELLED_UNEXPECTEDLY")
		}
	}
}

// onTargetUpdate applies take-profit postbacks. A margin rejection of
// the rest order degrades to a virtual target instead of failing the
// trade.
func (e *Engine) onTargetUpdate(tr *models.Trade, o broker.Order, expectedCancel bool) {
	switch o.Status {
	case broker.StatusComplete:
		if e.detectDoubleFill(tr, o) {
			return
		}
		e.sched.cancel(taskTargetWatchdog, tr.ID)
		e.cancelSiblings(tr, o.OrderID, "oco: target filled")
		e.settleExit(tr, o, models.RoleTarget, models.StatusExitedTarget, "TARGET | FILLED")

	case broker.StatusRejected:
		e.logger.Printf("engine: target rejected on trade %s (%s), switching to virtual target",
			util.ShortID(tr.ID), o.StatusMessage)
		if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
			t.TargetVirtual = true
			t.TargetOrderID = ""
			if t.TargetPrice == 0 {
				t.TargetPrice = t.PlannedTargetPrice
			}
			t.RecordEvent("TARGET_VIRTUAL", e.now(), map[string]interface{}{"message": o.StatusMessage})
			return nil
		}); err != nil {
			e.logger.Printf("engine: switching to virtual target: %v", err)
		}

	case broker.StatusCancelled:
		if !expectedCancel && tr.IsActive() && tr.LiveQty() > 0 {
			// Someone cancelled our rest target; clear the reference so
			// the reconciler re-places it.
			if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.TargetOrderID = ""
				return nil
			}); err != nil {
				e.logger.Printf("engine: clearing cancelled target: %v", err)
			}
			e.scheduleDebouncedReconcile()
		}
	}
}

// onTP1Update applies scale-out postbacks. Partial TP1 fills cancel the
// remainder; any fill shrinks the runner and locks breakeven on it.
func (e *Engine) onTP1Update(tr *models.Trade, o broker.Order, expectedCancel bool) {
	switch o.Status {
	case broker.StatusComplete, broker.StatusPartial:
		if o.FilledQuantity <= 0 {
			return
		}
		if o.Status == broker.StatusPartial {
			e.cancelLeg(tr, o.OrderID, "tp1 partial, runner absorbs remainder")
		}
		e.applyTP1Fill(tr, o)

	case broker.StatusRejected, broker.StatusLapsed:
		e.abortTP1(tr, string(o.Status))

	case broker.StatusCancelled:
		if !expectedCancel {
			e.abortTP1(tr, "CANCELLED")
		}
	}
}

// applyTP1Fill books the scale-out leg, shrinks the trade to its runner
// quantity, resizes the stop and moves it to breakeven.
func (e *Engine) applyTP1Fill(tr *models.Trade, o broker.Order) {
	filled := o.FilledQuantity - tr.TP1FilledQty
	if filled <= 0 {
		return
	}
	pnl := legPnl(tr, filled, o.AveragePrice)
	updated, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.TP1FilledQty += filled
		t.Qty -= filled
		if o.Status == broker.StatusComplete {
			t.TP1Done = true
		}
		t.PnlLegs = append(t.PnlLegs, models.PnlLeg{
			Role: models.RoleTP1, Qty: filled, Price: o.AveragePrice, PnlInr: pnl, FilledAt: e.now(),
		})
		t.RecordEvent("TP1_FILLED", e.now(), map[string]interface{}{
			"qty": filled, "avg": o.AveragePrice, "runner": t.Qty,
		})
		return nil
	})
	if err != nil {
		e.logger.Printf("engine: booking tp1 fill: %v", err)
		return
	}
	e.logger.Printf("engine: tp1 filled %d @ %.2f on trade %s, runner %d, locking breakeven",
		filled, o.AveragePrice, util.ShortID(updated.ID), updated.Qty)

	be := e.breakevenStop(updated)
	if err := e.moveStop(updated, be, updated.Qty, "tp1 breakeven lock"); err != nil {
		e.guardFail(updated, fmt.Sprintf("SL_RESIZE_FAILED | %v", err))
		return
	}
	if _, err := e.updateTrade(updated.ID, func(t *models.Trade) error {
		t.BELocked = true
		return nil
	}); err != nil {
		e.logger.Printf("engine: marking BE lock: %v", err)
	}
}

// abortTP1 marks the scale-out leg dead and restores the single-target
// plan by resizing the rest target to the full quantity.
func (e *Engine) abortTP1(tr *models.Trade, why string) {
	e.logger.Printf("engine: tp1 aborted on trade %s (%s)", util.ShortID(tr.ID), why)
	updated, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.TP1Aborted = true
		t.TP1OrderID = ""
		t.RecordEvent("TP1_ABORTED", e.now(), map[string]interface{}{"why": why})
		return nil
	})
	if err != nil {
		e.logger.Printf("engine: aborting tp1: %v", err)
		return
	}
	if updated.TargetOrderID != "" && updated.RunnerQty > 0 && updated.Qty > updated.RunnerQty {
		if err := e.admitOrder(false); err == nil {
			if err := e.broker.ModifyOrder(e.ctx, e.cfg.Orders.DefaultVariety, updated.TargetOrderID,
				broker.ModifyParams{Quantity: updated.Qty}); err != nil && broker.KindOf(err) != broker.KindNotModified {
				e.logger.Printf("engine: resizing target after tp1 abort: %v", err)
			}
		}
	}
}

// breakevenStop computes "true breakeven": entry plus the per-unit fee
// share plus the configured tick buffer, in the profit direction.
func (e *Engine) breakevenStop(tr *models.Trade) float64 {
	tick := tr.Instrument.TickSize
	buffer := tr.MinGreenPts + float64(e.cfg.Stops.BEBufferTicks)*tick
	if tr.Side == models.SideBuy {
		return util.RoundToTick(tr.EntryPrice+buffer, tick)
	}
	return util.RoundToTick(tr.EntryPrice-buffer, tick)
}

// detectDoubleFill checks whether a COMPLETE on an exit leg arrived
// after the trade was already closed by its sibling. That means both
// OCO legs filled: the position is now inverted at the broker. Engage
// the kill switch, panic-exit the residual and halt everything else.
func (e *Engine) detectDoubleFill(tr *models.Trade, o broker.Order) bool {
	if !tr.Status.IsTerminal() || tr.ExitOrderID == o.OrderID {
		return false
	}
	e.logger.Printf("engine: CRITICAL oco double fill on trade %s: %s completed after exit by %s",
		util.ShortID(tr.ID), o.OrderID, tr.ExitOrderID)
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.OCODoubleFillDetectedAt = e.now()
		t.RecordEvent("OCO_DOUBLE_FILL", e.now(), map[string]interface{}{"order_id": o.OrderID})
		return nil
	}); err != nil {
		e.logger.Printf("engine: recording double fill: %v", err)
	}
	e.risk.Kill("oco double fill on trade " + util.ShortID(tr.ID))
	e.halt("oco double fill")
	e.panicExitTrade(tr, "OCO_DOUBLE_FILL", true)
	return true
}

// cancelSiblings cancels every working exit leg except the one that
// filled, marking each as an expected cancel.
func (e *Engine) cancelSiblings(tr *models.Trade, exceptOrderID, why string) {
	for _, orderID := range []string{tr.SLOrderID, tr.TargetOrderID, tr.TP1OrderID} {
		if orderID == "" || orderID == exceptOrderID {
			continue
		}
		e.cancelLeg(tr, orderID, why)
	}
}

// cancelLeg cancels one order with the expected-cancel marker set. The
// cancel path records against the rate budget but is never refused by
// it; cancels are part of getting flat.
func (e *Engine) cancelLeg(tr *models.Trade, orderID, why string) {
	e.expectCancel(orderID, why)
	if err := e.admitOrder(true); err != nil {
		return
	}
	if err := e.broker.CancelOrder(e.ctx, e.cfg.Orders.DefaultVariety, orderID); err != nil {
		switch broker.KindOf(err) {
		case broker.KindNotCancellable:
			e.logger.Printf("engine: order %s not cancellable yet (%s), leaving marker", orderID, why)
		default:
			e.logger.Printf("engine: cancelling %s (%s): %v", orderID, why, err)
		}
	}
}

// settleExit books the exit leg's P&L, advances the trade through its
// exit status to CLOSED, and releases the risk registry entry.
func (e *Engine) settleExit(tr *models.Trade, o broker.Order, role models.OrderRole,
	exitStatus models.TradeStatus, closeReason string) {

	qty := o.FilledQuantity
	if qty <= 0 {
		qty = tr.LiveQty()
	}
	price := o.AveragePrice
	pnl := legPnl(tr, qty, price)

	updated, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.ExitPrice = price
		t.ExitOrderID = o.OrderID
		t.ExitOrderRole = role
		t.ExitAt = e.now()
		t.Status = exitStatus
		t.ExitReason = closeReason
		if exitStatus == models.StatusClosed {
			t.CloseReason = closeReason
			t.ClosedAt = e.now()
		}
		t.PnlLegs = append(t.PnlLegs, models.PnlLeg{
			Role: role, Qty: qty, Price: price, PnlInr: pnl, FilledAt: e.now(),
		})
		e.bookExitSlippage(t, role, price, qty)
		t.RecordEvent("EXIT_FILLED", e.now(), map[string]interface{}{
			"role": string(role), "qty": qty, "avg": price,
		})
		return nil
	})
	if err != nil {
		e.logger.Printf("engine: settling exit on trade %s: %v", util.ShortID(tr.ID), err)
		return
	}
	if updated.Status != models.StatusClosed {
		if updated, err = e.updateTrade(updated.ID, func(t *models.Trade) error {
			t.Status = models.StatusClosed
			t.CloseReason = closeReason
			t.ClosedAt = e.now()
			return nil
		}); err != nil {
			e.logger.Printf("engine: closing trade: %v", err)
			return
		}
	}
	e.risk.RecordClose(updated.InstrumentToken, updated.RealizedPnl())
	e.logger.Printf("engine: trade %s closed (%s) realized=%.2f", util.ShortID(updated.ID),
		closeReason, updated.RealizedPnl())
}

// bookExitSlippage records exit slippage against the leg's planned
// price, inside the settle patch.
func (e *Engine) bookExitSlippage(t *models.Trade, role models.OrderRole, price float64, qty int) {
	var planned float64
	switch role {
	case models.RoleSL:
		planned = t.StopLoss
	case models.RoleTarget:
		planned = t.TargetPrice
		if planned == 0 {
			planned = t.PlannedTargetPrice
		}
	default:
		return
	}
	if planned <= 0 || price <= 0 {
		return
	}
	adverse := planned - price
	if t.Side == models.SideSell {
		adverse = -adverse
	}
	t.ExitSlippageBps = util.Bps(adverse, planned)
	t.ExitSlippageInr = adverse * float64(qty)
}

// guardFail is the fatal path for a broken protective leg: mark the
// trade GUARD_FAILED, engage the kill switch and panic-exit.
func (e *Engine) guardFail(tr *models.Trade, why string) {
	e.logger.Printf("engine: CRITICAL guard failure on trade %s: %s", util.ShortID(tr.ID), why)
	updated, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.Status = models.StatusGuardFailed
		t.ExitReason = why
		t.RecordEvent("GUARD_FAILED", e.now(), map[string]interface{}{"why": why})
		return nil
	})
	if err != nil {
		e.logger.Printf("engine: marking guard failure: %v", err)
		updated = tr
	}
	e.risk.Kill(why)
	e.panicExitTrade(updated, "GUARD_FAILED", true)
}

// legPnl computes one exit leg's realized P&L in INR.
func legPnl(tr *models.Trade, qty int, price float64) float64 {
	if tr.EntryPrice == 0 || price <= 0 || qty <= 0 {
		return 0
	}
	diff := price - tr.EntryPrice
	if tr.Side == models.SideSell {
		diff = -diff
	}
	return diff * float64(qty)
}
