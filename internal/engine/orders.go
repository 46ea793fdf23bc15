package engine

import (
	"errors"
	"fmt"
	"strings"

	"tradexec/internal/broker"
	"tradexec/internal/models"
	"tradexec/internal/risk"
	"tradexec/internal/storage"
	"tradexec/internal/util"
)

// handleOrderUpdate is the broker postback handler. It snapshots the
// order, drops post-terminal regressions, resolves the order link
// (queueing orphans), consumes expected cancels and dispatches by role.
func (e *Engine) handleOrderUpdate(o broker.Order) {
	if o.Status == "" {
		o.Normalize()
	}

	if prev, ok := e.lastOrderByID[o.OrderID]; ok {
		if prev.Status.IsTerminal() && broker.StatusRank(o.Status) < broker.StatusRank(prev.Status) {
			e.logger.Printf("engine: dropping regressed postback for %s: %s after terminal %s",
				o.OrderID, o.Status, prev.Status)
			return
		}
		if prev.Status.IsTerminal() && o.Status == prev.Status && o.FilledQuantity <= prev.FilledQuantity {
			// Duplicate delivery of a terminal state; already dispatched.
			return
		}
	}
	e.lastOrderByID[o.OrderID] = o

	link, err := e.store.FindLinkByOrder(o.OrderID)
	if err != nil {
		if !errors.Is(err, storage.ErrLinkNotFound) {
			e.logger.Printf("engine: link lookup for %s: %v", o.OrderID, err)
			return
		}
		link = e.matchBrokerSquareoff(o)
		if link == nil {
			e.queueOrphan(o)
			return
		}
	}

	e.orderLog(o, link.TradeID, link.Role, "POSTBACK", o.StatusMessage)
	e.snapshotOrder(link.TradeID, o, link.Role)

	tr, err := e.store.GetTrade(link.TradeID)
	if err != nil {
		e.logger.Printf("engine: postback for %s but trade %s not found: %v", o.OrderID, link.TradeID, err)
		return
	}

	expectedWhy, expected := "", false
	if o.Status == broker.StatusCancelled {
		expectedWhy, expected = e.consumeExpectedCancel(o.OrderID)
		if expected {
			e.logger.Printf("engine: expected cancel confirmed for %s (%s) on trade %s",
				o.OrderID, expectedWhy, util.ShortID(tr.ID))
		}
	}

	switch link.Role {
	case models.RoleEntry:
		e.onEntryUpdate(tr, o, expected)
	case models.RoleSL:
		e.onSLUpdate(tr, o, expected)
	case models.RoleTarget:
		e.onTargetUpdate(tr, o, expected)
	case models.RoleTP1:
		e.onTP1Update(tr, o, expected)
	case models.RolePanicExit:
		e.onPanicExitUpdate(tr, o)
	case models.RoleBrokerSquareoff:
		e.onSquareoffUpdate(tr, o)
	}

	if e.cfg.Reconcile.OnOrderUpdate {
		e.scheduleDebouncedReconcile()
	}
}

// snapshotOrder upserts the live-order snapshot used for restart
// hydration and regression detection.
func (e *Engine) snapshotOrder(tradeID string, o broker.Order, role models.OrderRole) {
	if err := e.store.UpsertLiveOrderSnapshot(tradeID, o.OrderID, models.SnapshotEntry{
		Order: o, Status: o.Status, Role: role, Source: "postback", SeenAt: e.now(),
	}); err != nil {
		e.logger.Printf("engine: snapshotting order %s: %v", o.OrderID, err)
	}
}

// queueOrphan stores a postback whose link does not exist yet; it is
// replayed when the link appears or dead-lettered by the reconciler.
func (e *Engine) queueOrphan(o broker.Order) {
	e.orderLog(o, "", "", "ORPHAN_QUEUED", o.StatusMessage)
	if err := e.store.SaveOrphanOrderUpdate(models.OrphanOrderUpdate{
		OrderID: o.OrderID, Update: o, CreatedAt: e.now(),
	}); err != nil {
		e.logger.Printf("engine: queueing orphan postback %s: %v", o.OrderID, err)
	}
}

// drainOrphans replays queued postbacks for an order whose link now
// exists. Called right after linkOrder.
func (e *Engine) drainOrphans(orderID string) {
	orphans := e.store.PopOrphanOrderUpdates(orderID)
	if len(orphans) == 0 {
		return
	}
	// The queued update was already cached when it first arrived; clear
	// the cache so the replay is not dropped as a duplicate terminal.
	delete(e.lastOrderByID, orderID)
	for _, orphan := range orphans {
		e.logger.Printf("engine: replaying orphan postback for %s (%s)", orderID, orphan.Update.Status)
		e.handleOrderUpdate(orphan.Update)
	}
}

// matchBrokerSquareoff heuristically attributes an unlinked COMPLETE
// order to the active trade when it looks like the broker's own
// intraday square-off: same contract, opposite direction, full live
// quantity, and not one of our tags.
func (e *Engine) matchBrokerSquareoff(o broker.Order) *models.OrderLink {
	tr := e.active
	if tr == nil || o.Status != broker.StatusComplete {
		return nil
	}
	if broker.TagMatchesTrade(o.Tag, tr.ID) {
		return nil
	}
	if o.Tradingsymbol != tr.Instrument.Tradingsymbol || o.Exchange != tr.Instrument.Exchange {
		return nil
	}
	if models.Side(o.TransactionType) != tr.Side.Opposite() {
		return nil
	}
	if o.FilledQuantity != tr.LiveQty() || tr.LiveQty() == 0 {
		return nil
	}
	link := models.OrderLink{
		OrderID: o.OrderID, TradeID: tr.ID, Role: models.RoleBrokerSquareoff, CreatedAt: e.now(),
	}
	if err := e.store.LinkOrder(link); err != nil {
		e.logger.Printf("engine: linking square-off order %s: %v", o.OrderID, err)
		return nil
	}
	e.logger.Printf("engine: unlinked order %s matched as broker square-off of trade %s",
		o.OrderID, util.ShortID(tr.ID))
	return &link
}

// onEntryUpdate applies entry postbacks: book progression, partial
// fills, the full fill that arms the protective legs, and failures.
func (e *Engine) onEntryUpdate(tr *models.Trade, o broker.Order, expectedCancel bool) {
	switch o.Status {
	case broker.StatusOpen, broker.StatusTriggerPending, broker.StatusModifyPending:
		if tr.Status == models.StatusEntryPlaced {
			if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.Status = models.StatusEntryOpen
				t.RecordEvent("ENTRY_OPEN", e.now(), nil)
				return nil
			}); err != nil {
				e.logger.Printf("engine: entry open transition: %v", err)
			}
		}

	case broker.StatusPartial:
		if o.FilledQuantity <= 0 {
			return
		}
		updated, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
			t.Qty = o.FilledQuantity
			t.EntryPrice = o.AveragePrice
			t.Status = models.StatusEntryOpen
			t.RecordEvent("ENTRY_PARTIAL", e.now(), map[string]interface{}{
				"filled": o.FilledQuantity, "avg": o.AveragePrice,
			})
			return nil
		})
		if err != nil {
			e.logger.Printf("engine: booking partial entry: %v", err)
			return
		}
		// Protect the partial immediately; a later COMPLETE resizes.
		e.placeExitsIfMissing(updated)

	case broker.StatusComplete:
		if models.IsStaleEntryFill(tr.Status) {
			e.logger.Printf("engine: dropping stale ENTRY_FILLED for trade %s (status %s)",
				util.ShortID(tr.ID), tr.Status)
			return
		}
		e.sched.cancel(taskEntryTimeout, tr.ID)
		updated, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
			t.Qty = o.FilledQuantity
			t.EntryPrice = o.AveragePrice
			t.EntryFilledAt = e.now()
			t.Status = models.StatusEntryFilled
			t.PeakLtp = o.AveragePrice
			t.EntryFinalized = true
			t.RecordEvent("ENTRY_FILLED", e.now(), map[string]interface{}{
				"qty": o.FilledQuantity, "avg": o.AveragePrice,
			})
			return nil
		})
		if err != nil {
			e.logger.Printf("engine: booking entry fill: %v", err)
			return
		}
		e.bookEntrySlippage(updated, o.AveragePrice)
		e.risk.RecordSuccess()
		e.risk.RecordOpen(models.OpenPosition{
			Token: updated.InstrumentToken, TradeID: updated.ID, Side: updated.Side, Qty: updated.Qty,
		})
		e.placeExitsIfMissing(updated)

	case broker.StatusRejected, broker.StatusCancelled, broker.StatusLapsed:
		if o.FilledQuantity > 0 {
			// A dead order with a partial fill leaves real exposure;
			// protect it instead of failing the trade.
			updated, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.Qty = o.FilledQuantity
				t.EntryPrice = o.AveragePrice
				t.EntryFilledAt = e.now()
				t.Status = models.StatusEntryFilled
				t.EntryFinalized = true
				t.RecordEvent("ENTRY_DEAD_WITH_PARTIAL", e.now(), map[string]interface{}{
					"filled": o.FilledQuantity, "status": string(o.Status),
				})
				return nil
			})
			if err != nil {
				e.logger.Printf("engine: protecting partial after dead entry: %v", err)
				return
			}
			e.risk.RecordOpen(models.OpenPosition{
				Token: updated.InstrumentToken, TradeID: updated.ID, Side: updated.Side, Qty: updated.Qty,
			})
			e.placeExitsIfMissing(updated)
			return
		}
		if expectedCancel {
			// Entry fallback path cancelled it on purpose; that path
			// owns the next step.
			return
		}
		e.sched.cancel(taskEntryTimeout, tr.ID)
		reason := strings.TrimSpace(o.StatusMessage)
		if reason == "" {
			reason = string(o.Status)
		}
		if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
			t.Status = models.StatusEntryFailed
			t.CloseReason = fmt.Sprintf("ENTRY_FAILED | %s", o.Status)
			t.RecordEvent("ENTRY_FAILED", e.now(), map[string]interface{}{"message": reason})
			return nil
		}); err != nil {
			e.logger.Printf("engine: marking entry failed: %v", err)
			return
		}
		e.risk.RecordFailure(tokenKey(tr.InstrumentToken), reason)
		if o.Status == broker.StatusRejected {
			e.risk.CountEvent(risk.EventReject)
		}
	}
}

// bookEntrySlippage computes realized entry slippage against the
// expected price and feeds the risk feedback loop.
func (e *Engine) bookEntrySlippage(tr *models.Trade, avg float64) {
	if tr.ExpectedEntryPrice <= 0 || avg <= 0 {
		return
	}
	adverse := avg - tr.ExpectedEntryPrice
	if tr.Side == models.SideSell {
		adverse = -adverse
	}
	bps := util.Bps(adverse, tr.ExpectedEntryPrice)
	inr := adverse * float64(tr.Qty)
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.EntrySlippageBps = bps
		t.EntrySlippageInr = inr
		return nil
	}); err != nil {
		e.logger.Printf("engine: booking entry slippage: %v", err)
	}
	if bps > 0 {
		e.risk.RecordEntrySlippage(tokenKey(tr.InstrumentToken), bps)
	}
	maxBps := e.cfg.Slippage.MaxEntryBps
	if isOptionSegment(tr.Instrument.Segment) {
		maxBps = e.cfg.Slippage.MaxEntryBpsOpt
	}
	if maxBps > 0 && bps > maxBps {
		e.logger.Printf("engine: WARNING entry slippage %.1f bps over limit %.1f on trade %s",
			bps, maxBps, util.ShortID(tr.ID))
	}
}

// onPanicExitUpdate finalizes or retries the panic exit leg.
func (e *Engine) onPanicExitUpdate(tr *models.Trade, o broker.Order) {
	switch o.Status {
	case broker.StatusComplete:
		e.sched.cancel(taskPanicWatchdog, tr.ID)
		reason := tr.ExitReason
		if reason == "" {
			reason = "PANIC_EXIT"
		}
		e.settleExit(tr, o, models.RolePanicExit, models.StatusClosed, reason+" | FILLED")
	case broker.StatusRejected, broker.StatusLapsed:
		e.logger.Printf("engine: panic exit %s dead (%s) on trade %s, retrying",
			o.OrderID, o.Status, util.ShortID(tr.ID))
		e.retryPanicExit(tr.ID)
	}
}

// onSquareoffUpdate books the broker's own intraday square-off as the
// trade's exit and cancels our now-redundant protective legs.
func (e *Engine) onSquareoffUpdate(tr *models.Trade, o broker.Order) {
	if o.Status != broker.StatusComplete {
		return
	}
	e.cancelSiblings(tr, "", "broker square-off")
	e.settleExit(tr, o, models.RoleBrokerSquareoff, models.StatusClosed, "BROKER_SQUAREOFF | FILLED")
}
