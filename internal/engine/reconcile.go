package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tradexec/internal/broker"
	"tradexec/internal/models"
	"tradexec/internal/util"
)

// scheduleDebouncedReconcile coalesces postback-triggered reconciles
// into one pass per debounce window.
func (e *Engine) scheduleDebouncedReconcile() {
	if !e.cfg.Reconcile.OnOrderUpdate {
		return
	}
	if e.sched.pending(taskReconcileDebounce, "") {
		return
	}
	e.sched.schedule(taskReconcileDebounce, "", e.cfg.Reconcile.Debounce.Std(),
		func() { e.reconcile("postback") })
}

func (e *Engine) periodicReconcile() {
	e.reconcile("periodic")
	e.sched.schedule(taskReconcile, "", e.cfg.Reconcile.Interval.Std(), e.periodicReconcile)
}

// reconcile is the safety net under the postback stream: replay the
// broker's order book through the normal dispatch path, repair missing
// exit legs, then cross-check positions against internal state. The
// position book is authoritative; internal state yields to it.
func (e *Engine) reconcile(reason string) {
	if !e.tryLock("reconcile", "") {
		e.reconcileQueued = true
		return
	}
	defer func() {
		e.unlock("reconcile", "")
		if e.reconcileQueued {
			e.reconcileQueued = false
			e.scheduleDebouncedReconcile()
		}
	}()

	orders, oerr := e.broker.GetOrders(e.ctx)
	if oerr != nil {
		e.logger.Printf("engine: reconcile(%s): reading order book: %v", reason, oerr)
	} else {
		e.replayOrderBook(orders)
	}

	e.repairActiveTrades()
	e.redrainOrphans()

	if e.cfg.Reconcile.OCOPositionReconciler {
		positions, perr := e.broker.GetPositions(e.ctx)
		if perr != nil {
			e.logger.Printf("engine: reconcile(%s): reading positions: %v", reason, perr)
			return
		}
		e.checkPositions(positions)
	}
}

// replayOrderBook feeds progressed broker order states through the same
// dispatch path postbacks take, covering updates the stream dropped.
func (e *Engine) replayOrderBook(orders []broker.Order) {
	for i := range orders {
		o := orders[i]
		o.Normalize()
		prev, seen := e.lastOrderByID[o.OrderID]
		if seen {
			progressed := broker.StatusRank(o.Status) > broker.StatusRank(prev.Status) ||
				o.FilledQuantity > prev.FilledQuantity
			if !progressed {
				continue
			}
		} else if !e.ownOrder(o) {
			// Unknown order that is not ours; leave the broker's book alone.
			continue
		}
		e.handleOrderUpdate(o)
	}
}

// ownOrder reports whether the order was placed by this process or is
// linked to one of our trades.
func (e *Engine) ownOrder(o broker.Order) bool {
	if _, _, ok := broker.SplitTag(o.Tag); ok {
		return true
	}
	link, err := e.store.FindLinkByOrder(o.OrderID)
	return err == nil && link != nil
}

// repairActiveTrades re-asserts per-trade leg invariants: dead entries
// get closed, live trades get their missing exit legs back.
func (e *Engine) repairActiveTrades() {
	for _, tr := range e.store.GetActiveTrades() {
		tr := tr
		switch tr.Status {
		case models.StatusEntryPlaced, models.StatusEntryOpen:
			e.checkDeadEntry(&tr)
		default:
			if tr.LiveQty() > 0 {
				e.placeExitsIfMissing(&tr)
			}
		}
	}
}

// checkDeadEntry fails a trade whose entry order the broker no longer
// knows about and which has sat unresolved past the grace window.
func (e *Engine) checkDeadEntry(tr *models.Trade) {
	if tr.EntryOrderID == "" {
		return
	}
	if o, ok := e.orderState(tr.EntryOrderID); ok {
		if o.Status.IsWorking() || o.Status.IsTerminal() {
			// Known order; the replay path settles it.
			return
		}
	}
	placedAt := tr.EntryAt
	if placedAt.IsZero() {
		placedAt = tr.CreatedAt
	}
	if e.now().Sub(placedAt) < e.cfg.Reconcile.OCOFlatGrace.Std() {
		return
	}
	e.logger.Printf("engine: entry order %s missing from broker, failing trade %s",
		tr.EntryOrderID, util.ShortID(tr.ID))
	e.failEntry(tr, "ENTRY_ORDER_MISSING", fmt.Errorf("order %s not found at broker", tr.EntryOrderID))
}

// checkPositions runs the position-first safety checks against the
// broker's net book.
func (e *Engine) checkPositions(positions *broker.Positions) {
	netByToken := make(map[int64]broker.Position, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity != 0 {
			netByToken[p.InstrumentToken] = p
		}
	}

	covered := make(map[int64]bool)
	for _, tr := range e.store.GetActiveTrades() {
		tr := tr
		covered[tr.InstrumentToken] = true
		e.checkTradePosition(&tr, netByToken[tr.InstrumentToken])
	}

	cutoff := e.now().Add(-e.cfg.Reconcile.ClosedLookback.Std())
	for _, tr := range e.store.GetTradesClosedSince(cutoff) {
		tr := tr
		if covered[tr.InstrumentToken] {
			continue
		}
		if p, open := netByToken[tr.InstrumentToken]; open {
			covered[tr.InstrumentToken] = true
			e.logger.Printf("engine: CRITICAL broker holds %d on %s but trade %s is %s",
				p.Quantity, p.Tradingsymbol, util.ShortID(tr.ID), tr.Status)
			e.risk.Kill("position open after trade closed")
			e.halt("position open after trade closed")
			e.panicExitTrade(&tr, "POSITION_AFTER_CLOSE", true)
		}
	}

	for token, p := range netByToken {
		if covered[token] {
			continue
		}
		e.adoptOrphanPosition(token, p)
	}
}

// checkTradePosition compares one active trade against the broker's net
// position on its contract.
func (e *Engine) checkTradePosition(tr *models.Trade, p broker.Position) {
	internal := tr.SignedQty()
	brokerQty := p.Quantity

	if internal != 0 && brokerQty == 0 {
		// Flat at the broker while we think we hold. An exit fill may be
		// in flight; give the postback one grace window before declaring
		// the position lost.
		if !e.sched.pending(taskOCOFlatCheck, tr.ID) {
			tradeID := tr.ID
			e.sched.schedule(taskOCOFlatCheck, tradeID, e.cfg.Reconcile.OCOFlatGrace.Std(),
				func() { e.fireFlatCheck(tradeID) })
		}
		return
	}
	e.sched.cancel(taskOCOFlatCheck, tr.ID)

	if internal == 0 || brokerQty == internal {
		return
	}
	signFlip := (internal > 0) != (brokerQty > 0)
	overQty := abs(brokerQty) > abs(internal)
	if signFlip || overQty {
		e.logger.Printf("engine: CRITICAL position mismatch on trade %s: internal %d broker %d",
			util.ShortID(tr.ID), internal, brokerQty)
		e.risk.Kill("broker position mismatch")
		e.halt("broker position mismatch")
		e.panicExitTrade(tr, "POSITION_MISMATCH", true)
		return
	}
	// Broker holds less than we think (partial exit we missed); resize
	// internal quantity down and let the leg repair follow.
	qty := abs(brokerQty)
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.Qty = qty
		t.RecordEvent("QTY_RECONCILED", e.now(), map[string]interface{}{
			"internal": internal, "broker": brokerQty,
		})
		return nil
	}); err != nil {
		e.logger.Printf("engine: reconciling quantity on trade %s: %v", util.ShortID(tr.ID), err)
	}
}

// fireFlatCheck re-reads positions after the grace window; a trade still
// flat at the broker lost its position outside our order flow.
func (e *Engine) fireFlatCheck(tradeID string) {
	tr, err := e.store.GetTrade(tradeID)
	if err != nil || !tr.IsActive() || tr.LiveQty() == 0 {
		return
	}
	signed, known := e.brokerLiveQty(tr)
	if !known || signed != 0 {
		return
	}
	e.logger.Printf("engine: CRITICAL trade %s is %s but broker is flat, closing",
		util.ShortID(tr.ID), tr.Status)
	e.risk.Kill("broker flat while trade live")
	e.cancelWorkingLegs(tr, "broker flat")
	if _, uerr := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.Status = models.StatusClosed
		t.CloseReason = "POSITION_LOST | broker flat"
		t.ClosedAt = e.now()
		t.RecordEvent("POSITION_LOST", e.now(), nil)
		return nil
	}); uerr != nil {
		e.logger.Printf("engine: closing position-lost trade: %v", uerr)
		return
	}
	e.risk.RecordClose(tr.InstrumentToken, tr.RealizedPnl())
}

// adoptOrphanPosition handles a broker position no trade accounts for:
// flatten it when configured to, otherwise rehydrate it as a recovery
// trade so the exit machinery manages it.
func (e *Engine) adoptOrphanPosition(token int64, p broker.Position) {
	if !strings.EqualFold(p.Product, e.cfg.Orders.DefaultProduct) {
		return
	}
	e.logger.Printf("engine: orphan broker position %d x %s", p.Quantity, p.Tradingsymbol)

	side := models.SideBuy
	qty := p.Quantity
	if qty < 0 {
		side, qty = models.SideSell, -qty
	}
	inst, ok := e.instruments(token)
	if !ok {
		inst = models.Instrument{
			Exchange:      p.Exchange,
			Tradingsymbol: p.Tradingsymbol,
			TickSize:      0.05,
		}
	}
	tr := &models.Trade{
		ID:              uuid.NewString(),
		InstrumentToken: token,
		Instrument:      inst,
		Side:            side,
		Qty:             qty,
		InitialQty:      qty,
		Product:         models.Product(p.Product),
		StrategyID:      "recovery",
		EntryPrice:      p.AveragePrice,
		PeakLtp:         p.AveragePrice,
		Status:          models.StatusRecoveryRehydrated,
		DecisionAt:      e.now(),
		EntryFilledAt:   e.now(),
		CreatedAt:       e.now(),
	}
	tr.StopLoss = e.recoveryStop(tr)
	tr.SLTrigger = tr.StopLoss
	tr.RecordEvent("RECOVERY_REHYDRATED", e.now(), map[string]interface{}{
		"qty": qty, "avg": p.AveragePrice,
	})
	if err := e.store.InsertTrade(tr); err != nil {
		e.logger.Printf("engine: inserting recovery trade: %v", err)
		return
	}

	if e.cfg.Environment.HardFlattenOnRestart || e.active != nil {
		e.panicExitTrade(tr, "ORPHAN_POSITION", false)
		return
	}
	e.active = tr
	e.risk.RecordOpen(models.OpenPosition{Token: token, TradeID: tr.ID, Side: side, Qty: qty})
	e.placeExitsIfMissing(tr)
}

// recoveryStop derives a provisional stop for a rehydrated position at
// the widest stop distance the config tolerates.
func (e *Engine) recoveryStop(tr *models.Trade) float64 {
	pct := e.cfg.Stops.MaxSLPctAway
	if pct <= 0 {
		pct = 2
	}
	dist := tr.EntryPrice * pct / 100
	if tr.Side == models.SideBuy {
		return util.RoundToTick(tr.EntryPrice-dist, tr.Instrument.TickSize)
	}
	return util.RoundToTick(tr.EntryPrice+dist, tr.Instrument.TickSize)
}

// redrainOrphans replays queued orphan postbacks whose links have since
// appeared and dead-letters the ones that exhausted their retries.
func (e *Engine) redrainOrphans() {
	for _, orphan := range e.store.PendingOrphans(0) {
		if link, err := e.store.FindLinkByOrder(orphan.OrderID); err == nil && link != nil {
			e.drainOrphans(orphan.OrderID)
			continue
		}
		for _, popped := range e.store.PopOrphanOrderUpdates(orphan.OrderID) {
			popped.Attempts++
			if popped.Attempts >= e.cfg.Reconcile.OrphanMaxAttempts {
				if err := e.store.DeadLetterOrphan(popped, "no order link after max replays"); err != nil {
					e.logger.Printf("engine: dead-lettering orphan %s: %v", popped.OrderID, err)
				}
				e.orderLog(popped.Update, "", "", "ORPHAN_DEAD_LETTERED", "no order link after max replays")
				continue
			}
			if err := e.store.SaveOrphanOrderUpdate(popped); err != nil {
				e.logger.Printf("engine: requeueing orphan %s: %v", popped.OrderID, err)
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
