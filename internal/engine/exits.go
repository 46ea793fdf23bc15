package engine

import (
	"fmt"
	"math"
	"strings"

	"tradexec/internal/broker"
	"tradexec/internal/models"
	"tradexec/internal/util"
)

// placeExitsIfMissing asserts the protective legs for a trade with live
// quantity: a stop first, then the target plan. Re-entrant calls are
// no-ops through the per-trade lock; the function is idempotent and is
// also the reconciler's repair tool.
func (e *Engine) placeExitsIfMissing(tr *models.Trade) {
	if !e.tryLock("exits", tr.ID) {
		return
	}
	defer e.unlock("exits", tr.ID)

	tr = e.refresh(tr)
	if tr == nil || tr.LiveQty() == 0 {
		return
	}

	if err := e.ensureStop(tr); err != nil {
		e.guardFail(tr, fmt.Sprintf("SL_PLACEMENT_FAILED | %v", err))
		return
	}
	tr = e.refresh(tr)
	if tr == nil {
		return
	}
	e.ensureTarget(tr)

	tr = e.refresh(tr)
	if tr == nil {
		return
	}
	if tr.Status == models.StatusEntryFilled || tr.Status == models.StatusRecoveryRehydrated {
		if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
			t.Status = models.StatusLive
			t.RecordEvent("LIVE", e.now(), nil)
			return nil
		}); err != nil {
			e.logger.Printf("engine: advancing trade to LIVE: %v", err)
		}
	}
}

// refresh reloads the trade from the store; broker calls inside exit
// placement may have advanced it.
func (e *Engine) refresh(tr *models.Trade) *models.Trade {
	fresh, err := e.store.GetTrade(tr.ID)
	if err != nil {
		e.logger.Printf("engine: reloading trade %s: %v", util.ShortID(tr.ID), err)
		return nil
	}
	return fresh
}

// ensureStop places the protective stop if the trade has none working,
// or resizes it when the live quantity changed (partial entries).
func (e *Engine) ensureStop(tr *models.Trade) error {
	qty := tr.LiveQty()
	if tr.SLOrderID != "" {
		if last, ok := e.lastOrderByID[tr.SLOrderID]; ok && last.Status.IsWorking() && last.Quantity != qty {
			return e.moveStop(tr, tr.StopLoss, qty, "resize to live quantity")
		}
		if last, ok := e.lastOrderByID[tr.SLOrderID]; !ok || last.Status.IsWorking() {
			return nil
		}
		// The referenced stop is dead without closing the trade;
		// fall through and place a fresh one.
	}
	if tr.StopLoss <= 0 {
		return fmt.Errorf("no stop price on trade")
	}

	orderType := e.stopOrderType(tr)
	orderID, usedType, err := e.placeStopOrder(tr, orderType, qty)
	if err != nil {
		return err
	}

	if err := e.store.LinkOrder(models.OrderLink{
		OrderID: orderID, TradeID: tr.ID, Role: models.RoleSL, CreatedAt: e.now(),
	}); err != nil {
		e.logger.Printf("engine: linking sl order %s: %v", orderID, err)
	}
	limitPrice := 0.0
	if usedType == broker.OrderTypeSL {
		limitPrice = e.stopLimitPrice(tr, tr.StopLoss)
	}
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.SLOrderID = orderID
		t.SLOrderType = usedType
		t.SLTrigger = t.StopLoss
		t.SLLimitPrice = limitPrice
		t.RecordEvent("SL_PLACED", e.now(), map[string]interface{}{
			"order_id": orderID, "type": usedType, "trigger": t.StopLoss,
		})
		return nil
	}); err != nil {
		e.logger.Printf("engine: recording sl placement: %v", err)
	}
	e.drainOrphans(orderID)
	return nil
}

// placeStopOrder submits the stop, falling back from SL-M to a
// stoploss-limit when the broker blocks SL-M on the contract.
func (e *Engine) placeStopOrder(tr *models.Trade, orderType string, qty int) (string, string, error) {
	params := broker.OrderParams{
		Exchange:        tr.Instrument.Exchange,
		Tradingsymbol:   tr.Instrument.Tradingsymbol,
		TransactionType: string(tr.Side.Opposite()),
		Quantity:        qty,
		Product:         string(tr.Product),
		OrderType:       orderType,
		Validity:        broker.ValidityDay,
		TriggerPrice:    tr.StopLoss,
		Tag:             broker.BuildTag(tr.ID, models.RoleSL.RoleCode()),
	}
	if orderType == broker.OrderTypeSL {
		params.Price = e.stopLimitPrice(tr, tr.StopLoss)
	}

	if err := e.admitOrder(false); err != nil {
		return "", "", err
	}
	orderID, err := e.placer.Place(e.ctx, e.cfg.Orders.DefaultVariety, params)
	if err == nil {
		return orderID, orderType, nil
	}
	if orderType == broker.OrderTypeSLM && broker.KindOf(err) == broker.KindSLMBlocked {
		e.logger.Printf("engine: SL-M blocked on %s, falling back to stoploss-limit",
			tr.Instrument.Tradingsymbol)
		params.OrderType = broker.OrderTypeSL
		params.Price = e.stopLimitPrice(tr, tr.StopLoss)
		if err := e.admitOrder(false); err != nil {
			return "", "", err
		}
		orderID, err = e.placer.Place(e.ctx, e.cfg.Orders.DefaultVariety, params)
		if err == nil {
			return orderID, broker.OrderTypeSL, nil
		}
	}
	return "", "", err
}

func (e *Engine) stopOrderType(tr *models.Trade) string {
	segment := strings.ToUpper(tr.Instrument.Segment)
	if strings.Contains(segment, "OPT") || strings.Contains(segment, "FUT") || tr.Instrument.Exchange == "NFO" {
		if t := e.cfg.Stops.SLOrderTypeFO; t != "" {
			return t
		}
	}
	if t := e.cfg.Stops.SLOrderTypeEq; t != "" {
		return t
	}
	return broker.OrderTypeSLM
}

// stopLimitPrice computes the limit leg of a stoploss-limit order: the
// trigger pushed through by the configured buffer so the resting limit
// still executes after the trigger, capped in bps.
func (e *Engine) stopLimitPrice(tr *models.Trade, trigger float64) float64 {
	tick := tr.Instrument.TickSize
	buffer := math.Max(util.FromBps(e.cfg.Stops.SLLimitBufferBps, trigger),
		math.Max(float64(e.cfg.Stops.SLLimitBufferTicks)*tick, e.cfg.Stops.SLLimitBufferAbs))
	if maxBuf := util.FromBps(e.cfg.Stops.SLLimitMaxBps, trigger); maxBuf > 0 && buffer > maxBuf {
		buffer = maxBuf
	}
	// The stop exits the position: a long's stop sells below trigger, a
	// short's stop buys above.
	if tr.Side == models.SideBuy {
		return util.RoundToTick(trigger-buffer, tick)
	}
	return util.RoundToTick(trigger+buffer, tick)
}

// ensureTarget asserts the take-profit plan: a virtual target tracked
// from ticks, or a rest limit order, optionally split into TP1 and a
// runner.
func (e *Engine) ensureTarget(tr *models.Trade) {
	target := tr.TargetPrice
	if target == 0 {
		target = tr.PlannedTargetPrice
	}
	if target <= 0 {
		return
	}

	if tr.TargetVirtual {
		if tr.TargetPrice == 0 {
			if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.TargetPrice = target
				return nil
			}); err != nil {
				e.logger.Printf("engine: recording virtual target: %v", err)
			}
		}
		return
	}
	if tr.TargetOrderID != "" || tr.TP1OrderID != "" {
		return
	}

	qty := tr.LiveQty()
	tp1Qty, runnerQty := 0, qty
	if !tr.TP1Done && !tr.TP1Aborted {
		tp1Qty, runnerQty = e.tp1Split(qty, tr.Instrument.LotSize)
	}

	if tp1Qty > 0 {
		tp1Price := e.tp1Price(tr)
		orderID, err := e.placeRestTarget(tr, models.RoleTP1, tp1Qty, tp1Price)
		if err != nil {
			e.logger.Printf("engine: tp1 placement failed on trade %s: %v, running single target",
				util.ShortID(tr.ID), err)
			tp1Qty, runnerQty = 0, qty
		} else {
			if _, uerr := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.TP1OrderID = orderID
				t.TP1Price = tp1Price
				t.TP1Qty = tp1Qty
				t.RunnerQty = runnerQty
				return nil
			}); uerr != nil {
				e.logger.Printf("engine: recording tp1 placement: %v", uerr)
			}
			e.drainOrphans(orderID)
		}
	}

	orderID, err := e.placeRestTarget(tr, models.RoleTarget, runnerQty, target)
	if err != nil {
		if broker.KindOf(err) == broker.KindRMSMargin {
			e.logger.Printf("engine: target rejected for margin on trade %s, switching to virtual",
				util.ShortID(tr.ID))
			if _, uerr := e.updateTrade(tr.ID, func(t *models.Trade) error {
				t.TargetVirtual = true
				t.TargetPrice = target
				return nil
			}); uerr != nil {
				e.logger.Printf("engine: switching to virtual target: %v", uerr)
			}
			return
		}
		e.logger.Printf("engine: target placement failed on trade %s: %v", util.ShortID(tr.ID), err)
		return
	}
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.TargetOrderID = orderID
		t.TargetPrice = target
		t.TargetOrderType = broker.OrderTypeLimit
		if tp1Qty == 0 {
			t.RunnerQty = runnerQty
		}
		t.RecordEvent("TARGET_PLACED", e.now(), map[string]interface{}{
			"order_id": orderID, "price": target, "qty": runnerQty,
		})
		return nil
	}); err != nil {
		e.logger.Printf("engine: recording target placement: %v", err)
	}
	e.drainOrphans(orderID)
}

func (e *Engine) placeRestTarget(tr *models.Trade, role models.OrderRole, qty int, price float64) (string, error) {
	if err := e.admitOrder(false); err != nil {
		return "", err
	}
	orderID, err := e.placer.Place(e.ctx, e.cfg.Orders.DefaultVariety, broker.OrderParams{
		Exchange:        tr.Instrument.Exchange,
		Tradingsymbol:   tr.Instrument.Tradingsymbol,
		TransactionType: string(tr.Side.Opposite()),
		Quantity:        qty,
		Product:         string(tr.Product),
		OrderType:       broker.OrderTypeLimit,
		Validity:        broker.ValidityDay,
		Price:           price,
		Tag:             broker.BuildTag(tr.ID, role.RoleCode()),
	})
	if err != nil {
		return "", err
	}
	if lerr := e.store.LinkOrder(models.OrderLink{
		OrderID: orderID, TradeID: tr.ID, Role: role, CreatedAt: e.now(),
	}); lerr != nil {
		e.logger.Printf("engine: linking %s order %s: %v", role, orderID, lerr)
	}
	return orderID, nil
}

// tp1Price derives the scale-out price from the first reward multiple.
func (e *Engine) tp1Price(tr *models.Trade) float64 {
	if tr.Side == models.SideBuy {
		return util.RoundToTick(tr.EntryPrice+e.cfg.Stops.TP1RR*tr.RiskPts, tr.Instrument.TickSize)
	}
	return util.RoundToTick(tr.EntryPrice-e.cfg.Stops.TP1RR*tr.RiskPts, tr.Instrument.TickSize)
}

// moveStop modifies the working stop's trigger and quantity, enforcing
// stop monotonicity once the breakeven lock is engaged.
func (e *Engine) moveStop(tr *models.Trade, newTrigger float64, qty int, why string) error {
	if tr.SLOrderID == "" {
		return fmt.Errorf("no stop order to move")
	}
	if tr.BELocked && !tr.SLImprovesOrEqual(newTrigger) {
		return fmt.Errorf("stop %.2f would loosen a locked stop %.2f", newTrigger, tr.StopLoss)
	}
	params := broker.ModifyParams{TriggerPrice: newTrigger}
	if qty > 0 {
		params.Quantity = qty
	}
	if tr.SLOrderType == broker.OrderTypeSL {
		params.Price = e.stopLimitPrice(tr, newTrigger)
	}
	if err := e.admitOrder(false); err != nil {
		return err
	}
	if err := e.broker.ModifyOrder(e.ctx, e.cfg.Orders.DefaultVariety, tr.SLOrderID, params); err != nil {
		if broker.KindOf(err) != broker.KindNotModified {
			return err
		}
	}
	if _, err := e.updateTrade(tr.ID, func(t *models.Trade) error {
		t.StopLoss = newTrigger
		t.SLTrigger = newTrigger
		t.SLLimitPrice = params.Price
		t.RecordEvent("SL_MOVED", e.now(), map[string]interface{}{
			"trigger": newTrigger, "qty": qty, "why": why,
		})
		return nil
	}); err != nil {
		return err
	}
	e.logger.Printf("engine: stop moved to %.2f on trade %s (%s)", newTrigger, util.ShortID(tr.ID), why)
	return nil
}

// fireVirtualTarget converts a touched virtual target into a market
// exit: cancel the stop, then exit at market under the target role.
func (e *Engine) fireVirtualTarget(tr *models.Trade, ltp float64) {
	if !e.tryLock("vtarget", tr.ID) {
		return
	}
	defer e.unlock("vtarget", tr.ID)

	e.logger.Printf("engine: virtual target %.2f touched at %.2f on trade %s",
		tr.TargetPrice, ltp, util.ShortID(tr.ID))
	if tr.SLOrderID != "" {
		e.cancelLeg(tr, tr.SLOrderID, "virtual target fired")
	}
	if err := e.placeMarketExit(tr, models.RoleTarget, tr.LiveQty(), false); err != nil {
		e.guardFail(tr, fmt.Sprintf("VIRTUAL_TARGET_EXIT_FAILED | %v", err))
	}
}

// placeMarketExit submits a market order that flattens qty of the trade
// under the given role, with the aggressive-limit fallback when market
// orders are blocked.
func (e *Engine) placeMarketExit(tr *models.Trade, role models.OrderRole, qty int, panicPath bool) error {
	return e.placeFlattenMarket(tr, role, string(tr.Side.Opposite()), qty, panicPath)
}

// placeFlattenMarket is placeMarketExit with an explicit direction, for
// the panic path where the broker's position sign decides which way
// flat is.
func (e *Engine) placeFlattenMarket(tr *models.Trade, role models.OrderRole, side string, qty int, panicPath bool) error {
	if qty <= 0 {
		return fmt.Errorf("no live quantity to exit")
	}
	params := broker.OrderParams{
		Exchange:        tr.Instrument.Exchange,
		Tradingsymbol:   tr.Instrument.Tradingsymbol,
		TransactionType: side,
		Quantity:        qty,
		Product:         string(tr.Product),
		OrderType:       broker.OrderTypeMarket,
		Validity:        broker.ValidityDay,
		Tag:             broker.BuildTag(tr.ID, role.RoleCode()),
	}
	if e.cfg.Orders.EnforceMarketProtection {
		params.MarketProtection = e.cfg.Orders.MarketProtection
	}
	if err := e.admitOrder(panicPath); err != nil {
		return err
	}
	orderID, err := e.placer.Place(e.ctx, e.cfg.Orders.DefaultVariety, params)
	if err != nil {
		if broker.KindOf(err) != broker.KindBlocked {
			return err
		}
		// Market orders blocked on this contract: aggressive limit
		// across the spread, capped in bps.
		price, perr := e.aggressiveLimitPrice(tr, strings.EqualFold(side, string(models.SideSell)))
		if perr != nil {
			return fmt.Errorf("market blocked and no limit fallback price: %w", perr)
		}
		params.OrderType = broker.OrderTypeLimit
		params.Price = price
		params.MarketProtection = 0
		if err := e.admitOrder(panicPath); err != nil {
			return err
		}
		orderID, err = e.placer.Place(e.ctx, e.cfg.Orders.DefaultVariety, params)
		if err != nil {
			return err
		}
		e.logger.Printf("engine: market exit blocked, limit fallback @ %.2f on trade %s",
			price, util.ShortID(tr.ID))
	}

	if lerr := e.store.LinkOrder(models.OrderLink{
		OrderID: orderID, TradeID: tr.ID, Role: role, CreatedAt: e.now(),
	}); lerr != nil {
		e.logger.Printf("engine: linking %s exit order %s: %v", role, orderID, lerr)
	}
	if _, uerr := e.updateTrade(tr.ID, func(t *models.Trade) error {
		switch role {
		case models.RolePanicExit:
			t.PanicExitOrderID = orderID
		case models.RoleTarget:
			t.TargetOrderID = orderID
			t.TargetOrderType = broker.OrderTypeMarket
		}
		return nil
	}); uerr != nil {
		e.logger.Printf("engine: recording %s exit order: %v", role, uerr)
	}
	e.drainOrphans(orderID)
	return nil
}

// aggressiveLimitPrice prices a limit that crosses the spread in the
// given direction, pushed through by the configured fallback bps.
func (e *Engine) aggressiveLimitPrice(tr *models.Trade, sell bool) (float64, error) {
	quote, err := e.fetchQuote(tr.Instrument)
	if err != nil {
		return 0, err
	}
	tick := tr.Instrument.TickSize
	push := e.cfg.Watchdogs.PanicLimitFallbackBps
	if sell {
		// Cross to the bid and push lower.
		px := quote.BestBid()
		if px <= 0 {
			px = quote.LastPrice
		}
		return util.RoundToTick(px-util.FromBps(push, px), tick), nil
	}
	px := quote.BestAsk()
	if px <= 0 {
		px = quote.LastPrice
	}
	return util.RoundToTick(px+util.FromBps(push, px), tick), nil
}
