package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradexec/internal/broker"
	"tradexec/internal/models"
	"tradexec/internal/risk"
	"tradexec/internal/util"
)

// handleSignal is the single entry point from the strategy layer. The
// precondition gates run in a fixed order; the first refusal wins and
// the signal is dropped with telemetry.
func (e *Engine) handleSignal(sig models.Signal) {
	inst, ok := e.instruments(sig.InstrumentToken)
	if !ok {
		e.logger.Printf("engine: signal blocked (NO_INSTRUMENT): unknown token %d", sig.InstrumentToken)
		return
	}
	isOption := e.cfg.Options.Enabled && isOptionSegment(inst.Segment)

	quote, err := e.fetchQuote(inst)
	if err != nil {
		e.logger.Printf("engine: signal blocked (QUOTE_UNAVAILABLE): %v", err)
		e.risk.CountEvent(risk.EventQuoteGuard)
		return
	}

	if blockErr := e.gateSignal(&sig, inst, quote, isOption); blockErr != nil {
		e.logger.Printf("engine: signal blocked (%s): %s strategy=%s token=%d",
			blockErr.code, blockErr.detail, sig.StrategyID, sig.InstrumentToken)
		return
	}
	if blockErr := e.adaptiveAdjust(&sig); blockErr != nil {
		e.logger.Printf("engine: signal blocked (%s): %s strategy=%s token=%d",
			blockErr.code, blockErr.detail, sig.StrategyID, sig.InstrumentToken)
		return
	}

	entry := e.entryReference(sig.Side, quote)
	if entry <= 0 {
		e.logger.Printf("engine: signal blocked (NO_PRICE): empty book for token %d", sig.InstrumentToken)
		return
	}

	stop := e.deriveStopLoss(sig, inst, entry, isOption)
	if err := e.checkStopQuality(sig.Side, entry, stop, inst); err != nil {
		e.logSignalBlock(err, sig)
		return
	}

	sz, err := e.sizePosition(sig.Side, entry, stop, inst)
	if err != nil {
		e.logSignalBlock(err, sig)
		return
	}

	if max := e.cfg.Risk.MaxPositionValueInr; max > 0 && entry*float64(sz.qty) > max {
		e.logger.Printf("engine: signal blocked (EXPOSURE): position value %.0f over cap %.0f",
			entry*float64(sz.qty), max)
		return
	}

	var meta *models.OptionMeta
	if isOption && e.options != nil {
		meta = e.options(sig.InstrumentToken)
	}
	if err := e.checkEdgeGate(sig, meta); err != nil {
		e.logSignalBlock(err, sig)
		return
	}

	expectedMove := e.expectedMovePts(sig, meta, sz.riskPts)
	if !e.estimator.PassesCostGate(expectedMove, entry, sz.qty, 2, sig.Side == models.SideBuy, e.cfg.Pacing.CostGateMult) {
		e.logger.Printf("engine: signal blocked (COST_GATE): expected move %.2f pts does not cover %.1fx charges",
			expectedMove, e.cfg.Pacing.CostGateMult)
		return
	}

	e.openTrade(sig, inst, quote, meta, entry, sz, isOption)
}

// gateSignal runs the cheap preconditions: trade slot, windows, kill
// switch, cooldowns, daily state, confidence, spread, liquidity and
// regime filters.
func (e *Engine) gateSignal(sig *models.Signal, inst models.Instrument, quote *broker.Quote, isOption bool) *blockError {
	if e.active != nil {
		return block("ACTIVE_TRADE", "trade %s is %s", e.active.ID, e.active.Status)
	}
	now := e.now().In(e.loc)
	if e.cfg.InNoTradeWindow(now) {
		return block("NO_TRADE_WINDOW", "inside configured no-trade window at %s", now.Format("15:04"))
	}
	if !e.cfg.Environment.TradingEnabled {
		return block("TRADING_DISABLED", "trading disabled by config")
	}
	if e.halted {
		return block("HALTED", "%s", e.haltReason)
	}
	if killed, reason := e.risk.Killed(); killed {
		return block("KILL_SWITCH", "%s", reason)
	}
	if cooling, until := e.risk.InCooldown(tokenKey(sig.InstrumentToken)); cooling {
		return block("COOLDOWN", "until %s", until.In(e.loc).Format("15:04:05"))
	}
	if state, reason := e.risk.DailyState(); state != models.DailyRunning {
		return block("DAILY_"+string(state), "%s", reason)
	}
	if sig.Confidence < e.cfg.Pacing.MinSignalConfidence {
		return block("CONFIDENCE", "%.0f below floor %.0f", sig.Confidence, e.cfg.Pacing.MinSignalConfidence)
	}

	maxSpread := e.cfg.Pacing.MaxSpreadBps
	if isOption {
		maxSpread = e.cfg.Pacing.MaxSpreadBpsOpt
	}
	spread := quote.SpreadBps()
	if maxSpread > 0 && spread > maxSpread {
		e.risk.CountEvent(risk.EventSpreadSpike)
		return block("SPREAD", "%.1f bps over limit %.1f", spread, maxSpread)
	}
	if depth := quote.TopDepthQty(sig.Side == models.SideBuy); e.cfg.Pacing.MinDepthQty > 0 && depth < e.cfg.Pacing.MinDepthQty {
		return block("DEPTH", "top of book %d below minimum %d", depth, e.cfg.Pacing.MinDepthQty)
	}
	if maxAge := e.cfg.Pacing.MaxQuoteAge.Std(); maxAge > 0 && !quote.Timestamp.IsZero() {
		if age := e.now().Sub(quote.Timestamp.Time); age > maxAge {
			e.risk.CountEvent(risk.EventStaleTick)
			return block("STALE_QUOTE", "quote is %s old", age.Truncate(time.Millisecond))
		}
	}
	if health := liquidityHealth(quote, maxSpread, e.cfg.Pacing.MinDepthQty); health < e.cfg.Pacing.MinHealthScore {
		return block("HEALTH", "liquidity score %.0f below floor %.0f", health, e.cfg.Pacing.MinHealthScore)
	}

	if sig.ATRPct > 0 {
		if min := e.cfg.Pacing.MinATRPct; min > 0 && sig.ATRPct < min {
			return block("REGIME_ATR", "atr %.2f%% below %.2f%%", sig.ATRPct, min)
		}
		if max := e.cfg.Pacing.MaxATRPct; max > 0 && sig.ATRPct > max {
			return block("REGIME_ATR", "atr %.2f%% above %.2f%%", sig.ATRPct, max)
		}
	}
	if sig.RelVolume > 0 && e.cfg.Pacing.MinRelVolume > 0 && sig.RelVolume < e.cfg.Pacing.MinRelVolume {
		return block("REGIME_VOLUME", "relative volume %.2f below %.2f", sig.RelVolume, e.cfg.Pacing.MinRelVolume)
	}
	if sig.Regime != "" && sig.StrategyStyle != "" && !styleFitsRegime(sig.StrategyStyle, sig.Regime) {
		return block("REGIME_STYLE", "style %s does not fit regime %s", sig.StrategyStyle, sig.Regime)
	}
	return nil
}

// styleFitsRegime rejects trend-following styles in ranging regimes and
// mean-reversion styles in trending ones. Unknown styles pass.
func styleFitsRegime(style, regime string) bool {
	style = strings.ToUpper(style)
	regime = strings.ToUpper(regime)
	switch {
	case strings.Contains(style, "TREND"), strings.Contains(style, "BREAKOUT"), strings.Contains(style, "MOMENTUM"):
		return !strings.Contains(regime, "RANGE") && !strings.Contains(regime, "CHOP")
	case strings.Contains(style, "REVERT"), strings.Contains(style, "RANGE"), strings.Contains(style, "FADE"):
		return !strings.Contains(regime, "TREND")
	default:
		return true
	}
}

// Adaptive review window: recent losses on the same strategy and
// contract downweight confidence; a full losing streak blocks the key
// until a trade outside the window rolls off.
const (
	adaptiveLookback       = 2 * time.Hour
	adaptiveBlockStreak    = 3
	adaptivePenaltyPerLoss = 7.0
)

// adaptiveAdjust scores the signal against the recent closed trades of
// the same strategy on the same contract (or underlying).
func (e *Engine) adaptiveAdjust(sig *models.Signal) *blockError {
	closed := e.store.GetTradesClosedSince(e.now().Add(-adaptiveLookback))
	streak := 0
	for _, tr := range closed {
		if tr.StrategyID != sig.StrategyID {
			continue
		}
		if tr.InstrumentToken != sig.InstrumentToken &&
			(sig.UnderlyingToken == 0 || tr.UnderlyingToken != sig.UnderlyingToken) {
			continue
		}
		if tr.RealizedPnl() >= 0 {
			break
		}
		streak++
	}
	if streak == 0 {
		return nil
	}
	if streak >= adaptiveBlockStreak {
		return block("OPTIMIZER_BLOCK", "%d consecutive losses for %s on token %d",
			streak, sig.StrategyID, sig.InstrumentToken)
	}
	penalty := float64(streak) * adaptivePenaltyPerLoss
	sig.Confidence -= penalty
	if sig.Confidence < e.cfg.Pacing.MinSignalConfidence {
		return block("OPTIMIZER_CONFIDENCE",
			"confidence downweighted by %.0f to %.0f, below floor %.0f",
			penalty, sig.Confidence, e.cfg.Pacing.MinSignalConfidence)
	}
	return nil
}

// checkEdgeGate verifies an option trade's expected premium gain covers
// its greeks cost with margin.
func (e *Engine) checkEdgeGate(sig models.Signal, meta *models.OptionMeta) *blockError {
	if meta == nil || e.cfg.Pacing.IVThetaEdgeMult <= 0 || sig.ExpectedMovePts <= 0 {
		return nil
	}
	holdFrac := holdFraction(e.cfg.ExitPlan.TimeStopAfter.Std())
	expectedGain := sig.ExpectedMovePts * math.Abs(meta.Delta)
	edgeCost := math.Abs(meta.Vega*meta.IVPts) + math.Abs(meta.Theta)*holdFrac
	if expectedGain < e.cfg.Pacing.IVThetaEdgeMult*edgeCost {
		return block("EDGE_GATE", "expected gain %.2f below %.1fx greeks cost %.2f",
			expectedGain, e.cfg.Pacing.IVThetaEdgeMult, edgeCost)
	}
	return nil
}

// openTrade inserts the trade and places its entry order.
func (e *Engine) openTrade(sig models.Signal, inst models.Instrument, quote *broker.Quote,
	meta *models.OptionMeta, entry float64, sz *sizing, isOption bool) {

	now := e.now()
	target := sig.TargetPrice
	if target == 0 {
		target = e.plannedTarget(sig.Side, entry, sz.riskPts, inst)
	}
	charges := e.estimator.EstimateInr(entry, entry, sz.qty, 2, sig.Side == models.SideBuy)
	minGreenPts := e.estimator.MinGreenPoints(entry, sz.qty, 2, sig.Side == models.SideBuy)

	tr := &models.Trade{
		ID:              uuid.NewString(),
		InstrumentToken: sig.InstrumentToken,
		Instrument:      inst,
		Side:            sig.Side,
		Qty:             sz.qty,
		InitialQty:      sz.qty,
		Product:         models.Product(e.cfg.Orders.DefaultProduct),
		UnderlyingToken: sig.UnderlyingToken,
		OptionMeta:      meta,
		StrategyID:      sig.StrategyID,
		StrategyStyle:   sig.StrategyStyle,
		Regime:          sig.Regime,
		Confidence:      sig.Confidence,

		ExpectedEntryPrice: entry,
		StopLoss:           sz.stopLoss,
		InitialStopLoss:    sz.stopLoss,
		PlannedTargetPrice: target,

		RiskInr:       sz.riskInr,
		RiskPts:       sz.riskPts,
		RR:            e.cfg.Stops.RRTarget,
		EstChargesInr: charges,
		MinGreenInr:   charges,
		MinGreenPts:   minGreenPts,
		CostMeta: &models.CostMeta{
			ChargesInr:  charges,
			MinGreenInr: charges,
			MinGreenPts: minGreenPts,
			PerUnitFee:  minGreenPts,
		},

		TargetVirtual: isOption && e.cfg.Options.TargetMode == "VIRTUAL",
		Status:        models.StatusEntryPlaced,
		DecisionAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
		PeakLtp:       entry,
	}
	if sz.fitted {
		tr.RecordEvent("SL_FITTED_TO_RISK_CAP", now, map[string]interface{}{"stop": sz.stopLoss})
	}

	if err := e.store.InsertTrade(tr); err != nil {
		e.logger.Printf("engine: inserting trade: %v", err)
		return
	}
	e.active = tr
	e.logger.Printf("engine: trade %s opened %s %d %s @ ~%.2f sl=%.2f target=%.2f risk=%.0f",
		util.ShortID(tr.ID), tr.Side, tr.Qty, inst.Tradingsymbol, entry, tr.StopLoss, target, tr.RiskInr)

	e.placeEntry(tr, quote)
}

// placeEntry submits the entry order, links it and advances the state.
func (e *Engine) placeEntry(tr *models.Trade, quote *broker.Quote) {
	orderType := e.entryOrderType(tr)
	params := broker.OrderParams{
		Exchange:        tr.Instrument.Exchange,
		Tradingsymbol:   tr.Instrument.Tradingsymbol,
		TransactionType: string(tr.Side),
		Quantity:        tr.Qty,
		Product:         string(tr.Product),
		OrderType:       orderType,
		Validity:        broker.ValidityDay,
		Tag:             broker.BuildTag(tr.ID, models.RoleEntry.RoleCode()),
	}
	switch orderType {
	case broker.OrderTypeLimit:
		params.Price = e.entryReference(tr.Side, quote)
	case broker.OrderTypeMarket:
		if e.cfg.Orders.EnforceMarketProtection {
			params.MarketProtection = e.cfg.Orders.MarketProtection
		}
	}

	if err := e.admitOrder(false); err != nil {
		e.failEntry(tr, "RATE_LIMIT", err)
		return
	}
	orderID, err := e.placer.Place(e.ctx, e.cfg.Orders.DefaultVariety, params)
	if err != nil {
		e.entryPlacementError(tr, err)
		return
	}

	if err := e.store.LinkOrder(models.OrderLink{
		OrderID: orderID, TradeID: tr.ID, Role: models.RoleEntry, CreatedAt: e.now(),
	}); err != nil {
		e.logger.Printf("engine: linking entry order %s: %v", orderID, err)
	}
	if err := e.updateActive(func(t *models.Trade) error {
		t.EntryOrderID = orderID
		t.EntryAt = e.now()
		t.Status = models.StatusEntryOpen
		t.RecordEvent("ENTRY_PLACED", e.now(), map[string]interface{}{"order_id": orderID, "type": orderType})
		return nil
	}); err != nil {
		e.logger.Printf("engine: advancing trade to ENTRY_OPEN: %v", err)
		return
	}
	e.drainOrphans(orderID)

	if orderType == broker.OrderTypeLimit {
		if timeout := e.cfg.Orders.EntryLimitTimeout.Std(); timeout > 0 {
			tradeID := tr.ID
			e.sched.schedule(taskEntryTimeout, tradeID, timeout, func() { e.entryLimitTimeout(tradeID) })
		}
	}
}

// entryPlacementError maps a failed entry placement onto the failure
// model: rejection kinds each get their policy, everything fails the
// trade.
func (e *Engine) entryPlacementError(tr *models.Trade, err error) {
	kind := broker.KindOf(err)
	switch kind {
	case broker.KindCircuitLimit:
		e.risk.StartCooldown(tokenKey(tr.InstrumentToken), e.cfg.Breakers.Cooldown.Std())
	case broker.KindRMSMargin, broker.KindBlocked:
		e.risk.CountEvent(risk.EventReject)
	}
	e.failEntry(tr, strings.ToUpper(kind.String()), err)
}

// failEntry finalizes a trade whose entry never reached the book.
func (e *Engine) failEntry(tr *models.Trade, code string, cause error) {
	e.logger.Printf("engine: entry failed for trade %s (%s): %v", util.ShortID(tr.ID), code, cause)
	if err := e.updateActive(func(t *models.Trade) error {
		t.Status = models.StatusEntryFailed
		t.CloseReason = fmt.Sprintf("ENTRY_FAILED | %s", code)
		t.RecordEvent("ENTRY_FAILED", e.now(), map[string]interface{}{"code": code, "error": cause.Error()})
		return nil
	}); err != nil {
		e.logger.Printf("engine: marking entry failed: %v", err)
	}
	e.risk.RecordFailure(tokenKey(tr.InstrumentToken), code)
}

func (e *Engine) logSignalBlock(err error, sig models.Signal) {
	if be, ok := err.(*blockError); ok {
		e.logger.Printf("engine: signal blocked (%s): %s strategy=%s token=%d",
			be.code, be.detail, sig.StrategyID, sig.InstrumentToken)
		return
	}
	e.logger.Printf("engine: signal blocked: %v", err)
}

func (e *Engine) entryOrderType(tr *models.Trade) string {
	if tr.OptionMeta != nil || isOptionSegment(tr.Instrument.Segment) {
		if t := e.cfg.Orders.EntryOrderTypeOpt; t != "" {
			return t
		}
	}
	if t := e.cfg.Orders.EntryOrderType; t != "" {
		return t
	}
	return broker.OrderTypeLimit
}

// entryReference prices an aggressive entry at the touch.
func (e *Engine) entryReference(side models.Side, quote *broker.Quote) float64 {
	var px float64
	if side == models.SideBuy {
		px = quote.BestAsk()
	} else {
		px = quote.BestBid()
	}
	if px <= 0 {
		px = quote.LastPrice
	}
	return px
}

func (e *Engine) fetchQuote(inst models.Instrument) (*broker.Quote, error) {
	quotes, err := e.broker.GetQuote(e.ctx, quoteKey(inst))
	if err != nil {
		return nil, err
	}
	q, ok := quotes[quoteKey(inst)]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", quoteKey(inst))
	}
	return &q, nil
}

// liquidityHealth scores the book from 0 to 100 using spread and depth
// relative to their configured limits.
func liquidityHealth(q *broker.Quote, maxSpreadBps float64, minDepth int) float64 {
	score := 100.0
	if maxSpreadBps > 0 {
		score -= 50 * math.Min(q.SpreadBps()/maxSpreadBps, 1)
	}
	if minDepth > 0 {
		depth := math.Min(float64(q.TopDepthQty(true)), float64(q.TopDepthQty(false)))
		if depth < float64(minDepth)*2 {
			score -= 25 * (1 - math.Min(depth/(float64(minDepth)*2), 1))
		}
	}
	return score
}

// holdFraction expresses the expected hold as a fraction of the 6.25h
// session, for theta decay pro-rating.
func holdFraction(hold time.Duration) float64 {
	if hold <= 0 {
		return 0.1
	}
	return math.Min(hold.Hours()/6.25, 1)
}

func (e *Engine) expectedMovePts(sig models.Signal, meta *models.OptionMeta, riskPts float64) float64 {
	move := sig.ExpectedMovePts
	if move > 0 && meta != nil {
		// The signal's move is on the underlying; translate to premium.
		return move * math.Abs(meta.Delta)
	}
	if move > 0 {
		return move
	}
	return riskPts * e.cfg.Stops.RRTarget
}

func tokenKey(token int64) string { return fmt.Sprintf("%d", token) }

func isOptionSegment(segment string) bool {
	return strings.Contains(strings.ToUpper(segment), "OPT")
}
