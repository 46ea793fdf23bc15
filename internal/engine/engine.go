// Package engine implements the trade execution core: an event-driven
// manager that routes signals into broker orders, links protective exit
// legs as a state machine per trade, enforces one-cancels-other
// semantics, and runs the watchdogs and the reconciler that guarantee
// flatness when order legs misbehave.
//
// All trade mutation happens on a single loop goroutine fed by a
// mailbox, so signal handling, postbacks, ticks, watchdog firings and
// reconcile runs are mutually exclusive by construction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tradexec/internal/broker"
	"tradexec/internal/config"
	"tradexec/internal/costs"
	"tradexec/internal/exit"
	"tradexec/internal/models"
	"tradexec/internal/ratelimit"
	"tradexec/internal/risk"
	"tradexec/internal/storage"
)

// InstrumentLookup resolves contract metadata for a token. The catalog
// itself lives outside the execution core.
type InstrumentLookup func(token int64) (models.Instrument, bool)

// OptionLookup resolves option greeks for a token, or nil when the
// token is not an option or no chain data is loaded.
type OptionLookup func(token int64) *models.OptionMeta

// Params wires the engine's collaborators.
type Params struct {
	Config      *config.Config
	Logger      *log.Logger
	Store       storage.Interface
	Broker      broker.Broker
	Risk        *risk.Manager
	Instruments InstrumentLookup
	Options     OptionLookup
}

// Engine is the trade execution core. Construct with New, drive with
// Run; feed it through OnSignal, OnOrderUpdate and OnTick.
type Engine struct {
	cfg    *config.Config
	loc    *time.Location
	logger *log.Logger
	store  storage.Interface
	broker broker.Broker
	placer *broker.Placer
	risk   *risk.Manager

	planner       *exit.Planner
	estimator     *costs.Estimator
	limiter       *ratelimit.Limiter
	brokerLimiter *ratelimit.Limiter
	instruments   InstrumentLookup
	options       OptionLookup

	events chan func()
	sched  *scheduler
	now    func() time.Time
	ctx    context.Context

	// Serialized state, touched only by the loop goroutine.
	active          *models.Trade
	halted          bool
	haltReason      string
	expectedCancels map[string]string // orderID -> why the cancel was requested
	inFlight        map[string]bool
	lastTick        map[int64]models.Tick
	series          map[int64]*exit.Series
	lastOrderByID   map[string]broker.Order
	reconcileQueued bool
	lastThrottled   map[string]time.Time
	targetNudges    map[string]int
	panicRetries    map[string]int
	flattenFired    bool
	eodConverted    bool
	droppedTicks    int
}

// New builds an engine. The broker handed in should already be wrapped
// with the circuit breaker; the engine adds its own idempotent placer.
func New(p Params) (*Engine, error) {
	if p.Config == nil || p.Store == nil || p.Broker == nil || p.Risk == nil {
		return nil, fmt.Errorf("engine: config, store, broker and risk manager are required")
	}
	loc, err := p.Config.Location()
	if err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}
	instruments := p.Instruments
	if instruments == nil {
		instruments = func(int64) (models.Instrument, bool) { return models.Instrument{}, false }
	}
	rc := p.Config.Rate
	e := &Engine{
		cfg:             p.Config,
		loc:             loc,
		logger:          logger,
		store:           p.Store,
		broker:          p.Broker,
		placer:          broker.NewPlacer(p.Broker, logger),
		risk:            p.Risk,
		planner:         exit.NewPlanner(p.Config.ExitPlan, p.Config.Stops),
		estimator:       costs.NewEstimator(p.Config.Costs),
		limiter:         ratelimit.New("engine", rc.MaxOrdersPerSec, rc.MaxOrdersPerMin, rc.MaxOrdersPerDay),
		brokerLimiter:   ratelimit.New("broker", rc.BrokerMaxOrdersPerSec, rc.BrokerMaxOrdersPerMin, 0),
		instruments:     instruments,
		options:         p.Options,
		events:          make(chan func(), 512),
		sched:           newScheduler(),
		now:             time.Now,
		expectedCancels: make(map[string]string),
		inFlight:        make(map[string]bool),
		lastTick:        make(map[int64]models.Tick),
		series:          make(map[int64]*exit.Series),
		lastOrderByID:   make(map[string]broker.Order),
		lastThrottled:   make(map[string]time.Time),
		targetNudges:    make(map[string]int),
		panicRetries:    make(map[string]int),
	}
	return e, nil
}

// SetClock overrides the time source for tests. Call before Run.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.sched.now = now
}

// Run hydrates state, then processes events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	e.hydrate()
	e.reconcile("startup")
	e.sched.schedule(taskReconcile, "", e.cfg.Reconcile.Interval.Std(), e.periodicReconcile)
	if e.cfg.ExitPlan.Enabled {
		e.sched.schedule(taskExitLoop, "", e.cfg.ExitPlan.Interval.Std(), e.exitLoop)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		e.resetTimer(timer)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.events:
			fn()
		case <-timer.C:
			for _, t := range e.sched.due(e.now()) {
				t.run()
			}
		}
	}
}

func (e *Engine) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	d := time.Hour
	if next, ok := e.sched.next(); ok {
		d = time.Until(next)
		if d < 0 {
			d = 0
		}
	}
	timer.Reset(d)
}

// OnSignal enqueues a strategy signal.
func (e *Engine) OnSignal(sig models.Signal) {
	e.enqueue(func() { e.handleSignal(sig) })
}

// OnOrderUpdate enqueues a broker postback.
func (e *Engine) OnOrderUpdate(o broker.Order) {
	e.enqueue(func() { e.handleOrderUpdate(o) })
}

// OnTick enqueues a market tick. Ticks are dropped when the mailbox is
// saturated; order updates and signals are not.
func (e *Engine) OnTick(t models.Tick) {
	select {
	case e.events <- func() { e.handleTick(t) }:
	default:
		e.droppedTicks++
	}
}

// RequestReconcile asks the loop for a full reconcile pass, e.g. after
// the feed reconnects.
func (e *Engine) RequestReconcile(reason string) {
	e.enqueue(func() { e.reconcile(reason) })
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.events <- fn:
	default:
		// Mailbox saturated; block rather than lose a state-bearing event.
		e.events <- fn
	}
}

// hydrate restores in-memory state from the store after a restart.
func (e *Engine) hydrate() {
	active := e.store.GetActiveTrades()
	switch len(active) {
	case 0:
	case 1:
		tr := active[0]
		e.active = &tr
		e.logger.Printf("engine: rehydrated active trade %s status=%s qty=%d",
			tr.ID, tr.Status, tr.Qty)
	default:
		// Single-active-trade invariant is broken in the store; keep the
		// newest and let the reconciler deal with the rest.
		newest := active[0]
		for _, tr := range active[1:] {
			if tr.UpdatedAt.After(newest.UpdatedAt) {
				newest = tr
			}
		}
		e.active = &newest
		e.logger.Printf("engine: WARNING %d active trades in store, adopting %s", len(active), newest.ID)
	}

	if dr, err := e.store.GetDailyRisk(e.risk.Date()); err == nil && dr != nil {
		e.limiter.HydrateDay(dr.Date, dr.OrdersPlaced)
	}
}

// halt blocks all non-panic order placement for the rest of the session.
func (e *Engine) halt(reason string) {
	if e.halted {
		return
	}
	e.halted = true
	e.haltReason = reason
	e.logger.Printf("engine: GLOBAL HALT: %s", reason)
}

// Halted reports the global halt flag, for the status server.
func (e *Engine) Halted() (bool, string) { return e.halted, e.haltReason }

// admitOrder charges one broker call against both rate budgets. The
// panic path bypasses budgets: getting flat always wins.
func (e *Engine) admitOrder(panicPath bool) error {
	if e.halted && !panicPath {
		return fmt.Errorf("engine: halted: %s", e.haltReason)
	}
	if panicPath {
		e.limiter.Record(1)
		e.brokerLimiter.Record(1)
		e.persistOrdersPlaced()
		return nil
	}
	if err := e.limiter.Check(1); err != nil {
		var refusal *ratelimit.RefusalError
		if errors.As(err, &refusal) && refusal.Reason == ratelimit.ReasonPerDay {
			e.risk.Kill("daily order cap reached")
		}
		return err
	}
	if err := e.brokerLimiter.Check(1); err != nil {
		return err
	}
	e.limiter.Record(1)
	e.brokerLimiter.Record(1)
	e.persistOrdersPlaced()
	return nil
}

func (e *Engine) persistOrdersPlaced() {
	count := e.limiter.DayCount()
	if _, err := e.store.UpsertDailyRisk(e.risk.Date(), func(d *models.DailyRisk) {
		d.OrdersPlaced = count
	}); err != nil {
		e.logger.Printf("engine: persisting order count: %v", err)
	}
}

// throttled returns true at most once per interval for the key.
func (e *Engine) throttled(key string, interval time.Duration) bool {
	now := e.now()
	if last, ok := e.lastThrottled[key]; ok && now.Sub(last) < interval {
		return false
	}
	e.lastThrottled[key] = now
	return true
}

// updateTrade applies mutate through the store, keeping the active-trade
// cache in sync. Invalid status transitions reject the whole patch.
func (e *Engine) updateTrade(id string, mutate func(*models.Trade) error) (*models.Trade, error) {
	updated, err := e.store.UpdateTrade(id, mutate)
	if err != nil {
		return nil, err
	}
	if e.active != nil && e.active.ID == id {
		e.active = updated
		if updated.Status.IsTerminal() {
			e.finishActive(updated)
		}
	}
	return updated, nil
}

// updateActive is updateTrade for the currently active trade.
func (e *Engine) updateActive(mutate func(*models.Trade) error) error {
	if e.active == nil {
		return storage.ErrTradeNotFound
	}
	_, err := e.updateTrade(e.active.ID, mutate)
	return err
}

// finishActive releases the active slot once the trade reaches a
// terminal status and clears any scheduled work for it.
func (e *Engine) finishActive(tr *models.Trade) {
	e.sched.cancelTrade(tr.ID)
	delete(e.inFlight, lockKey("exits", tr.ID))
	delete(e.targetNudges, tr.ID)
	delete(e.panicRetries, tr.ID)
	e.active = nil
	e.logger.Printf("engine: trade %s finished status=%s reason=%q realized=%.2f",
		tr.ID, tr.Status, tr.CloseReason, tr.RealizedPnl())
}

// activeOn returns the active trade if it runs on the given token.
func (e *Engine) activeOn(token int64) *models.Trade {
	if e.active != nil && e.active.InstrumentToken == token {
		return e.active
	}
	return nil
}

func lockKey(kind, tradeID string) string { return kind + ":" + tradeID }

// tryLock takes a per-operation in-flight lock; returns false when the
// operation is already running.
func (e *Engine) tryLock(kind, tradeID string) bool {
	key := lockKey(kind, tradeID)
	if e.inFlight[key] {
		return false
	}
	e.inFlight[key] = true
	return true
}

func (e *Engine) unlock(kind, tradeID string) {
	delete(e.inFlight, lockKey(kind, tradeID))
}

// quoteKey formats the broker quote key for an instrument.
func quoteKey(inst models.Instrument) string {
	return inst.Exchange + ":" + inst.Tradingsymbol
}

// expectCancel records that a cancel for the order was requested by us,
// so the resulting CANCELLED postback is not treated as a failure.
func (e *Engine) expectCancel(orderID, why string) {
	if orderID == "" {
		return
	}
	e.expectedCancels[orderID] = why
}

// consumeExpectedCancel reports and clears an expected cancel marker.
func (e *Engine) consumeExpectedCancel(orderID string) (string, bool) {
	why, ok := e.expectedCancels[orderID]
	if ok {
		delete(e.expectedCancels, orderID)
	}
	return why, ok
}

func (e *Engine) orderLog(o broker.Order, tradeID string, role models.OrderRole, event, detail string) {
	if err := e.store.AppendOrderLog(models.OrderLog{
		OrderID:   o.OrderID,
		TradeID:   tradeID,
		Role:      role,
		Status:    o.Status,
		Event:     event,
		Detail:    detail,
		CreatedAt: e.now(),
	}); err != nil {
		e.logger.Printf("engine: appending order log: %v", err)
	}
}
