package models

import (
	"time"
)

// Instrument describes the tradable contract a trade executes on.
type Instrument struct {
	Exchange      string  `json:"exchange"`
	Tradingsymbol string  `json:"tradingsymbol"`
	Segment       string  `json:"segment"`
	LotSize       int     `json:"lot_size"`
	TickSize      float64 `json:"tick_size"`
	FreezeQty     int     `json:"freeze_qty"`
}

// OptionMeta carries the option greeks captured when an option contract was
// picked for an underlying signal.
type OptionMeta struct {
	Strike  float64 `json:"strike"`
	Expiry  string  `json:"expiry"`
	OptType string  `json:"opt_type"` // CE | PE
	Delta   float64 `json:"delta"`
	Gamma   float64 `json:"gamma"`
	Vega    float64 `json:"vega"`
	Theta   float64 `json:"theta"`
	IVPts   float64 `json:"iv_pts"`
}

// PnlLeg records the realized P&L of one exit leg (TP1, runner, panic).
type PnlLeg struct {
	Role     OrderRole `json:"role"`
	Qty      int       `json:"qty"`
	Price    float64   `json:"price"`
	PnlInr   float64   `json:"pnl_inr"`
	FilledAt time.Time `json:"filled_at"`
}

// CostMeta captures the all-in cost estimate made at entry time.
type CostMeta struct {
	ChargesInr  float64 `json:"charges_inr"`
	MinGreenInr float64 `json:"min_green_inr"`
	MinGreenPts float64 `json:"min_green_pts"`
	PerUnitFee  float64 `json:"per_unit_fee"`
}

// Trade is the primary entity of the execution core. It is created at
// signal acceptance, mutated only by the engine, and immutable once CLOSED.
type Trade struct {
	ID              string     `json:"trade_id"`
	InstrumentToken int64      `json:"instrument_token"`
	Instrument      Instrument `json:"instrument"`
	Side            Side       `json:"side"`
	Qty             int        `json:"qty"`
	InitialQty      int        `json:"initial_qty"`
	Product         Product    `json:"product"`

	UnderlyingToken int64       `json:"underlying_token,omitempty"`
	OptionMeta      *OptionMeta `json:"option_meta,omitempty"`

	StrategyID    string  `json:"strategy_id"`
	StrategyStyle string  `json:"strategy_style,omitempty"`
	Regime        string  `json:"regime,omitempty"`
	Confidence    float64 `json:"confidence"`

	// Prices.
	ExpectedEntryPrice float64 `json:"expected_entry_price"`
	EntryPrice         float64 `json:"entry_price,omitempty"`
	StopLoss           float64 `json:"stop_loss,omitempty"`
	InitialStopLoss    float64 `json:"initial_stop_loss,omitempty"`
	SLTrigger          float64 `json:"sl_trigger,omitempty"`
	SLLimitPrice       float64 `json:"sl_limit_price,omitempty"`
	TargetPrice        float64 `json:"target_price,omitempty"`
	PlannedTargetPrice float64 `json:"planned_target_price,omitempty"`
	TP1Price           float64 `json:"tp1_price,omitempty"`
	ExitPrice          float64 `json:"exit_price,omitempty"`

	// Order references.
	EntryOrderID    string    `json:"entry_order_id,omitempty"`
	SLOrderID       string    `json:"sl_order_id,omitempty"`
	SLOrderType     string    `json:"sl_order_type,omitempty"` // SL | SL-M
	TargetOrderID   string    `json:"target_order_id,omitempty"`
	TargetOrderType string    `json:"target_order_type,omitempty"`
	TP1OrderID      string    `json:"tp1_order_id,omitempty"`
	PanicExitOrderID string   `json:"panic_exit_order_id,omitempty"`
	ExitOrderID     string    `json:"exit_order_id,omitempty"`
	ExitOrderRole   OrderRole `json:"exit_order_role,omitempty"`

	// Scale-out.
	TP1Qty       int      `json:"tp1_qty,omitempty"`
	RunnerQty    int      `json:"runner_qty,omitempty"`
	TP1Done      bool     `json:"tp1_done,omitempty"`
	TP1Aborted   bool     `json:"tp1_aborted,omitempty"`
	TP1FilledQty int      `json:"tp1_filled_qty,omitempty"`
	PnlLegs      []PnlLeg `json:"pnl_legs,omitempty"`

	// Risk and edge.
	RiskInr          float64   `json:"risk_inr"`
	RiskPts          float64   `json:"risk_pts"`
	RR               float64   `json:"rr,omitempty"`
	EstChargesInr    float64   `json:"est_charges_inr,omitempty"`
	MinGreenInr      float64   `json:"min_green_inr,omitempty"`
	MinGreenPts      float64   `json:"min_green_pts,omitempty"`
	CostMeta         *CostMeta `json:"cost_meta,omitempty"`
	EntrySlippageBps float64   `json:"entry_slippage_bps,omitempty"`
	EntrySlippageInr float64   `json:"entry_slippage_inr,omitempty"`
	ExitSlippageBps  float64   `json:"exit_slippage_bps,omitempty"`
	ExitSlippageInr  float64   `json:"exit_slippage_inr,omitempty"`
	PeakLtp          float64   `json:"peak_ltp,omitempty"`
	BELocked         bool      `json:"be_locked,omitempty"`
	TrailSL          bool      `json:"trail_sl,omitempty"`

	// State.
	Status        TradeStatus            `json:"status"`
	CloseReason   string                 `json:"close_reason,omitempty"`
	ExitReason    string                 `json:"exit_reason,omitempty"`
	LastEvent     string                 `json:"last_event,omitempty"`
	LastEventAt   time.Time              `json:"last_event_at,omitempty"`
	LastEventMeta map[string]interface{} `json:"last_event_meta,omitempty"`

	// Feature flags captured at entry.
	TargetVirtual  bool `json:"target_virtual,omitempty"`
	DynExitDisabled bool `json:"dyn_exit_disabled,omitempty"`
	EntryFinalized bool `json:"entry_finalized,omitempty"`

	// Lifecycle timestamps.
	DecisionAt    time.Time `json:"decision_at"`
	EntryAt       time.Time `json:"entry_at,omitempty"`
	EntryFilledAt time.Time `json:"entry_filled_at,omitempty"`
	ExitAt        time.Time `json:"exit_at,omitempty"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// OCO bookkeeping.
	OCODoubleFillDetectedAt time.Time `json:"oco_double_fill_detected_at,omitempty"`
}

// IsActive reports whether the trade still needs management.
func (t *Trade) IsActive() bool {
	return !t.Status.IsTerminal()
}

// LiveQty returns the quantity currently exposed at the broker according
// to internal state: full qty once the entry filled, zero otherwise.
func (t *Trade) LiveQty() int {
	switch t.Status {
	case StatusEntryFilled, StatusLive, StatusRecoveryRehydrated, StatusGuardFailed:
		return t.Qty
	default:
		return 0
	}
}

// SignedQty is LiveQty signed by direction (long positive).
func (t *Trade) SignedQty() int {
	q := t.LiveQty()
	if t.Side == SideSell {
		return -q
	}
	return q
}

// RecordEvent stamps the last-event fields. Meta may be nil.
func (t *Trade) RecordEvent(event string, at time.Time, meta map[string]interface{}) {
	t.LastEvent = event
	t.LastEventAt = at
	t.LastEventMeta = meta
}

// UnrealizedPnl computes the open P&L at the given last price.
func (t *Trade) UnrealizedPnl(ltp float64) float64 {
	if t.EntryPrice == 0 || t.LiveQty() == 0 {
		return 0
	}
	diff := ltp - t.EntryPrice
	if t.Side == SideSell {
		diff = -diff
	}
	return diff * float64(t.LiveQty())
}

// RealizedPnl sums the recorded exit legs.
func (t *Trade) RealizedPnl() float64 {
	var total float64
	for _, leg := range t.PnlLegs {
		total += leg.PnlInr
	}
	return total
}

// SLImprovesOrEqual reports whether a proposed stop is at least as
// profit-favorable as the current one for the trade's direction. Used to
// enforce stop monotonicity once the breakeven lock engages.
func (t *Trade) SLImprovesOrEqual(proposed float64) bool {
	if t.StopLoss == 0 {
		return true
	}
	if t.Side == SideBuy {
		return proposed >= t.StopLoss
	}
	return proposed <= t.StopLoss
}

// OrderIDForRole maps a role to the trade's order reference for it.
func (t *Trade) OrderIDForRole(role OrderRole) string {
	switch role {
	case RoleEntry:
		return t.EntryOrderID
	case RoleSL:
		return t.SLOrderID
	case RoleTP1:
		return t.TP1OrderID
	case RoleTarget:
		return t.TargetOrderID
	case RolePanicExit:
		return t.PanicExitOrderID
	default:
		return ""
	}
}
