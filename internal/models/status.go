// Package models provides data structures and state management for trades.
package models

// Side is the direction of a trade or order.
type Side string

// Trade and order directions.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reverse direction, used when placing exit legs.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Product is the broker product type for the position.
type Product string

// Supported product types.
const (
	ProductMIS  Product = "MIS"  // intraday, auto squared-off by broker
	ProductNRML Product = "NRML" // carry-forward
)

// OrderRole identifies which leg of a trade an order belongs to.
type OrderRole string

// Order roles linked to a trade.
const (
	RoleEntry           OrderRole = "ENTRY"
	RoleSL              OrderRole = "SL"
	RoleTP1             OrderRole = "TP1"
	RoleTarget          OrderRole = "TARGET"
	RolePanicExit       OrderRole = "PANIC_EXIT"
	RoleBrokerSquareoff OrderRole = "BROKER_SQUAREOFF"
)

// RoleCode returns the single-letter code used in broker order tags.
func (r OrderRole) RoleCode() string {
	switch r {
	case RoleEntry:
		return "E"
	case RoleSL:
		return "S"
	case RoleTarget:
		return "T"
	case RolePanicExit:
		return "P"
	case RoleTP1:
		return "1"
	default:
		return "X"
	}
}

// RoleFromCode is the inverse of RoleCode. Returns "" for unknown codes.
func RoleFromCode(code string) OrderRole {
	switch code {
	case "E":
		return RoleEntry
	case "S":
		return RoleSL
	case "T":
		return RoleTarget
	case "P":
		return RolePanicExit
	case "1":
		return RoleTP1
	default:
		return ""
	}
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

// Trade lifecycle states. Terminal states never transition back to a
// non-terminal state; see StateMachine.
const (
	StatusEntryPlaced        TradeStatus = "ENTRY_PLACED"
	StatusEntryOpen          TradeStatus = "ENTRY_OPEN"
	StatusEntryFilled        TradeStatus = "ENTRY_FILLED"
	StatusLive               TradeStatus = "LIVE"
	StatusRecoveryRehydrated TradeStatus = "RECOVERY_REHYDRATED"
	StatusGuardFailed        TradeStatus = "GUARD_FAILED"
	StatusEntryFailed        TradeStatus = "ENTRY_FAILED"
	StatusExitedTarget       TradeStatus = "EXITED_TARGET"
	StatusExitedSL           TradeStatus = "EXITED_SL"
	StatusClosed             TradeStatus = "CLOSED"
)

// DailyState is the trading state of the session day.
type DailyState string

// Daily risk states.
const (
	DailyRunning  DailyState = "RUNNING"
	DailySoftStop DailyState = "SOFT_STOP"
	DailyHardStop DailyState = "HARD_STOP"
)
