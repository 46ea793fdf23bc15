package models

import (
	"time"

	"tradexec/internal/broker"
)

// OrderLink maps a broker order id to the trade and leg it belongs to.
// Unique by OrderID.
type OrderLink struct {
	OrderID   string    `json:"order_id"`
	TradeID   string    `json:"trade_id"`
	Role      OrderRole `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// OrphanOrderUpdate queues a broker postback that arrived before its
// OrderLink existed. It is replayed when the link appears and
// dead-lettered after bounded retries.
type OrphanOrderUpdate struct {
	OrderID   string       `json:"order_id"`
	Update    broker.Order `json:"update"`
	Attempts  int          `json:"attempts"`
	CreatedAt time.Time    `json:"created_at"`
}

// DeadLetteredOrphan is an orphan postback that exhausted its replays.
type DeadLetteredOrphan struct {
	OrphanOrderUpdate
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
	Reason         string    `json:"reason"`
}

// SnapshotEntry is the last-known broker order object for one leg of a
// trade, used to hydrate after restart and to detect regressing updates.
type SnapshotEntry struct {
	Order  broker.Order       `json:"order"`
	Status broker.OrderStatus `json:"status"`
	Role   OrderRole          `json:"role"`
	Source string             `json:"source"` // postback | reconcile
	SeenAt time.Time          `json:"seen_at"`
}

// LiveOrderSnapshot groups snapshot entries per trade, keyed by order id.
type LiveOrderSnapshot struct {
	TradeID   string                   `json:"trade_id"`
	ByOrderID map[string]SnapshotEntry `json:"by_order_id"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// OrderLog is one append-only audit record of a broker order event.
type OrderLog struct {
	OrderID   string             `json:"order_id"`
	TradeID   string             `json:"trade_id,omitempty"`
	Role      OrderRole          `json:"role,omitempty"`
	Status    broker.OrderStatus `json:"status"`
	Event     string             `json:"event"`
	Detail    string             `json:"detail,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// DailyRisk is the persisted session-day risk record.
type DailyRisk struct {
	Date         string     `json:"date"` // YYYY-MM-DD
	RealizedPnl  float64    `json:"realized_pnl"`
	LastOpenPnl  float64    `json:"last_open_pnl"`
	LastTotal    float64    `json:"last_total"`
	State        DailyState `json:"state"`
	StateReason  string     `json:"state_reason,omitempty"`
	Kill         bool       `json:"kill"`
	KillReason   string     `json:"kill_reason,omitempty"`
	OrdersPlaced int        `json:"orders_placed"`
	LastTradeID  string     `json:"last_trade_id,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// OpenPosition is one entry of the risk-state open-position registry.
type OpenPosition struct {
	Token   int64  `json:"token"`
	TradeID string `json:"trade_id"`
	Side    Side   `json:"side"`
	Qty     int    `json:"qty"`
}

// RiskState is the per-day process mirror of in-memory risk state,
// persisted so a restart resumes with the same brakes applied.
type RiskState struct {
	Date                string           `json:"date"`
	Kill                bool             `json:"kill"`
	KillReason          string           `json:"kill_reason,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	OpenPositions       []OpenPosition   `json:"open_positions,omitempty"`
	CooldownUntil       map[string]int64 `json:"cooldown_until,omitempty"` // tokenKey -> epoch ms
	UpdatedAt           time.Time        `json:"updated_at"`
}
