// Package storage provides durable persistence for trades, order links,
// orphan postbacks, live-order snapshots, order logs and daily risk.
package storage

import (
	"errors"
	"time"

	"tradexec/internal/models"
)

// Sentinel errors returned by the store.
var (
	ErrTradeNotFound     = errors.New("storage: trade not found")
	ErrDuplicateTrade    = errors.New("storage: trade id already exists")
	ErrDuplicateLink     = errors.New("storage: order id already linked")
	ErrLinkNotFound      = errors.New("storage: order link not found")
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// Interface is the contract for the trade store.
//
// Implementations must be safe for concurrent use. The JSON implementation
// serializes access with a sync.RWMutex and persists with atomic renames,
// mirroring how state survives restarts. All multi-step updates are
// conditional upserts; trade-status invariants are enforced inside
// UpdateTrade through the state machine.
type Interface interface {
	// Trades.
	InsertTrade(t *models.Trade) error
	// UpdateTrade applies mutate to a copy of the trade and commits it if
	// mutate succeeds and any status change is a valid transition.
	UpdateTrade(id string, mutate func(*models.Trade) error) (*models.Trade, error)
	GetTrade(id string) (*models.Trade, error)
	// GetActiveTrades returns all non-terminal trades.
	GetActiveTrades() []models.Trade
	// GetTradesClosedSince returns terminal trades whose ClosedAt falls
	// after the cutoff, newest first. Used by the position-first checks.
	GetTradesClosedSince(cutoff time.Time) []models.Trade

	// Order links.
	LinkOrder(link models.OrderLink) error
	FindLinkByOrder(orderID string) (*models.OrderLink, error)
	GetLinksByTrade(tradeID string) []models.OrderLink

	// Orphan postback queue.
	SaveOrphanOrderUpdate(o models.OrphanOrderUpdate) error
	// PopOrphanOrderUpdates removes and returns all queued updates for
	// the order id, oldest first.
	PopOrphanOrderUpdates(orderID string) []models.OrphanOrderUpdate
	DeadLetterOrphan(o models.OrphanOrderUpdate, reason string) error
	// PendingOrphans returns queued orphans older than the given age.
	PendingOrphans(olderThan time.Duration) []models.OrphanOrderUpdate

	// Order logs (append-only).
	AppendOrderLog(l models.OrderLog) error
	GetOrderLogs(orderID string) []models.OrderLog

	// Live-order snapshots.
	UpsertLiveOrderSnapshot(tradeID, orderID string, entry models.SnapshotEntry) error
	GetLiveOrderSnapshotsByTradeIDs(tradeIDs []string) map[string]models.LiveOrderSnapshot

	// Daily risk and risk state, keyed by session day (YYYY-MM-DD).
	UpsertDailyRisk(date string, mutate func(*models.DailyRisk)) (*models.DailyRisk, error)
	GetDailyRisk(date string) (*models.DailyRisk, error)
	UpsertRiskState(date string, mutate func(*models.RiskState)) (*models.RiskState, error)
	GetRiskState(date string) (*models.RiskState, error)

	// Persistence.
	Save() error
	Load() error
}

// New creates the default JSON-backed store.
func New(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface.
var _ Interface = (*JSONStorage)(nil)
