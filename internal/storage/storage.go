package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"tradexec/internal/models"
)

// orphanTTL bounds how long an orphan postback stays queued before it is
// eligible for cleanup.
const orphanTTL = 6 * time.Hour

// maxOrderLogs caps the in-file order log length; older entries roll off.
const maxOrderLogs = 5000

// JSONStorage persists everything in one JSON file with atomic renames.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *storageData
	now      func() time.Time
}

type storageData struct {
	Trades      map[string]*models.Trade              `json:"trades"`
	OrderLinks  map[string]models.OrderLink           `json:"order_links"`
	Orphans     map[string][]models.OrphanOrderUpdate `json:"orphan_order_updates"`
	OrphansDLQ  []models.DeadLetteredOrphan           `json:"orphan_order_updates_dlq"`
	OrderLogs   []models.OrderLog                     `json:"order_logs"`
	Snapshots   map[string]models.LiveOrderSnapshot   `json:"live_order_snapshots"`
	DailyRisk   map[string]models.DailyRisk           `json:"daily_risk"`
	RiskState   map[string]models.RiskState           `json:"risk_state"`
	LastUpdated time.Time                             `json:"last_updated"`
}

func newStorageData() *storageData {
	return &storageData{
		Trades:     make(map[string]*models.Trade),
		OrderLinks: make(map[string]models.OrderLink),
		Orphans:    make(map[string][]models.OrphanOrderUpdate),
		Snapshots:  make(map[string]models.LiveOrderSnapshot),
		DailyRisk:  make(map[string]models.DailyRisk),
		RiskState:  make(map[string]models.RiskState),
	}
}

// NewJSONStorage opens (or creates) the store at the given path.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		data:     newStorageData(),
		now:      time.Now,
	}
	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

// Load reads the backing file into memory.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := newStorageData()
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	// Maps may be nil in files written by older versions.
	if data.Trades == nil {
		data.Trades = make(map[string]*models.Trade)
	}
	if data.OrderLinks == nil {
		data.OrderLinks = make(map[string]models.OrderLink)
	}
	if data.Orphans == nil {
		data.Orphans = make(map[string][]models.OrphanOrderUpdate)
	}
	if data.Snapshots == nil {
		data.Snapshots = make(map[string]models.LiveOrderSnapshot)
	}
	if data.DailyRisk == nil {
		data.DailyRisk = make(map[string]models.DailyRisk)
	}
	if data.RiskState == nil {
		data.RiskState = make(map[string]models.RiskState)
	}
	s.data = data
	s.pruneExpiredOrphansLocked()
	return nil
}

// Save writes the store to disk via a temp file and atomic rename.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = s.now().UTC()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filepath)
}

// --- Trades ---

// InsertTrade adds a new trade; the id must be unused.
func (s *JSONStorage) InsertTrade(t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Trades[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, t.ID)
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	cp.UpdatedAt = s.now().UTC()
	s.data.Trades[t.ID] = &cp
	return s.saveLocked()
}

// UpdateTrade applies mutate to a copy of the trade. If mutate changes the
// status, the edge is validated against the state machine before commit;
// an invalid transition rejects the whole patch.
func (s *JSONStorage) UpdateTrade(id string, mutate func(*models.Trade) error) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	working := *existing
	prevStatus := working.Status
	if err := mutate(&working); err != nil {
		return nil, err
	}
	if working.ID != id {
		return nil, fmt.Errorf("storage: trade id is immutable")
	}
	if working.Status != prevStatus {
		if !models.CanTransition(prevStatus, working.Status) {
			return nil, fmt.Errorf("%w: %s -> %s (trade %s)",
				ErrInvalidTransition, prevStatus, working.Status, id)
		}
		if working.Status == models.StatusClosed && working.ClosedAt.IsZero() {
			working.ClosedAt = s.now().UTC()
		}
	}
	working.UpdatedAt = s.now().UTC()
	s.data.Trades[id] = &working
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	result := working
	return &result, nil
}

// GetTrade returns a copy of the trade.
func (s *JSONStorage) GetTrade(id string) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data.Trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	cp := *t
	return &cp, nil
}

// GetActiveTrades returns all non-terminal trades, most recently updated
// first.
func (s *JSONStorage) GetActiveTrades() []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []models.Trade
	for _, t := range s.data.Trades {
		if !t.Status.IsTerminal() {
			active = append(active, *t)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].UpdatedAt.After(active[j].UpdatedAt)
	})
	return active
}

// GetTradesClosedSince returns terminal trades closed after the cutoff,
// newest first.
func (s *JSONStorage) GetTradesClosedSince(cutoff time.Time) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var closed []models.Trade
	for _, t := range s.data.Trades {
		if t.Status.IsTerminal() && !t.ClosedAt.IsZero() && t.ClosedAt.After(cutoff) {
			closed = append(closed, *t)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(closed[j].ClosedAt)
	})
	return closed
}

// --- Order links ---

// LinkOrder records an order->trade link; order ids are unique.
func (s *JSONStorage) LinkOrder(link models.OrderLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.OrderLinks[link.OrderID]; ok {
		if existing.TradeID == link.TradeID && existing.Role == link.Role {
			return nil // idempotent re-link
		}
		return fmt.Errorf("%w: %s", ErrDuplicateLink, link.OrderID)
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now().UTC()
	}
	s.data.OrderLinks[link.OrderID] = link
	return s.saveLocked()
}

// FindLinkByOrder returns the link for an order id.
func (s *JSONStorage) FindLinkByOrder(orderID string) (*models.OrderLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.data.OrderLinks[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLinkNotFound, orderID)
	}
	cp := link
	return &cp, nil
}

// GetLinksByTrade returns all links for a trade, oldest first.
func (s *JSONStorage) GetLinksByTrade(tradeID string) []models.OrderLink {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var links []models.OrderLink
	for _, l := range s.data.OrderLinks {
		if l.TradeID == tradeID {
			links = append(links, l)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
	return links
}

// --- Orphan postbacks ---

// SaveOrphanOrderUpdate queues a postback whose link does not exist yet.
func (s *JSONStorage) SaveOrphanOrderUpdate(o models.OrphanOrderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}
	s.data.Orphans[o.OrderID] = append(s.data.Orphans[o.OrderID], o)
	return s.saveLocked()
}

// PopOrphanOrderUpdates drains all queued updates for an order id.
func (s *JSONStorage) PopOrphanOrderUpdates(orderID string) []models.OrphanOrderUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.data.Orphans[orderID]
	if len(queued) == 0 {
		return nil
	}
	delete(s.data.Orphans, orderID)
	if err := s.saveLocked(); err != nil {
		// Re-queue on save failure so nothing is silently dropped.
		s.data.Orphans[orderID] = queued
		return nil
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	return queued
}

// DeadLetterOrphan moves an orphan to the DLQ after bounded retries.
func (s *JSONStorage) DeadLetterOrphan(o models.OrphanOrderUpdate, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.OrphansDLQ = append(s.data.OrphansDLQ, models.DeadLetteredOrphan{
		OrphanOrderUpdate: o,
		DeadLetteredAt:    s.now().UTC(),
		Reason:            reason,
	})
	// Remove any still-queued copies for the same order.
	delete(s.data.Orphans, o.OrderID)
	return s.saveLocked()
}

// PendingOrphans returns queued orphans older than the given age, oldest
// first. Expired entries are pruned on the way.
func (s *JSONStorage) PendingOrphans(olderThan time.Duration) []models.OrphanOrderUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneExpiredOrphansLocked()
	cutoff := s.now().Add(-olderThan)
	var pending []models.OrphanOrderUpdate
	for _, queue := range s.data.Orphans {
		for _, o := range queue {
			if o.CreatedAt.Before(cutoff) {
				pending = append(pending, o)
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

func (s *JSONStorage) pruneExpiredOrphansLocked() {
	expiry := s.now().Add(-orphanTTL)
	for orderID, queue := range s.data.Orphans {
		var kept []models.OrphanOrderUpdate
		for _, o := range queue {
			if o.CreatedAt.After(expiry) {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(s.data.Orphans, orderID)
		} else {
			s.data.Orphans[orderID] = kept
		}
	}
}

// --- Order logs ---

// AppendOrderLog appends an audit record, rolling off the oldest entries
// past the cap.
func (s *JSONStorage) AppendOrderLog(l models.OrderLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	s.data.OrderLogs = append(s.data.OrderLogs, l)
	if len(s.data.OrderLogs) > maxOrderLogs {
		s.data.OrderLogs = s.data.OrderLogs[len(s.data.OrderLogs)-maxOrderLogs:]
	}
	return s.saveLocked()
}

// GetOrderLogs returns all logs for an order id, newest first.
func (s *JSONStorage) GetOrderLogs(orderID string) []models.OrderLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var logs []models.OrderLog
	for _, l := range s.data.OrderLogs {
		if l.OrderID == orderID {
			logs = append(logs, l)
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
	return logs
}

// --- Live-order snapshots ---

// UpsertLiveOrderSnapshot records the last-known broker order object for
// one leg of a trade.
func (s *JSONStorage) UpsertLiveOrderSnapshot(tradeID, orderID string, entry models.SnapshotEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.data.Snapshots[tradeID]
	if !ok {
		snap = models.LiveOrderSnapshot{
			TradeID:   tradeID,
			ByOrderID: make(map[string]models.SnapshotEntry),
		}
	}
	if snap.ByOrderID == nil {
		snap.ByOrderID = make(map[string]models.SnapshotEntry)
	}
	if entry.SeenAt.IsZero() {
		entry.SeenAt = s.now().UTC()
	}
	snap.ByOrderID[orderID] = entry
	snap.UpdatedAt = s.now().UTC()
	s.data.Snapshots[tradeID] = snap
	return s.saveLocked()
}

// GetLiveOrderSnapshotsByTradeIDs returns snapshots for the given trades.
func (s *JSONStorage) GetLiveOrderSnapshotsByTradeIDs(tradeIDs []string) map[string]models.LiveOrderSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.LiveOrderSnapshot, len(tradeIDs))
	for _, id := range tradeIDs {
		if snap, ok := s.data.Snapshots[id]; ok {
			cp := models.LiveOrderSnapshot{
				TradeID:   snap.TradeID,
				ByOrderID: make(map[string]models.SnapshotEntry, len(snap.ByOrderID)),
				UpdatedAt: snap.UpdatedAt,
			}
			for k, v := range snap.ByOrderID {
				cp.ByOrderID[k] = v
			}
			out[id] = cp
		}
	}
	return out
}

// --- Daily risk / risk state ---

// UpsertDailyRisk mutates the day's risk record, creating it if needed.
func (s *JSONStorage) UpsertDailyRisk(date string, mutate func(*models.DailyRisk)) (*models.DailyRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.DailyRisk[date]
	if !ok {
		rec = models.DailyRisk{Date: date, State: models.DailyRunning}
	}
	mutate(&rec)
	rec.Date = date
	rec.UpdatedAt = s.now().UTC()
	s.data.DailyRisk[date] = rec
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	cp := rec
	return &cp, nil
}

// GetDailyRisk returns the day's risk record, or nil when absent.
func (s *JSONStorage) GetDailyRisk(date string) (*models.DailyRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data.DailyRisk[date]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

// UpsertRiskState mutates the day's risk state, creating it if needed.
func (s *JSONStorage) UpsertRiskState(date string, mutate func(*models.RiskState)) (*models.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.RiskState[date]
	if !ok {
		rec = models.RiskState{Date: date, CooldownUntil: make(map[string]int64)}
	}
	if rec.CooldownUntil == nil {
		rec.CooldownUntil = make(map[string]int64)
	}
	mutate(&rec)
	rec.Date = date
	rec.UpdatedAt = s.now().UTC()
	s.data.RiskState[date] = rec
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	cp := rec
	return &cp, nil
}

// GetRiskState returns the day's risk state, or nil when absent.
func (s *JSONStorage) GetRiskState(date string) (*models.RiskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data.RiskState[date]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}
