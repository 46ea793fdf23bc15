// Package risk tracks the session-day brakes: the kill switch, daily
// P&L stops, consecutive-failure cooldowns, soft-error circuit breakers,
// the slippage feedback loop and the open-position registry. State is
// mirrored to storage so a restart resumes with the same brakes applied.
package risk

import (
	"fmt"
	"log"
	"sync"
	"time"

	"tradexec/internal/config"
	"tradexec/internal/models"
	"tradexec/internal/storage"
)

// CooldownGlobal is the registry key used when a breaker pauses all
// entries rather than a single instrument.
const CooldownGlobal = "__global__"

// Breaker event names counted over the rolling window.
const (
	EventReject      = "reject"
	EventSpreadSpike = "spread_spike"
	EventStaleTick   = "stale_tick"
	EventQuoteGuard  = "quote_guard"
)

const breakerWindow = 5 * time.Minute

// Manager owns all entry brakes. Methods are safe for concurrent use;
// the engine loop writes, the dashboard reads.
type Manager struct {
	mu sync.Mutex

	cfg      config.RiskConfig
	breakers config.BreakerConfig
	slip     config.SlippageConfig
	store    storage.Interface
	logger   *log.Logger
	loc      *time.Location
	now      func() time.Time

	date          string
	kill          bool
	killReason    string
	consecFails   int
	cooldownUntil map[string]time.Time
	openPositions map[int64]models.OpenPosition

	dailyState  models.DailyState
	stateReason string
	realizedPnl float64
	lastOpenPnl float64

	breakerHits map[string][]time.Time
	slipWindow  []float64
}

// NewManager builds a manager for the current session day, rehydrating
// any persisted state for that day.
func NewManager(cfg *config.Config, store storage.Interface, logger *log.Logger) (*Manager, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:           cfg.Risk,
		breakers:      cfg.Breakers,
		slip:          cfg.Slippage,
		store:         store,
		logger:        logger,
		loc:           loc,
		now:           time.Now,
		cooldownUntil: make(map[string]time.Time),
		openPositions: make(map[int64]models.OpenPosition),
		breakerHits:   make(map[string][]time.Time),
		dailyState:    models.DailyRunning,
	}
	m.date = m.sessionDate(m.now())
	if err := m.hydrate(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) sessionDate(t time.Time) string {
	return t.In(m.loc).Format("2006-01-02")
}

// Date returns the session day the manager is tracking.
func (m *Manager) Date() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.date
}

func (m *Manager) hydrate() error {
	rs, err := m.store.GetRiskState(m.date)
	if err != nil {
		return fmt.Errorf("hydrating risk state: %w", err)
	}
	if rs != nil {
		m.kill = rs.Kill
		m.killReason = rs.KillReason
		m.consecFails = rs.ConsecutiveFailures
		for key, ms := range rs.CooldownUntil {
			until := time.UnixMilli(ms)
			if until.After(m.now()) {
				m.cooldownUntil[key] = until
			}
		}
		for _, p := range rs.OpenPositions {
			m.openPositions[p.Token] = p
		}
		m.logger.Printf("risk: rehydrated state for %s kill=%v consec_failures=%d open=%d",
			m.date, m.kill, m.consecFails, len(m.openPositions))
	}
	dr, err := m.store.GetDailyRisk(m.date)
	if err != nil {
		return fmt.Errorf("hydrating daily risk: %w", err)
	}
	if dr != nil {
		m.realizedPnl = dr.RealizedPnl
		m.lastOpenPnl = dr.LastOpenPnl
		m.dailyState = dr.State
		m.stateReason = dr.StateReason
		if dr.Kill && !m.kill {
			m.kill = true
			m.killReason = dr.KillReason
		}
	}
	return nil
}

// Kill engages the kill switch. Only an operator can clear it.
func (m *Manager) Kill(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kill {
		return
	}
	m.kill = true
	m.killReason = reason
	m.logger.Printf("risk: KILL SWITCH engaged: %s", reason)
	m.persistLocked()
}

// ClearKill disengages the kill switch. Exposed for the operator
// endpoint only; nothing in the engine calls it.
func (m *Manager) ClearKill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.kill {
		return
	}
	m.kill = false
	m.killReason = ""
	m.logger.Printf("risk: kill switch cleared by operator")
	m.persistLocked()
}

// Killed reports the kill switch and its reason.
func (m *Manager) Killed() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kill, m.killReason
}

// DailyState returns the current day state and its reason.
func (m *Manager) DailyState() (models.DailyState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyState, m.stateReason
}

// RealizedPnl returns today's realized P&L in INR.
func (m *Manager) RealizedPnl() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realizedPnl
}

// InCooldown reports whether the key or the global registry entry is
// still cooling down.
func (m *Manager) InCooldown(key string) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if until, ok := m.cooldownUntil[CooldownGlobal]; ok && until.After(now) {
		return true, until
	}
	if until, ok := m.cooldownUntil[key]; ok && until.After(now) {
		return true, until
	}
	return false, time.Time{}
}

// StartCooldown pauses entries for the key until now+d.
func (m *Manager) StartCooldown(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCooldownLocked(key, d)
	m.persistLocked()
}

func (m *Manager) startCooldownLocked(key string, d time.Duration) {
	until := m.now().Add(d)
	if cur, ok := m.cooldownUntil[key]; ok && cur.After(until) {
		return
	}
	m.cooldownUntil[key] = until
	m.logger.Printf("risk: cooldown %s until %s", key, until.In(m.loc).Format("15:04:05"))
}

// HasOpenPosition reports whether the token already has a tracked
// position.
func (m *Manager) HasOpenPosition(token int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.openPositions[token]
	return ok
}

// OpenPositions returns a copy of the registry.
func (m *Manager) OpenPositions() []models.OpenPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OpenPosition, 0, len(m.openPositions))
	for _, p := range m.openPositions {
		out = append(out, p)
	}
	return out
}

// RecordOpen registers a filled entry in the position registry.
func (m *Manager) RecordOpen(pos models.OpenPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions[pos.Token] = pos
	m.persistLocked()
}

// RecordClose removes the position and books its realized P&L, then
// re-evaluates the daily state.
func (m *Manager) RecordClose(token int64, realizedPnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openPositions, token)
	m.realizedPnl += realizedPnl
	m.evaluateDayLocked(m.realizedPnl)
	m.persistLocked()
}

// RecordFailure books one failed entry attempt for the key. It starts
// the per-key cooldown and engages the kill switch after the configured
// run of consecutive failures.
func (m *Manager) RecordFailure(key, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecFails++
	m.logger.Printf("risk: entry failure #%d on %s: %s", m.consecFails, key, detail)
	if m.cfg.StrategyCooldown > 0 {
		m.startCooldownLocked(key, m.cfg.StrategyCooldown.Std())
	}
	if m.cfg.MaxConsecFailures > 0 && m.consecFails >= m.cfg.MaxConsecFailures {
		m.kill = true
		m.killReason = fmt.Sprintf("%d consecutive entry failures", m.consecFails)
		m.logger.Printf("risk: KILL SWITCH engaged: %s", m.killReason)
	}
	m.persistLocked()
}

// RecordSuccess resets the consecutive-failure counter.
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consecFails == 0 {
		return
	}
	m.consecFails = 0
	m.persistLocked()
}

// ConsecutiveFailures returns the current failure run length.
func (m *Manager) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecFails
}

// UpdateOpenPnl records the latest open P&L and re-evaluates the daily
// state against the loss and profit limits. Returns the new state.
func (m *Manager) UpdateOpenPnl(openPnl float64) models.DailyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpenPnl = openPnl
	m.evaluateDayLocked(m.realizedPnl + openPnl)
	m.persistDailyLocked()
	return m.dailyState
}

func (m *Manager) evaluateDayLocked(total float64) {
	// Stops only tighten during a session.
	if m.dailyState == models.DailyHardStop {
		return
	}
	if m.cfg.DailyMaxLossInr > 0 && total <= -m.cfg.DailyMaxLossInr {
		m.dailyState = models.DailyHardStop
		m.stateReason = fmt.Sprintf("daily loss %.0f breached limit %.0f", total, m.cfg.DailyMaxLossInr)
		m.logger.Printf("risk: HARD STOP: %s", m.stateReason)
		return
	}
	if m.dailyState == models.DailySoftStop {
		return
	}
	if m.cfg.DailyProfitGoalInr > 0 && total >= m.cfg.DailyProfitGoalInr {
		m.dailyState = models.DailySoftStop
		m.stateReason = fmt.Sprintf("profit goal %.0f reached", m.cfg.DailyProfitGoalInr)
		m.logger.Printf("risk: SOFT STOP: %s", m.stateReason)
	}
}

// CountEvent books one soft-error event and reports whether its rolling
// window just tripped the breaker. A trip starts the global cooldown.
func (m *Manager) CountEvent(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakers.Enabled {
		return false
	}
	now := m.now()
	hits := append(m.breakerHits[name], now)
	cutoff := now.Add(-breakerWindow)
	for len(hits) > 0 && hits[0].Before(cutoff) {
		hits = hits[1:]
	}
	m.breakerHits[name] = hits

	limit := 0
	switch name {
	case EventReject:
		limit = m.breakers.MaxRejects5m
	case EventSpreadSpike:
		limit = m.breakers.MaxSpreadSpikes5m
	case EventStaleTick:
		limit = m.breakers.MaxStaleTicks5m
	case EventQuoteGuard:
		limit = m.breakers.MaxQuoteGuard5m
	}
	if limit <= 0 || len(hits) < limit {
		return false
	}
	m.breakerHits[name] = nil
	m.logger.Printf("risk: breaker %s tripped (%d in %s)", name, len(hits), breakerWindow)
	m.startCooldownLocked(CooldownGlobal, m.breakers.Cooldown.Std())
	m.persistLocked()
	return true
}

// RecordEntrySlippage feeds one realized entry slippage figure, in bps
// of the expected price, into the feedback window. A single fill past
// the kill threshold engages the kill switch; a drifting window mean
// either pauses entries or kills, per config.
func (m *Manager) RecordEntrySlippage(key string, bps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slip.KillBps > 0 && bps >= m.slip.KillBps {
		m.kill = true
		m.killReason = fmt.Sprintf("entry slippage %.1f bps breached kill threshold %.1f", bps, m.slip.KillBps)
		m.logger.Printf("risk: KILL SWITCH engaged: %s", m.killReason)
		m.persistLocked()
		return
	}

	if m.slip.FeedbackWindow <= 0 {
		return
	}
	m.slipWindow = append(m.slipWindow, bps)
	if len(m.slipWindow) > m.slip.FeedbackWindow {
		m.slipWindow = m.slipWindow[len(m.slipWindow)-m.slip.FeedbackWindow:]
	}
	if len(m.slipWindow) < m.slip.FeedbackWindow {
		return
	}
	var sum float64
	for _, v := range m.slipWindow {
		sum += v
	}
	mean := sum / float64(len(m.slipWindow))
	if mean < m.slip.FeedbackMeanBps {
		return
	}
	m.slipWindow = nil
	if m.slip.FeedbackKill {
		m.kill = true
		m.killReason = fmt.Sprintf("mean entry slippage %.1f bps over last %d fills", mean, m.slip.FeedbackWindow)
		m.logger.Printf("risk: KILL SWITCH engaged: %s", m.killReason)
	} else {
		m.logger.Printf("risk: mean entry slippage %.1f bps over last %d fills, cooling down",
			mean, m.slip.FeedbackWindow)
		m.startCooldownLocked(key, m.slip.FeedbackCooldown.Std())
	}
	m.persistLocked()
}

// Rollover switches tracking to a new session day if the clock crossed
// midnight in the session timezone. Intraday state does not carry over.
func (m *Manager) Rollover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	date := m.sessionDate(m.now())
	if date == m.date {
		return
	}
	m.logger.Printf("risk: session rollover %s -> %s", m.date, date)
	m.date = date
	m.kill = false
	m.killReason = ""
	m.consecFails = 0
	m.cooldownUntil = make(map[string]time.Time)
	m.dailyState = models.DailyRunning
	m.stateReason = ""
	m.realizedPnl = 0
	m.lastOpenPnl = 0
	m.breakerHits = make(map[string][]time.Time)
	m.slipWindow = nil
	m.persistLocked()
}

func (m *Manager) persistLocked() {
	cooldowns := make(map[string]int64, len(m.cooldownUntil))
	now := m.now()
	for key, until := range m.cooldownUntil {
		if until.After(now) {
			cooldowns[key] = until.UnixMilli()
		}
	}
	positions := make([]models.OpenPosition, 0, len(m.openPositions))
	for _, p := range m.openPositions {
		positions = append(positions, p)
	}
	_, err := m.store.UpsertRiskState(m.date, func(rs *models.RiskState) {
		rs.Kill = m.kill
		rs.KillReason = m.killReason
		rs.ConsecutiveFailures = m.consecFails
		rs.CooldownUntil = cooldowns
		rs.OpenPositions = positions
	})
	if err != nil {
		m.logger.Printf("risk: persisting risk state: %v", err)
	}
	m.persistDailyLocked()
}

func (m *Manager) persistDailyLocked() {
	_, err := m.store.UpsertDailyRisk(m.date, func(d *models.DailyRisk) {
		d.RealizedPnl = m.realizedPnl
		d.LastOpenPnl = m.lastOpenPnl
		d.LastTotal = m.realizedPnl + m.lastOpenPnl
		d.State = m.dailyState
		d.StateReason = m.stateReason
		d.Kill = m.kill
		d.KillReason = m.killReason
	})
	if err != nil {
		m.logger.Printf("risk: persisting daily risk: %v", err)
	}
}
