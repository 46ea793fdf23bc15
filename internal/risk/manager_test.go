package risk

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradexec/internal/config"
	"tradexec/internal/models"
	"tradexec/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Interface) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Risk.DailyMaxLossInr = 3000
	cfg.Risk.DailyProfitGoalInr = 5000
	cfg.Risk.MaxConsecFailures = 3
	cfg.Risk.StrategyCooldown = config.Duration(5 * time.Minute)
	cfg.Slippage.KillBps = 200
	cfg.Slippage.FeedbackWindow = 3
	cfg.Slippage.FeedbackMeanBps = 40
	cfg.Slippage.FeedbackCooldown = config.Duration(15 * time.Minute)

	m, err := NewManager(cfg, store, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return m, store
}

func TestKillSwitchLatchesUntilCleared(t *testing.T) {
	m, _ := newTestManager(t)

	m.Kill("oco double fill")
	killed, reason := m.Killed()
	assert.True(t, killed)
	assert.Equal(t, "oco double fill", reason)

	// Second kill does not overwrite the original reason.
	m.Kill("something else")
	_, reason = m.Killed()
	assert.Equal(t, "oco double fill", reason)

	m.ClearKill()
	killed, _ = m.Killed()
	assert.False(t, killed)
}

func TestConsecutiveFailuresEngageKill(t *testing.T) {
	m, _ := newTestManager(t)

	m.RecordFailure("256265", "entry rejected")
	m.RecordFailure("256265", "entry rejected")
	killed, _ := m.Killed()
	assert.False(t, killed)

	cooling, _ := m.InCooldown("256265")
	assert.True(t, cooling, "failures should start the per-key cooldown")

	m.RecordFailure("256265", "entry rejected")
	killed, reason := m.Killed()
	assert.True(t, killed)
	assert.Contains(t, reason, "consecutive entry failures")
}

func TestRecordSuccessResetsFailureRun(t *testing.T) {
	m, _ := newTestManager(t)
	m.RecordFailure("256265", "x")
	m.RecordFailure("256265", "x")
	m.RecordSuccess()
	assert.Zero(t, m.ConsecutiveFailures())

	m.RecordFailure("256265", "x")
	killed, _ := m.Killed()
	assert.False(t, killed)
}

func TestDailyStateTransitions(t *testing.T) {
	m, _ := newTestManager(t)

	state := m.UpdateOpenPnl(-1000)
	assert.Equal(t, models.DailyRunning, state)

	state = m.UpdateOpenPnl(-3200)
	assert.Equal(t, models.DailyHardStop, state)

	// Hard stop never relaxes, even if open P&L recovers.
	state = m.UpdateOpenPnl(500)
	assert.Equal(t, models.DailyHardStop, state)
}

func TestProfitGoalSoftStop(t *testing.T) {
	m, _ := newTestManager(t)

	m.RecordOpen(models.OpenPosition{Token: 256265, TradeID: "t-1", Side: models.SideBuy, Qty: 75})
	m.RecordClose(256265, 5500)

	state, reason := m.DailyState()
	assert.Equal(t, models.DailySoftStop, state)
	assert.Contains(t, reason, "profit goal")
	assert.False(t, m.HasOpenPosition(256265))
}

func TestBreakerTripStartsGlobalCooldown(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 2; i++ {
		assert.False(t, m.CountEvent(EventReject))
	}
	assert.True(t, m.CountEvent(EventReject), "third reject in 5m should trip")

	cooling, _ := m.InCooldown("any-token")
	assert.True(t, cooling, "breaker trip should cool down all entries")
}

func TestBreakerWindowExpires(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Now()
	now := base
	m.SetClock(func() time.Time { return now })

	assert.False(t, m.CountEvent(EventReject))
	assert.False(t, m.CountEvent(EventReject))

	now = base.Add(6 * time.Minute)
	assert.False(t, m.CountEvent(EventReject), "old hits should have aged out")
}

func TestSlippageSingleFillKill(t *testing.T) {
	m, _ := newTestManager(t)
	m.RecordEntrySlippage("256265", 250)
	killed, reason := m.Killed()
	assert.True(t, killed)
	assert.Contains(t, reason, "slippage")
}

func TestSlippageFeedbackCooldown(t *testing.T) {
	m, _ := newTestManager(t)

	m.RecordEntrySlippage("256265", 50)
	m.RecordEntrySlippage("256265", 50)
	cooling, _ := m.InCooldown("256265")
	assert.False(t, cooling, "window not yet full")

	m.RecordEntrySlippage("256265", 50)
	cooling, _ = m.InCooldown("256265")
	assert.True(t, cooling, "mean 50 bps over full window should cool down")

	killed, _ := m.Killed()
	assert.False(t, killed)
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := storage.New(path)
	require.NoError(t, err)

	cfg := config.Default()
	logger := log.New(io.Discard, "", 0)
	m, err := NewManager(cfg, store, logger)
	require.NoError(t, err)
	m.Kill("sl watchdog fired")
	m.RecordOpen(models.OpenPosition{Token: 256265, TradeID: "t-1", Side: models.SideBuy, Qty: 75})

	store2, err := storage.New(path)
	require.NoError(t, err)
	m2, err := NewManager(cfg, store2, logger)
	require.NoError(t, err)

	killed, reason := m2.Killed()
	assert.True(t, killed)
	assert.Equal(t, "sl watchdog fired", reason)
	assert.True(t, m2.HasOpenPosition(256265))
}
