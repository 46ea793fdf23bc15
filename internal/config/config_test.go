package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	c, err := ParseClock("15:20")
	require.NoError(t, err)
	assert.Equal(t, Clock(15*60+20), c)

	c, err = ParseClock("9:05")
	require.NoError(t, err)
	assert.Equal(t, Clock(9*60+5), c)

	for _, bad := range []string{"", "1520", "25:00", "09:60", "aa:bb"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, "clock %q", bad)
	}
}

func TestClockAt(t *testing.T) {
	c, err := ParseClock("15:20")
	require.NoError(t, err)

	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	assert.False(t, c.At(day.Add(15*time.Hour+19*time.Minute)))
	assert.True(t, c.At(day.Add(15*time.Hour+20*time.Minute)))
	assert.True(t, c.At(day.Add(15*time.Hour+21*time.Minute)))
}

func TestParseWindow(t *testing.T) {
	from, to, err := ParseWindow("10:00-11:30")
	require.NoError(t, err)
	assert.Equal(t, Clock(600), from)
	assert.Equal(t, Clock(690), to)

	_, _, err = ParseWindow("11:00-10:00")
	assert.Error(t, err)
	_, _, err = ParseWindow("10:00")
	assert.Error(t, err)
}

func TestInNoTradeWindowHalfOpen(t *testing.T) {
	cfg := Default()
	cfg.Pacing.NoTradeWindows = []string{"09:15-09:30", "12:00-12:30"}

	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	assert.True(t, cfg.InNoTradeWindow(day.Add(9*time.Hour+15*time.Minute)))
	assert.True(t, cfg.InNoTradeWindow(day.Add(12*time.Hour+29*time.Minute)))
	assert.False(t, cfg.InNoTradeWindow(day.Add(9*time.Hour+30*time.Minute)))
	assert.False(t, cfg.InNoTradeWindow(day.Add(10*time.Hour)))
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "dry-run" }, "environment.mode"},
		{"live without credentials", func(c *Config) { c.Environment.Mode = "live" }, "live mode"},
		{"zero risk", func(c *Config) { c.Risk.RiskPerTradeInr = 0 }, "risk_per_trade_inr"},
		{"bad lot policy", func(c *Config) { c.Risk.LotPolicy = "YOLO" }, "lot_policy"},
		{"bad target mode", func(c *Config) { c.Options.TargetMode = "MAGIC" }, "target_mode"},
		{"bad flatten clock", func(c *Config) { c.Schedule.ForceFlattenAt = "25:99" }, "force_flatten_at"},
		{"bad window", func(c *Config) { c.Pacing.NoTradeWindows = []string{"garbage"} }, "no_trade_windows"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Setenv("TEST_ACCESS_TOKEN", "tok-123")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  access_token: ${TEST_ACCESS_TOKEN}
risk:
  risk_per_trade_inr: 1500
  strategy_cooldown: 90s
reconcile:
  debounce: 250ms
schedule:
  force_flatten_at: "15:10"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tok-123", cfg.Broker.AccessToken)
	assert.InDelta(t, 1500, cfg.Risk.RiskPerTradeInr, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Risk.StrategyCooldown.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Reconcile.Debounce.Std())
	assert.Equal(t, "15:10", cfg.Schedule.ForceFlattenAt)

	// Untouched sections keep their defaults.
	assert.InDelta(t, 3000, cfg.Risk.DailyMaxLossInr, 1e-9)
	assert.Equal(t, "paper", cfg.Environment.Mode)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk:\n  lot_policy: YOLO\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "lot_policy")
}

func TestDurationUnmarshalsBareSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconcile:\n  interval: 45\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Reconcile.Interval.Std())
}
