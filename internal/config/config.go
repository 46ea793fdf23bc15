// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Stream      StreamConfig      `yaml:"stream"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Orders      OrderConfig       `yaml:"orders"`
	Rate        RateConfig        `yaml:"rate"`
	Risk        RiskConfig        `yaml:"risk"`
	Slippage    SlippageConfig    `yaml:"slippage"`
	Stops       StopConfig        `yaml:"stops"`
	Watchdogs   WatchdogConfig    `yaml:"watchdogs"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Breakers    BreakerConfig     `yaml:"circuit_breakers"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	ExitPlan    ExitPlanConfig    `yaml:"exit_plan"`
	Costs       CostConfig        `yaml:"costs"`
	Options     OptionConfig      `yaml:"options"`
	Instruments InstrumentsConfig `yaml:"instruments"`
}

// EnvironmentConfig defines runtime mode settings.
type EnvironmentConfig struct {
	Mode                 string `yaml:"mode"` // paper | live
	TradingEnabled       bool   `yaml:"trading_enabled"`
	HardFlattenOnRestart bool   `yaml:"hard_flatten_on_restart"`
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	AccessToken string   `yaml:"access_token"`
	Timeout     Duration `yaml:"timeout"`
	ReqPerSec   float64  `yaml:"req_per_sec"`
}

// StreamConfig defines the tick/postback websocket settings.
type StreamConfig struct {
	URL              string   `yaml:"url"`
	ReconnectMin     Duration `yaml:"reconnect_min"`
	ReconnectMax     Duration `yaml:"reconnect_max"`
	StaleTickAfter   Duration `yaml:"stale_tick_after"`
	InstrumentTokens []int64  `yaml:"instrument_tokens"`
}

// StorageConfig defines the state file location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only status server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// OrderConfig defines order placement controls.
type OrderConfig struct {
	DefaultProduct          string   `yaml:"default_product"` // MIS | NRML
	DefaultVariety          string   `yaml:"default_variety"`
	EntryOrderType          string   `yaml:"entry_order_type"` // MARKET | LIMIT
	EntryOrderTypeOpt       string   `yaml:"entry_order_type_opt"` // override for options
	EnforceMarketProtection bool     `yaml:"enforce_market_protection"`
	MarketProtection        float64  `yaml:"market_protection"`
	EntryLimitTimeout       Duration `yaml:"entry_limit_timeout"`
}

// RateConfig defines order-rate budgets for this process and the broker
// mirror.
type RateConfig struct {
	MaxOrdersPerSec       int `yaml:"max_orders_per_sec"`
	MaxOrdersPerMin       int `yaml:"max_orders_per_min"`
	MaxOrdersPerDay       int `yaml:"max_orders_per_day"`
	BrokerMaxOrdersPerSec int `yaml:"broker_max_orders_per_sec"`
	BrokerMaxOrdersPerMin int `yaml:"broker_max_orders_per_min"`
}

// RiskConfig defines per-trade and daily risk limits.
type RiskConfig struct {
	RiskPerTradeInr       float64  `yaml:"risk_per_trade_inr"`
	DailyMaxLossInr       float64  `yaml:"daily_max_loss_inr"`
	DailyProfitGoalInr    float64  `yaml:"daily_profit_goal_inr"`
	MaxPositionValueInr   float64  `yaml:"max_position_value_inr"`
	LotRiskCapEnforce     bool     `yaml:"lot_risk_cap_enforce"`
	LotRiskCapEpsPct      float64  `yaml:"lot_risk_cap_eps_pct"`
	LotPolicy             string   `yaml:"lot_policy"` // STRICT | FORCE_ONE_LOT
	MaxConsecFailures     int      `yaml:"max_consec_failures"`
	AutoFlattenOnHardStop bool     `yaml:"auto_flatten_on_hard_stop"`
	StrategyCooldown      Duration `yaml:"strategy_cooldown"`
}

// SlippageConfig defines entry slippage limits and the feedback window.
type SlippageConfig struct {
	MaxEntryBps      float64  `yaml:"max_entry_bps"`
	MaxEntryBpsOpt   float64  `yaml:"max_entry_bps_opt"`
	KillBps          float64  `yaml:"kill_bps"`
	FeedbackWindow   int      `yaml:"feedback_window"`
	FeedbackMeanBps  float64  `yaml:"feedback_mean_bps"`
	FeedbackCooldown Duration `yaml:"feedback_cooldown"`
	FeedbackKill     bool     `yaml:"feedback_kill"`
}

// StopConfig defines stop-loss and target placement behavior.
type StopConfig struct {
	SLOrderTypeEq      string  `yaml:"sl_order_type_eq"` // SL | SL-M
	SLOrderTypeFO      string  `yaml:"sl_order_type_fo"`
	SLLimitBufferBps   float64 `yaml:"sl_limit_buffer_bps"`
	SLLimitBufferTicks int     `yaml:"sl_limit_buffer_ticks"`
	SLLimitBufferAbs   float64 `yaml:"sl_limit_buffer_abs"`
	SLLimitMaxBps      float64 `yaml:"sl_limit_max_bps"`
	RRTarget           float64 `yaml:"rr_target"`
	MinSLTicks         int     `yaml:"min_sl_ticks"`
	MaxSLPctAway       float64 `yaml:"max_sl_pct_away"`
	TP1Enabled         bool    `yaml:"tp1_enabled"`
	TP1RR              float64 `yaml:"tp1_rr"`
	TP1QtyPct          float64 `yaml:"tp1_qty_pct"`
	BEBufferTicks      int     `yaml:"be_buffer_ticks"`
}

// WatchdogLegConfig configures one exit-leg watchdog.
type WatchdogLegConfig struct {
	Enabled          bool     `yaml:"enabled"`
	OpenFor          Duration `yaml:"open_for"`
	RequireLtpBreach bool     `yaml:"require_ltp_breach"`
	TriggerBpsBuffer float64  `yaml:"trigger_bps_buffer"`
	KillSwitchOnFire bool     `yaml:"kill_switch_on_fire"`
	Retries          int      `yaml:"retries"`
}

// WatchdogConfig groups the watchdog settings.
type WatchdogConfig struct {
	SL     WatchdogLegConfig `yaml:"sl"`
	Target WatchdogLegConfig `yaml:"target"`

	PanicExitFillTimeout  Duration `yaml:"panic_exit_fill_timeout"`
	PanicExitMaxRetries   int      `yaml:"panic_exit_max_retries"`
	PanicLimitFallbackBps float64  `yaml:"panic_limit_fallback_bps"`
}

// ReconcileConfig defines reconciler cadence and OCO safety checks.
type ReconcileConfig struct {
	Interval              Duration `yaml:"interval"`
	OnOrderUpdate         bool     `yaml:"on_order_update"`
	Debounce              Duration `yaml:"debounce"`
	OCOPositionReconciler bool     `yaml:"oco_position_reconciler"`
	OCOFlatGrace          Duration `yaml:"oco_flat_grace"`
	ClosedLookback        Duration `yaml:"closed_lookback"`
	OrphanMaxAttempts     int      `yaml:"orphan_max_attempts"`
}

// PacingConfig defines entry gating thresholds.
type PacingConfig struct {
	MinSignalConfidence float64  `yaml:"min_signal_confidence"`
	MaxSpreadBps        float64  `yaml:"max_spread_bps"`
	MaxSpreadBpsOpt     float64  `yaml:"max_spread_bps_opt"`
	MinDepthQty         int      `yaml:"min_depth_qty"`
	MaxQuoteAge         Duration `yaml:"max_quote_age"`
	MinHealthScore      float64  `yaml:"min_health_score"`
	MinATRPct           float64  `yaml:"min_atr_pct"`
	MaxATRPct           float64  `yaml:"max_atr_pct"`
	MinRelVolume        float64  `yaml:"min_rel_volume"`
	NoTradeWindows      []string `yaml:"no_trade_windows"` // "HH:MM-HH:MM"
	IVThetaEdgeMult     float64  `yaml:"iv_theta_edge_mult"`
	CostGateMult        float64  `yaml:"cost_gate_mult"`
}

// BreakerConfig defines soft-error circuit breakers.
type BreakerConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MaxRejects5m      int      `yaml:"max_rejects_5m"`
	MaxSpreadSpikes5m int      `yaml:"max_spread_spikes_5m"`
	MaxStaleTicks5m   int      `yaml:"max_stale_ticks_5m"`
	MaxQuoteGuard5m   int      `yaml:"max_quote_guard_hits_5m"`
	Cooldown          Duration `yaml:"cooldown"`
}

// ScheduleConfig defines session timing.
type ScheduleConfig struct {
	Timezone       string `yaml:"timezone"`
	ForceFlattenAt string `yaml:"force_flatten_at"` // "HH:MM"
	EodConvertAt   string `yaml:"eod_mis_to_nrml_at"` // "HH:MM", empty disables
}

// ExitPlanConfig defines dynamic exit planner thresholds.
type ExitPlanConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Interval          Duration `yaml:"interval"`
	BELockCostMult    float64  `yaml:"be_lock_cost_mult"`
	TrailArmR         float64  `yaml:"trail_arm_r"`
	TrailATRMult      float64  `yaml:"trail_atr_mult"`
	ATRPeriod         int      `yaml:"atr_period"`
	TimeStopAfter     Duration `yaml:"time_stop_after"`
	HardTrailGiveBack float64  `yaml:"hard_trail_give_back"`
}

// CostConfig defines the all-in cost model.
type CostConfig struct {
	BrokeragePerOrderInr float64 `yaml:"brokerage_per_order_inr"`
	STTPctSell           float64 `yaml:"stt_pct_sell"`
	ExchTxnPct           float64 `yaml:"exch_txn_pct"`
	GSTPct               float64 `yaml:"gst_pct"`
	SEBIPct              float64 `yaml:"sebi_pct"`
	StampPctBuy          float64 `yaml:"stamp_pct_buy"`
}

// OptionConfig defines option routing behavior.
type OptionConfig struct {
	Enabled    bool    `yaml:"enabled"`
	TargetMode string  `yaml:"target_mode"` // BROKER | VIRTUAL
	SLMode     string  `yaml:"sl_mode"` // PCT | POINTS | UNDERLYING
	StopPct    float64 `yaml:"stop_pct"`
	SLPoints   float64 `yaml:"sl_points"`
}

// InstrumentsConfig points at the contract catalog file. The catalog is
// a JSON array of instrument records keyed by token, refreshed out of
// band from the broker's instrument dump.
type InstrumentsConfig struct {
	Path string `yaml:"path"`
}

// Load reads, expands and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}
	data, err := os.ReadFile(configPath) // #nosec G304 -- user-provided config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a config with conservative defaults; Load overlays the
// file on top of it.
func Default() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "paper", TradingEnabled: true},
		Broker:      BrokerConfig{Timeout: Duration(7 * time.Second), ReqPerSec: 8},
		Stream: StreamConfig{
			ReconnectMin:   Duration(500 * time.Millisecond),
			ReconnectMax:   Duration(30 * time.Second),
			StaleTickAfter: Duration(10 * time.Second),
		},
		Storage:   StorageConfig{Path: "state.json"},
		Dashboard: DashboardConfig{Enabled: true, Listen: ":9090"},
		Orders: OrderConfig{
			DefaultProduct:    "MIS",
			DefaultVariety:    "regular",
			EntryOrderType:    "LIMIT",
			EntryOrderTypeOpt: "LIMIT",
			EntryLimitTimeout: Duration(20 * time.Second),
		},
		Rate: RateConfig{
			MaxOrdersPerSec:       5,
			MaxOrdersPerMin:       60,
			MaxOrdersPerDay:       200,
			BrokerMaxOrdersPerSec: 10,
			BrokerMaxOrdersPerMin: 200,
		},
		Risk: RiskConfig{
			RiskPerTradeInr:   1000,
			DailyMaxLossInr:   3000,
			LotRiskCapEnforce: true,
			LotRiskCapEpsPct:  10,
			LotPolicy:         "STRICT",
			MaxConsecFailures: 3,
			StrategyCooldown:  Duration(5 * time.Minute),
		},
		Slippage: SlippageConfig{
			MaxEntryBps:      25,
			MaxEntryBpsOpt:   80,
			KillBps:          200,
			FeedbackWindow:   10,
			FeedbackMeanBps:  40,
			FeedbackCooldown: Duration(15 * time.Minute),
		},
		Stops: StopConfig{
			SLOrderTypeEq:      "SL",
			SLOrderTypeFO:      "SL-M",
			SLLimitBufferBps:   15,
			SLLimitBufferTicks: 2,
			SLLimitMaxBps:      60,
			RRTarget:           2.0,
			MinSLTicks:         2,
			MaxSLPctAway:       5,
			TP1RR:              1.0,
			TP1QtyPct:          50,
			BEBufferTicks:      1,
		},
		Watchdogs: WatchdogConfig{
			SL: WatchdogLegConfig{
				Enabled:          true,
				OpenFor:          Duration(8 * time.Second),
				RequireLtpBreach: true,
				TriggerBpsBuffer: 5,
				KillSwitchOnFire: true,
			},
			Target: WatchdogLegConfig{
				Enabled: true,
				OpenFor: Duration(5 * time.Second),
				Retries: 3,
			},
			PanicExitFillTimeout:  Duration(5 * time.Second),
			PanicExitMaxRetries:   3,
			PanicLimitFallbackBps: 30,
		},
		Reconcile: ReconcileConfig{
			Interval:              Duration(20 * time.Second),
			OnOrderUpdate:         true,
			Debounce:              Duration(750 * time.Millisecond),
			OCOPositionReconciler: true,
			OCOFlatGrace:          Duration(6 * time.Second),
			ClosedLookback:        Duration(10 * time.Minute),
			OrphanMaxAttempts:     5,
		},
		Pacing: PacingConfig{
			MinSignalConfidence: 55,
			MaxSpreadBps:        20,
			MaxSpreadBpsOpt:     90,
			MinDepthQty:         150,
			MaxQuoteAge:         Duration(3 * time.Second),
			MinHealthScore:      40,
			MinATRPct:           0.05,
			MaxATRPct:           3.0,
			MinRelVolume:        0.6,
			IVThetaEdgeMult:     1.2,
			CostGateMult:        2.0,
		},
		Breakers: BreakerConfig{
			Enabled:           true,
			MaxRejects5m:      3,
			MaxSpreadSpikes5m: 5,
			MaxStaleTicks5m:   10,
			MaxQuoteGuard5m:   5,
			Cooldown:          Duration(10 * time.Minute),
		},
		Schedule: ScheduleConfig{
			Timezone:       "Asia/Kolkata",
			ForceFlattenAt: "15:20",
		},
		ExitPlan: ExitPlanConfig{
			Enabled:           true,
			Interval:          Duration(5 * time.Second),
			BELockCostMult:    3.0,
			TrailArmR:         1.1,
			TrailATRMult:      1.5,
			ATRPeriod:         14,
			TimeStopAfter:     Duration(25 * time.Minute),
			HardTrailGiveBack: 0.6,
		},
		Costs: CostConfig{
			BrokeragePerOrderInr: 20,
			STTPctSell:           0.0625,
			ExchTxnPct:           0.03503,
			GSTPct:               18,
			SEBIPct:              0.0001,
			StampPctBuy:          0.003,
		},
		Options: OptionConfig{
			Enabled:    true,
			TargetMode: "BROKER",
			SLMode:     "PCT",
			StopPct:    12,
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("environment.mode must be paper or live, got %q", c.Environment.Mode)
	}
	if c.Environment.Mode == "live" {
		if c.Broker.APIKey == "" || c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.api_key and broker.access_token are required in live mode")
		}
	}
	if c.Risk.RiskPerTradeInr <= 0 {
		return fmt.Errorf("risk.risk_per_trade_inr must be positive")
	}
	if c.Risk.DailyMaxLossInr < 0 {
		return fmt.Errorf("risk.daily_max_loss_inr must not be negative")
	}
	switch c.Risk.LotPolicy {
	case "STRICT", "FORCE_ONE_LOT":
	default:
		return fmt.Errorf("risk.lot_policy must be STRICT or FORCE_ONE_LOT, got %q", c.Risk.LotPolicy)
	}
	switch c.Options.TargetMode {
	case "BROKER", "VIRTUAL":
	default:
		return fmt.Errorf("options.target_mode must be BROKER or VIRTUAL, got %q", c.Options.TargetMode)
	}
	if c.Rate.MaxOrdersPerSec <= 0 || c.Rate.MaxOrdersPerMin <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := ParseClock(c.Schedule.ForceFlattenAt); c.Schedule.ForceFlattenAt != "" && err != nil {
		return fmt.Errorf("schedule.force_flatten_at: %w", err)
	}
	if c.Schedule.EodConvertAt != "" {
		if _, err := ParseClock(c.Schedule.EodConvertAt); err != nil {
			return fmt.Errorf("schedule.eod_mis_to_nrml_at: %w", err)
		}
	}
	for _, w := range c.Pacing.NoTradeWindows {
		if _, _, err := ParseWindow(w); err != nil {
			return fmt.Errorf("pacing.no_trade_windows: %w", err)
		}
	}
	return nil
}

// IsPaper reports whether the engine runs in paper mode.
func (c *Config) IsPaper() bool { return c.Environment.Mode == "paper" }

// Location resolves the configured session timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// Clock is a minutes-since-midnight wall time.
type Clock int

/// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return Clock(h*60 + m), nil
}

// At reports whether t (in the session timezone) has reached the clock.
func (c Clock) At(t time.Time) bool {
	return t.Hour()*60+t.Minute() >= int(c)
}

/// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Clock, Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid window %q, want HH:MM-HH:MM", s)
	}
	from, err := ParseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	to, err := ParseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if to <= from {
		return 0, 0, fmt.Errorf("window %q must end after it starts", s)
	}
	return from, to, nil
}

// InNoTradeWindow reports whether t falls inside any configured window.
func (c *Config) InNoTradeWindow(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	for _, w := range c.Pacing.NoTradeWindows {
		from, to, err := ParseWindow(w)
		if err != nil {
			continue // already rejected by Validate
		}
		if minutes >= int(from) && minutes < int(to) {
			return true
		}
	}
	return false
}
