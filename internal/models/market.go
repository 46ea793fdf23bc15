package models

import "time"

// Candle is one OHLCV bar on the signal interval.
type Candle struct {
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      int64     `json:"volume"`
	Ts          time.Time `json:"ts"`
	IntervalMin int       `json:"interval_min"`
}

// Range returns high minus low.
func (c Candle) Range() float64 { return c.High - c.Low }

// Tick is one last-price update from the market feed.
type Tick struct {
	InstrumentToken int64     `json:"instrument_token"`
	LastPrice       float64   `json:"last_price"`
	Timestamp       time.Time `json:"timestamp"`
}

// Signal is the strategy layer's request to enter a trade.
type Signal struct {
	InstrumentToken int64   `json:"instrument_token"`
	Side            Side    `json:"side"`
	Confidence      float64 `json:"confidence"`
	StrategyID      string  `json:"strategyId"`
	StrategyStyle   string  `json:"strategyStyle,omitempty"`
	Regime          string  `json:"regime,omitempty"`
	Candle          Candle  `json:"candle"`
	IntervalMin     int     `json:"intervalMin"`
	UnderlyingToken int64   `json:"underlying_token,omitempty"`

	// Optional stop/target proposed by the strategy; the engine may
	// override both through the exit planner overlay.
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TargetPrice float64 `json:"target_price,omitempty"`

	// Regime measurements attached by the strategy layer.
	ATRPct          float64 `json:"atr_pct,omitempty"`
	RelVolume       float64 `json:"rel_volume,omitempty"`
	RangePctile     float64 `json:"range_pctile,omitempty"`
	TrendAligned    bool    `json:"trend_aligned,omitempty"`
	ExpectedMovePts float64 `json:"expected_move_pts,omitempty"`
}
