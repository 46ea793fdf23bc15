// Package costs implements the all-in round-trip charge model used by the
// cost gate and the break-even lock. Charges follow the Indian F&O
// schedule: flat brokerage per order, STT on the sell leg premium,
// exchange transaction charges and SEBI fees on turnover, stamp duty on
// the buy leg, and GST on brokerage plus transaction charges.
package costs

import (
	"github.com/shopspring/decimal"

	"tradexec/internal/config"
)

// Breakdown itemizes the estimated charges for one round trip, in INR.
type Breakdown struct {
	Brokerage decimal.Decimal `json:"brokerage"`
	STT       decimal.Decimal `json:"stt"`
	ExchTxn   decimal.Decimal `json:"exch_txn"`
	GST       decimal.Decimal `json:"gst"`
	SEBI      decimal.Decimal `json:"sebi"`
	Stamp     decimal.Decimal `json:"stamp"`
	Total     decimal.Decimal `json:"total"`
}

// Estimator prices round trips from the configured charge schedule.
type Estimator struct {
	brokeragePerOrder decimal.Decimal
	sttPctSell        decimal.Decimal
	exchTxnPct        decimal.Decimal
	gstPct            decimal.Decimal
	sebiPct           decimal.Decimal
	stampPctBuy       decimal.Decimal
}

// NewEstimator builds an estimator from the cost config. Percentages in
// the config are human-readable (0.0625 means 0.0625%).
func NewEstimator(cfg config.CostConfig) *Estimator {
	return &Estimator{
		brokeragePerOrder: decimal.NewFromFloat(cfg.BrokeragePerOrderInr),
		sttPctSell:        pct(cfg.STTPctSell),
		exchTxnPct:        pct(cfg.ExchTxnPct),
		gstPct:            pct(cfg.GSTPct),
		sebiPct:           pct(cfg.SEBIPct),
		stampPctBuy:       pct(cfg.StampPctBuy),
	}
}

func pct(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(decimal.NewFromInt(100))
}

// RoundTrip estimates charges for entering at entryPrice and exiting at
// exitPrice with qty units, across orders order placements. Long trades
// pay stamp duty on the entry leg and STT on the exit leg; shorts the
// reverse.
func (e *Estimator) RoundTrip(entryPrice, exitPrice float64, qty, orders int, long bool) Breakdown {
	if orders < 2 {
		orders = 2
	}
	q := decimal.NewFromInt(int64(qty))
	entry := decimal.NewFromFloat(entryPrice).Mul(q)
	exit := decimal.NewFromFloat(exitPrice).Mul(q)
	turnover := entry.Add(exit)

	buyLeg, sellLeg := entry, exit
	if !long {
		buyLeg, sellLeg = exit, entry
	}

	b := Breakdown{
		Brokerage: e.brokeragePerOrder.Mul(decimal.NewFromInt(int64(orders))),
		STT:       sellLeg.Mul(e.sttPctSell),
		ExchTxn:   turnover.Mul(e.exchTxnPct),
		SEBI:      turnover.Mul(e.sebiPct),
		Stamp:     buyLeg.Mul(e.stampPctBuy),
	}
	b.GST = b.Brokerage.Add(b.ExchTxn).Add(b.SEBI).Mul(e.gstPct)
	b.Total = b.Brokerage.Add(b.STT).Add(b.ExchTxn).Add(b.GST).Add(b.SEBI).Add(b.Stamp).Round(2)
	return b
}

// EstimateInr is the float convenience used by gates and P&L math.
func (e *Estimator) EstimateInr(entryPrice, exitPrice float64, qty, orders int, long bool) float64 {
	f, _ := e.RoundTrip(entryPrice, exitPrice, qty, orders, long).Total.Float64()
	return f
}

// MinGreenPoints returns the adverse-free price move, in points, needed
// for the position to break even after charges. Uses a flat round trip
// at the entry price as the charge base, which slightly understates the
// true figure on longs and overstates it on shorts; the break-even lock
// adds its own buffer on top.
func (e *Estimator) MinGreenPoints(entryPrice float64, qty, orders int, long bool) float64 {
	if qty <= 0 {
		return 0
	}
	total := e.EstimateInr(entryPrice, entryPrice, qty, orders, long)
	return total / float64(qty)
}

// PassesCostGate reports whether the expected favorable move covers the
// estimated round-trip charges at least mult times over.
func (e *Estimator) PassesCostGate(expectedMovePts, entryPrice float64, qty, orders int, long bool, mult float64) bool {
	if qty <= 0 || expectedMovePts <= 0 {
		return false
	}
	charges := e.EstimateInr(entryPrice, entryPrice, qty, orders, long)
	expectedInr := expectedMovePts * float64(qty)
	return expectedInr >= charges*mult
}
