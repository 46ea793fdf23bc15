package costs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradexec/internal/config"
)

func testEstimator() *Estimator {
	return NewEstimator(config.CostConfig{
		BrokeragePerOrderInr: 20,
		STTPctSell:           0.0625,
		ExchTxnPct:           0.03503,
		GSTPct:               18,
		SEBIPct:              0.0001,
		StampPctBuy:          0.003,
	})
}

func TestRoundTripLong(t *testing.T) {
	e := testEstimator()

	// Buy 75 @ 100, sell 75 @ 110. Entry leg 7500, exit leg 8250.
	b := e.RoundTrip(100, 110, 75, 2, true)

	assert.Equal(t, "40", b.Brokerage.String())
	// STT on sell premium: 8250 * 0.0625% = 5.15625
	assert.InDelta(t, 5.15625, f(b.STT), 1e-9)
	// Exchange txn on turnover: 15750 * 0.03503% = 5.5172...
	assert.InDelta(t, 5.517225, f(b.ExchTxn), 1e-6)
	// Stamp on buy premium: 7500 * 0.003% = 0.225
	assert.InDelta(t, 0.225, f(b.Stamp), 1e-9)
	// GST = 18% of (brokerage + exch txn + sebi)
	assert.InDelta(t, 0.18*(40+5.517225+0.015750), f(b.GST), 1e-6)

	total := f(b.Brokerage) + f(b.STT) + f(b.ExchTxn) + f(b.GST) + f(b.SEBI) + f(b.Stamp)
	assert.InDelta(t, total, f(b.Total), 0.005)
}

func TestRoundTripShortSwapsLegs(t *testing.T) {
	e := testEstimator()

	long := e.RoundTrip(100, 110, 75, 2, true)
	short := e.RoundTrip(110, 100, 75, 2, false)

	// Same legs, same roles: entry of the short is the sell leg.
	assert.True(t, long.STT.Equal(short.STT), "STT should apply to the sell leg either way")
	assert.True(t, long.Stamp.Equal(short.Stamp), "stamp should apply to the buy leg either way")
}

func TestRoundTripMinimumTwoOrders(t *testing.T) {
	e := testEstimator()
	b := e.RoundTrip(100, 100, 75, 0, true)
	assert.Equal(t, "40", b.Brokerage.String())
}

func TestMinGreenPoints(t *testing.T) {
	e := testEstimator()

	pts := e.MinGreenPoints(100, 75, 2, true)
	require.Greater(t, pts, 0.0)

	// Exiting exactly min-green points above entry must cover charges.
	exit := 100 + pts
	gross := pts * 75
	charges := e.EstimateInr(100, 100, 75, 2, true)
	assert.InDelta(t, charges, gross, 0.01, "min green move should equal charges at %v", exit)

	assert.Zero(t, e.MinGreenPoints(100, 0, 2, true))
}

func TestPassesCostGate(t *testing.T) {
	e := testEstimator()

	charges := e.EstimateInr(100, 100, 75, 2, true)
	perUnit := charges / 75

	assert.True(t, e.PassesCostGate(perUnit*2.5, 100, 75, 2, true, 2.0))
	assert.False(t, e.PassesCostGate(perUnit*1.5, 100, 75, 2, true, 2.0))
	assert.False(t, e.PassesCostGate(0, 100, 75, 2, true, 2.0))
	assert.False(t, e.PassesCostGate(10, 100, 0, 2, true, 2.0))
}

func f(d interface{ Float64() (float64, bool) }) float64 {
	v, _ := d.Float64()
	return v
}
