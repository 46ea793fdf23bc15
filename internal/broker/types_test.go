package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderStatus(t *testing.T) {
	assert.Equal(t, StatusComplete, ParseOrderStatus("COMPLETE"))
	assert.Equal(t, StatusComplete, ParseOrderStatus("FILLED"))
	assert.Equal(t, StatusCancelled, ParseOrderStatus("canceled"))
	assert.Equal(t, StatusPartial, ParseOrderStatus("Partially Filled"))
	assert.Equal(t, StatusLapsed, ParseOrderStatus("EXPIRED"))
	assert.Equal(t, StatusTriggerPending, ParseOrderStatus(" trigger pending "))
	assert.Equal(t, StatusUnknown, ParseOrderStatus("VALIDATION PENDING"))
}

func TestStatusPredicates(t *testing.T) {
	working := []OrderStatus{StatusOpen, StatusTriggerPending, StatusTriggered, StatusModifyPending, StatusPartial}
	for _, s := range working {
		assert.True(t, s.IsWorking(), "%s", s)
		assert.False(t, s.IsTerminal(), "%s", s)
	}
	terminal := []OrderStatus{StatusComplete, StatusCancelled, StatusRejected, StatusLapsed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
		assert.False(t, s.IsWorking(), "%s", s)
	}
	assert.False(t, StatusUnknown.IsWorking())
	assert.False(t, StatusUnknown.IsTerminal())
}

func TestStatusRankOnlyTerminalOutranksWorking(t *testing.T) {
	assert.Greater(t, StatusRank(StatusComplete), StatusRank(StatusPartial))
	assert.Greater(t, StatusRank(StatusPartial), StatusRank(StatusOpen))
	// Pre-terminal regressions rank equal or lower but are still applied
	// by the caller; only post-terminal regressions get dropped.
	assert.Equal(t, StatusRank(StatusComplete), StatusRank(StatusCancelled))
}

func TestBrokerTimeUnmarshal(t *testing.T) {
	var ts Time
	require.NoError(t, json.Unmarshal([]byte(`"2026-02-10 10:30:05"`), &ts))
	assert.Equal(t, time.Date(2026, 2, 10, 10, 30, 5, 0, time.UTC), ts.Time)

	require.NoError(t, json.Unmarshal([]byte(`"2026-02-10T10:30:05Z"`), &ts))
	assert.Equal(t, time.Date(2026, 2, 10, 10, 30, 5, 0, time.UTC), ts.Time)

	require.NoError(t, json.Unmarshal([]byte(`""`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestOrderNormalizeAndSignedQty(t *testing.T) {
	o := Order{RawStatus: "FILLED", TransactionType: "SELL", FilledQuantity: 75}
	o.Normalize()
	assert.Equal(t, StatusComplete, o.Status)
	assert.False(t, o.IsBuy())
	assert.Equal(t, -75, o.SignedFilledQty())

	o.TransactionType = "buy"
	assert.Equal(t, 75, o.SignedFilledQty())
}

func TestQuoteBook(t *testing.T) {
	var q Quote
	q.Depth.Buy = []DepthLevel{{Price: 99.95, Quantity: 600, Orders: 4}}
	q.Depth.Sell = []DepthLevel{{Price: 100.00, Quantity: 450, Orders: 3}}

	assert.InDelta(t, 99.95, q.BestBid(), 1e-9)
	assert.InDelta(t, 100.00, q.BestAsk(), 1e-9)
	// 5 paise over a 99.975 mid.
	assert.InDelta(t, 5.0013, q.SpreadBps(), 0.001)

	// A buyer consumes the sell side of the book.
	assert.Equal(t, 450, q.TopDepthQty(true))
	assert.Equal(t, 600, q.TopDepthQty(false))

	var empty Quote
	assert.Zero(t, empty.BestBid())
	assert.Zero(t, empty.SpreadBps())
	assert.Zero(t, empty.TopDepthQty(true))
}
