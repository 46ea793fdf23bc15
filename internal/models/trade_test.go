package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleCodeRoundTrip(t *testing.T) {
	for _, role := range []OrderRole{RoleEntry, RoleSL, RoleTarget, RolePanicExit, RoleTP1} {
		code := role.RoleCode()
		assert.Len(t, code, 1)
		assert.Equal(t, role, RoleFromCode(code), "%s", role)
	}
	assert.Equal(t, "X", RoleBrokerSquareoff.RoleCode())
	assert.Equal(t, OrderRole(""), RoleFromCode("Z"))
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestLiveQtyFollowsStatus(t *testing.T) {
	tr := Trade{Qty: 150, Side: SideBuy}

	for _, s := range []TradeStatus{StatusEntryFilled, StatusLive, StatusRecoveryRehydrated, StatusGuardFailed} {
		tr.Status = s
		assert.Equal(t, 150, tr.LiveQty(), "%s", s)
		assert.Equal(t, 150, tr.SignedQty(), "%s", s)
	}
	for _, s := range []TradeStatus{StatusEntryPlaced, StatusEntryOpen, StatusEntryFailed,
		StatusExitedTarget, StatusExitedSL, StatusClosed} {
		tr.Status = s
		assert.Zero(t, tr.LiveQty(), "%s", s)
	}

	tr.Status = StatusLive
	tr.Side = SideSell
	assert.Equal(t, -150, tr.SignedQty())
}

func TestUnrealizedPnl(t *testing.T) {
	tr := Trade{Qty: 75, Side: SideBuy, Status: StatusLive, EntryPrice: 100}
	assert.InDelta(t, 375, tr.UnrealizedPnl(105), 1e-9)
	assert.InDelta(t, -150, tr.UnrealizedPnl(98), 1e-9)

	tr.Side = SideSell
	assert.InDelta(t, -375, tr.UnrealizedPnl(105), 1e-9)

	tr.Status = StatusClosed
	assert.Zero(t, tr.UnrealizedPnl(105))
}

func TestRealizedPnlSumsLegs(t *testing.T) {
	tr := Trade{PnlLegs: []PnlLeg{
		{Role: RoleTP1, Qty: 75, PnlInr: 600},
		{Role: RoleTarget, Qty: 75, PnlInr: 900},
		{Role: RolePanicExit, Qty: 0, PnlInr: -50},
	}}
	assert.InDelta(t, 1450, tr.RealizedPnl(), 1e-9)
	assert.Zero(t, (&Trade{}).RealizedPnl())
}

func TestSLImprovesOrEqual(t *testing.T) {
	long := Trade{Side: SideBuy, StopLoss: 96}
	assert.True(t, long.SLImprovesOrEqual(96))
	assert.True(t, long.SLImprovesOrEqual(98))
	assert.False(t, long.SLImprovesOrEqual(94))

	short := Trade{Side: SideSell, StopLoss: 104}
	assert.True(t, short.SLImprovesOrEqual(102))
	assert.False(t, short.SLImprovesOrEqual(106))

	// No stop yet: anything is an improvement.
	assert.True(t, (&Trade{Side: SideBuy}).SLImprovesOrEqual(50))
}

func TestOrderIDForRole(t *testing.T) {
	tr := Trade{
		EntryOrderID:     "E-1",
		SLOrderID:        "S-1",
		TP1OrderID:       "1-1",
		TargetOrderID:    "T-1",
		PanicExitOrderID: "P-1",
	}
	assert.Equal(t, "E-1", tr.OrderIDForRole(RoleEntry))
	assert.Equal(t, "S-1", tr.OrderIDForRole(RoleSL))
	assert.Equal(t, "1-1", tr.OrderIDForRole(RoleTP1))
	assert.Equal(t, "T-1", tr.OrderIDForRole(RoleTarget))
	assert.Equal(t, "P-1", tr.OrderIDForRole(RolePanicExit))
	assert.Empty(t, tr.OrderIDForRole(RoleBrokerSquareoff))
}

func TestRecordEvent(t *testing.T) {
	var tr Trade
	at := time.Date(2026, 2, 10, 10, 30, 0, 0, time.UTC)
	tr.RecordEvent("ENTRY_FILLED", at, map[string]interface{}{"qty": 75})
	assert.Equal(t, "ENTRY_FILLED", tr.LastEvent)
	assert.Equal(t, at, tr.LastEventAt)
	assert.Equal(t, 75, tr.LastEventMeta["qty"])
}
