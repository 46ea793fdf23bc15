package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TradeStatus }{
		{StatusEntryPlaced, StatusEntryOpen},
		{StatusEntryPlaced, StatusEntryFilled},
		{StatusEntryOpen, StatusEntryFailed},
		{StatusEntryOpen, StatusGuardFailed},
		{StatusEntryFilled, StatusLive},
		{StatusLive, StatusExitedTarget},
		{StatusLive, StatusExitedSL},
		{StatusLive, StatusClosed},
		{StatusRecoveryRehydrated, StatusLive},
		{StatusRecoveryRehydrated, StatusExitedSL},
		{StatusGuardFailed, StatusClosed},
		{StatusExitedTarget, StatusClosed},
		{StatusEntryFailed, StatusClosed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to TradeStatus }{
		{StatusEntryPlaced, StatusLive},
		{StatusLive, StatusEntryOpen},
		{StatusClosed, StatusLive},
		{StatusExitedSL, StatusLive},
		{StatusEntryFailed, StatusEntryPlaced},
		{StatusGuardFailed, StatusLive},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSelfTransitionsAreNoOps(t *testing.T) {
	for status := range validTransitions {
		assert.True(t, CanTransition(status, status), "%s", status)
	}
	assert.False(t, CanTransition("BOGUS", "BOGUS"))
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TradeStatus{StatusEntryFailed, StatusExitedTarget, StatusExitedSL, StatusClosed} {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	// A guard failure still needs a flatten before the trade closes.
	for _, s := range []TradeStatus{StatusEntryPlaced, StatusEntryOpen, StatusEntryFilled,
		StatusLive, StatusRecoveryRehydrated, StatusGuardFailed} {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestValidateTransitionErrors(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatusLive, StatusExitedTarget))
	assert.ErrorContains(t, ValidateTransition("BOGUS", StatusLive), "unknown trade status")
	assert.ErrorContains(t, ValidateTransition(StatusLive, "BOGUS"), "unknown trade status")
	assert.ErrorContains(t, ValidateTransition(StatusClosed, StatusLive), "invalid trade transition")
}

func TestIsStaleEntryFill(t *testing.T) {
	assert.False(t, IsStaleEntryFill(StatusEntryPlaced))
	assert.False(t, IsStaleEntryFill(StatusEntryOpen))
	assert.True(t, IsStaleEntryFill(StatusLive))
	assert.True(t, IsStaleEntryFill(StatusExitedSL))
	assert.True(t, IsStaleEntryFill(StatusClosed))
}
