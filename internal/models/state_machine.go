package models

import "fmt"

// validTransitions is the trade status lattice. A status maps to the set of
// statuses it may advance to. Self-transitions are always allowed as no-ops
// and are not listed here.
var validTransitions = map[TradeStatus][]TradeStatus{
	StatusEntryPlaced: {StatusEntryOpen, StatusEntryFilled, StatusEntryFailed},
	StatusEntryOpen:   {StatusEntryFilled, StatusEntryFailed, StatusGuardFailed},
	StatusEntryFilled: {StatusLive, StatusExitedTarget, StatusExitedSL, StatusGuardFailed, StatusClosed},
	StatusLive:        {StatusExitedTarget, StatusExitedSL, StatusGuardFailed, StatusClosed},
	// Recovery trades behave like a filled entry: the position already
	// exists at the broker, only the protective legs are ours.
	StatusRecoveryRehydrated: {StatusLive, StatusExitedTarget, StatusExitedSL, StatusGuardFailed, StatusClosed},
	StatusGuardFailed:        {StatusClosed},
	StatusEntryFailed:        {StatusClosed},
	StatusExitedTarget:       {StatusClosed},
	StatusExitedSL:           {StatusClosed},
	StatusClosed:             {},
}

// terminalStatuses never transition back to a non-terminal status.
var terminalStatuses = map[TradeStatus]bool{
	StatusEntryFailed:  true,
	StatusExitedTarget: true,
	StatusExitedSL:     true,
	StatusClosed:       true,
}

// IsTerminal reports whether the status is a terminal trade state.
func (s TradeStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsKnownStatus reports whether s is part of the lattice at all.
func IsKnownStatus(s TradeStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is an allowed edge in the trade
// status lattice. (x, x) is an allowed no-op. Terminal-to-non-terminal is
// always rejected.
func CanTransition(from, to TradeStatus) bool {
	if from == to {
		return IsKnownStatus(from)
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for a disallowed edge.
func ValidateTransition(from, to TradeStatus) error {
	if !IsKnownStatus(from) {
		return fmt.Errorf("unknown trade status %q", from)
	}
	if !IsKnownStatus(to) {
		return fmt.Errorf("unknown trade status %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid trade transition %s -> %s", from, to)
	}
	return nil
}

// IsStaleEntryFill reports whether an ENTRY_FILLED postback should be
// dropped because the trade already advanced past entry. Broker postbacks
// can arrive out of order; a late COMPLETE for the entry leg must not drag
// a LIVE or exited trade backwards.
func IsStaleEntryFill(current TradeStatus) bool {
	switch current {
	case StatusEntryPlaced, StatusEntryOpen:
		return false
	default:
		return true
	}
}
