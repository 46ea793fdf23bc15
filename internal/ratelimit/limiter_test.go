package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestLimiter_PerSecondWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	l := New("test", 3, 100, 0)
	l.SetClock(fixedClock(&now))

	for i := 0; i < 3; i++ {
		if err := l.Check(1); err != nil {
			t.Fatalf("check %d should pass: %v", i, err)
		}
		l.Record(1)
	}

	err := l.Check(1)
	if err == nil {
		t.Fatal("4th call in the same second should be refused")
	}
	var refusal *RefusalError
	if !errors.As(err, &refusal) || refusal.Reason != ReasonPerSec {
		t.Fatalf("expected per_sec refusal, got %v", err)
	}

	// Next second the window rolls.
	now = now.Add(time.Second)
	if err := l.Check(1); err != nil {
		t.Fatalf("check after window roll should pass: %v", err)
	}
}

func TestLimiter_PerMinuteWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	l := New("test", 100, 5, 0)
	l.SetClock(fixedClock(&now))

	for i := 0; i < 5; i++ {
		l.Record(1)
		now = now.Add(2 * time.Second) // spread across the minute
	}

	err := l.Check(1)
	var refusal *RefusalError
	if !errors.As(err, &refusal) || refusal.Reason != ReasonPerMin {
		t.Fatalf("expected per_min refusal, got %v", err)
	}

	now = now.Add(time.Minute)
	if err := l.Check(1); err != nil {
		t.Fatalf("check after minute roll should pass: %v", err)
	}
}

func TestLimiter_DayCapAndHydration(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := New("test", 100, 100, 10)
	l.SetClock(fixedClock(&now))

	l.HydrateDay("2026-03-02", 9)
	if l.DayCapReached() {
		t.Fatal("9/10 should not be cap-reached")
	}
	l.Record(1)
	if !l.DayCapReached() {
		t.Fatal("10/10 should be cap-reached")
	}

	err := l.Check(1)
	var refusal *RefusalError
	if !errors.As(err, &refusal) || refusal.Reason != ReasonPerDay {
		t.Fatalf("expected per_day refusal, got %v", err)
	}

	// Day rollover resets the counter.
	now = now.Add(24 * time.Hour)
	if l.DayCapReached() {
		t.Fatal("day cap should reset on date change")
	}
	if got := l.DayCount(); got != 0 {
		t.Fatalf("day count should reset to 0, got %d", got)
	}
}

func TestLimiter_SetClockRebasesWindows(t *testing.T) {
	// An injected clock sitting well behind the wall clock at New: rolls
	// must key off the injected time, not the construction time.
	now := time.Date(2020, 1, 6, 9, 30, 0, 0, time.UTC)
	l := New("test", 1, 1, 1)
	l.SetClock(fixedClock(&now))

	l.Record(1)
	if err := l.Check(1); err == nil {
		t.Fatal("all buckets full, check should refuse")
	}

	now = now.Add(time.Minute)
	var refusal *RefusalError
	err := l.Check(1)
	if !errors.As(err, &refusal) || refusal.Reason != ReasonPerDay {
		t.Fatalf("second and minute should roll, leaving the day cap: %v", err)
	}

	now = now.Add(24 * time.Hour)
	if err := l.Check(1); err != nil {
		t.Fatalf("day should roll on the injected clock: %v", err)
	}
}

func TestLimiter_BatchCheck(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := New("test", 3, 100, 0)
	l.SetClock(fixedClock(&now))

	if err := l.Check(3); err != nil {
		t.Fatalf("batch of 3 should fit: %v", err)
	}
	if err := l.Check(4); err == nil {
		t.Fatal("batch of 4 should be refused")
	}
}
