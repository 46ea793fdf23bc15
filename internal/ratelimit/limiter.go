// Package ratelimit enforces the order-rate budget: fixed per-second and
// per-minute windows plus a persisted per-day counter. Two limiter
// instances exist in the engine, one for this process's own budget and
// one mirroring the broker's published limits.
package ratelimit

import (
	"fmt"
	"time"
)

// Refusal reasons reported when a bucket would overflow.
const (
	ReasonPerSec = "per_sec"
	ReasonPerMin = "per_min"
	ReasonPerDay = "per_day"
)

// RefusalError reports which bucket refused and its limit.
type RefusalError struct {
	Name   string
	Reason string
	Limit  int
	Used   int
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("rate limit %s: %s bucket full (%d/%d)", e.Name, e.Reason, e.Used, e.Limit)
}

// window is a fixed-window counter.
type window struct {
	start time.Time
	span  time.Duration
	count int
}

func (w *window) roll(now time.Time) {
	if now.Sub(w.start) >= w.span {
		w.start = now.Truncate(w.span)
		w.count = 0
	}
}

// Limiter tracks per-second, per-minute and per-day order counts. It is
// mutated only by the engine's event loop, so it carries no lock.
type Limiter struct {
	name      string
	maxPerSec int
	maxPerMin int
	maxPerDay int // 0 disables the day cap

	sec     window
	min     window
	day     int
	dayDate string

	now func() time.Time
}

// New creates a limiter. maxPerDay of 0 disables the day bucket.
func New(name string, maxPerSec, maxPerMin, maxPerDay int) *Limiter {
	now := time.Now
	return &Limiter{
		name:      name,
		maxPerSec: maxPerSec,
		maxPerMin: maxPerMin,
		maxPerDay: maxPerDay,
		sec:       window{span: time.Second, start: now().Truncate(time.Second)},
		min:       window{span: time.Minute, start: now().Truncate(time.Minute)},
		dayDate:   now().Format("2006-01-02"),
		now:       now,
	}
}

// SetClock overrides the time source, for tests. The window starts and
// the day stamp seeded at construction are rebased on the injected
// clock, otherwise rolls would never fire for clocks behind wall time.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
	t := now()
	l.sec.start = t.Truncate(time.Second)
	l.min.start = t.Truncate(time.Minute)
	l.dayDate = t.Format("2006-01-02")
}

// HydrateDay seeds the day counter from the persisted DailyRisk record so
// restarts do not reset the daily order budget.
func (l *Limiter) HydrateDay(date string, count int) {
	l.dayDate = date
	l.day = count
}

// DayCount returns the current day counter for persistence.
func (l *Limiter) DayCount() int { return l.day }

func (l *Limiter) rollDay(now time.Time) {
	today := now.Format("2006-01-02")
	if today != l.dayDate {
		l.dayDate = today
		l.day = 0
	}
}

// Check returns a RefusalError if recording n calls now would overflow
// any bucket. It does not commit.
func (l *Limiter) Check(n int) error {
	now := l.now()
	l.sec.roll(now)
	l.min.roll(now)
	l.rollDay(now)

	if l.maxPerSec > 0 && l.sec.count+n > l.maxPerSec {
		return &RefusalError{Name: l.name, Reason: ReasonPerSec, Limit: l.maxPerSec, Used: l.sec.count}
	}
	if l.maxPerMin > 0 && l.min.count+n > l.maxPerMin {
		return &RefusalError{Name: l.name, Reason: ReasonPerMin, Limit: l.maxPerMin, Used: l.min.count}
	}
	if l.maxPerDay > 0 && l.day+n > l.maxPerDay {
		return &RefusalError{Name: l.name, Reason: ReasonPerDay, Limit: l.maxPerDay, Used: l.day}
	}
	return nil
}

// Record commits n calls to all buckets.
func (l *Limiter) Record(n int) {
	now := l.now()
	l.sec.roll(now)
	l.min.roll(now)
	l.rollDay(now)
	l.sec.count += n
	l.min.count += n
	l.day += n
}

// DayCapReached reports whether the daily cap is exhausted; the engine
// turns this into a kill-switch.
func (l *Limiter) DayCapReached() bool {
	l.rollDay(l.now())
	return l.maxPerDay > 0 && l.day >= l.maxPerDay
}
