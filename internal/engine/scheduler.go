package engine

import (
	"sort"
	"time"
)

// Task kinds. One task per (kind, tradeID) exists at a time; scheduling
// again replaces the pending task.
const (
	taskReconcile         = "reconcile"
	taskReconcileDebounce = "reconcile_debounce"
	taskExitLoop          = "exit_loop"
	taskEntryTimeout      = "entry_timeout"
	taskSLWatchdog        = "sl_watchdog"
	taskTargetWatchdog    = "target_watchdog"
	taskPanicWatchdog     = "panic_watchdog"
	taskOCOFlatCheck      = "oco_flat_check"
)

type task struct {
	kind    string
	tradeID string
	at      time.Time
	run     func()
}

// scheduler is the engine's single timer queue. Every watchdog and
// debounce is a task here, executed on the loop goroutine; task bodies
// re-check their preconditions against persisted state before acting.
type scheduler struct {
	tasks []*task
	now   func() time.Time
}

func newScheduler() *scheduler {
	return &scheduler{now: time.Now}
}

func (s *scheduler) key(kind, tradeID string) int {
	for i, t := range s.tasks {
		if t.kind == kind && t.tradeID == tradeID {
			return i
		}
	}
	return -1
}

// schedule arms (kind, tradeID) to fire after delay, replacing any
// pending task with the same identity.
func (s *scheduler) schedule(kind, tradeID string, delay time.Duration, run func()) {
	t := &task{kind: kind, tradeID: tradeID, at: s.now().Add(delay), run: run}
	if i := s.key(kind, tradeID); i >= 0 {
		s.tasks[i] = t
	} else {
		s.tasks = append(s.tasks, t)
	}
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].at.Before(s.tasks[j].at) })
}

// pending reports whether (kind, tradeID) is armed.
func (s *scheduler) pending(kind, tradeID string) bool {
	return s.key(kind, tradeID) >= 0
}

// cancel disarms (kind, tradeID) if armed.
func (s *scheduler) cancel(kind, tradeID string) {
	if i := s.key(kind, tradeID); i >= 0 {
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	}
}

// cancelTrade disarms every task owned by the trade.
func (s *scheduler) cancelTrade(tradeID string) {
	if tradeID == "" {
		return
	}
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.tradeID != tradeID {
			kept = append(kept, t)
		}
	}
	s.tasks = kept
}

// next returns the earliest deadline.
func (s *scheduler) next() (time.Time, bool) {
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].at, true
}

// due pops and returns all tasks whose deadline has passed.
func (s *scheduler) due(now time.Time) []*task {
	var fired []*task
	i := 0
	for ; i < len(s.tasks); i++ {
		if s.tasks[i].at.After(now) {
			break
		}
		fired = append(fired, s.tasks[i])
	}
	s.tasks = append([]*task{}, s.tasks[i:]...)
	return fired
}
