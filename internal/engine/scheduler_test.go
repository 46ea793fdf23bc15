package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler() (*scheduler, time.Time) {
	base := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	s := newScheduler()
	s.now = func() time.Time { return base }
	return s, base
}

func TestSchedulerReplacesSameIdentity(t *testing.T) {
	s, base := testScheduler()

	s.schedule(taskSLWatchdog, "t-1", 10*time.Second, func() {})
	s.schedule(taskSLWatchdog, "t-1", 1*time.Second, func() {})

	require.Len(t, s.tasks, 1)
	assert.True(t, s.pending(taskSLWatchdog, "t-1"))

	next, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, base.Add(1*time.Second), next)
}

func TestSchedulerKeysByKindAndTrade(t *testing.T) {
	s, _ := testScheduler()

	s.schedule(taskSLWatchdog, "t-1", time.Second, func() {})
	s.schedule(taskTargetWatchdog, "t-1", time.Second, func() {})
	s.schedule(taskSLWatchdog, "t-2", time.Second, func() {})

	assert.Len(t, s.tasks, 3)

	s.cancel(taskSLWatchdog, "t-1")
	assert.False(t, s.pending(taskSLWatchdog, "t-1"))
	assert.True(t, s.pending(taskTargetWatchdog, "t-1"))
	assert.True(t, s.pending(taskSLWatchdog, "t-2"))
}

func TestSchedulerCancelTrade(t *testing.T) {
	s, _ := testScheduler()

	s.schedule(taskSLWatchdog, "t-1", time.Second, func() {})
	s.schedule(taskTargetWatchdog, "t-1", 2*time.Second, func() {})
	s.schedule(taskEntryTimeout, "t-2", 3*time.Second, func() {})
	s.schedule(taskReconcile, "", 4*time.Second, func() {})

	s.cancelTrade("t-1")
	assert.False(t, s.pending(taskSLWatchdog, "t-1"))
	assert.False(t, s.pending(taskTargetWatchdog, "t-1"))
	assert.True(t, s.pending(taskEntryTimeout, "t-2"))
	assert.True(t, s.pending(taskReconcile, ""))

	// The global reconcile task has no owner; cancelling the empty
	// trade ID must not touch it.
	s.cancelTrade("")
	assert.True(t, s.pending(taskReconcile, ""))
}

func TestSchedulerDuePopsInDeadlineOrder(t *testing.T) {
	s, base := testScheduler()

	var fired []string
	s.schedule(taskTargetWatchdog, "t-1", 2*time.Second, func() { fired = append(fired, "target") })
	s.schedule(taskSLWatchdog, "t-1", 1*time.Second, func() { fired = append(fired, "sl") })
	s.schedule(taskPanicWatchdog, "t-1", 5*time.Second, func() { fired = append(fired, "panic") })

	due := s.due(base.Add(2 * time.Second))
	require.Len(t, due, 2)
	for _, task := range due {
		task.run()
	}
	assert.Equal(t, []string{"sl", "target"}, fired)

	next, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), next)

	due = s.due(base.Add(time.Minute))
	require.Len(t, due, 1)
	due[0].run()
	assert.Equal(t, []string{"sl", "target", "panic"}, fired)

	_, ok = s.next()
	assert.False(t, ok)
}
