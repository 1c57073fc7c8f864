package scheduler

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestScheduler returns a scheduler whose loop goroutine never starts,
// so tests drive tick() with a controlled clock.
func newTestScheduler(now *time.Time) *Scheduler {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := New(DefaultBaseInterval, logger, nil)
	s.running = true
	s.now = func() time.Time { return *now }
	return s
}

func job(id string, log *[]string) Job {
	return Job{TripID: id, Run: func() { *log = append(*log, id) }}
}

func TestReplaceQueueOrdering(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	var ran []string
	s.ReplaceQueue([]Job{job("a", &ran), job("b", &ran), job("c", &ran)})

	for i := 0; i < 5; i++ {
		s.tick(now)
		now = now.Add(DefaultBaseInterval)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ran, "one job per tick, in queue order")
	assert.Equal(t, 0, s.QueueLen())
}

func TestEnqueueIsFIFO(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	var ran []string
	s.Enqueue(job("first", &ran))
	s.Enqueue(job("second", &ran))
	s.tick(now)
	s.tick(now.Add(DefaultBaseInterval))
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestReplaceQueueIsABarrier(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	var ran []string
	s.Enqueue(job("old1", &ran))
	s.Enqueue(job("old2", &ran))
	s.ReplaceQueue([]Job{job("new1", &ran)})

	s.tick(now)
	s.tick(now.Add(DefaultBaseInterval))
	assert.Equal(t, []string{"new1"}, ran, "no job from the old ordering survives a replace")
}

func TestEmptyTickIsANoOp(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)
	s.tick(now) // must not panic or block
	assert.Equal(t, 0, s.QueueLen())
}

func TestBurstIdempotence(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	s.Burst(300*time.Millisecond, 60*time.Second)
	firstUntil := s.burstUntil
	assert.Equal(t, 300*time.Millisecond, s.currentInterval())

	// A second burst within the active window changes nothing.
	now = now.Add(10 * time.Second)
	s.Burst(100*time.Millisecond, 5*time.Minute)
	assert.Equal(t, firstUntil, s.burstUntil, "burst end time set by the first call stays")
	assert.Equal(t, 300*time.Millisecond, s.currentInterval())
}

func TestBurstRevertsAfterWindow(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	var ran []string
	s.Enqueue(job("a", &ran))
	s.Burst(300*time.Millisecond, 60*time.Second)

	// First tick after the window elapses reverts to the base interval
	// and still executes.
	now = now.Add(61 * time.Second)
	s.tick(now)
	assert.Equal(t, []string{"a"}, ran)
	assert.Equal(t, DefaultBaseInterval, s.currentInterval())
	assert.True(t, s.burstUntil.IsZero())

	// A new burst is accepted once the previous one expired.
	s.Burst(200*time.Millisecond, time.Second)
	assert.Equal(t, 200*time.Millisecond, s.currentInterval())
}

func TestBackoffSkipsTicksAndKeepsQueue(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	var ran []string
	s.Enqueue(job("a", &ran))
	s.Backoff(10 * time.Second)

	for i := 0; i < 5; i++ {
		s.tick(now)
		now = now.Add(time.Second)
	}
	assert.Empty(t, ran, "no job executes during backoff")
	assert.Equal(t, 1, s.QueueLen(), "backoff leaves the queue untouched")

	now = now.Add(10 * time.Second)
	s.tick(now)
	assert.Equal(t, []string{"a"}, ran, "execution resumes after the window")
}

func TestBackoffExtendsOnRepeat(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	s.Backoff(10 * time.Second)
	first := s.backoffUntil

	now = now.Add(5 * time.Second)
	s.Backoff(10 * time.Second)
	require.True(t, s.backoffUntil.After(first), "a fresh backoff resets the window")
}

func TestBackoffCancelsBurst(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	s.Burst(300*time.Millisecond, 60*time.Second)
	require.Equal(t, 300*time.Millisecond, s.currentInterval())

	s.Backoff(10 * time.Second)
	assert.True(t, s.burstUntil.IsZero(), "backoff cancels the active burst")
	assert.Equal(t, DefaultBaseInterval, s.currentInterval())
}

func TestBackoffPrecedenceOverBurst(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	var ran []string
	s.Enqueue(job("a", &ran))
	s.Backoff(10 * time.Second)

	// Bursting during backoff changes the cadence but must not execute
	// anything before the backoff window elapses.
	s.Burst(300*time.Millisecond, 60*time.Second)
	assert.Equal(t, 300*time.Millisecond, s.currentInterval())

	for i := 0; i < 9; i++ {
		now = now.Add(time.Second)
		s.tick(now)
	}
	assert.Empty(t, ran)

	now = now.Add(2 * time.Second)
	s.tick(now)
	assert.Equal(t, []string{"a"}, ran)
}

func TestDefaults(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&now)

	s.Burst(0, 0)
	assert.Equal(t, DefaultBurstInterval, s.currentInterval())
	assert.Equal(t, now.Add(DefaultBurstDuration), s.burstUntil)

	s.Backoff(0)
	assert.Equal(t, now.Add(DefaultBackoff), s.backoffUntil)
}

func TestLoopExecutesJobs(t *testing.T) {
	// Smoke test for the real timer loop with a short base interval.
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := New(5*time.Millisecond, logger, nil)
	defer s.Stop()

	done := make(chan struct{})
	s.Enqueue(Job{TripID: "x", Run: func() { close(done) }})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := New(5*time.Millisecond, logger, nil)
	s.Enqueue(Job{TripID: "x", Run: func() {}})
	s.Stop()
	s.Stop()
}
