// Package scheduler sequences outbound detail fetches under an external
// rate limit. One job executes per tick of a recurring timer; the tick
// cadence can temporarily shorten (burst) after UI activity or pause
// entirely (backoff) while the upstream server is overloaded.
package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseInterval respects the upstream rate limit.
	DefaultBaseInterval = 600 * time.Millisecond

	DefaultBurstInterval = 300 * time.Millisecond
	DefaultBurstDuration = 60 * time.Second
	DefaultBackoff       = 10 * time.Second
)

// Job is an opaque unit of work tied to a trip identifier. The scheduler
// is failure-agnostic: a job that hits a transient upstream failure calls
// Backoff and re-enqueues itself instead of surfacing an error here.
type Job struct {
	TripID string
	Run    func()
}

// Metrics is the subset of instrumentation the scheduler reports into.
// All methods must tolerate a nil receiver check by the caller; a nil
// Metrics disables reporting.
type Metrics interface {
	TickInc()
	JobExecuted()
	QueueLength(n int)
	BurstStarted()
	BackoffStarted()
}

// Scheduler owns an ordered job queue and the timing state driving it.
// The queue and all deadlines are guarded by mu; callers never touch the
// queue directly.
type Scheduler struct {
	logger  *logrus.Logger
	metrics Metrics
	now     func() time.Time

	mu           sync.Mutex
	queue        []Job
	baseInterval time.Duration
	interval     time.Duration
	burstUntil   time.Time
	backoffUntil time.Time
	running      bool
	stopped      bool

	stopCh chan struct{}
	// kick wakes the loop to re-arm its timer after an interval change;
	// an in-flight tick is never interrupted.
	kick chan struct{}
	wg   sync.WaitGroup
}

func New(baseInterval time.Duration, logger *logrus.Logger, metrics Metrics) *Scheduler {
	if baseInterval <= 0 {
		baseInterval = DefaultBaseInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		baseInterval: baseInterval,
		interval:     baseInterval,
		stopCh:       make(chan struct{}),
		kick:         make(chan struct{}, 1),
	}
}

// Enqueue appends a job to the back of the queue and starts the timer if
// it is not running yet.
func (s *Scheduler) Enqueue(job Job) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.reportQueueLocked()
	s.ensureStartedLocked()
	s.mu.Unlock()
}

// ReplaceQueue atomically discards the remainder of the current queue and
// installs the given ordering; the front of the slice executes first. No
// job from the old ordering survives unless it appears in the new list.
func (s *Scheduler) ReplaceQueue(jobs []Job) {
	s.mu.Lock()
	s.queue = append(s.queue[:0:0], jobs...)
	s.reportQueueLocked()
	s.ensureStartedLocked()
	s.mu.Unlock()
}

// Burst shortens the tick interval to interval for the given duration,
// then reverts automatically. A burst requested while one is already
// active is ignored: no extension, no stacking, so rapid user interaction
// cannot accelerate fetching without bound.
func (s *Scheduler) Burst(interval, duration time.Duration) {
	if interval <= 0 {
		interval = DefaultBurstInterval
	}
	if duration <= 0 {
		duration = DefaultBurstDuration
	}

	s.mu.Lock()
	now := s.now()
	if !s.burstUntil.IsZero() && now.Before(s.burstUntil) {
		s.mu.Unlock()
		return
	}
	s.burstUntil = now.Add(duration)
	s.interval = interval
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"interval": interval,
		"duration": duration,
	}).Debug("scheduler burst")
	if s.metrics != nil {
		s.metrics.BurstStarted()
	}
	s.rearm()
}

// Backoff suspends job execution for the given duration without touching
// the queue. It cancels an active burst immediately: backing off means the
// server is already overloaded. A fresh call while already backing off
// resets the window to the new duration.
func (s *Scheduler) Backoff(duration time.Duration) {
	if duration <= 0 {
		duration = DefaultBackoff
	}

	s.mu.Lock()
	s.backoffUntil = s.now().Add(duration)
	if !s.burstUntil.IsZero() {
		s.burstUntil = time.Time{}
		s.interval = s.baseInterval
	}
	s.mu.Unlock()

	s.logger.WithField("duration", duration).Warn("scheduler backing off")
	if s.metrics != nil {
		s.metrics.BackoffStarted()
	}
	s.rearm()
}

// Stop terminates the timer loop. Pending jobs are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning {
		close(s.stopCh)
		s.wg.Wait()
	}
}

func (s *Scheduler) ensureStartedLocked() {
	if s.running || s.stopped {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.loop()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.currentInterval())
		case <-timer.C:
			s.tick(s.now())
			timer.Reset(s.currentInterval())
		}
	}
}

// tick runs the per-tick decision logic for the given instant and executes
// at most one job. Split from the loop so tests can drive it with a
// controlled clock.
func (s *Scheduler) tick(now time.Time) {
	if s.metrics != nil {
		s.metrics.TickInc()
	}
	job, ok := s.next(now)
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.JobExecuted()
	}
	job.Run()
}

// next expires burst/backoff windows and pops the front job. During an
// active backoff the tick is skipped entirely and the queue stays intact.
func (s *Scheduler) next(now time.Time) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.burstUntil.IsZero() && !now.Before(s.burstUntil) {
		s.burstUntil = time.Time{}
		s.interval = s.baseInterval
		s.logger.Debug("scheduler burst window elapsed")
	}
	if !s.backoffUntil.IsZero() {
		if now.Before(s.backoffUntil) {
			return Job{}, false
		}
		s.backoffUntil = time.Time{}
		s.logger.Info("scheduler backoff elapsed, resuming")
	}
	if len(s.queue) == 0 {
		return Job{}, false
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	s.reportQueueLocked()
	return job, true
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// rearm nudges the loop to pick up an interval change for future ticks.
// Non-blocking: if a nudge is already pending, one is enough.
func (s *Scheduler) rearm() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) reportQueueLocked() {
	if s.metrics != nil {
		s.metrics.QueueLength(len(s.queue))
	}
}

// QueueLen reports the number of pending jobs.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
