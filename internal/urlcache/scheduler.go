package urlcache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/d3vra/presignctrl/internal/metrics"
)

// Scheduler arms one proactive refresh timer per cached entry so URLs are
// re-signed before their window closes. The timers map doubles as the
// in-progress marker: a key is scheduled exactly while it has a map entry,
// and check plus insert happen under one lock so concurrent arms for the same
// key collapse to a single timer.
type Scheduler struct {
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Recorder

	threshold float64
	minWindow time.Duration
	minDelay  time.Duration

	mu      sync.Mutex
	timers  map[Key]*clock.Timer
	enqueue func(Key)
	closed  bool
}

// NewScheduler constructs a scheduler from the engine config. Bind must be
// called before any timer can usefully fire.
func NewScheduler(cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clk:       cfg.clock(),
		logger:    logger.With(slog.String("agent", "scheduler")),
		metrics:   rec,
		threshold: cfg.RefreshThreshold,
		minWindow: cfg.MinRefreshWindow,
		minDelay:  cfg.MinScheduleDelay,
		timers:    make(map[Key]*clock.Timer),
	}
}

// Bind wires the queue's enqueue function. Kept separate from construction
// because the queue and scheduler reference each other.
func (s *Scheduler) Bind(enqueue func(Key)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue = enqueue
}

// Arm schedules a proactive refresh for key based on entry's remaining
// lifetime. Keys already scheduled keep their existing timer. Entries too
// close to expiry, or whose computed delay is shorter than the minimum worth
// arming, are skipped; the regular stale path covers them instead.
func (s *Scheduler) Arm(key Key, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.timers[key]; ok {
		return
	}
	s.armLocked(key, entry)
}

// Rearm cancels any timer armed for key and schedules against entry's window
// instead. The queue calls this after a successful refresh so the timer
// always tracks the entry that was actually stored.
func (s *Scheduler) Rearm(key Key, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
	s.armLocked(key, entry)
}

func (s *Scheduler) armLocked(key Key, entry Entry) {
	remaining := entry.Remaining(s.clk.Now())
	if remaining <= s.minWindow {
		s.metrics.ObserveTimer(metrics.TimerSkipped)
		s.logger.Debug("refresh window too small to schedule",
			slog.String("key", key.String()),
			slog.Duration("remaining", remaining))
		return
	}
	delay := time.Duration(float64(remaining) * s.threshold)
	if delay < s.minDelay {
		s.metrics.ObserveTimer(metrics.TimerSkipped)
		s.logger.Debug("refresh delay below minimum, not scheduling",
			slog.String("key", key.String()),
			slog.Duration("delay", delay))
		return
	}
	s.timers[key] = s.clk.AfterFunc(delay, func() { s.fire(key) })
	s.metrics.ObserveTimer(metrics.TimerArmed)
}

// fire removes the timer marker and hands the key to the refresh queue. The
// lock is released before enqueueing so the queue is free to call back into
// Arm when the batch settles.
func (s *Scheduler) fire(key Key) {
	s.mu.Lock()
	delete(s.timers, key)
	enqueue := s.enqueue
	closed := s.closed
	s.mu.Unlock()
	if closed || enqueue == nil {
		return
	}
	s.metrics.ObserveTimer(metrics.TimerFired)
	enqueue(key)
}

// Scheduled reports whether key currently has an armed timer.
func (s *Scheduler) Scheduled(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// ScheduledCount reports the number of armed timers.
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every armed timer. Arms after Stop are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
