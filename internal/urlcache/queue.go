package urlcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/d3vra/presignctrl/internal/metrics"
)

// refreshOutcome is what a waiter receives once the batch carrying its key
// settles: the stored entry on success, the terminal error otherwise.
type refreshOutcome struct {
	entry Entry
	err   error
}

// pendingRefresh tracks one key awaiting refresh: how many batches it has
// failed in plus the callers waiting on its outcome.
type pendingRefresh struct {
	retries int
	waiters []chan refreshOutcome
}

// Queue collects refresh requests and flushes them to the backend in batches.
// Requests are deduplicated per key, held through a debounce window so bursts
// coalesce, and flushed early when a full batch accumulates. At most one
// batch is in flight at a time; only the backend call itself runs without the
// queue lock held.
type Queue struct {
	refresher Refresher
	store     *Store
	sched     *Scheduler
	clk       clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Recorder

	debounce   time.Duration
	maxBatch   int
	maxRetries int
	defaultTTL time.Duration
	timeout    time.Duration

	mu       sync.Mutex
	pending  map[Key]*pendingRefresh
	order    []Key
	timer    *clock.Timer
	flushing bool
	closed   bool
}

// NewQueue constructs a refresh queue from the engine config. Successful
// results are written to store and re-armed on sched.
func NewQueue(cfg Config, refresher Refresher, store *Store, sched *Scheduler, logger *slog.Logger, rec *metrics.Recorder) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		refresher:  refresher,
		store:      store,
		sched:      sched,
		clk:        cfg.clock(),
		logger:     logger.With(slog.String("agent", "refresh_queue")),
		metrics:    rec,
		debounce:   cfg.DebounceWindow,
		maxBatch:   cfg.MaxBatchSize,
		maxRetries: cfg.MaxRetries,
		defaultTTL: cfg.DefaultTTL,
		timeout:    cfg.RefreshTimeout,
		pending:    make(map[Key]*pendingRefresh),
	}
}

// Enqueue registers key for the next batch and returns a channel that yields
// the outcome once the batch containing the key settles: the fresh entry on
// success, a wrapped ErrRefreshFailed when retries are exhausted. Enqueueing
// a key that is already pending attaches to the existing request instead of
// adding a second one.
func (q *Queue) Enqueue(key Key) <-chan refreshOutcome {
	done := make(chan refreshOutcome, 1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		done <- refreshOutcome{err: ErrClosed}
		return done
	}
	p, ok := q.pending[key]
	if !ok {
		p = &pendingRefresh{}
		q.pending[key] = p
		q.order = append(q.order, key)
	}
	p.waiters = append(p.waiters, done)
	q.scheduleFlushLocked()
	return done
}

// EnqueueAsync registers key without a completion waiter. Used by the stale
// resolve path and the proactive scheduler, where nobody blocks on the result.
func (q *Queue) EnqueueAsync(key Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.pending[key]; !ok {
		q.pending[key] = &pendingRefresh{}
		q.order = append(q.order, key)
	}
	q.scheduleFlushLocked()
}

// Pending reports whether key currently awaits refresh, in the debounce
// window or in flight.
func (q *Queue) Pending(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[key]
	return ok
}

// PendingCount reports the number of keys awaiting refresh.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects every waiter with ErrClosed and stops the flush timer. An
// in-flight batch finishes its backend call but its results are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	for key, p := range q.pending {
		for _, done := range p.waiters {
			done <- refreshOutcome{err: ErrClosed}
		}
		delete(q.pending, key)
	}
	q.order = nil
}

// scheduleFlushLocked restarts the debounce window for the latest enqueue, or
// forces an immediate flush once a full batch is waiting. No-op while a batch
// is in flight; the flush loop re-examines the queue when it settles.
func (q *Queue) scheduleFlushLocked() {
	if q.flushing {
		return
	}
	if len(q.order) >= q.maxBatch {
		q.armLocked(0)
		return
	}
	q.armLocked(q.debounce)
}

func (q *Queue) armLocked(d time.Duration) {
	if q.timer == nil {
		q.timer = q.clk.AfterFunc(d, q.flushDue)
		return
	}
	q.timer.Reset(d)
}

// flushDue runs on the timer goroutine when the debounce window closes.
func (q *Queue) flushDue() {
	q.mu.Lock()
	if q.closed || q.flushing || len(q.order) == 0 {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()
	q.flushLoop()
}

// flushLoop drains the queue one batch at a time. After each batch settles it
// keeps going while a full batch is already waiting, restarts the debounce
// window when a partial batch remains, and goes idle when the queue is empty.
func (q *Queue) flushLoop() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		n := len(q.order)
		if n == 0 {
			q.flushing = false
			q.mu.Unlock()
			return
		}
		if n > q.maxBatch {
			n = q.maxBatch
		}
		batch := make([]Key, n)
		copy(batch, q.order[:n])
		q.order = append(q.order[:0:0], q.order[n:]...)
		q.mu.Unlock()

		results, err := q.callBackend(batch)
		q.settle(batch, results, err)

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.order) >= q.maxBatch {
			q.mu.Unlock()
			continue
		}
		if len(q.order) > 0 {
			q.flushing = false
			q.armLocked(q.debounce)
			q.mu.Unlock()
			return
		}
		q.flushing = false
		q.mu.Unlock()
		return
	}
}

// callBackend issues one batch call under a bounded timeout. The duration
// histogram uses wall-clock time on purpose; the injectable clock only drives
// scheduling decisions.
func (q *Queue) callBackend(batch []Key) ([]KeyResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	results, err := q.refresher.RefreshBatch(ctx, batch)
	if err != nil {
		q.metrics.ObserveBatch(metrics.BatchTransportError, len(batch), time.Since(start))
		q.logger.Warn("refresh batch failed",
			slog.Int("keys", len(batch)),
			slog.Any("error", err))
		return nil, err
	}
	q.metrics.ObserveBatch(metrics.BatchOK, len(batch), time.Since(start))
	q.logger.Debug("refresh batch completed", slog.Int("keys", len(batch)))
	return results, nil
}

// settle applies one batch outcome: successful keys are stored, re-armed, and
// their waiters released; failed keys are requeued until their retry budget
// runs out, then rejected. Keys the backend did not mention count as failed.
// When the same key appears more than once in the response, the last row wins.
func (q *Queue) settle(batch []Key, results []KeyResult, callErr error) {
	byKey := make(map[Key]KeyResult, len(results))
	for _, res := range results {
		byKey[res.Key] = res
	}
	now := q.clk.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, key := range batch {
		p := q.pending[key]
		if p == nil {
			// Rejected by a concurrent Close.
			continue
		}
		res, answered := byKey[key]
		if callErr == nil && answered && res.OK && res.URL != "" {
			entry, parsed := NewEntry(res.URL, now, q.defaultTTL)
			if !parsed {
				q.logger.Debug("signed expiry missing from refreshed url, using default ttl",
					slog.String("key", key.String()))
			}
			q.store.Put(key, entry)
			q.sched.Rearm(key, entry)
			for _, done := range p.waiters {
				done <- refreshOutcome{entry: entry}
			}
			delete(q.pending, key)
			q.metrics.ObserveKey(metrics.KeyRefreshed)
			continue
		}

		p.retries++
		if p.retries <= q.maxRetries {
			q.order = append(q.order, key)
			q.metrics.ObserveKey(metrics.KeyRetried)
			q.logger.Debug("refresh failed, requeueing",
				slog.String("key", key.String()),
				slog.Int("retries", p.retries))
			continue
		}

		reason := failureReason(callErr, res, answered)
		err := fmt.Errorf("%w: %s: %s", ErrRefreshFailed, key, reason)
		for _, done := range p.waiters {
			done <- refreshOutcome{err: err}
		}
		delete(q.pending, key)
		q.metrics.ObserveKey(metrics.KeyFailed)
		q.logger.Warn("refresh rejected after exhausting retries",
			slog.String("key", key.String()),
			slog.String("reason", reason))
	}
}

func failureReason(callErr error, res KeyResult, answered bool) string {
	switch {
	case callErr != nil:
		return callErr.Error()
	case !answered:
		return "missing from backend response"
	case res.Err != "":
		return res.Err
	case res.OK:
		return "empty url in backend response"
	default:
		return "backend reported failure"
	}
}
