package urlcache

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type queueHarness struct {
	mock      *clock.Mock
	refresher *fakeRefresher
	notifier  *Notifier
	store     *Store
	sched     *Scheduler
	queue     *Queue
}

func defaultQueueConfig() Config {
	return Config{
		RefreshThreshold: 0.8,
		MinRefreshWindow: 10 * time.Second,
		MinScheduleDelay: 5 * time.Second,
		DebounceWindow:   500 * time.Millisecond,
		MaxBatchSize:     20,
		MaxRetries:       2,
		DefaultTTL:       15 * time.Minute,
		RefreshTimeout:   10 * time.Second,
	}
}

func newQueueHarness(t *testing.T, cfg Config) *queueHarness {
	t.Helper()
	mock := clock.NewMock()
	cfg.Clock = mock
	refresher := &fakeRefresher{}
	notifier := NewNotifier(testLogger(), nil)
	store := NewStore(notifier)
	sched := NewScheduler(cfg, testLogger(), nil)
	queue := NewQueue(cfg, refresher, store, sched, testLogger(), nil)
	sched.Bind(queue.EnqueueAsync)
	t.Cleanup(func() {
		sched.Stop()
		queue.Close()
		notifier.Close()
	})
	return &queueHarness{
		mock:      mock,
		refresher: refresher,
		notifier:  notifier,
		store:     store,
		sched:     sched,
		queue:     queue,
	}
}

func TestQueueDebounceWaitsForQuietPeriod(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = signResults(h.mock, 2*time.Hour)

	keys := []Key{
		{Owner: "caseA", Index: 0},
		{Owner: "caseA", Index: 1},
		{Owner: "caseB", Index: 0},
	}

	// Each enqueue restarts the quiet period, so the three keys coalesce into
	// one batch that flushes 500ms after the last enqueue.
	h.queue.EnqueueAsync(keys[0])
	h.mock.Add(200 * time.Millisecond)
	h.queue.EnqueueAsync(keys[1])
	h.mock.Add(200 * time.Millisecond)
	h.queue.EnqueueAsync(keys[2])

	h.mock.Add(499 * time.Millisecond)
	if h.refresher.batchCount() != 0 {
		t.Fatalf("flushed before the quiet period elapsed: %v", h.refresher.batchSizes())
	}

	h.mock.Add(1 * time.Millisecond)
	if got := h.refresher.batchSizes(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected a single batch of 3, got %v", got)
	}
	for _, key := range keys {
		if _, ok := h.store.Lookup(key); !ok {
			t.Fatalf("expected %v to be stored after the flush", key)
		}
		if !h.sched.Scheduled(key) {
			t.Fatalf("expected %v to be re-armed after the flush", key)
		}
	}
	if h.queue.PendingCount() != 0 {
		t.Fatalf("expected an empty queue, got %d pending", h.queue.PendingCount())
	}
}

func TestQueueDedupCollapsesToOneRow(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = signResults(h.mock, 2*time.Hour)

	key := Key{Owner: "caseA", Index: 0}
	first := h.queue.Enqueue(key)
	second := h.queue.Enqueue(key)
	h.queue.EnqueueAsync(key)

	if h.queue.PendingCount() != 1 {
		t.Fatalf("expected one pending key, got %d", h.queue.PendingCount())
	}

	h.mock.Add(500 * time.Millisecond)
	if got := h.refresher.batchSizes(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected one batch with one row, got %v", got)
	}
	if err := waitErr(t, first); err != nil {
		t.Fatalf("first waiter: %v", err)
	}
	if err := waitErr(t, second); err != nil {
		t.Fatalf("second waiter: %v", err)
	}
}

func TestQueueFullBatchFlushesImmediately(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = signResults(h.mock, 2*time.Hour)

	for i := 0; i < 45; i++ {
		h.queue.EnqueueAsync(Key{Owner: "bulk", Index: i})
	}

	// Reaching the cap rearms the flush timer to fire now; two full batches
	// drain back to back, and the 5-key remainder waits out a fresh debounce.
	h.mock.Add(0)
	if got := h.refresher.batchSizes(); len(got) != 2 || got[0] != 20 || got[1] != 20 {
		t.Fatalf("expected two full batches, got %v", got)
	}
	if h.store.Len() != 40 {
		t.Fatalf("expected 40 refreshed entries, got %d", h.store.Len())
	}
	if h.queue.PendingCount() != 5 {
		t.Fatalf("expected 5 keys still pending, got %d", h.queue.PendingCount())
	}

	h.mock.Add(500 * time.Millisecond)
	if got := h.refresher.batchSizes(); len(got) != 3 || got[2] != 5 {
		t.Fatalf("expected the remainder batch of 5, got %v", got)
	}
	if h.store.Len() != 45 {
		t.Fatalf("expected all 45 entries stored, got %d", h.store.Len())
	}
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = func(keys []Key) ([]KeyResult, error) {
		if h.refresher.batchCount() <= 2 {
			return failResults(keys, "backend glitch"), nil
		}
		return signResults(h.mock, 2*time.Hour)(keys)
	}

	key := Key{Owner: "caseA", Index: 0}
	done := h.queue.Enqueue(key)

	h.mock.Add(500 * time.Millisecond)
	h.mock.Add(500 * time.Millisecond)
	if h.refresher.batchCount() != 2 {
		t.Fatalf("expected two failed batches so far, got %d", h.refresher.batchCount())
	}
	h.mock.Add(500 * time.Millisecond)

	if err := waitErr(t, done); err != nil {
		t.Fatalf("expected the third attempt to succeed: %v", err)
	}
	if h.refresher.batchCount() != 3 {
		t.Fatalf("expected three batches, got %d", h.refresher.batchCount())
	}
	if _, ok := h.store.Lookup(key); !ok {
		t.Fatal("expected the refreshed entry to be stored")
	}
	if h.queue.Pending(key) {
		t.Fatal("expected the key to leave the queue after success")
	}
}

func TestQueueRejectsAfterRetryBudget(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = func(keys []Key) ([]KeyResult, error) {
		return nil, errors.New("boom")
	}

	key := Key{Owner: "caseA", Index: 0}
	done := h.queue.Enqueue(key)

	// maxRetries 2 means the key rides three consecutive batches before the
	// queue gives up on it.
	h.mock.Add(500 * time.Millisecond)
	h.mock.Add(500 * time.Millisecond)
	h.mock.Add(500 * time.Millisecond)

	err := waitErr(t, done)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected the backend reason in the error, got %v", err)
	}
	if h.refresher.batchCount() != 3 {
		t.Fatalf("expected three attempts, got %d", h.refresher.batchCount())
	}
	if h.store.Len() != 0 {
		t.Fatal("a rejected refresh must not write to the store")
	}
	if h.queue.Pending(key) {
		t.Fatal("rejected key should leave the queue")
	}

	// A later enqueue starts a fresh retry cycle.
	_ = h.queue.Enqueue(key)
	if !h.queue.Pending(key) {
		t.Fatal("expected a fresh cycle after rejection")
	}
}

func TestQueueTransportErrorFailsWholeBatch(t *testing.T) {
	cfg := defaultQueueConfig()
	cfg.MaxRetries = 0
	h := newQueueHarness(t, cfg)
	h.refresher.respond = func(keys []Key) ([]KeyResult, error) {
		return nil, errors.New("connect refused")
	}

	waiters := make([]<-chan refreshOutcome, 0, 3)
	for i := 0; i < 3; i++ {
		waiters = append(waiters, h.queue.Enqueue(Key{Owner: "caseA", Index: i}))
	}
	h.mock.Add(500 * time.Millisecond)

	for i, done := range waiters {
		err := waitErr(t, done)
		if !errors.Is(err, ErrRefreshFailed) {
			t.Fatalf("waiter %d: expected ErrRefreshFailed, got %v", i, err)
		}
	}
	if h.refresher.batchCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", h.refresher.batchCount())
	}
	if h.store.Len() != 0 {
		t.Fatal("transport failure must not write to the store")
	}
}

func TestQueuePartialResponseDispositions(t *testing.T) {
	cfg := defaultQueueConfig()
	cfg.MaxRetries = 0
	h := newQueueHarness(t, cfg)

	good := Key{Owner: "good", Index: 0}
	denied := Key{Owner: "denied", Index: 0}
	omitted := Key{Owner: "omitted", Index: 0}
	h.refresher.respond = func(keys []Key) ([]KeyResult, error) {
		return []KeyResult{
			{Key: good, OK: true, URL: signedURL("good/refreshed", h.mock.Now(), 2*time.Hour)},
			{Key: denied, Err: "denied"},
		}, nil
	}

	goodDone := h.queue.Enqueue(good)
	deniedDone := h.queue.Enqueue(denied)
	omittedDone := h.queue.Enqueue(omitted)
	h.mock.Add(500 * time.Millisecond)

	if err := waitErr(t, goodDone); err != nil {
		t.Fatalf("sibling failures must not affect a successful key: %v", err)
	}
	if _, ok := h.store.Lookup(good); !ok {
		t.Fatal("expected the successful key to be stored")
	}

	err := waitErr(t, deniedDone)
	if !errors.Is(err, ErrRefreshFailed) || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("unexpected per-key failure: %v", err)
	}
	err = waitErr(t, omittedDone)
	if !errors.Is(err, ErrRefreshFailed) || !strings.Contains(err.Error(), "missing from backend response") {
		t.Fatalf("unexpected omitted-key failure: %v", err)
	}
	if h.store.Len() != 1 {
		t.Fatalf("only the successful key should be stored, got %d", h.store.Len())
	}
}

func TestQueueDuplicateRowsLastWins(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())

	key := Key{Owner: "caseA", Index: 0}
	firstURL := signedURL("dup/first", h.mock.Now(), time.Hour)
	secondURL := signedURL("dup/second", h.mock.Now(), 2*time.Hour)
	h.refresher.respond = func(keys []Key) ([]KeyResult, error) {
		return []KeyResult{
			{Key: key, OK: true, URL: firstURL},
			{Key: key, OK: true, URL: secondURL},
		}, nil
	}

	done := h.queue.Enqueue(key)
	h.mock.Add(500 * time.Millisecond)

	out := waitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("refresh: %v", out.err)
	}
	if out.entry.URL != secondURL {
		t.Fatalf("expected the waiter to see the winning row, got %s", out.entry.URL)
	}
	entry, ok := h.store.Lookup(key)
	if !ok {
		t.Fatal("expected the key to be stored")
	}
	if entry.URL != secondURL {
		t.Fatalf("expected the later duplicate row to win, got %s", entry.URL)
	}
}

func TestQueueEnqueueDuringFlight(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())

	key := Key{Owner: "caseA", Index: 0}
	follower := Key{Owner: "caseB", Index: 0}
	var midFlight <-chan refreshOutcome
	h.refresher.respond = func(keys []Key) ([]KeyResult, error) {
		if h.refresher.batchCount() == 1 {
			// Requests arriving while the batch is on the wire: the same key
			// attaches to the in-flight refresh, a new key waits for the next
			// batch.
			midFlight = h.queue.Enqueue(key)
			h.queue.EnqueueAsync(follower)
		}
		return signResults(h.mock, 2*time.Hour)(keys)
	}

	done := h.queue.Enqueue(key)
	h.mock.Add(500 * time.Millisecond)

	if err := waitErr(t, done); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := waitErr(t, midFlight); err != nil {
		t.Fatalf("mid-flight waiter should settle with the in-flight batch: %v", err)
	}
	if got := h.refresher.batchSizes(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only the original single-key batch so far, got %v", got)
	}
	if !h.queue.Pending(follower) {
		t.Fatal("expected the follower key to wait for the next batch")
	}

	h.mock.Add(500 * time.Millisecond)
	if got := h.refresher.rowsFor(follower); got != 1 {
		t.Fatalf("expected the follower in exactly one batch row, got %d", got)
	}
	if got := h.refresher.rowsFor(key); got != 1 {
		t.Fatalf("expected no duplicate row for the attached key, got %d", got)
	}
}

func TestQueueCloseRejectsWaiters(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = signResults(h.mock, time.Hour)

	key := Key{Owner: "caseA", Index: 0}
	done := h.queue.Enqueue(key)
	h.queue.Close()

	if err := waitErr(t, done); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if h.queue.PendingCount() != 0 {
		t.Fatalf("expected an empty queue after close, got %d", h.queue.PendingCount())
	}

	if err := waitErr(t, h.queue.Enqueue(key)); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after close should fail fast, got %v", err)
	}
	h.queue.EnqueueAsync(key)

	h.mock.Add(time.Second)
	if h.refresher.batchCount() != 0 {
		t.Fatalf("closed queue must not flush, got %d batches", h.refresher.batchCount())
	}
}

func TestQueueKeySpread(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = signResults(h.mock, 2*time.Hour)

	// Same owner, distinct indexes: three separate rows, not one.
	for i := 0; i < 3; i++ {
		h.queue.EnqueueAsync(Key{Owner: "multi", Index: i})
	}
	h.mock.Add(500 * time.Millisecond)

	if got := h.refresher.batchSizes(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected one batch of 3 rows, got %v", got)
	}
	for i := 0; i < 3; i++ {
		if got := h.refresher.rowsFor(Key{Owner: "multi", Index: i}); got != 1 {
			t.Fatalf("index %d: expected exactly one row, got %d", i, got)
		}
	}
}

func TestQueueStaggersUnrelatedBursts(t *testing.T) {
	h := newQueueHarness(t, defaultQueueConfig())
	h.refresher.respond = signResults(h.mock, 2*time.Hour)

	h.queue.EnqueueAsync(Key{Owner: "first", Index: 0})
	h.mock.Add(500 * time.Millisecond)
	h.queue.EnqueueAsync(Key{Owner: "second", Index: 0})
	h.mock.Add(500 * time.Millisecond)

	if got := h.refresher.batchSizes(); len(got) != 2 || got[0] != 1 || got[1] != 1 {
		t.Fatalf("expected two separate single-key batches, got %v", got)
	}
}

func TestQueueFailureReasonText(t *testing.T) {
	res := KeyResult{Key: Key{Owner: "caseA", Index: 0}, OK: true}
	if got := failureReason(nil, res, true); got != "empty url in backend response" {
		t.Fatalf("unexpected reason for empty url: %q", got)
	}
	if got := failureReason(nil, KeyResult{}, false); got != "missing from backend response" {
		t.Fatalf("unexpected reason for omitted key: %q", got)
	}
	if got := failureReason(fmt.Errorf("dial tcp: timeout"), KeyResult{}, false); got != "dial tcp: timeout" {
		t.Fatalf("unexpected reason for transport error: %q", got)
	}
	if got := failureReason(nil, KeyResult{Err: "denied"}, true); got != "denied" {
		t.Fatalf("unexpected reason for per-key error: %q", got)
	}
	if got := failureReason(nil, KeyResult{}, true); got != "backend reported failure" {
		t.Fatalf("unexpected reason for plain failure row: %q", got)
	}
}
