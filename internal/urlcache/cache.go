// Package urlcache implements a read-through cache for signed resource URLs
// with proactive refresh. Entries carry the expiry baked into their signature;
// shortly before a signature lapses the entry is re-signed through a batching
// refresh queue, so consumers keep resolving valid URLs without ever waiting
// on the signing backend. Resolution is always synchronous and non-blocking:
// expired entries are handed out stale while a refresh runs in the
// background, and nothing is ever evicted.
package urlcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/d3vra/presignctrl/internal/metrics"
)

// Config carries the refresh engine's tuning knobs. Zero values fall back to
// the documented defaults, except MaxRetries where zero is meaningful and
// kept as configured.
type Config struct {
	// RefreshThreshold is the fraction of an entry's remaining lifetime after
	// which a proactive refresh fires. Defaults to 0.8.
	RefreshThreshold float64
	// MinRefreshWindow is the remaining lifetime below which proactive
	// scheduling is skipped. Defaults to 10s.
	MinRefreshWindow time.Duration
	// MinScheduleDelay is the shortest timer delay worth arming. Defaults to 5s.
	MinScheduleDelay time.Duration
	// DebounceWindow is the quiet period the queue waits for after the latest
	// enqueue before flushing a batch. Defaults to 500ms.
	DebounceWindow time.Duration
	// MaxBatchSize caps the keys per backend call and forces an early flush
	// once reached. Defaults to 20.
	MaxBatchSize int
	// MaxRetries is how many failed batches a key may ride beyond its first
	// before being rejected. Negative values are treated as zero.
	MaxRetries int
	// DefaultTTL is the assumed validity for URLs without an extractable
	// expiry. Defaults to 15m.
	DefaultTTL time.Duration
	// RefreshTimeout bounds one backend batch call. Defaults to 10s.
	RefreshTimeout time.Duration
	// Clock drives every timer and timestamp. Defaults to the wall clock;
	// tests inject a mock.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 0.8
	}
	if c.MinRefreshWindow <= 0 {
		c.MinRefreshWindow = 10 * time.Second
	}
	if c.MinScheduleDelay <= 0 {
		c.MinScheduleDelay = 5 * time.Second
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.MaxBatchSize < 1 {
		c.MaxBatchSize = 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 15 * time.Minute
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	return c
}

func (c Config) clock() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.New()
}

// Cache is the synchronous facade over the store, notifier, scheduler, and
// refresh queue. All methods are safe for concurrent use.
type Cache struct {
	cfg     Config
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Recorder

	notifier *Notifier
	store    *Store
	sched    *Scheduler
	queue    *Queue

	// seedMu serializes first-sight seeding so concurrent resolves of an
	// unseen key store and arm exactly once.
	seedMu sync.Mutex
}

// New assembles a cache engine around the given refresher.
func New(cfg Config, refresher Refresher, logger *slog.Logger, rec *metrics.Recorder) (*Cache, error) {
	if refresher == nil {
		return nil, errors.New("urlcache: refresher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	notifier := NewNotifier(logger, rec)
	store := NewStore(notifier)
	sched := NewScheduler(cfg, logger, rec)
	queue := NewQueue(cfg, refresher, store, sched, logger, rec)
	sched.Bind(queue.EnqueueAsync)

	return &Cache{
		cfg:      cfg,
		clk:      cfg.clock(),
		logger:   logger.With(slog.String("agent", "urlcache")),
		metrics:  rec,
		notifier: notifier,
		store:    store,
		sched:    sched,
		queue:    queue,
	}, nil
}

// Get resolves key to a URL without ever blocking on the backend. Unseen keys
// are seeded from fallbackURL, fresh entries are returned directly, and
// expired entries are returned stale while a refresh is kicked off in the
// background.
func (c *Cache) Get(key Key, fallbackURL string) string {
	return c.Resolve(key, fallbackURL).URL
}

// Resolve is Get with the full answer: the URL plus its expiry and staleness.
func (c *Cache) Resolve(key Key, fallbackURL string) Resolution {
	now := c.clk.Now()
	if entry, ok := c.store.Lookup(key); ok {
		return c.resolveKnown(key, entry, now)
	}
	if fallbackURL == "" {
		// Nothing cached and nothing to seed from.
		return Resolution{}
	}

	// First sight of the key. Lookup, store, and arm run as one step under
	// the seed lock so concurrent first resolves seed exactly once.
	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	if entry, ok := c.store.Lookup(key); ok {
		return c.resolveKnown(key, entry, now)
	}
	entry, parsed := NewEntry(fallbackURL, now, c.cfg.DefaultTTL)
	if !parsed {
		c.logger.Debug("signed expiry missing from fallback url, using default ttl",
			slog.String("key", key.String()))
	}
	c.store.Put(key, entry)
	c.sched.Arm(key, entry)
	c.metrics.ObserveResolve(metrics.ResolveSeed)
	return Resolution{URL: entry.URL, ExpiresAt: entry.ExpiresAt, Stale: false}
}

func (c *Cache) resolveKnown(key Key, entry Entry, now time.Time) Resolution {
	if !entry.Expired(now) {
		c.metrics.ObserveResolve(metrics.ResolveFresh)
		return Resolution{URL: entry.URL, ExpiresAt: entry.ExpiresAt, Stale: false}
	}
	// Hand the stale URL back immediately; refresh in the background unless
	// one is already pending or a proactive timer is about to cover it.
	if !c.queue.Pending(key) && !c.sched.Scheduled(key) {
		c.queue.EnqueueAsync(key)
	}
	c.metrics.ObserveResolve(metrics.ResolveStale)
	return Resolution{URL: entry.URL, ExpiresAt: entry.ExpiresAt, Stale: true}
}

// Refresh forces a refresh of key and blocks until the batch carrying it
// settles or ctx is done. On success it returns the freshly signed URL with
// its expiry; exhausted retries surface as a wrapped ErrRefreshFailed.
// Abandoning the wait does not withdraw the queued request.
func (c *Cache) Refresh(ctx context.Context, key Key) (Resolution, error) {
	done := c.queue.Enqueue(key)
	select {
	case out := <-done:
		if out.err != nil {
			return Resolution{}, out.err
		}
		return Resolution{URL: out.entry.URL, ExpiresAt: out.entry.ExpiresAt}, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Warm adopts entries recovered from a mirror. Keys already present and
// entries already expired are skipped; everything adopted is armed for
// proactive refresh. Returns the number of entries adopted.
func (c *Cache) Warm(entries map[Key]Entry) int {
	now := c.clk.Now()
	adopted := 0
	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	for key, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		if _, ok := c.store.Lookup(key); ok {
			continue
		}
		c.store.Put(key, entry)
		c.sched.Arm(key, entry)
		adopted++
	}
	return adopted
}

// Subscribe registers a change listener; see Notifier.Subscribe.
func (c *Cache) Subscribe() (<-chan Update, func()) {
	return c.notifier.Subscribe()
}

// OnUpdate invokes fn for every change event; see Notifier.OnUpdate.
func (c *Cache) OnUpdate(fn func(Update)) func() {
	return c.notifier.OnUpdate(fn)
}

// Snapshot returns a copy of the current entry table.
func (c *Cache) Snapshot() map[Key]Entry {
	return c.store.Snapshot()
}

// Stats reports engine gauges for health reporting.
type Stats struct {
	Entries     int `json:"entries"`
	Pending     int `json:"pending"`
	Scheduled   int `json:"scheduled"`
	Subscribers int `json:"subscribers"`
}

// Stats returns a point-in-time view of the engine.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:     c.store.Len(),
		Pending:     c.queue.PendingCount(),
		Scheduled:   c.sched.ScheduledCount(),
		Subscribers: c.notifier.Subscribers(),
	}
}

// Close shuts the engine down: timers are cancelled, queued refreshes are
// rejected with ErrClosed, and subscriber channels are closed.
func (c *Cache) Close() {
	c.sched.Stop()
	c.queue.Close()
	c.notifier.Close()
}
