package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ResolveOutcome captures how a cache resolve was answered.
type ResolveOutcome string

const (
	// ResolveSeed indicates the key was unseen and the fallback URL seeded it.
	ResolveSeed ResolveOutcome = "seed"
	// ResolveFresh indicates the cached URL was still within its validity window.
	ResolveFresh ResolveOutcome = "fresh"
	// ResolveStale indicates an expired URL was served while a refresh was pending.
	ResolveStale ResolveOutcome = "stale"
)

// BatchOutcome captures the result of one backend batch call.
type BatchOutcome string

const (
	// BatchOK indicates the backend answered the batch request.
	BatchOK BatchOutcome = "ok"
	// BatchTransportError indicates the batch call itself failed.
	BatchTransportError BatchOutcome = "transport_error"
)

// KeyOutcome captures the per-key disposition after a batch settles.
type KeyOutcome string

const (
	// KeyRefreshed indicates the backend returned a fresh URL for the key.
	KeyRefreshed KeyOutcome = "refreshed"
	// KeyRetried indicates the key failed and was queued for another batch.
	KeyRetried KeyOutcome = "retried"
	// KeyFailed indicates the key exhausted its retries.
	KeyFailed KeyOutcome = "failed"
)

// TimerEvent captures proactive scheduler activity.
type TimerEvent string

const (
	// TimerArmed indicates a proactive refresh timer was set for a key.
	TimerArmed TimerEvent = "armed"
	// TimerSkipped indicates the window checks rejected scheduling.
	TimerSkipped TimerEvent = "skipped"
	// TimerFired indicates a proactive timer fired and enqueued its key.
	TimerFired TimerEvent = "fired"
)

// Recorder publishes Prometheus metrics for cache and refresh activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	resolveRequests *prometheus.CounterVec

	refreshBatches  *prometheus.CounterVec
	refreshKeys     *prometheus.CounterVec
	batchSize       prometheus.Histogram
	batchDuration   *prometheus.HistogramVec
	schedulerTimers *prometheus.CounterVec
	notifyEvents    prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	resolveRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presignctrl",
		Subsystem: "cache",
		Name:      "resolve_requests_total",
		Help:      "Total resolve calls answered by the cache facade.",
	}, []string{"outcome"})

	refreshBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presignctrl",
		Subsystem: "refresh",
		Name:      "batches_total",
		Help:      "Batched refresh calls issued to the signing backend.",
	}, []string{"result"})

	refreshKeys := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presignctrl",
		Subsystem: "refresh",
		Name:      "keys_total",
		Help:      "Per-key dispositions after a refresh batch settled.",
	}, []string{"result"})

	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presignctrl",
		Subsystem: "refresh",
		Name:      "batch_size",
		Help:      "Number of keys carried by each backend batch call.",
		Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 50},
	})

	batchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presignctrl",
		Subsystem: "refresh",
		Name:      "batch_duration_seconds",
		Help:      "Latency distribution for backend batch calls.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	schedulerTimers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presignctrl",
		Subsystem: "scheduler",
		Name:      "timers_total",
		Help:      "Proactive refresh timer events.",
	}, []string{"event"})

	notifyEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presignctrl",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Change events published to subscribers.",
	})

	reg.MustRegister(resolveRequests, refreshBatches, refreshKeys, batchSize, batchDuration, schedulerTimers, notifyEvents)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		resolveRequests: resolveRequests,
		refreshBatches:  refreshBatches,
		refreshKeys:     refreshKeys,
		batchSize:       batchSize,
		batchDuration:   batchDuration,
		schedulerTimers: schedulerTimers,
		notifyEvents:    notifyEvents,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveResolve records how a single resolve call was answered.
func (r *Recorder) ObserveResolve(outcome ResolveOutcome) {
	if r == nil {
		return
	}
	r.resolveRequests.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveBatch records one backend batch call with its size and latency.
func (r *Recorder) ObserveBatch(result BatchOutcome, size int, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := normalizeLabel(string(result))
	r.refreshBatches.WithLabelValues(resultLabel).Inc()
	r.batchSize.Observe(float64(size))
	r.batchDuration.WithLabelValues(resultLabel).Observe(duration.Seconds())
}

// ObserveKey records the disposition of one key after a batch settled.
func (r *Recorder) ObserveKey(result KeyOutcome) {
	if r == nil {
		return
	}
	r.refreshKeys.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveTimer records a proactive scheduler event.
func (r *Recorder) ObserveTimer(event TimerEvent) {
	if r == nil {
		return
	}
	r.schedulerTimers.WithLabelValues(normalizeLabel(string(event))).Inc()
}

// ObserveNotify records one change event published to subscribers.
func (r *Recorder) ObserveNotify() {
	if r == nil {
		return
	}
	r.notifyEvents.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
