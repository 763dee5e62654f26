package urlcache

import (
	"log/slog"
	"sync"

	"github.com/gammazero/channelqueue"

	"github.com/d3vra/presignctrl/internal/metrics"
)

// Notifier fans out change events to subscribers without ever blocking the
// publisher. Each subscriber gets an unbounded buffered channel, so a slow
// reader delays only itself.
type Notifier struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	subs   map[int]chan<- Update
	nextID int
	closed bool
}

// NewNotifier constructs an empty notifier.
func NewNotifier(logger *slog.Logger, rec *metrics.Recorder) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:  logger.With(slog.String("agent", "notifier")),
		metrics: rec,
		subs:    make(map[int]chan<- Update),
	}
}

// Subscribe registers a new change listener and returns its channel together
// with a cancel function. Cancel removes the subscription and closes the
// channel so range loops over it terminate.
func (n *Notifier) Subscribe() (<-chan Update, func()) {
	cq := channelqueue.New[Update](-1)
	in := cq.In()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(in)
		return cq.Out(), func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = in

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if ch, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
	return cq.Out(), cancel
}

// OnUpdate invokes fn for every change event on a dedicated goroutine. A panic
// in fn is logged and the remaining events keep flowing; one listener cannot
// take down another or the publisher. The returned cancel stops delivery.
func (n *Notifier) OnUpdate(fn func(Update)) func() {
	events, cancel := n.Subscribe()
	deliver := func(update Update) {
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("update listener panicked",
					slog.String("key", update.Key.String()),
					slog.Any("panic", r))
			}
		}()
		fn(update)
	}
	go func() {
		for update := range events {
			deliver(update)
		}
	}()
	return cancel
}

// Publish delivers update to every current subscriber. The underlying queues
// are unbounded, so this returns without waiting on any reader.
func (n *Notifier) Publish(update Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		ch <- update
	}
	n.metrics.ObserveNotify()
}

// Subscribers reports the number of active subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close drops all subscriptions and closes their channels. Further publishes
// are silently discarded.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
