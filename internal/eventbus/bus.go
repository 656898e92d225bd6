// Package eventbus implements the asynchronous publish/subscribe hub that
// decouples the audio pipeline from the state manager and the backend link.
//
// Publish never waits for handlers: events are appended to a bounded queue
// that a single worker drains. A full queue drops the newest event. Handlers
// for one event type run in subscription order, followed by wildcard
// handlers; a panicking handler is recovered and counted without affecting
// its siblings.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/puertocho/internal/observe"
)

// Default bus parameters.
const (
	DefaultQueueSize   = 1000
	DefaultJoinTimeout = 5 * time.Second

	recentErrorsLimit = 10
)

var (
	// ErrQueueFull is returned by Publish when the event was dropped.
	ErrQueueFull = errors.New("eventbus: queue full")

	// ErrClosed is returned by Publish after Shutdown.
	ErrClosed = errors.New("eventbus: closed")

	// ErrUnknownType is returned for event types outside the vocabulary.
	ErrUnknownType = errors.New("eventbus: unknown event type")
)

// Handler receives one event. It runs on the bus worker and should return
// quickly; long work belongs in a separate goroutine.
type Handler func(Event)

// Filter returns false to veto delivery of an event to every handler.
type Filter func(Event) bool

// HandlerError describes a recovered handler failure.
type HandlerError struct {
	Time      time.Time `json:"time"`
	EventType EventType `json:"event_type"`
	EventID   string    `json:"event_id"`
	Err       string    `json:"error"`
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64               `json:"published"`
	Processed     uint64               `json:"processed"`
	Filtered      uint64               `json:"filtered"`
	Dropped       uint64               `json:"dropped"`
	HandlerErrors uint64               `json:"handler_errors"`
	PerType       map[EventType]uint64 `json:"per_type"`
	QueueLen      int                  `json:"queue_len"`
	HandlerCount  int                  `json:"handler_count"`
	Running       bool                 `json:"running"`
	RecentErrors  []HandlerError       `json:"recent_errors"`
}

type subscription struct {
	id uint64
	fn Handler
}

// Bus is the event hub. The zero value is not usable; create one with [New].
type Bus struct {
	queue       chan Event
	joinTimeout time.Duration
	metrics     *observe.Metrics

	mu       sync.RWMutex
	handlers map[EventType][]subscription
	wildcard []subscription
	filters  []Filter
	nextID   uint64

	statsMu       sync.Mutex
	published     uint64
	processed     uint64
	filtered      uint64
	dropped       uint64
	handlerErrors uint64
	perType       map[EventType]uint64
	recent        []HandlerError

	closed    atomic.Bool
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	abort     chan struct{}
	done      chan struct{}
}

// Option is a functional option for [New].
type Option func(*Bus)

// WithQueueSize sets the capacity of the event queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithJoinTimeout bounds how long Shutdown waits for pending events.
func WithJoinTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.joinTimeout = d
		}
	}
}

// WithMetrics records bus activity on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates a Bus. Call [Bus.Start] to begin delivery.
func New(opts ...Option) *Bus {
	b := &Bus{
		queue:       make(chan Event, DefaultQueueSize),
		joinTimeout: DefaultJoinTimeout,
		handlers:    make(map[EventType][]subscription),
		perType:     make(map[EventType]uint64),
		stop:        make(chan struct{}),
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// ─── Subscription ─────────────────────────────────────────────────────────────

// Subscribe registers h for events of type t and returns a function that
// removes it. Calling the returned function more than once is safe.
func (b *Bus) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, fn: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[t] = slices.DeleteFunc(b.handlers[t], func(s subscription) bool { return s.id == id })
	}
}

// SubscribeAll registers h for every event type. Wildcard handlers run after
// the type-specific handlers of each event.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, fn: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = slices.DeleteFunc(b.wildcard, func(s subscription) bool { return s.id == id })
	}
}

// AddFilter adds a filter consulted before every dispatch.
func (b *Bus) AddFilter(f Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, f)
}

// HandlerCount returns the number of handlers for t, or for all types plus
// wildcards when t is empty.
func (b *Bus) HandlerCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t != "" {
		return len(b.handlers[t])
	}
	n := len(b.wildcard)
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

// ─── Publishing ───────────────────────────────────────────────────────────────

// Publish enqueues an event without blocking. It returns ErrQueueFull when
// the event was dropped and ErrClosed after Shutdown.
func (b *Bus) Publish(t EventType, source string, data map[string]any) error {
	if !t.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if b.closed.Load() {
		return ErrClosed
	}
	ev := NewEvent(t, source, data)
	select {
	case b.queue <- ev:
		b.countPublished(t)
		return nil
	default:
		b.statsMu.Lock()
		b.dropped++
		b.statsMu.Unlock()
		b.metrics.BusDropped.Add(context.Background(), 1)
		slog.Warn("eventbus: queue full, dropping event", "type", t, "source", source)
		return ErrQueueFull
	}
}

// PublishSync dispatches an event inline on the caller's goroutine.
func (b *Bus) PublishSync(t EventType, source string, data map[string]any) error {
	if !t.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if b.closed.Load() {
		return ErrClosed
	}
	b.countPublished(t)
	b.dispatch(NewEvent(t, source, data))
	return nil
}

func (b *Bus) countPublished(t EventType) {
	b.statsMu.Lock()
	b.published++
	b.perType[t]++
	b.statsMu.Unlock()
	b.metrics.RecordPublished(context.Background(), string(t))
}

// ─── Delivery ─────────────────────────────────────────────────────────────────

// Start launches the delivery worker. Subsequent calls are no-ops.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.started.Store(true)
		go b.run()
		slog.Debug("eventbus: started", "queue_size", cap(b.queue))
	})
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stop:
			b.drain()
			return
		}
	}
}

// drain delivers queued events until the queue is empty or Shutdown gives up.
func (b *Bus) drain() {
	for {
		select {
		case <-b.abort:
			return
		default:
		}
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	filters := slices.Clone(b.filters)
	typed := slices.Clone(b.handlers[ev.Type])
	wildcard := slices.Clone(b.wildcard)
	b.mu.RUnlock()

	for _, f := range filters {
		if !b.allow(f, ev) {
			b.statsMu.Lock()
			b.filtered++
			b.statsMu.Unlock()
			return
		}
	}
	for _, s := range typed {
		b.invoke(s.fn, ev)
	}
	for _, s := range wildcard {
		b.invoke(s.fn, ev)
	}

	b.statsMu.Lock()
	b.processed++
	b.statsMu.Unlock()
}

// allow runs f, treating a panicking filter as a pass.
func (b *Bus) allow(f Filter, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: filter panicked", "type", ev.Type, "err", r)
			ok = true
		}
	}()
	return f(ev)
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		slog.Error("eventbus: handler panicked", "type", ev.Type, "source", ev.Source, "err", r)
		b.metrics.BusHandlerErrors.Add(context.Background(), 1)
		b.statsMu.Lock()
		defer b.statsMu.Unlock()
		b.handlerErrors++
		b.recent = append(b.recent, HandlerError{
			Time:      time.Now(),
			EventType: ev.Type,
			EventID:   ev.ID,
			Err:       fmt.Sprint(r),
		})
		if len(b.recent) > recentErrorsLimit {
			b.recent = slices.Delete(b.recent, 0, len(b.recent)-recentErrorsLimit)
		}
	}()
	h(ev)
}

// Shutdown stops intake and waits for the worker to deliver pending events,
// bounded by the join timeout and ctx. It is safe to call more than once.
func (b *Bus) Shutdown(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.stop)

		b.startOnce.Do(func() {}) // prevent a late Start
		if !b.started.Load() {
			if n := len(b.queue); n > 0 {
				slog.Warn("eventbus: discarding events queued before start", "count", n)
			}
			return
		}

		timer := time.NewTimer(b.joinTimeout)
		defer timer.Stop()
		select {
		case <-b.done:
			slog.Debug("eventbus: shut down")
		case <-timer.C:
			close(b.abort)
			err = fmt.Errorf("eventbus: worker did not finish within %s", b.joinTimeout)
			slog.Warn("eventbus: shutdown timed out", "pending", len(b.queue))
		case <-ctx.Done():
			close(b.abort)
			err = ctx.Err()
		}
	})
	return err
}

// Running reports whether the delivery worker is active.
func (b *Bus) Running() bool {
	if !b.started.Load() {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	handlers := b.HandlerCount("")
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{
		Published:     b.published,
		Processed:     b.processed,
		Filtered:      b.filtered,
		Dropped:       b.dropped,
		HandlerErrors: b.handlerErrors,
		PerType:       maps.Clone(b.perType),
		QueueLen:      len(b.queue),
		HandlerCount:  handlers,
		Running:       b.Running(),
		RecentErrors:  slices.Clone(b.recent),
	}
}
