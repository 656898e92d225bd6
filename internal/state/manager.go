// Package state coordinates the assistant's operating modes.
//
// The [Manager] reacts to bus events and moves between the five [State]
// values. [Manager.SetState] is the only way the current state changes; it
// records the transition, issues the entry commands through [Collaborators],
// runs registered callbacks and publishes state_changed. The manager itself
// never touches audio.
//
// Transition table:
//
//	idle        + wake_word_detected           → listening
//	listening   + voice_activity_end           → processing
//	processing  + message_from_backend{speech_start}   → speaking
//	processing  + message_from_backend{response}       → idle
//	speaking    + message_from_backend{speech_end|response} → idle
//	processing  + processing timeout           → idle
//	any         + button_pressed{short}        → toggle listening/idle
//	any         + button_pressed{long}         → idle
//	any         + system_error{fatal}          → error
//	error       + component_ready              → idle
//
// Any other (state, event) pair is logged and ignored.
package state

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

	"github.com/MrWong99/puertocho/internal/eventbus"
	"github.com/MrWong99/puertocho/internal/observe"
	"github.com/MrWong99/puertocho/internal/resilience"
	"github.com/MrWong99/puertocho/pkg/audio"
)

const source = "state_manager"

// Defaults for [Config].
const (
	DefaultProcessingTimeout = 30 * time.Second
	DefaultCaptureTimeout    = 10 * time.Second
	DefaultSpeakingTimeout   = 2 * time.Minute
	DefaultDeliverTimeout    = 15 * time.Second
	DefaultLongPress         = 2 * time.Second

	historyLimit = 100
)

// Config tunes a [Manager].
type Config struct {
	// ProcessingTimeout returns Processing to Idle when no response arrives.
	ProcessingTimeout time.Duration

	// CaptureTimeout forces voice_activity_end when the user never stops
	// talking.
	CaptureTimeout time.Duration

	// SpeakingTimeout returns Speaking to Idle when speech_end never arrives.
	SpeakingTimeout time.Duration

	// DeliverTimeout bounds one capture delivery.
	DeliverTimeout time.Duration

	// LongPress is the hold time at which a button press without an explicit
	// "press" field counts as long.
	LongPress time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	if c.SpeakingTimeout <= 0 {
		c.SpeakingTimeout = DefaultSpeakingTimeout
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = DefaultDeliverTimeout
	}
	if c.LongPress <= 0 {
		c.LongPress = DefaultLongPress
	}
}

// Manager is the assistant state machine. All methods are safe for
// concurrent use.
type Manager struct {
	bus     *eventbus.Bus
	collab  Collaborators
	cfg     Config
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
	now     func() time.Time

	mu           sync.Mutex
	current      State
	previous     State
	enteredAt    time.Time
	history      []Transition
	durations    map[State]time.Duration
	pairs        map[string]uint64
	total        uint64
	gen          uint64
	timer        *time.Timer
	onEnter      map[State][]StateCallback
	onTransition []TransitionCallback
	unsubscribe  []func()
	closed       bool

	deliverCtx    context.Context
	cancelDeliver context.CancelFunc
	deliveries    sync.WaitGroup
	pending       atomic.Int64
}

// Option is a functional option for [New].
type Option func(*Manager)

// WithClock overrides the time source for timestamps and durations. Timers
// still run on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithDeliveryBreaker gates capture delivery through cb. While cb is open,
// captures are dropped without calling the Deliver collaborator.
func WithDeliveryBreaker(cb *resilience.CircuitBreaker) Option {
	return func(m *Manager) { m.breaker = cb }
}

// New returns a Manager in the Idle state. bus may be nil; call
// [Manager.Attach] to start reacting to bus events.
func New(bus *eventbus.Bus, collab Collaborators, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		bus:       bus,
		collab:    collab,
		cfg:       cfg,
		now:       time.Now,
		current:   Idle,
		durations: make(map[State]time.Duration),
		pairs:     make(map[string]uint64),
		onEnter:   make(map[State][]StateCallback),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.breaker == nil {
		m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "uplink",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		})
	}
	m.enteredAt = m.now()
	m.deliverCtx, m.cancelDeliver = context.WithCancel(context.Background())
	return m
}

// Attach subscribes the manager to the events that drive it.
func (m *Manager) Attach() {
	if m.bus == nil {
		return
	}
	subs := []func(){
		m.bus.Subscribe(eventbus.WakeWordDetected, m.onWakeWord),
		m.bus.Subscribe(eventbus.VoiceActivityEnd, m.onVoiceEnd),
		m.bus.Subscribe(eventbus.MessageFromBackend, m.onBackendMessage),
		m.bus.Subscribe(eventbus.ButtonPressed, m.onButton),
		m.bus.Subscribe(eventbus.SystemError, m.onSystemError),
		m.bus.Subscribe(eventbus.ComponentReady, m.onComponentReady),
	}
	m.mu.Lock()
	m.unsubscribe = append(m.unsubscribe, subs...)
	m.mu.Unlock()
}

// OnEnter registers cb to run every time the manager enters s.
func (m *Manager) OnEnter(s State, cb StateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[s] = append(m.onEnter[s], cb)
}

// OnTransition registers cb to run after every state change.
func (m *Manager) OnTransition(cb TransitionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = append(m.onTransition, cb)
}

// ─── Event handlers ───────────────────────────────────────────────────────────

func (m *Manager) onWakeWord(ev eventbus.Event) {
	if !m.Is(Idle) {
		slog.Debug("state: wake word ignored", "state", m.Current())
		return
	}
	m.transition(Listening, "wake_word", ev.Data, m.from(Idle))
}

func (m *Manager) onVoiceEnd(ev eventbus.Event) {
	if !m.Is(Listening) {
		slog.Debug("state: voice activity end ignored", "state", m.Current())
		return
	}
	reason := ev.StringField("reason")
	if reason == "" {
		reason = "voice_activity_end"
	}
	m.transition(Processing, reason, nil, m.from(Listening))
}

func (m *Manager) onBackendMessage(ev eventbus.Event) {
	kind := ev.StringField("kind")
	switch cur := m.Current(); {
	case cur == Processing && kind == "speech_start":
		m.SetState(Speaking, "speech_start", nil)
	case cur == Processing && kind == "response":
		m.SetState(Idle, "response", nil)
	case cur == Speaking && (kind == "speech_end" || kind == "response"):
		m.SetState(Idle, kind, nil)
	default:
		slog.Debug("state: backend message ignored", "state", cur, "kind", kind)
	}
}

func (m *Manager) onButton(ev eventbus.Event) {
	if m.isLongPress(ev) {
		m.SetState(Idle, "button_long_press", nil)
		return
	}
	switch cur := m.Current(); cur {
	case Listening:
		m.SetState(Idle, "button_short_press", nil)
	case Error:
		slog.Debug("state: short press ignored in error state")
	default:
		m.SetState(Listening, "button_short_press", nil)
	}
}

func (m *Manager) isLongPress(ev eventbus.Event) bool {
	switch ev.StringField("press") {
	case "long":
		return true
	case "short":
		return false
	}
	if d, ok := ev.Data["duration"].(float64); ok {
		return time.Duration(d*float64(time.Second)) >= m.cfg.LongPress
	}
	return false
}

func (m *Manager) onSystemError(ev eventbus.Event) {
	if !ev.BoolField("fatal") {
		slog.Warn("state: non-fatal system error", "source", ev.Source, "message", ev.StringField("message"))
		return
	}
	m.SetState(Error, "fatal_error", map[string]any{"source": ev.Source, "message": ev.StringField("message")})
}

func (m *Manager) onComponentReady(ev eventbus.Event) {
	if !m.Is(Error) {
		return
	}
	m.transition(Idle, "recovered", map[string]any{"source": ev.Source}, m.from(Error))
}

// ─── Transitions ──────────────────────────────────────────────────────────────

// SetState moves the manager to s and reports whether the state changed.
// Setting the current state or an unknown state is a no-op.
func (m *Manager) SetState(s State, reason string, data map[string]any) bool {
	return m.transition(s, reason, data, nil)
}

// transition commits a change when guard (if any) still holds under the
// lock, then runs entry commands, callbacks and notifications unlocked.
func (m *Manager) transition(to State, reason string, data map[string]any, guard func() bool) bool {
	if !to.IsValid() {
		slog.Warn("state: unknown state requested", "state", to, "reason", reason)
		return false
	}

	m.mu.Lock()
	if m.closed || (guard != nil && !guard()) {
		m.mu.Unlock()
		return false
	}
	if m.current == to {
		m.mu.Unlock()
		slog.Debug("state: unchanged", "state", to, "reason", reason)
		return false
	}
	now := m.now()
	t := Transition{From: m.current, To: to, Reason: reason, Time: now, Data: maps.Clone(data)}
	m.durations[m.current] += now.Sub(m.enteredAt)
	m.previous, m.current, m.enteredAt = m.current, to, now
	m.total++
	m.pairs[string(t.From)+">"+string(to)]++
	m.history = append(m.history, t)
	if len(m.history) > historyLimit {
		m.history = slices.Delete(m.history, 0, len(m.history)-historyLimit)
	}
	gen := m.rearm(to)
	onTransition := slices.Clone(m.onTransition)
	onEnter := slices.Clone(m.onEnter[to])
	m.mu.Unlock()

	slog.Info("state changed", "from", t.From, "to", to, "reason", reason)
	m.metrics.RecordTransition(context.Background(), string(t.From), string(to))

	followUp := m.enter(t, gen)

	for _, cb := range onTransition {
		m.safeCall(t, cb)
	}
	for _, cb := range onEnter {
		m.safeCall(t, cb)
	}
	m.publish(eventbus.StateChanged, map[string]any{
		"from":   string(t.From),
		"to":     string(to),
		"reason": reason,
	})
	if followUp != nil {
		followUp()
	}
	return true
}

// rearm cancels the running timeout and starts the one for s. Must be
// called with m.mu held. It returns the new timer generation.
func (m *Manager) rearm(s State) uint64 {
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	switch s {
	case Listening:
		m.timer = time.AfterFunc(m.cfg.CaptureTimeout, func() { m.captureTimeout(gen) })
	case Processing:
		m.timer = time.AfterFunc(m.cfg.ProcessingTimeout, func() { m.expire(gen, Processing, "processing_timeout") })
	case Speaking:
		m.timer = time.AfterFunc(m.cfg.SpeakingTimeout, func() { m.expire(gen, Speaking, "speaking_timeout") })
	}
	return gen
}

// from returns a guard that holds while s is the current state. The guard
// runs with m.mu held.
func (m *Manager) from(s State) func() bool {
	return func() bool { return m.current == s }
}

func (m *Manager) holds(gen uint64, s State) bool {
	return m.gen == gen && m.current == s
}

func (m *Manager) expire(gen uint64, from State, reason string) {
	m.transition(Idle, reason, nil, func() bool { return m.holds(gen, from) })
}

// captureTimeout ends a recording that never saw voice_activity_end.
func (m *Manager) captureTimeout(gen uint64) {
	m.mu.Lock()
	live := m.holds(gen, Listening)
	m.mu.Unlock()
	if !live {
		return
	}
	slog.Info("state: capture timeout, forcing voice activity end", "timeout", m.cfg.CaptureTimeout)
	if m.bus != nil {
		err := m.bus.Publish(eventbus.VoiceActivityEnd, source, map[string]any{"reason": "capture_timeout"})
		if err == nil {
			return
		}
		slog.Warn("state: publish capture timeout", "err", err)
	}
	m.transition(Processing, "capture_timeout", nil, func() bool { return m.holds(gen, Listening) })
}

// enter issues the collaborator commands for t. A failed command yields a
// follow-up transition that the caller runs once t is fully announced.
func (m *Manager) enter(t Transition, gen uint64) func() {
	if f := m.collab.SetIndicator; f != nil {
		f(IndicatorName(t.To))
	}

	switch {
	case t.To == Listening:
		if f := m.collab.ResetVAD; f != nil {
			f()
		}
		if f := m.collab.StartCapture; f != nil {
			if err := f(); err != nil {
				m.reportError("capture", fmt.Errorf("start capture: %w", err))
				return m.abandon(gen, Listening)
			}
		}
	case t.From == Listening && t.To == Processing:
		return m.finishCapture(gen)
	case t.From == Listening:
		m.discardCapture()
	}
	return nil
}

// abandon returns the transition back to Idle after a capture command
// failed on entering s. It is a no-op once the manager has left s.
func (m *Manager) abandon(gen uint64, s State) func() {
	return func() {
		m.transition(Idle, "capture_failed", nil, func() bool { return m.holds(gen, s) })
	}
}

func (m *Manager) finishCapture(gen uint64) func() {
	if m.collab.StopCapture == nil {
		return nil
	}
	c, err := m.collab.StopCapture()
	if err != nil {
		m.reportError("capture", fmt.Errorf("stop capture: %w", err))
		return m.abandon(gen, Processing)
	}
	m.deliver(c)
	return nil
}

func (m *Manager) discardCapture() {
	if m.collab.StopCapture == nil {
		return
	}
	if _, err := m.collab.StopCapture(); err != nil {
		slog.Debug("state: discard capture", "err", err)
	}
}

// deliver hands c to the Deliver collaborator on its own goroutine, through
// the delivery breaker.
func (m *Manager) deliver(c audio.Capture) {
	if m.collab.Deliver == nil {
		slog.Debug("state: no consumer for capture", "duration", c.Duration())
		return
	}
	m.deliveries.Add(1)
	m.pending.Add(1)
	go func() {
		defer m.deliveries.Done()
		defer m.pending.Add(-1)

		ctx, cancel := context.WithTimeout(m.deliverCtx, m.cfg.DeliverTimeout)
		defer cancel()
		ctx, span := observe.StartSpan(observe.WithComponent(ctx, "state"), "state.deliver")
		defer span.End()

		start := time.Now()
		err := m.breaker.Execute(func() error { return m.collab.Deliver(ctx, c) })
		m.metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds())
		if errors.Is(err, resilience.ErrCircuitOpen) {
			observe.Logger(ctx).Warn("state: uplink unavailable, capture dropped", "duration", c.Duration())
		}
		if err != nil {
			span.RecordError(err)
			m.metrics.DeliveryErrors.Add(ctx, 1)
			m.reportError("uplink", fmt.Errorf("deliver capture: %w", err))
			return
		}
		m.metrics.CapturesDelivered.Add(ctx, 1)
		observe.Logger(ctx).Info("capture delivered", "duration", c.Duration(), "samples", len(c.Samples))
		m.publish(eventbus.MessageToBackend, map[string]any{
			"kind":     "audio",
			"duration": c.Duration().Seconds(),
		})
	}()
}

// reportError publishes a non-fatal system_error.
func (m *Manager) reportError(component string, err error) {
	slog.Warn("state: collaborator failed", "component", component, "err", err)
	m.publish(eventbus.SystemError, map[string]any{
		"fatal":     false,
		"component": component,
		"message":   err.Error(),
	})
}

func (m *Manager) publish(t eventbus.EventType, data map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(t, source, data); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		slog.Warn("state: publish", "type", t, "err", err)
	}
}

func (m *Manager) safeCall(t Transition, cb func(Transition)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state: callback panicked", "from", t.From, "to", t.To, "err", r)
		}
	}()
	cb(t)
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// Current returns the active state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last transition, or "" if none.
func (m *Manager) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// Is reports whether s is the active state.
func (m *Manager) Is(s State) bool { return m.Current() == s }

// TimeInState returns how long the current state has been active.
func (m *Manager) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.enteredAt)
}

// History returns up to the last 100 transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Stats returns a snapshot of transition counters. Durations include the
// time spent in the current state so far.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	durations := maps.Clone(m.durations)
	durations[m.current] += now.Sub(m.enteredAt)
	return Stats{
		Current:           m.current,
		Previous:          m.previous,
		TimeInState:       now.Sub(m.enteredAt),
		TotalTransitions:  m.total,
		Durations:         durations,
		Transitions:       maps.Clone(m.pairs),
		HistoryLen:        len(m.history),
		PendingDeliveries: m.pending.Load(),
	}
}

// Reset returns the manager to Idle and clears history and counters.
func (m *Manager) Reset() {
	m.SetState(Idle, "reset", nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.total = 0
	clear(m.durations)
	clear(m.pairs)
	m.enteredAt = m.now()
	slog.Info("state: reset")
}

// Close detaches from the bus, stops timers and waits for in-flight
// deliveries until ctx is done, at which point they are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
	}
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	for _, u := range unsub {
		u()
	}

	done := make(chan struct{})
	go func() {
		m.deliveries.Wait()
		close(done)
	}()
	defer m.cancelDeliver()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("state: waiting for deliveries: %w", ctx.Err())
	}
}
