// Package resilience provides the circuit breaker used to turn a burst of
// transient per-chunk failures into a single escalation.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). It can
// gate calls through [CircuitBreaker.Execute], or observe outcomes that the
// caller produced anyway through [CircuitBreaker.Record]. Capture delivery
// uses the former; the audio pipeline uses the latter because it never stops
// processing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Execute rejects calls with
	// [ErrCircuitOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. If
	// HalfOpenMax probes succeed the breaker closes; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of failures in the closed state that opens
	// the breaker. Default: 5.
	MaxFailures int

	// Window, when positive, counts only failures within this sliding
	// interval. When zero, failures must be consecutive and any success
	// resets the count.
	Window time.Duration

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	window        time.Duration
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(from, to State)
	now           func() time.Time

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	halfOpenCalls int
	halfOpenOK    int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		window:        cfg.Window,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// transition is a state change to report once the lock is released.
type transition struct{ from, to State }

func (cb *CircuitBreaker) notify(ts []transition) {
	if cb.onStateChange == nil {
		return
	}
	for _, t := range ts {
		cb.onStateChange(t.from, t.to)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State, ts *[]transition) {
	if cb.state == to {
		return
	}
	*ts = append(*ts, transition{from: cb.state, to: to})
	cb.state = to
}

// probe moves an expired open breaker to half-open. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) probe(ts *[]transition) {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setState(StateHalfOpen, ts)
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenMax probe calls are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	var ts []transition
	cb.mu.Lock()
	cb.probe(&ts)
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		cb.notify(ts)
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(ts)
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(ts)

	err := fn()
	cb.Record(err)
	return err
}

// Record accounts for one outcome produced outside Execute. A nil err is a
// success.
func (cb *CircuitBreaker) Record(err error) {
	var ts []transition
	cb.mu.Lock()
	cb.probe(&ts)
	if err != nil {
		cb.recordFailure(&ts)
	} else {
		cb.recordSuccess(&ts)
	}
	cb.mu.Unlock()
	cb.notify(ts)
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(ts *[]transition) {
	now := cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.open(now, ts)
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.failures = append(cb.failures, now)
		if cb.window > 0 {
			cutoff := now.Add(-cb.window)
			cb.failures = slices.DeleteFunc(cb.failures, func(t time.Time) bool { return t.Before(cutoff) })
		}
		if len(cb.failures) >= cb.maxFailures {
			n := len(cb.failures)
			cb.open(now, ts)
			slog.Warn("circuit breaker opened", "name", cb.name, "failures", n)
		}
	}
}

func (cb *CircuitBreaker) open(now time.Time, ts *[]transition) {
	cb.setState(StateOpen, ts)
	cb.openedAt = now
	cb.failures = cb.failures[:0]
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(ts *[]transition) {
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax {
			cb.setState(StateClosed, ts)
			cb.failures = cb.failures[:0]
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
	case StateClosed:
		if cb.window == 0 {
			cb.failures = cb.failures[:0]
		}
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next Execute or Record call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	var ts []transition
	cb.mu.Lock()
	cb.setState(StateClosed, &ts)
	cb.failures = cb.failures[:0]
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()
	cb.notify(ts)
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
