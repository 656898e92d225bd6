package state_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/puertocho/internal/eventbus"
	"github.com/MrWong99/puertocho/internal/observe"
	"github.com/MrWong99/puertocho/internal/resilience"
	"github.com/MrWong99/puertocho/internal/state"
	"github.com/MrWong99/puertocho/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// collab records every collaborator call.
type collab struct {
	mu          sync.Mutex
	calls       []string
	indicators  []string
	startErr    error
	stopErr     error
	deliverErr  error
	deliverGate chan struct{}
	delivered   chan audio.Capture
}

func newCollab() *collab {
	return &collab{delivered: make(chan audio.Capture, 8)}
}

func (c *collab) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *collab) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *collab) count(name string) int {
	n := 0
	for _, call := range c.snapshot() {
		if call == name {
			n++
		}
	}
	return n
}

func (c *collab) collaborators() state.Collaborators {
	return state.Collaborators{
		ResetVAD: func() { c.record("reset_vad") },
		StartCapture: func() error {
			c.record("start_capture")
			return c.startErr
		},
		StopCapture: func() (audio.Capture, error) {
			c.record("stop_capture")
			return audio.Capture{Samples: make([]float32, 1600), SampleRate: 16000, Channels: 1}, c.stopErr
		},
		SetIndicator: func(name string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.indicators = append(c.indicators, name)
		},
		Deliver: func(ctx context.Context, capt audio.Capture) error {
			c.record("deliver")
			if c.deliverGate != nil {
				select {
				case <-c.deliverGate:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if c.deliverErr != nil {
				return c.deliverErr
			}
			c.delivered <- capt
			return nil
		},
	}
}

type harness struct {
	bus *eventbus.Bus
	mgr *state.Manager
	col *collab
}

func newHarness(t *testing.T, cfg state.Config, opts ...state.Option) *harness {
	t.Helper()
	col := newCollab()
	return newHarnessWith(t, col, cfg, opts...)
}

func newHarnessWith(t *testing.T, col *collab, cfg state.Config, opts ...state.Option) *harness {
	t.Helper()
	met := testMetrics(t)
	bus := eventbus.New(eventbus.WithMetrics(met))
	opts = append([]state.Option{state.WithMetrics(met)}, opts...)
	mgr := state.New(bus, col.collaborators(), cfg, opts...)
	mgr.Attach()
	t.Cleanup(func() {
		_ = mgr.Close(context.Background())
		_ = bus.Shutdown(context.Background())
	})
	return &harness{bus: bus, mgr: mgr, col: col}
}

// send dispatches an event inline so the transition is complete on return.
func (h *harness) send(t *testing.T, et eventbus.EventType, data map[string]any) {
	t.Helper()
	if err := h.bus.PublishSync(et, "test", data); err != nil {
		t.Fatalf("PublishSync(%s): %v", et, err)
	}
}

func waitState(t *testing.T, m *state.Manager, want state.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !m.Is(want) {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.Current(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestState_Vocabulary(t *testing.T) {
	t.Parallel()
	for _, s := range state.AllStates {
		if !s.IsValid() || state.IndicatorName(s) != s.String() {
			t.Errorf("state %q: valid=%v indicator=%q", s, s.IsValid(), state.IndicatorName(s))
		}
	}
	if state.State("dreaming").IsValid() {
		t.Error("unknown state reported valid")
	}
	if got := state.IndicatorName("dreaming"); got != "idle" {
		t.Errorf("unknown indicator = %q, want idle", got)
	}
}

func TestWakeWord_EntersListeningOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{})
	var entered int
	h.mgr.OnEnter(state.Listening, func(tr state.Transition) {
		entered++
		if tr.From != state.Idle || tr.Reason != "wake_word" {
			t.Errorf("transition = %+v", tr)
		}
	})

	h.send(t, eventbus.WakeWordDetected, map[string]any{"channel": 0})
	h.send(t, eventbus.WakeWordDetected, map[string]any{"channel": 0})

	if !h.mgr.Is(state.Listening) {
		t.Fatalf("state = %s, want listening", h.mgr.Current())
	}
	if entered != 1 {
		t.Errorf("listening entry callback ran %d times, want 1", entered)
	}
	if n := h.col.count("start_capture"); n != 1 {
		t.Errorf("start_capture called %d times, want 1", n)
	}
	if got := h.col.snapshot(); got[0] != "reset_vad" {
		t.Errorf("calls = %v, want reset_vad first", got)
	}
	if h.mgr.Previous() != state.Idle {
		t.Errorf("previous = %s, want idle", h.mgr.Previous())
	}
}

func TestFullInteraction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{})
	var transitions []string
	h.mgr.OnTransition(func(tr state.Transition) {
		transitions = append(transitions, tr.From.String()+">"+tr.To.String())
	})

	h.send(t, eventbus.WakeWordDetected, nil)
	h.send(t, eventbus.VoiceActivityEnd, nil)
	if !h.mgr.Is(state.Processing) {
		t.Fatalf("state = %s, want processing", h.mgr.Current())
	}
	select {
	case c := <-h.col.delivered:
		if len(c.Samples) != 1600 {
			t.Errorf("delivered %d samples, want 1600", len(c.Samples))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capture never delivered")
	}

	h.send(t, eventbus.MessageFromBackend, map[string]any{"kind": "speech_start"})
	h.send(t, eventbus.MessageFromBackend, map[string]any{"kind": "speech_end"})
	if !h.mgr.Is(state.Idle) {
		t.Fatalf("state = %s, want idle", h.mgr.Current())
	}

	want := []string{"idle>listening", "listening>processing", "processing>speaking", "speaking>idle"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}

	h.col.mu.Lock()
	indicators := append([]string(nil), h.col.indicators...)
	h.col.mu.Unlock()
	if len(indicators) != 4 || indicators[1] != "processing" || indicators[3] != "idle" {
		t.Errorf("indicators = %v", indicators)
	}

	st := h.mgr.Stats()
	if st.TotalTransitions != 4 || st.Transitions["idle>listening"] != 1 || st.HistoryLen != 4 {
		t.Errorf("stats = %+v", st)
	}
	if h.bus.Stats().PerType[eventbus.StateChanged] != 4 {
		t.Errorf("state_changed published %d times, want 4", h.bus.Stats().PerType[eventbus.StateChanged])
	}
}

func TestBackendResponse_ReturnsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{})
	h.mgr.SetState(state.Processing, "test", nil)
	h.send(t, eventbus.MessageFromBackend, map[string]any{"kind": "transcript"})
	if !h.mgr.Is(state.Processing) {
		t.Fatalf("unrelated message changed state to %s", h.mgr.Current())
	}
	h.send(t, eventbus.MessageFromBackend, map[string]any{"kind": "response"})
	if !h.mgr.Is(state.Idle) {
		t.Errorf("state = %s, want idle", h.mgr.Current())
	}
}

func TestUnrecognizedEventsAreNoOps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{})
	h.send(t, eventbus.VoiceActivityEnd, nil)
	h.send(t, eventbus.ComponentReady, nil)
	h.send(t, eventbus.MessageFromBackend, map[string]any{"kind": "speech_end"})
	h.send(t, eventbus.SystemError, map[string]any{"fatal": false})
	if !h.mgr.Is(state.Idle) || h.mgr.Stats().TotalTransitions != 0 {
		t.Errorf("state = %s after unrelated events", h.mgr.Current())
	}
}

func TestButtonPresses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{LongPress: time.Second})

	h.send(t, eventbus.ButtonPressed, map[string]any{"press": "short"})
	if !h.mgr.Is(state.Listening) {
		t.Fatalf("short press from idle: %s", h.mgr.Current())
	}
	h.send(t, eventbus.ButtonPressed, map[string]any{"press": "short"})
	if !h.mgr.Is(state.Idle) {
		t.Fatalf("short press from listening: %s", h.mgr.Current())
	}
	// Leaving Listening without voice end discards the recording.
	if h.col.count("stop_capture") != 1 || h.col.count("deliver") != 0 {
		t.Errorf("calls = %v", h.col.snapshot())
	}

	h.mgr.SetState(state.Speaking, "test", nil)
	h.send(t, eventbus.ButtonPressed, map[string]any{"press": "long"})
	if !h.mgr.Is(state.Idle) {
		t.Fatalf("long press: %s", h.mgr.Current())
	}

	h.mgr.SetState(state.Processing, "test", nil)
	h.send(t, eventbus.ButtonPressed, map[string]any{"duration": 1.5})
	if !h.mgr.Is(state.Idle) {
		t.Errorf("held press: %s, want idle", h.mgr.Current())
	}
	h.send(t, eventbus.ButtonPressed, map[string]any{"duration": 0.2})
	if !h.mgr.Is(state.Listening) {
		t.Errorf("brief press: %s, want listening", h.mgr.Current())
	}
}

func TestFatalErrorAndRecovery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{})
	h.send(t, eventbus.WakeWordDetected, nil)
	h.send(t, eventbus.SystemError, map[string]any{"fatal": true, "message": "engine down"})
	if !h.mgr.Is(state.Error) {
		t.Fatalf("state = %s, want error", h.mgr.Current())
	}
	h.send(t, eventbus.ButtonPressed, map[string]any{"press": "short"})
	h.send(t, eventbus.WakeWordDetected, nil)
	if !h.mgr.Is(state.Error) {
		t.Fatalf("error state left on %s", h.mgr.Current())
	}
	h.send(t, eventbus.ComponentReady, nil)
	if !h.mgr.Is(state.Idle) {
		t.Errorf("state = %s after recovery, want idle", h.mgr.Current())
	}
	hist := h.mgr.History()
	if hist[1].Reason != "fatal_error" || hist[1].Data["message"] != "engine down" {
		t.Errorf("history = %+v", hist[1])
	}
}

func TestProcessingTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{ProcessingTimeout: 20 * time.Millisecond})
	h.mgr.SetState(state.Processing, "test", nil)
	waitState(t, h.mgr, state.Idle)
	hist := h.mgr.History()
	if last := hist[len(hist)-1]; last.Reason != "processing_timeout" {
		t.Errorf("reason = %q, want processing_timeout", last.Reason)
	}
}

func TestStaleTimeoutDoesNotFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{ProcessingTimeout: 20 * time.Millisecond})
	h.mgr.SetState(state.Processing, "test", nil)
	h.send(t, eventbus.MessageFromBackend, map[string]any{"kind": "speech_start"})
	time.Sleep(60 * time.Millisecond)
	if !h.mgr.Is(state.Speaking) {
		t.Errorf("state = %s, processing timeout fired after leaving processing", h.mgr.Current())
	}
}

func TestCaptureTimeoutForcesVoiceEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, state.Config{CaptureTimeout: 20 * time.Millisecond})
	h.bus.Start()
	h.send(t, eventbus.WakeWordDetected, nil)
	waitState(t, h.mgr, state.Processing)
	hist := h.mgr.History()
	if last := hist[len(hist)-1]; last.Reason != "capture_timeout" {
		t.Errorf("reason = %q, want capture_timeout", last.Reason)
	}
	if h.col.count("stop_capture") != 1 {
		t.Errorf("calls = %v", h.col.snapshot())
	}
}

func TestCaptureTimeoutWithoutBus(t *testing.T) {
	t.Parallel()
	col := newCollab()
	m := state.New(nil, col.collaborators(), state.Config{CaptureTimeout: 20 * time.Millisecond}, state.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	m.SetState(state.Listening, "test", nil)
	waitState(t, m, state.Processing)
}

func TestCaptureFailure_AnnouncedInOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		startErr error
		stopErr  error
		events   []eventbus.EventType
		want     []state.State
	}{
		{
			name:     "start capture",
			startErr: errors.New("device busy"),
			events:   []eventbus.EventType{eventbus.WakeWordDetected},
			want:     []state.State{state.Listening, state.Idle},
		},
		{
			name:    "stop capture",
			stopErr: errors.New("stream lost"),
			events:  []eventbus.EventType{eventbus.WakeWordDetected, eventbus.VoiceActivityEnd},
			want:    []state.State{state.Listening, state.Processing, state.Idle},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			col := newCollab()
			col.startErr, col.stopErr = tt.startErr, tt.stopErr
			h := newHarnessWith(t, col, state.Config{})

			var mu sync.Mutex
			var entered []state.State
			h.mgr.OnTransition(func(tr state.Transition) {
				mu.Lock()
				defer mu.Unlock()
				entered = append(entered, tr.To)
			})
			changes := make(chan string, 8)
			h.bus.Subscribe(eventbus.StateChanged, func(ev eventbus.Event) { changes <- ev.StringField("to") })
			errs := make(chan eventbus.Event, 1)
			h.bus.Subscribe(eventbus.SystemError, func(ev eventbus.Event) { errs <- ev })
			h.bus.Start()

			for _, et := range tt.events {
				h.send(t, et, nil)
			}
			if !h.mgr.Is(state.Idle) {
				t.Fatalf("state = %s, want idle after capture failure", h.mgr.Current())
			}

			mu.Lock()
			got := slices.Clone(entered)
			mu.Unlock()
			if !slices.Equal(got, tt.want) {
				t.Errorf("transition callbacks = %v, want %v", got, tt.want)
			}
			for i, want := range tt.want {
				select {
				case to := <-changes:
					if to != string(want) {
						t.Errorf("state_changed[%d] to = %q, want %q", i, to, want)
					}
				case <-time.After(2 * time.Second):
					t.Fatalf("state_changed[%d] not published", i)
				}
			}
			select {
			case ev := <-errs:
				if ev.BoolField("fatal") || ev.StringField("component") != "capture" {
					t.Errorf("system_error = %v", ev.Data)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no system_error published")
			}
		})
	}
}

func TestDeliveryBreaker_StopsCallingUplink(t *testing.T) {
	t.Parallel()
	col := newCollab()
	col.deliverErr = errors.New("backend unreachable")
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "uplink",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	h := newHarnessWith(t, col, state.Config{}, state.WithDeliveryBreaker(cb))
	errs := make(chan eventbus.Event, 4)
	h.bus.Subscribe(eventbus.SystemError, func(ev eventbus.Event) { errs <- ev })
	h.bus.Start()

	var messages []string
	for i := range 3 {
		h.send(t, eventbus.WakeWordDetected, nil)
		h.send(t, eventbus.VoiceActivityEnd, nil)
		select {
		case ev := <-errs:
			messages = append(messages, ev.StringField("message"))
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d: no system_error", i)
		}
		h.send(t, eventbus.MessageFromBackend, map[string]any{"kind": "response"})
		waitState(t, h.mgr, state.Idle)
	}

	if n := col.count("deliver"); n != 2 {
		t.Errorf("deliver calls = %d, want 2", n)
	}
	if cb.State() != resilience.StateOpen {
		t.Errorf("breaker = %s, want open", cb.State())
	}
	if !strings.Contains(messages[2], resilience.ErrCircuitOpen.Error()) {
		t.Errorf("third failure = %q, want circuit open", messages[2])
	}
}

func TestDeliveryFailureIsReported(t *testing.T) {
	t.Parallel()
	col := newCollab()
	col.deliverErr = errors.New("backend unreachable")
	h := newHarnessWith(t, col, state.Config{})
	errs := make(chan eventbus.Event, 1)
	h.bus.Subscribe(eventbus.SystemError, func(ev eventbus.Event) { errs <- ev })
	h.bus.Start()

	h.send(t, eventbus.WakeWordDetected, nil)
	h.send(t, eventbus.VoiceActivityEnd, nil)
	select {
	case ev := <-errs:
		if ev.BoolField("fatal") || ev.StringField("component") != "uplink" {
			t.Errorf("system_error = %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery failure not reported")
	}
	if !h.mgr.Is(state.Processing) {
		t.Errorf("state = %s, delivery failure must not change state", h.mgr.Current())
	}
}

func TestSetState(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := state.New(nil, state.Collaborators{}, state.Config{}, state.WithClock(clk.Now), state.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	if m.SetState(state.Idle, "noop", nil) {
		t.Error("setting the current state reported a change")
	}
	if m.SetState("dreaming", "bad", nil) {
		t.Error("unknown state accepted")
	}

	m.OnTransition(func(state.Transition) { panic("callback bug") })
	clk.Advance(3 * time.Second)
	if !m.SetState(state.Speaking, "test", nil) {
		t.Fatal("SetState reported no change")
	}
	clk.Advance(2 * time.Second)
	if d := m.TimeInState(); d != 2*time.Second {
		t.Errorf("time in state = %v, want 2s", d)
	}
	st := m.Stats()
	if st.Durations[state.Idle] != 3*time.Second || st.Durations[state.Speaking] != 2*time.Second {
		t.Errorf("durations = %v", st.Durations)
	}

	m.Reset()
	if !m.Is(state.Idle) || len(m.History()) != 0 || m.Stats().TotalTransitions != 0 {
		t.Errorf("after Reset: state %s, history %d", m.Current(), len(m.History()))
	}
}

func TestHistory_KeepsLastHundred(t *testing.T) {
	t.Parallel()
	m := state.New(nil, state.Collaborators{}, state.Config{}, state.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	for i := range 150 {
		if i%2 == 0 {
			m.SetState(state.Speaking, "test", nil)
		} else {
			m.SetState(state.Idle, "test", nil)
		}
	}
	hist := m.History()
	if len(hist) != 100 {
		t.Fatalf("history = %d, want 100", len(hist))
	}
	if m.Stats().TotalTransitions != 150 {
		t.Errorf("total = %d, want 150", m.Stats().TotalTransitions)
	}
	if hist[99].To != state.Idle {
		t.Errorf("last transition = %+v", hist[99])
	}
}

func TestClose_WaitsForDeliveries(t *testing.T) {
	t.Parallel()
	col := newCollab()
	col.deliverGate = make(chan struct{})
	h := newHarnessWith(t, col, state.Config{})
	h.send(t, eventbus.WakeWordDetected, nil)
	h.send(t, eventbus.VoiceActivityEnd, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.mgr.Close(ctx); err == nil {
		t.Error("Close returned nil with a blocked delivery")
	}
	if err := h.mgr.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if h.mgr.SetState(state.Idle, "closed", nil) {
		t.Error("closed manager changed state")
	}
}
