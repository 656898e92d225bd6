// Package app wires the appliance subsystems into a running application.
//
// New builds the event bus, the audio history, the wake-word detector, the
// capture recorder and the state manager from the config and the providers
// chosen by main.go. Run starts the audio source and the component loops;
// Shutdown tears everything down in order.
//
// For testing, pass mock providers and inject collaborators via functional
// options (WithMetrics, WithIndicator, WithClock).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/puertocho/internal/capture"
	"github.com/MrWong99/puertocho/internal/config"
	"github.com/MrWong99/puertocho/internal/detector"
	"github.com/MrWong99/puertocho/internal/eventbus"
	"github.com/MrWong99/puertocho/internal/health"
	"github.com/MrWong99/puertocho/internal/observe"
	"github.com/MrWong99/puertocho/internal/state"
	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/keyword"
	"github.com/MrWong99/puertocho/pkg/provider/uplink"
	"github.com/MrWong99/puertocho/pkg/provider/vad"
)

const source = "app"

// Providers holds one interface value per provider slot. Uplink may be nil,
// in which case captures are logged and discarded. Populated by main.go via
// the config registry.
type Providers struct {
	Keyword keyword.Engine
	VAD     vad.Engine
	Audio   audio.Source
	Uplink  uplink.Link
}

// handlerSetter is implemented by links that report connection events.
type handlerSetter interface {
	SetHandlers(uplink.Handlers)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	indicator func(name string)
	now       func() time.Time

	bus      *eventbus.Bus
	ring     *audio.RingBuffer
	dual     *audio.DualBuffer
	window   audio.Window
	detector *detector.Detector
	recorder *capture.Recorder
	state    *state.Manager
	chunks   chan audio.Chunk

	running  atomic.Bool
	received atomic.Uint64

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithIndicator replaces the default indicator driver, which logs the
// pattern and publishes led_state_changed.
func WithIndicator(fn func(name string)) Option {
	return func(a *App) { a.indicator = fn }
}

// WithClock sets the time source passed to the components.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. New performs all
// initialisation synchronously; nothing runs until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Keyword == nil || providers.Audio == nil || providers.VAD == nil {
		return nil, errors.New("app: keyword, vad and audio providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.indicator == nil {
		a.indicator = a.publishIndicator
	}

	// ── 1. Event bus ─────────────────────────────────────────────────────
	a.bus = eventbus.New(
		eventbus.WithQueueSize(cfg.Bus.QueueSize),
		eventbus.WithJoinTimeout(cfg.Bus.JoinTimeout),
		eventbus.WithMetrics(a.metrics),
	)

	// ── 2. Audio history ─────────────────────────────────────────────────
	if err := a.initBuffer(); err != nil {
		return nil, fmt.Errorf("app: init buffer: %w", err)
	}

	// ── 3. Detector ──────────────────────────────────────────────────────
	if err := a.initDetector(); err != nil {
		return nil, fmt.Errorf("app: init detector: %w", err)
	}

	// ── 4. Capture recorder ──────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		_ = a.closeAll(ctx)
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 5. State manager ─────────────────────────────────────────────────
	a.initState()

	// ── 6. Uplink notifications ──────────────────────────────────────────
	a.initUplink()

	a.chunks = make(chan audio.Chunk, cfg.Audio.QueueDepth)
	observe.Logger(observe.WithComponent(ctx, source)).Info("app initialised",
		"format", providers.Audio.Format().String(),
		"channel_mode", cfg.WakeWord.ChannelMode,
		"uplink", providers.Uplink != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBuffer keeps a dual buffer for stereo devices so each side stays
// addressable, and a single interleaved ring otherwise.
func (a *App) initBuffer() error {
	f := a.providers.Audio.Format()
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Channels == 2 {
		d, err := audio.NewDualBuffer(a.cfg.Audio.BufferSeconds, f.SampleRate)
		if err != nil {
			return err
		}
		a.dual, a.window = d, d
		return nil
	}
	rb, err := audio.NewRingBuffer(a.cfg.Audio.BufferSeconds, f.SampleRate, f.Channels)
	if err != nil {
		return err
	}
	a.ring, a.window = rb, rb
	return nil
}

func (a *App) initDetector() error {
	w := a.cfg.WakeWord
	entry := a.cfg.Providers.Keyword
	modelPath := w.ModelPath
	if modelPath == "" {
		modelPath = entry.Model
	}
	det, err := detector.New(a.providers.Keyword, detector.Config{
		Engine: keyword.Config{
			ModelPath:   modelPath,
			Keywords:    w.Keywords,
			Sensitivity: w.Sensitivity,
			AccessKey:   entry.APIKey,
			Options:     entry.Options,
		},
		Cooldown:          w.Cooldown,
		Mode:              detector.ChannelMode(w.ChannelMode),
		Channels:          w.Channels,
		Policy:            detector.Policy(w.Policy),
		CoincidenceWindow: w.CoincidenceWindow,
		MaxBufferedFrames: w.MaxBufferedFrames,
		ErrorThreshold:    w.ErrorThreshold,
		ErrorWindow:       w.ErrorWindow,
		RecoveryAfter:     w.RecoveryAfter,
	},
		detector.WithBus(a.bus),
		detector.WithMetrics(a.metrics),
		detector.WithClock(a.now),
	)
	if err != nil {
		return err
	}
	a.detector = det
	a.closers = append(a.closers, det.Close)
	return nil
}

func (a *App) initCapture() error {
	c := a.cfg.Capture
	rec, err := capture.New(a.window, a.providers.VAD, a.bus, capture.Config{
		MaxDuration:      c.MaxDuration,
		PreRoll:          c.PreRoll,
		VADFrameMs:       c.VADFrameMs,
		SpeechThreshold:  c.SpeechThreshold,
		SilenceThreshold: c.SilenceThreshold,
	},
		capture.WithMetrics(a.metrics),
		capture.WithClock(a.now),
	)
	if err != nil {
		return err
	}
	a.recorder = rec
	a.closers = append(a.closers, rec.Close)
	return nil
}

func (a *App) initState() {
	collab := state.Collaborators{
		ResetVAD:     a.recorder.ResetVAD,
		StartCapture: a.recorder.Start,
		StopCapture:  a.recorder.Stop,
		SetIndicator: a.indicator,
	}
	if a.providers.Uplink != nil {
		collab.Deliver = a.providers.Uplink.Deliver
	}
	as := a.cfg.Assistant
	a.state = state.New(a.bus, collab, state.Config{
		ProcessingTimeout: as.ProcessingTimeout,
		CaptureTimeout:    as.CaptureTimeout,
		SpeakingTimeout:   as.SpeakingTimeout,
		DeliverTimeout:    as.DeliverTimeout,
	},
		state.WithMetrics(a.metrics),
		state.WithClock(a.now),
	)
	a.state.Attach()

	// The detector only listens while the assistant waits for a wake word.
	// It keeps running in Error so its breaker can probe for recovery.
	a.state.OnTransition(func(t state.Transition) {
		switch t.To {
		case state.Idle, state.Error:
			a.detector.Resume()
		default:
			a.detector.Pause()
		}
	})
}

func (a *App) initUplink() {
	hs, ok := a.providers.Uplink.(handlerSetter)
	if !ok {
		return
	}
	hs.SetHandlers(uplink.Handlers{
		OnConnect: func() {
			a.publish(eventbus.WebSocketConnected, nil)
			a.metrics.UplinkConnected.Add(context.Background(), 1)
		},
		OnDisconnect: func(err error) {
			data := map[string]any{}
			if err != nil {
				data["error"] = err.Error()
			}
			a.publish(eventbus.WebSocketDisconnected, data)
			a.metrics.UplinkConnected.Add(context.Background(), -1)
		},
		OnMessage: func(msg uplink.Message) {
			data := make(map[string]any, len(msg.Payload)+1)
			for k, v := range msg.Payload {
				data[k] = v
			}
			data["kind"] = msg.Kind
			a.publish(eventbus.MessageFromBackend, data)
		},
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the bus, the component loops and the audio source, then blocks
// until ctx is cancelled, a shutdown_requested event arrives or a component
// fails. Cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("app: already running")
	}
	a.bus.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unsubscribe := a.bus.Subscribe(eventbus.ShutdownRequested, func(e eventbus.Event) {
		slog.Info("shutdown requested", "source", e.Source)
		cancel()
	})
	defer unsubscribe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pump(gctx) })
	if link := a.providers.Uplink; link != nil {
		g.Go(func() error {
			if err := link.Run(gctx); err != nil {
				return fmt.Errorf("app: uplink: %w", err)
			}
			return nil
		})
	}

	if err := a.providers.Audio.Start(gctx, a.onChunk); err != nil {
		a.publish(eventbus.SystemError, map[string]any{
			"fatal":     true,
			"component": "audio",
			"message":   err.Error(),
		})
		cancel()
		_ = g.Wait()
		return fmt.Errorf("app: start audio: %w", err)
	}
	a.publish(eventbus.ComponentReady, map[string]any{"component": "audio"})
	slog.Info("app running",
		"state", a.state.Current(),
		"sessions", a.detector.Sessions(),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onChunk runs on the audio callback thread. It stores the chunk in the
// history and hands it to the pump without blocking.
func (a *App) onChunk(chunk audio.Chunk) {
	a.received.Add(1)
	switch {
	case a.dual != nil && chunk.Channels == 2:
		a.dual.WriteStereo(chunk.Samples)
	case a.ring != nil && chunk.Channels == a.ring.Channels():
		a.ring.Write(chunk.Samples)
	default:
		a.metrics.RecordChunkError(context.Background(), "audio", "format")
		return
	}
	select {
	case a.chunks <- chunk:
	default:
		a.metrics.ChunksDropped.Add(context.Background(), 1)
	}
}

// pump feeds queued chunks to the detector and the recorder.
func (a *App) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-a.chunks:
			a.detector.Process(chunk)
			a.recorder.Feed(chunk)
		}
	}
}

// ─── Live configuration ──────────────────────────────────────────────────────

// ApplyConfig applies the live-tunable parts of diff. Changes that need a
// restart are logged.
func (a *App) ApplyConfig(diff config.ConfigDiff) error {
	var errs []error
	if diff.SensitivityChanged {
		if err := a.detector.SetSensitivity(diff.NewSensitivity); err != nil {
			errs = append(errs, fmt.Errorf("app: apply sensitivity: %w", err))
		}
	}
	if diff.CooldownChanged {
		a.detector.SetCooldown(diff.NewCooldown)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
	return errors.Join(errs...)
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Bus returns the application's event bus.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// State returns the state manager.
func (a *App) State() *state.Manager { return a.state }

// Detector returns the wake-word detector.
func (a *App) Detector() *detector.Detector { return a.detector }

// Status is the /statusz snapshot.
type Status struct {
	State           state.Stats    `json:"state"`
	Detector        detector.Stats `json:"detector"`
	Bus             eventbus.Stats `json:"bus"`
	Buffer          any            `json:"buffer"`
	ChunksReceived  uint64         `json:"chunks_received"`
	UplinkConnected bool           `json:"uplink_connected"`
}

// Status returns a snapshot of every component's statistics.
func (a *App) Status() Status {
	s := Status{
		State:          a.state.Stats(),
		Detector:       a.detector.Stats(),
		Bus:            a.bus.Stats(),
		ChunksReceived: a.received.Load(),
	}
	if a.dual != nil {
		s.Buffer = a.dual.Stats()
	} else {
		s.Buffer = a.ring.Stats()
	}
	if a.providers.Uplink != nil {
		s.UplinkConnected = a.providers.Uplink.Connected()
	}
	return s
}

// Checkers returns the readiness checks for the health handler.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{
		{Name: "detector", Check: func(context.Context) error {
			if a.detector.Sessions() == 0 {
				return errors.New("no keyword sessions open")
			}
			return nil
		}},
		{Name: "audio", Check: func(context.Context) error {
			if a.window.TotalFrames() == 0 {
				return errors.New("no audio received")
			}
			return nil
		}},
		{Name: "bus", Check: func(context.Context) error {
			if !a.bus.Running() {
				return errors.New("event bus not running")
			}
			return nil
		}},
	}
	if link := a.providers.Uplink; link != nil {
		checks = append(checks, health.Checker{Name: "uplink", Check: func(context.Context) error {
			if !link.Connected() {
				return uplink.ErrNotConnected
			}
			return nil
		}})
	}
	return checks
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the audio source, waits for in-flight deliveries, closes
// the components and drains the bus. If ctx expires first the remaining
// steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.providers.Audio.Stop(); err != nil {
			slog.Warn("audio stop error", "err", err)
		}
		if err := a.state.Close(ctx); err != nil {
			slog.Warn("state manager close", "err", err)
			shutdownErr = err
			return
		}
		if err := a.closeAll(ctx); err != nil {
			shutdownErr = err
			return
		}
		if err := a.bus.Shutdown(ctx); err != nil {
			slog.Warn("event bus shutdown", "err", err)
			shutdownErr = err
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers in order, stopping early when ctx expires.
func (a *App) closeAll(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// publishIndicator is the default indicator driver.
func (a *App) publishIndicator(name string) {
	slog.Info("indicator", "pattern", name)
	a.publish(eventbus.LEDStateChanged, map[string]any{"pattern": name})
}

func (a *App) publish(t eventbus.EventType, data map[string]any) {
	if err := a.bus.Publish(t, source, data); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		slog.Warn("app: publish", "type", t, "err", err)
	}
}
