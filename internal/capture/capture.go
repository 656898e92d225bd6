// Package capture records the utterance that follows a wake word.
//
// A [Recorder] never copies audio while recording: Start remembers the frame
// position of the shared rolling [audio.Window], and Stop reads back every
// frame written since then. In between, Feed runs voice activity detection on
// the live stream and publishes voice_activity_start and voice_activity_end
// on the event bus so the state manager knows when the user stopped talking.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/puertocho/internal/eventbus"
	"github.com/MrWong99/puertocho/internal/observe"
	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/vad"
)

const source = "capture"

// Defaults for [Config].
const (
	DefaultMaxDuration   = 10 * time.Second
	DefaultVADFrameMs    = 30
	DefaultVADSampleRate = 16000
)

var (
	// ErrActive is returned by Start while a recording is in progress.
	ErrActive = errors.New("capture: already recording")

	// ErrNotRecording is returned by Stop when no recording is in progress.
	ErrNotRecording = errors.New("capture: not recording")

	// ErrEmpty is returned by Stop when no audio was written since Start.
	ErrEmpty = errors.New("capture: no audio recorded")
)

// Config tunes a [Recorder].
type Config struct {
	// MaxDuration caps the length of a capture. Default: 10s.
	MaxDuration time.Duration

	// PreRoll includes audio from before Start, e.g. the tail of the wake word.
	PreRoll time.Duration

	// VADFrameMs is the VAD frame size (10, 20 or 30). Default: 30.
	VADFrameMs int

	// VADSampleRate is the rate audio is converted to for VAD. Default: 16000.
	VADSampleRate int

	// SpeechThreshold and SilenceThreshold are passed to the VAD engine. Zero
	// values select the engine's defaults.
	SpeechThreshold  float64
	SilenceThreshold float64
}

func (c *Config) applyDefaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.VADFrameMs == 0 {
		c.VADFrameMs = DefaultVADFrameMs
	}
	if c.VADSampleRate <= 0 {
		c.VADSampleRate = DefaultVADSampleRate
	}
}

func (c Config) vadConfig() vad.Config {
	return vad.Config{
		SampleRate:       c.VADSampleRate,
		FrameSizeMs:      c.VADFrameMs,
		SpeechThreshold:  c.SpeechThreshold,
		SilenceThreshold: c.SilenceThreshold,
	}
}

// Recorder extracts captures from a rolling window and gates them with VAD.
// All methods are safe for concurrent use.
type Recorder struct {
	window  audio.Window
	bus     *eventbus.Bus
	metrics *observe.Metrics
	now     func() time.Time
	cfg     Config

	mu         sync.Mutex
	session    vad.SessionHandle
	converter  *audio.FormatConverter
	pending    []int16
	frameLen   int
	active     bool
	speaking   bool
	startFrame uint64
	startTime  time.Time
	closed     bool
}

// Option is a functional option for [New].
type Option func(*Recorder)

// WithClock overrides the time source used for capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New opens a VAD session and returns a Recorder reading from window. bus
// may be nil, in which case voice activity edges are only logged.
func New(window audio.Window, engine vad.Engine, bus *eventbus.Bus, cfg Config, opts ...Option) (*Recorder, error) {
	if window == nil {
		return nil, errors.New("capture: window is required")
	}
	if engine == nil {
		return nil, errors.New("capture: vad engine is required")
	}
	cfg.applyDefaults()
	if cfg.PreRoll < 0 {
		return nil, fmt.Errorf("capture: pre-roll %s must not be negative", cfg.PreRoll)
	}

	session, err := engine.NewSession(cfg.vadConfig())
	if err != nil {
		return nil, fmt.Errorf("capture: create vad session: %w", err)
	}
	r := &Recorder{
		window:    window,
		bus:       bus,
		now:       time.Now,
		cfg:       cfg,
		session:   session,
		converter: &audio.FormatConverter{Target: audio.Format{SampleRate: cfg.VADSampleRate, Channels: 1}},
		frameLen:  cfg.VADSampleRate * cfg.VADFrameMs / 1000,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// Start begins a recording at the current window position, moved back by
// the configured pre-roll.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("capture: closed")
	}
	if r.active {
		return ErrActive
	}
	preRoll := uint64(r.cfg.PreRoll.Seconds() * float64(r.window.SampleRate()))
	total := r.window.TotalFrames()
	r.startFrame = total - min(preRoll, total)
	r.startTime = r.now().Add(-r.cfg.PreRoll)
	r.active = true
	r.speaking = false
	r.pending = r.pending[:0]
	slog.Debug("capture: started", "start_frame", r.startFrame)
	return nil
}

// Stop ends the recording and returns the audio written since Start. The
// capture holds at most MaxDuration and never more than the window capacity;
// when longer, the most recent audio is kept.
func (r *Recorder) Stop() (audio.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return audio.Capture{}, ErrNotRecording
	}
	r.active = false
	end := r.now()

	rate := r.window.SampleRate()
	frames := r.window.TotalFrames() - r.startFrame
	limit := min(uint64(r.cfg.MaxDuration.Seconds()*float64(rate)), uint64(r.window.CapacityFrames()))
	if frames > limit {
		slog.Warn("capture: recording truncated", "frames", frames, "kept", limit)
		frames = limit
	}
	if frames == 0 {
		return audio.Capture{}, ErrEmpty
	}

	samples, err := r.window.ReadFrames(int(frames))
	if err != nil {
		return audio.Capture{}, fmt.Errorf("capture: read window: %w", err)
	}
	c := audio.Capture{
		Samples:    samples,
		SampleRate: rate,
		Channels:   r.window.Channels(),
		Start:      r.startTime,
		End:        end,
	}
	slog.Info("capture: recording finished", "duration", c.Duration(), "channels", c.Channels)
	return c, nil
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Feed runs VAD over chunk while a recording is active. Chunks outside a
// recording are ignored.
func (r *Recorder) Feed(chunk audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.closed {
		return
	}
	mono := r.converter.Convert(chunk)
	r.pending = append(r.pending, audio.ToInt16(mono.Samples)...)

	for len(r.pending) >= r.frameLen {
		frame := audio.EncodePCM16(r.pending[:r.frameLen])
		n := copy(r.pending, r.pending[r.frameLen:])
		r.pending = r.pending[:n]

		ev, err := r.session.ProcessFrame(frame)
		if err != nil {
			r.metrics.RecordChunkError(context.Background(), "capture", "vad")
			slog.Warn("capture: vad frame failed", "err", err)
			continue
		}
		r.handle(ev)
	}
}

// handle publishes voice activity edges. Must be called with r.mu held.
func (r *Recorder) handle(ev vad.VADEvent) {
	var et eventbus.EventType
	switch {
	case ev.Type == vad.VADSpeechStart && !r.speaking:
		r.speaking = true
		et = eventbus.VoiceActivityStart
	case ev.Type == vad.VADSpeechEnd && r.speaking:
		r.speaking = false
		et = eventbus.VoiceActivityEnd
	default:
		return
	}
	slog.Debug("capture: voice activity", "event", ev.Type, "probability", ev.Probability)
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(et, source, map[string]any{
		"probability": ev.Probability,
		"elapsed":     r.now().Sub(r.startTime).Seconds(),
	})
	if err != nil {
		slog.Warn("capture: publish voice activity", "type", et, "err", err)
	}
}

// ResetVAD clears the detector state and any partial frame.
func (r *Recorder) ResetVAD() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Reset()
	r.pending = r.pending[:0]
	r.speaking = false
}

// Close releases the VAD session. Calling Close more than once is safe.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.active = false
	return r.session.Close()
}
