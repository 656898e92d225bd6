// Package detector turns the continuous microphone stream into discrete,
// debounced wake-word events.
//
// Each evaluated channel owns a keyword engine session and an accumulator of
// engine-rate int16 samples. Every chunk is mixed or split into channels,
// resampled to the engine rate and appended to the accumulators; each full
// frame is sliced off and evaluated. A match becomes a [WakeWordEvent] only
// when the global cooldown has elapsed and the multi-channel policy is met.
//
// [Detector.Process] is synchronous and performs no I/O apart from a
// non-blocking bus publish, so it fits the audio-period budget.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/puertocho/internal/eventbus"
	"github.com/MrWong99/puertocho/internal/observe"
	"github.com/MrWong99/puertocho/internal/resilience"
	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/keyword"
)

// ChannelMixed is the channel id reported in mixed mode.
const ChannelMixed = -1

// source is the event source name used on the bus.
const source = "wake_word_detector"

// Default tuning values.
const (
	DefaultCooldown          = 2 * time.Second
	DefaultCoincidenceWindow = 500 * time.Millisecond
	DefaultMaxBufferedFrames = 4
	DefaultErrorThreshold    = 5
	DefaultErrorWindow       = 10 * time.Second
	DefaultRecoveryAfter     = 30 * time.Second
)

// ErrClosed is returned by operations on a closed detector.
var ErrClosed = errors.New("detector: closed")

// ChannelMode selects how device channels are evaluated.
type ChannelMode string

const (
	// ModeMixed downmixes all device channels into one evaluated stream.
	ModeMixed ChannelMode = "mixed"

	// ModeSeparate evaluates each configured device channel independently.
	ModeSeparate ChannelMode = "separate"
)

// IsValid reports whether m is a known mode.
func (m ChannelMode) IsValid() bool { return m == ModeMixed || m == ModeSeparate }

// Policy decides which channel matches trigger an event in separate mode.
type Policy string

const (
	// PolicyAny triggers on a match in any channel.
	PolicyAny Policy = "any"

	// PolicyAll triggers once every channel matched within the coincidence
	// window.
	PolicyAll Policy = "all"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool { return p == PolicyAny || p == PolicyAll }

// Config tunes a [Detector].
type Config struct {
	// Engine is passed to the keyword engine for every session.
	Engine keyword.Config

	// Cooldown is the minimum interval between two events. Default: 2s.
	Cooldown time.Duration

	// Mode selects mixed or separate evaluation. Default: mixed.
	Mode ChannelMode

	// Channels lists the device channel indices evaluated in separate mode.
	// Default: [0, 1].
	Channels []int

	// Policy applies in separate mode. Default: any.
	Policy Policy

	// CoincidenceWindow is how long a channel match stays pending under
	// PolicyAll. Default: 500ms.
	CoincidenceWindow time.Duration

	// MaxBufferedFrames bounds each accumulator to this many engine frames.
	// Default: 4.
	MaxBufferedFrames int

	// ErrorThreshold errors within ErrorWindow escalate to a fatal
	// system_error. Defaults: 5 within 10s.
	ErrorThreshold int
	ErrorWindow    time.Duration

	// RecoveryAfter is how long escalation lasts before the detector probes
	// for recovery. Default: 30s.
	RecoveryAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Mode == "" {
		c.Mode = ModeMixed
	}
	if c.Mode == ModeSeparate && len(c.Channels) == 0 {
		c.Channels = []int{0, 1}
	}
	if c.Policy == "" {
		c.Policy = PolicyAny
	}
	if c.CoincidenceWindow <= 0 {
		c.CoincidenceWindow = DefaultCoincidenceWindow
	}
	if c.MaxBufferedFrames <= 0 {
		c.MaxBufferedFrames = DefaultMaxBufferedFrames
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = DefaultErrorWindow
	}
	if c.RecoveryAfter <= 0 {
		c.RecoveryAfter = DefaultRecoveryAfter
	}
}

// Validate reports every problem with c after defaults are applied.
func (c Config) Validate() error {
	c.applyDefaults()
	var errs []error
	if !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("detector: unknown channel mode %q", c.Mode))
	}
	if !c.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("detector: unknown policy %q", c.Policy))
	}
	if err := validateSensitivity(c.Engine.Sensitivity); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[int]bool)
	for _, ch := range c.Channels {
		if ch < 0 {
			errs = append(errs, fmt.Errorf("detector: channel index %d is negative", ch))
		}
		if seen[ch] {
			errs = append(errs, fmt.Errorf("detector: channel index %d listed twice", ch))
		}
		seen[ch] = true
	}
	return errors.Join(errs...)
}

func validateSensitivity(s float64) error {
	if s < 0 || s > 1 {
		return fmt.Errorf("detector: sensitivity %v out of range [0, 1]", s)
	}
	return nil
}

// WakeWordEvent describes one emitted detection.
type WakeWordEvent struct {
	Timestamp    time.Time
	Channel      int
	KeywordIndex int
	Keyword      string

	// Confidence is set when the engine reports a score.
	Confidence *float64

	// Channels lists every channel that contributed; under PolicyAll it holds
	// all configured channels.
	Channels []int
}

// Stats is a point-in-time snapshot of detector counters.
type Stats struct {
	TotalDetections  uint64         `json:"total_detections"`
	Suppressed       uint64         `json:"suppressed"`
	PerChannel       map[int]uint64 `json:"per_channel"`
	ProcessingErrors uint64         `json:"processing_errors"`
	FramesEvaluated  uint64         `json:"frames_evaluated"`
	Overflows        uint64         `json:"overflows"`
	LastDetection    time.Time      `json:"last_detection"`
	Paused           bool           `json:"paused"`
	Sessions         int            `json:"sessions"`
	Sensitivity      float64        `json:"sensitivity"`
	Cooldown         time.Duration  `json:"cooldown"`
	Breaker          string         `json:"breaker"`
}

// channel is the per-stream detection state.
type channel struct {
	id      int
	session keyword.SessionHandle
	acc     []int16

	pendingAt  time.Time
	pendingIdx int
}

// Detector evaluates audio chunks against a keyword engine. All methods are
// safe for concurrent use.
type Detector struct {
	engine  keyword.Engine
	bus     *eventbus.Bus
	metrics *observe.Metrics
	now     func() time.Time
	breaker *resilience.CircuitBreaker

	mu            sync.Mutex
	cfg           Config
	channels      []*channel
	frameLength   int
	engineRate    int
	lastDetection time.Time
	paused        bool
	closed        bool

	totalDetections  uint64
	suppressed       uint64
	perChannel       map[int]uint64
	processingErrors uint64
	framesEvaluated  uint64
	overflows        uint64
}

// Option is a functional option for [New].
type Option func(*Detector)

// WithBus publishes wake-word, escalation and recovery events on b.
func WithBus(b *eventbus.Bus) Option {
	return func(d *Detector) { d.bus = b }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithClock overrides the time source used for cooldown and coincidence.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New validates cfg and opens one engine session per evaluated channel.
// Session creation failure is returned and should be treated as fatal.
func New(engine keyword.Engine, cfg Config, opts ...Option) (*Detector, error) {
	if engine == nil {
		return nil, errors.New("detector: keyword engine is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	d := &Detector{
		engine:     engine,
		cfg:        cfg,
		now:        time.Now,
		perChannel: make(map[int]uint64),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "wake_word_detector",
		MaxFailures:   cfg.ErrorThreshold,
		Window:        cfg.ErrorWindow,
		ResetTimeout:  cfg.RecoveryAfter,
		HalfOpenMax:   1,
		Now:           d.now,
		OnStateChange: d.onBreakerChange,
	})

	channels, frameLength, rate, err := d.openSessions(cfg.Engine)
	if err != nil {
		return nil, err
	}
	d.channels, d.frameLength, d.engineRate = channels, frameLength, rate

	slog.Info("wake word detector ready",
		"mode", cfg.Mode,
		"policy", cfg.Policy,
		"channels", d.channelIDs(),
		"frame_length", frameLength,
		"engine_rate", rate,
		"sensitivity", cfg.Engine.Sensitivity,
		"cooldown", cfg.Cooldown,
	)
	return d, nil
}

// openSessions creates one session per evaluated channel. On failure every
// session created so far is closed.
func (d *Detector) openSessions(kc keyword.Config) ([]*channel, int, int, error) {
	ids := []int{ChannelMixed}
	if d.cfg.Mode == ModeSeparate {
		ids = d.cfg.Channels
	}

	var channels []*channel
	frameLength, rate := 0, 0
	fail := func(err error) ([]*channel, int, int, error) {
		closeChannels(channels)
		return nil, 0, 0, err
	}
	for _, id := range ids {
		sess, err := d.engine.NewSession(kc)
		if err != nil {
			return fail(fmt.Errorf("detector: create session for channel %d: %w", id, err))
		}
		channels = append(channels, &channel{id: id, session: sess})
		fl, sr := sess.FrameLength(), sess.SampleRate()
		if fl <= 0 || sr <= 0 {
			return fail(fmt.Errorf("detector: engine reported frame length %d at %d Hz", fl, sr))
		}
		if frameLength != 0 && (fl != frameLength || sr != rate) {
			return fail(errors.New("detector: engine sessions disagree on frame format"))
		}
		frameLength, rate = fl, sr
	}
	d.metrics.ActiveSessions.Add(context.Background(), int64(len(channels)))
	return channels, frameLength, rate, nil
}

func closeChannels(channels []*channel) {
	for _, ch := range channels {
		if err := ch.session.Close(); err != nil {
			slog.Warn("detector: close session", "channel", ch.id, "err", err)
		}
	}
}

func (d *Detector) channelIDs() []int {
	ids := make([]int, len(d.channels))
	for i, ch := range d.channels {
		ids[i] = ch.id
	}
	return ids
}

// ─── Processing ───────────────────────────────────────────────────────────────

// Process evaluates one chunk and returns the events it produced. Per-chunk
// failures are counted and logged; they never stop processing.
func (d *Detector) Process(chunk audio.Chunk) []WakeWordEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.paused {
		return nil
	}
	if err := d.checkChunk(chunk); err != nil {
		d.recordError("format", ChannelMixed, err)
		return nil
	}

	var events []WakeWordEvent
	for _, ch := range d.channels {
		var mono []float32
		if ch.id == ChannelMixed {
			mono = audio.Downmix(chunk.Samples, chunk.Channels)
		} else {
			mono = audio.Deinterleave(chunk.Samples, chunk.Channels, ch.id)
		}
		ch.acc = append(ch.acc, audio.ToInt16(audio.Resample(mono, chunk.SampleRate, d.engineRate))...)
		for len(ch.acc) >= d.frameLength {
			ev, ok := d.evaluate(ch)
			if ok {
				events = append(events, ev)
			}
		}
		d.bound(ch)
	}
	for _, ev := range events {
		d.publish(ev)
	}
	return events
}

func (d *Detector) checkChunk(chunk audio.Chunk) error {
	if err := chunk.Format().Validate(); err != nil {
		return err
	}
	if len(chunk.Samples)%chunk.Channels != 0 {
		return fmt.Errorf("detector: %d samples is not a whole number of %d-channel frames", len(chunk.Samples), chunk.Channels)
	}
	for _, ch := range d.channels {
		if ch.id >= chunk.Channels {
			return fmt.Errorf("detector: channel %d not present in %d-channel chunk", ch.id, chunk.Channels)
		}
	}
	return nil
}

// bound drops the oldest samples once the undrained remainder exceeds its
// limit.
func (d *Detector) bound(ch *channel) {
	limit := d.cfg.MaxBufferedFrames * d.frameLength
	if over := len(ch.acc) - limit; over > 0 {
		n := copy(ch.acc, ch.acc[over:])
		ch.acc = ch.acc[:n]
		d.overflows++
		slog.Debug("detector: accumulator overflow", "channel", ch.id, "dropped", over)
	}
}

// evaluate runs the engine on the front frame of ch.acc and applies the
// policy and cooldown to a match.
func (d *Detector) evaluate(ch *channel) (WakeWordEvent, bool) {
	frame := ch.acc[:d.frameLength]
	start := time.Now()
	idx, err := ch.session.Process(frame)
	d.metrics.EngineDuration.Record(context.Background(), time.Since(start).Seconds())
	n := copy(ch.acc, ch.acc[d.frameLength:])
	ch.acc = ch.acc[:n]
	d.framesEvaluated++
	d.metrics.FramesEvaluated.Add(context.Background(), 1)

	if err != nil {
		d.recordError("engine", ch.id, err)
		return WakeWordEvent{}, false
	}
	d.breaker.Record(nil)
	if idx < 0 {
		return WakeWordEvent{}, false
	}

	now := d.now()
	ev := WakeWordEvent{
		Timestamp:    now,
		Channel:      ch.id,
		KeywordIndex: idx,
		Keyword:      d.keywordName(idx),
		Channels:     []int{ch.id},
	}
	if cr, ok := ch.session.(keyword.ConfidenceReporter); ok {
		c := cr.LastConfidence()
		ev.Confidence = &c
	}

	if d.cfg.Mode == ModeSeparate && d.cfg.Policy == PolicyAll && len(d.channels) > 1 {
		ch.pendingAt, ch.pendingIdx = now, idx
		if !d.coincident(now) {
			slog.Debug("detector: match pending coincidence", "channel", ch.id)
			return WakeWordEvent{}, false
		}
		for _, c := range d.channels {
			c.pendingAt = time.Time{}
		}
		ev.Channels = d.channelIDs()
	}

	if !d.lastDetection.IsZero() && now.Sub(d.lastDetection) <= d.cfg.Cooldown {
		d.suppressed++
		d.metrics.Suppressed.Add(context.Background(), 1)
		slog.Debug("detector: match suppressed by cooldown", "channel", ch.id, "since_last", now.Sub(d.lastDetection))
		return WakeWordEvent{}, false
	}

	d.lastDetection = now
	d.totalDetections++
	for _, id := range ev.Channels {
		d.perChannel[id]++
	}
	d.metrics.RecordDetection(context.Background(), ch.id)
	slog.Info("wake word detected",
		"channel", ch.id,
		"keyword_index", idx,
		"keyword", ev.Keyword,
		"total", d.totalDetections,
	)
	return ev, true
}

// coincident reports whether every channel holds a match within the window.
func (d *Detector) coincident(now time.Time) bool {
	for _, c := range d.channels {
		if c.pendingAt.IsZero() || now.Sub(c.pendingAt) > d.cfg.CoincidenceWindow {
			return false
		}
	}
	return true
}

func (d *Detector) keywordName(idx int) string {
	if idx < len(d.cfg.Engine.Keywords) {
		return d.cfg.Engine.Keywords[idx]
	}
	return ""
}

func (d *Detector) recordError(kind string, channel int, err error) {
	d.processingErrors++
	d.metrics.RecordChunkError(context.Background(), "detector", kind)
	slog.Warn("detector: processing error", "kind", kind, "channel", channel, "err", err)
	d.breaker.Record(err)
}

func (d *Detector) publish(ev WakeWordEvent) {
	if d.bus == nil {
		return
	}
	data := map[string]any{
		"channel":       ev.Channel,
		"keyword_index": ev.KeywordIndex,
		"keyword":       ev.Keyword,
		"channels":      ev.Channels,
	}
	if ev.Confidence != nil {
		data["confidence"] = *ev.Confidence
	}
	if err := d.bus.Publish(eventbus.WakeWordDetected, source, data); err != nil {
		slog.Warn("detector: publish wake word event", "err", err)
	}
}

// onBreakerChange escalates and recovers through the bus. It runs without
// the breaker lock but may run under d.mu.
func (d *Detector) onBreakerChange(from, to resilience.State) {
	if d.bus == nil {
		return
	}
	var err error
	switch to {
	case resilience.StateOpen:
		err = d.bus.Publish(eventbus.SystemError, source, map[string]any{
			"fatal":   true,
			"message": "repeated wake word processing failures",
		})
	case resilience.StateClosed:
		if from == resilience.StateHalfOpen {
			err = d.bus.Publish(eventbus.ComponentReady, source, map[string]any{"component": source})
		}
	}
	if err != nil {
		slog.Warn("detector: publish breaker change", "to", to, "err", err)
	}
}

// Run feeds chunks to Process until ctx is cancelled or chunks is closed.
func (d *Detector) Run(ctx context.Context, chunks <-chan audio.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			d.Process(chunk)
		}
	}
}

// ─── Control ──────────────────────────────────────────────────────────────────

// SetSensitivity recreates every session with the new sensitivity. On error
// the previous sessions stay in use.
func (d *Detector) SetSensitivity(s float64) error {
	if err := validateSensitivity(s); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	kc := d.cfg.Engine
	kc.Sensitivity = s
	channels, frameLength, rate, err := d.openSessions(kc)
	if err != nil {
		return err
	}
	old := d.channels
	d.channels, d.frameLength, d.engineRate = channels, frameLength, rate
	d.cfg.Engine = kc
	closeChannels(old)
	d.metrics.ActiveSessions.Add(context.Background(), -int64(len(old)))
	slog.Info("detector: sensitivity updated", "sensitivity", s)
	return nil
}

// SetCooldown changes the minimum interval between events.
func (d *Detector) SetCooldown(c time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c > 0 {
		d.cfg.Cooldown = c
	}
}

// Pause stops evaluation; Process returns immediately until Resume.
func (d *Detector) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

// Resume re-enables evaluation and flushes stale accumulated audio.
func (d *Detector) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.flush()
}

// Reset flushes accumulators and pending matches and forgets the last
// detection so the next match is not subject to the cooldown.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flush()
	d.lastDetection = time.Time{}
	d.breaker.Reset()
}

func (d *Detector) flush() {
	for _, ch := range d.channels {
		ch.acc = ch.acc[:0]
		ch.pendingAt = time.Time{}
	}
}

// Sessions returns the number of open engine sessions.
func (d *Detector) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	return len(d.channels)
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	per := make(map[int]uint64, len(d.perChannel))
	for k, v := range d.perChannel {
		per[k] = v
	}
	sessions := len(d.channels)
	if d.closed {
		sessions = 0
	}
	return Stats{
		TotalDetections:  d.totalDetections,
		Suppressed:       d.suppressed,
		PerChannel:       per,
		ProcessingErrors: d.processingErrors,
		FramesEvaluated:  d.framesEvaluated,
		Overflows:        d.overflows,
		LastDetection:    d.lastDetection,
		Paused:           d.paused,
		Sessions:         sessions,
		Sensitivity:      d.cfg.Engine.Sensitivity,
		Cooldown:         d.cfg.Cooldown,
		Breaker:          d.breaker.State().String(),
	}
}

// Close releases every engine session. Calling Close more than once is safe.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	for _, ch := range d.channels {
		errs = append(errs, ch.session.Close())
	}
	d.metrics.ActiveSessions.Add(context.Background(), -int64(len(d.channels)))
	return errors.Join(errs...)
}

